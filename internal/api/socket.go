package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/d00mkeeps/volc-sub001/internal/coach"
	"github.com/d00mkeeps/volc-sub001/internal/ratelimit"
)

const (
	socketWriteTimeout = 10 * time.Second
	maxInboundFrame    = 64 << 10
	turnQueueDepth     = 8
)

// User-facing socket error messages.
const (
	MsgTooFast      = "Too many messages at once. Please slow down."
	MsgQueueFull    = "Still working on your earlier messages. Please wait a moment."
	MsgBadFrame     = "Could not read that message."
	MsgUnknownFrame = "Unknown message type."
	MsgEmpty        = "Message must not be empty."
)

// socket is one live coach connection. The reader goroutine handles
// heartbeats inline and queues initialize and message frames for a
// single worker, so turns never overlap.
type socket struct {
	srv     *Server
	ws      *websocket.Conn
	orch    *coach.Orchestrator
	sess    coach.Session
	logger  *slog.Logger
	limiter *rate.Limiter
	started time.Time

	ctx    context.Context
	cancel context.CancelFunc
	turns  chan coach.ClientFrame

	writeMu sync.Mutex
}

func (s *Server) handleCoachSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		s.errorResponse(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	q := r.URL.Query()
	userID, convID := q.Get("user_id"), q.Get("conversation_id")
	if userID == "" || convID == "" {
		s.errorResponse(w, http.StatusBadRequest, "user_id and conversation_id are required")
		return
	}
	if s.cfg.Connections == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "coach unavailable")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(maxInboundFrame)

	sess := coach.Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		ConversationID: convID,
		Token:          token,
	}
	ctx, cancel := context.WithCancel(r.Context())
	c := &socket{
		srv:     s,
		ws:      ws,
		orch:    coach.New(s.cfg.Coach, s.cfg.CoachConfig, sess),
		sess:    sess,
		logger:  s.logger.With("session_id", sess.ID, "user_id", userID, "conversation_id", convID),
		limiter: rate.NewLimiter(rate.Limit(s.cfg.FrameRate), s.cfg.FrameBurst),
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		turns:   make(chan coach.ClientFrame, turnQueueDepth),
	}
	c.serve()
}

func (c *socket) serve() {
	defer c.ws.Close()
	defer c.cancel()

	conns := c.srv.cfg.Connections
	if err := conns.Register(c.sess.ID, c.sess.UserID, c.sess.ConversationID, c.expire); err != nil {
		c.logger.Warn("connection rejected", "error", err)
		_ = c.send(coach.Error(coach.MsgUnavailable))
		return
	}
	c.srv.cfg.Metrics.SetActiveConnections(conns.ActiveCount())
	c.logger.Info("coach socket connected")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.work()
	}()

	if err := c.send(coach.ConnectionStatus("connected")); err == nil {
		c.read()
	}

	c.cancel()
	close(c.turns)
	wg.Wait()
	c.finish()
}

// read consumes client frames until the socket fails or closes.
func (c *socket) read() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("socket read failed", "error", err)
			}
			return
		}

		// Any frame counts as liveness.
		c.srv.cfg.Connections.Heartbeat(c.sess.ID)

		if !c.limiter.Allow() {
			if c.send(coach.Error(MsgTooFast)) != nil {
				return
			}
			continue
		}

		var f coach.ClientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Debug("malformed client frame", "error", err)
			if c.send(coach.Error(MsgBadFrame)) != nil {
				return
			}
			continue
		}

		var reply *coach.Frame
		switch f.Type {
		case coach.ClientHeartbeat:
			ack := coach.HeartbeatAck(time.Now())
			reply = &ack
		case coach.ClientInitialize, coach.ClientMessage:
			select {
			case c.turns <- f:
			default:
				e := coach.Error(MsgQueueFull)
				reply = &e
			}
		default:
			e := coach.Error(MsgUnknownFrame)
			reply = &e
		}
		if reply != nil && c.send(*reply) != nil {
			return
		}
	}
}

// work runs queued frames one at a time.
func (c *socket) work() {
	for f := range c.turns {
		if c.ctx.Err() != nil {
			continue
		}
		switch f.Type {
		case coach.ClientInitialize:
			c.orch.Initialize(c.ctx, f.Messages)
		case coach.ClientMessage:
			c.message(f.Message)
		}
	}
}

func (c *socket) message(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		_ = c.send(coach.Error(MsgEmpty))
		return
	}

	if gate := c.srv.cfg.Gate; gate != nil {
		sub := ratelimit.Subject{UserID: c.sess.UserID, Role: c.role(), Token: c.sess.Token}
		status, err := gate.Check(c.ctx, sub, ratelimit.ActionMessageSend)
		if status != nil {
			c.logger.Debug("message budget", "remaining", status.Remaining, "reset_at", status.ResetAt)
		}
		var limited *ratelimit.LimitedError
		switch {
		case errors.As(err, &limited):
			_ = c.send(coach.Error(rateLimitMessage(limited)))
			return
		case err != nil:
			return
		}
	}

	if err := c.orch.ProcessMessage(c.ctx, text, c.send); err != nil {
		if errors.Is(err, coach.ErrCancelled) {
			c.logger.Debug("turn abandoned", "error", err)
			return
		}
		c.logger.Warn("turn failed", "error", err)
	}
}

// role looks up the caller's role from the cached shared context.
// Unknown roles get the base limits.
func (c *socket) role() string {
	loader := c.srv.cfg.Coach.Context
	if loader == nil {
		return ""
	}
	uc, err := loader.LoadAll(c.ctx, c.sess.Token, c.sess.UserID)
	if err != nil || uc == nil || !uc.HasProfile || uc.Profile == nil {
		return ""
	}
	return uc.Profile.Role
}

func rateLimitMessage(e *ratelimit.LimitedError) string {
	return fmt.Sprintf("Too many requests. You can send more messages after %s.",
		e.ResetAt.UTC().Format(time.RFC3339))
}

// send writes one frame. Writes from the reader and the turn worker
// are serialised.
func (c *socket) send(f coach.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(socketWriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(f)
}

// expire is the connection manager's timeout callback. Closing the
// socket unblocks the reader, which runs the normal teardown.
func (c *socket) expire() {
	c.logger.Info("heartbeat timeout, closing socket")
	c.cancel()
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "heartbeat timeout")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.ws.Close()
}

func (c *socket) finish() {
	conns := c.srv.cfg.Connections
	conns.Unregister(c.sess.ID)
	c.srv.cfg.Metrics.SetActiveConnections(conns.ActiveCount())

	if traces := c.srv.cfg.Coach.Traces; traces != nil {
		traces.Clear(c.sess.ID)
	}
	if ex := c.srv.cfg.Extractor; ex != nil {
		ex.Schedule(c.sess.UserID, c.sess.ConversationID, c.sess.Token)
	}
	c.logger.Info("coach socket closed", "duration", time.Since(c.started).Round(time.Millisecond))
}
