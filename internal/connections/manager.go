// Package connections tracks live coaching sockets and times out the
// ones that stop sending heartbeats.
//
// A single monitor goroutine wakes every MonitorInterval while any
// connection is registered. It exits when the registry empties and is
// restarted by the next Register.
package connections

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Defaults for [Config].
const (
	DefaultMonitorInterval  = 5 * time.Second
	DefaultHeartbeatTimeout = 30 * time.Second
)

// ErrClosed is returned by Register after Close.
var ErrClosed = errors.New("connection manager closed")

// Record describes a registered connection.
type Record struct {
	ConnectionID   string    `json:"connection_id"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
}

type conn struct {
	Record
	onTimeout func()
	timedOut  bool
}

// expiry is a timed-out connection captured under the lock.
type expiry struct {
	conn   *conn
	record Record
}

// Config configures a [Manager].
type Config struct {
	MonitorInterval  time.Duration
	HeartbeatTimeout time.Duration

	// OnTimeout, if set, observes every timed-out connection after its
	// own callback has run.
	OnTimeout func(Record)

	Logger *slog.Logger
}

// Manager is the process-wide connection registry. All mutations are
// serialised by one mutex; timeout callbacks run without it held.
type Manager struct {
	interval time.Duration
	timeout  time.Duration
	observe  func(Record)
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	conns   map[string]*conn
	running bool
	closed  bool
}

// NewManager creates a manager. Zero config fields take defaults.
func NewManager(cfg Config) *Manager {
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = DefaultMonitorInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		interval: cfg.MonitorInterval,
		timeout:  cfg.HeartbeatTimeout,
		observe:  cfg.OnTimeout,
		logger:   cfg.Logger.With("component", "connections"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[string]*conn),
	}
}

// Register adds a connection. onTimeout runs once if the connection
// misses heartbeats for longer than the timeout. Registering an id that
// already exists replaces it.
func (m *Manager) Register(connectionID, userID, conversationID string, onTimeout func()) error {
	if connectionID == "" {
		return fmt.Errorf("register: empty connection id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	now := m.now()
	m.conns[connectionID] = &conn{
		Record: Record{
			ConnectionID:   connectionID,
			UserID:         userID,
			ConversationID: conversationID,
			ConnectedAt:    now,
			LastHeartbeat:  now,
		},
		onTimeout: onTimeout,
	}

	if !m.running {
		m.running = true
		m.wg.Add(1)
		go m.monitor()
	}

	m.logger.Debug("connection registered",
		"connection_id", connectionID,
		"user_id", userID,
		"conversation_id", conversationID,
		"active", len(m.conns),
	)
	return nil
}

// Heartbeat records liveness. The recorded time never moves backwards.
// It reports whether the connection is registered.
func (m *Manager) Heartbeat(connectionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connectionID]
	if !ok {
		return false
	}
	if now := m.now(); now.After(c.LastHeartbeat) {
		c.LastHeartbeat = now
	}
	return true
}

// Unregister removes a connection. It reports whether it was present.
func (m *Manager) Unregister(connectionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[connectionID]; !ok {
		return false
	}
	delete(m.conns, connectionID)
	m.logger.Debug("connection unregistered", "connection_id", connectionID, "active", len(m.conns))
	return true
}

// ActiveCount returns the number of registered connections.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Get returns a connection's record.
func (m *Manager) Get(connectionID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connectionID]
	if !ok {
		return Record{}, false
	}
	return c.Record, true
}

// Running reports whether the monitor goroutine is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Close stops the monitor and waits for it to exit. Registered
// connections are left in place; their callbacks will not fire.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) monitor() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
			return
		case <-ticker.C:
		}

		expired, keepRunning := m.collectExpired()
		for _, e := range expired {
			m.fire(e)
		}
		if !keepRunning {
			return
		}
	}
}

// collectExpired marks and returns timed-out connections. When the
// registry is empty it clears running and tells the monitor to exit.
func (m *Manager) collectExpired() ([]expiry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.conns) == 0 {
		m.running = false
		m.logger.Debug("connection monitor suspended")
		return nil, false
	}

	now := m.now()
	var expired []expiry
	for _, c := range m.conns {
		if c.timedOut || now.Sub(c.LastHeartbeat) <= m.timeout {
			continue
		}
		c.timedOut = true
		expired = append(expired, expiry{conn: c, record: c.Record})
	}
	return expired, true
}

// fire runs a timeout callback and then unregisters the connection.
func (m *Manager) fire(e expiry) {
	rec := e.record
	m.logger.Info("connection heartbeat timeout",
		"connection_id", rec.ConnectionID,
		"user_id", rec.UserID,
		"last_heartbeat", rec.LastHeartbeat,
	)

	if e.conn.onTimeout != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("timeout callback panicked", "connection_id", rec.ConnectionID, "panic", r)
				}
			}()
			e.conn.onTimeout()
		}()
	}

	m.mu.Lock()
	if cur, ok := m.conns[rec.ConnectionID]; ok && cur == e.conn {
		delete(m.conns, rec.ConnectionID)
	}
	m.mu.Unlock()

	if m.observe != nil {
		m.observe(rec)
	}
}
