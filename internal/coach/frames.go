package coach

import "time"

// Server frame types.
const (
	FrameConnectionStatus = "connection_status"
	FrameThinking         = "thinking"
	FrameContent          = "content"
	FrameDone             = "done"
	FrameError            = "error"
	FrameHeartbeatAck     = "heartbeat_ack"
)

// Client frame types.
const (
	ClientInitialize = "initialize"
	ClientMessage    = "message"
	ClientHeartbeat  = "heartbeat"
)

// Frame is one server-to-client socket message.
type Frame struct {
	Type      string `json:"type"`
	Data      string `json:"data,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// ClientFrame is one client-to-server socket message.
type ClientFrame struct {
	Type     string           `json:"type"`
	Messages []HistoryMessage `json:"messages,omitempty"`
	Message  string           `json:"message,omitempty"`
}

// HistoryMessage is a prior message sent with an initialize frame.
type HistoryMessage struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// Emitter delivers a frame to the client. A non-nil error means the
// client can no longer be reached.
type Emitter func(Frame) error

// ConnectionStatus returns a connection_status frame.
func ConnectionStatus(status string) Frame {
	return Frame{Type: FrameConnectionStatus, Data: status}
}

// Thinking returns a thinking frame.
func Thinking() Frame { return Frame{Type: FrameThinking} }

// Content returns a content frame carrying visible text.
func Content(text string) Frame { return Frame{Type: FrameContent, Data: text} }

// Done returns a done frame.
func Done() Frame { return Frame{Type: FrameDone} }

// Error returns an error frame with a user-facing message.
func Error(message string) Frame { return Frame{Type: FrameError, Data: message} }

// HeartbeatAck returns a heartbeat_ack frame stamped with t.
func HeartbeatAck(t time.Time) Frame {
	return Frame{Type: FrameHeartbeatAck, Timestamp: t.UTC().Format(time.RFC3339Nano)}
}
