package transport

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/jwen/streamkeeper/internal/model"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no pong)")
	ErrClosed          = errors.New("client closed")
)

// Frame is the envelope for every message on the gateway connection.
type Frame struct {
	Type string          `json:"type"` // "register", "registered", "event", "ack"
	Msg  json.RawMessage `json:"msg,omitempty"`
}

// Frame types.
const (
	FrameRegister   = "register"
	FrameRegistered = "registered"
	FrameEvent      = "event"
	FrameAck        = "ack"
)

// RegisterMsg is the client's registration request, sent once per connect.
type RegisterMsg struct {
	AppID     string   `json:"app_id"`
	Timestamp int64    `json:"timestamp"`
	Signature string   `json:"signature"`
	Topics    []string `json:"topics,omitempty"`
}

// RegisteredMsg is the gateway's registration acknowledgment.
type RegisteredMsg struct {
	SessionID string `json:"session_id"`
}

// AckMsg acknowledges receipt of a delivered event, success or failure.
// The gateway stops redelivering the event either way.
type AckMsg struct {
	EventID string `json:"event_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// EventHandler receives normalized inbound events. Delivery is synchronous on
// the connection's read loop; later events queue behind the running handler.
type EventHandler func(event model.InboundEvent)

// Config configures a gateway client.
type Config struct {
	URL              string        // WebSocket URL of the platform gateway
	AppID            string        // application id for registration
	AppSecret        string        // application secret for register signing
	Topics           []string      // event topics to request on registration
	HandshakeTimeout time.Duration // WebSocket dial timeout
	PingInterval     time.Duration // keepalive ping cadence
	PingTimeout      time.Duration // max silence before the connection counts as stale
	WriteTimeout     time.Duration // write deadline for outgoing frames
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// Clone returns an independently owned copy of the config. Every client
// instance must receive its own value: a Topics slice shared between the old
// and new client of a hard reconnect caused duplicate subscription
// registrations in an earlier design.
func (c Config) Clone() Config {
	out := c
	out.Topics = make([]string, len(c.Topics))
	copy(out.Topics, c.Topics)
	return out
}
