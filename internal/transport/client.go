package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jwen/streamkeeper/internal/auth"
	"github.com/jwen/streamkeeper/internal/model"
)

// Client is a single WebSocket connection to the platform gateway. Unlike a
// one-shot dialer it survives its socket: Connect may be called again on the
// same object after a drop (soft repair reuses negotiated server-side state),
// while Close shuts the client down permanently (hard repair or stop).
type Client struct {
	cfg    Config
	creds  *auth.Credentials
	logger *slog.Logger

	// Write serialization
	writeMu sync.Mutex

	// State; conn and done identify the current connection generation, so
	// callbacks from a replaced socket cannot corrupt the flags.
	mu         sync.RWMutex
	conn       *websocket.Conn
	done       chan struct{}
	connected  bool
	registered bool
	closed     bool
	lastPongAt time.Time
	sessionID  string
	handler    EventHandler
}

// NewClient creates a gateway client. The config is cloned so the client owns
// its value outright.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	creds, err := auth.NewCredentials(cfg.AppID, cfg.AppSecret)
	if err != nil {
		return nil, fmt.Errorf("gateway credentials: %w", err)
	}
	return &Client{
		cfg:    cfg.Clone(),
		creds:  creds,
		logger: logger,
	}, nil
}

// SetEventHandler installs the inbound event callback. Must be re-applied to
// any replacement client built during a hard repair.
func (c *Client) SetEventHandler(h EventHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Connect establishes the WebSocket connection and sends the register frame.
// Any prior socket and its timers are torn down first, so a repeat call on
// the same object performs a clean reconnect. Registration is acknowledged
// asynchronously; IsRegistered flips once the gateway confirms.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.teardownLocked()
	c.mu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}

	conn.SetPingHandler(func(data string) error {
		c.touch(conn)
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})
	conn.SetPongHandler(func(string) error {
		c.touch(conn)
		return nil
	})

	done := make(chan struct{})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.done = done
	c.connected = true
	c.registered = false
	c.lastPongAt = time.Now()
	c.mu.Unlock()

	if err := c.sendRegister(conn); err != nil {
		c.logger.Warn("failed to send register frame", "error", err)
		// The read loop will surface the broken socket; connect succeeded.
	}

	go c.readLoop(conn, done)
	go c.heartbeatLoop(conn, done)

	c.logger.Debug("gateway connected", "url", c.cfg.URL)

	return nil
}

// Close permanently shuts the client down: heartbeat timer stopped, socket
// force-closed, no internal activity races a replacement client. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.teardownLocked()
	c.mu.Unlock()
	return nil
}

// Ack acknowledges a delivered event so the gateway stops redelivering it.
// Sent exactly once per delivered event regardless of handler outcome.
func (c *Client) Ack(eventID string, success bool, errMsg string) error {
	msg, err := json.Marshal(AckMsg{
		EventID: eventID,
		Success: success,
		Error:   errMsg,
	})
	if err != nil {
		return fmt.Errorf("marshal ack: %w", err)
	}
	return c.send(Frame{Type: FrameAck, Msg: msg})
}

// IsConnected reports whether the transport socket is open. This is the only
// input to health evaluation.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// IsRegistered reports whether the gateway has acknowledged registration.
// Kept for observability only: the delivery channel is often functional
// before, or even without, the acknowledgment.
func (c *Client) IsRegistered() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registered
}

// SessionID returns the gateway-assigned session id, if registered.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// teardownLocked releases the current connection generation: the done channel
// stops both loops and the socket is force-closed. Caller holds c.mu.
func (c *Client) teardownLocked() {
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	if c.conn != nil {
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.registered = false
}

// touch records gateway liveness for the given connection generation.
func (c *Client) touch(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.lastPongAt = time.Now()
	}
	c.mu.Unlock()
}

// markDisconnected flips the flags if conn is still the live generation.
func (c *Client) markDisconnected(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.connected = false
		c.registered = false
	}
	c.mu.Unlock()
}

func (c *Client) send(frame Frame) error {
	c.mu.RLock()
	conn := c.conn
	connected := c.connected
	c.mu.RUnlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, frame)
}

func (c *Client) write(conn *websocket.Conn, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) sendRegister(conn *websocket.Conn) error {
	timestamp, signature := c.creds.SignRegister(time.Now())
	msg, err := json.Marshal(RegisterMsg{
		AppID:     c.cfg.AppID,
		Timestamp: timestamp,
		Signature: signature,
		Topics:    c.cfg.Topics,
	})
	if err != nil {
		return fmt.Errorf("marshal register: %w", err)
	}
	return c.write(conn, Frame{Type: FrameRegister, Msg: msg})
}

// readLoop reads frames from one connection generation until it dies.
func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer c.markDisconnected(conn)

	for {
		select {
		case <-done:
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			// Ignore errors after teardown
			select {
			case <-done:
			default:
				c.logger.Warn("gateway read failed", "error", err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("unparseable gateway frame", "error", err)
			continue
		}

		switch frame.Type {
		case FrameRegistered:
			var msg RegisteredMsg
			if err := json.Unmarshal(frame.Msg, &msg); err != nil {
				c.logger.Warn("unparseable registered frame", "error", err)
				continue
			}
			c.mu.Lock()
			if c.conn == conn {
				c.registered = true
				c.sessionID = msg.SessionID
			}
			c.mu.Unlock()
			c.logger.Info("gateway session registered", "session_id", msg.SessionID)

		case FrameEvent:
			var event model.InboundEvent
			if err := json.Unmarshal(frame.Msg, &event); err != nil {
				c.logger.Warn("unparseable event frame", "error", err)
				continue
			}
			event.ReceivedAt = receivedAt

			c.mu.RLock()
			handler := c.handler
			c.mu.RUnlock()

			if handler == nil {
				c.logger.Warn("event delivered with no handler registered",
					"event_id", event.EventID,
				)
				continue
			}
			// Synchronous delivery: later events queue behind the handler.
			handler(event)

		default:
			c.logger.Debug("ignoring gateway frame", "type", frame.Type)
		}
	}
}

// heartbeatLoop sends keepalive pings and detects stale connections.
func (c *Client) heartbeatLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}

			c.mu.RLock()
			lastPong := c.lastPongAt
			c.mu.RUnlock()

			if time.Since(lastPong) > c.cfg.PingTimeout {
				c.logger.Warn("gateway silent past ping timeout",
					"last_pong", lastPong,
					"timeout", c.cfg.PingTimeout,
				)
				c.markDisconnected(conn)
				conn.Close()
				return
			}
		}
	}
}
