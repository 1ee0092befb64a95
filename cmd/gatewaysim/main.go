// gatewaysim is a local stand-in for the platform gateway, for manual smoke
// checks of the full connect/register/event/ack/reply path.
// Usage: go run ./cmd/gatewaysim --addr :9090 --app-id app-123 --app-secret shh
//
// Point streamkeeper at ws://localhost:9090/push and watch events flow.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jwen/streamkeeper/internal/auth"
	"github.com/jwen/streamkeeper/internal/model"
	"github.com/jwen/streamkeeper/internal/transport"
)

func main() {
	addr := flag.String("addr", ":9090", "listen address")
	appID := flag.String("app-id", "app-123", "expected app id")
	appSecret := flag.String("app-secret", "shh", "secret used to verify register signatures")
	interval := flag.Duration("interval", 5*time.Second, "synthetic event cadence")
	duplicateEvery := flag.Int("duplicate-every", 4, "redeliver every Nth event to exercise dedup (0 disables)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	creds, err := auth.NewCredentials(*appID, *appSecret)
	if err != nil {
		logger.Error("invalid credentials", "error", err)
		os.Exit(1)
	}

	sim := &simulator{
		creds:          creds,
		addr:           *addr,
		interval:       *interval,
		duplicateEvery: *duplicateEvery,
		logger:         logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/push", sim.handlePush)
	mux.HandleFunc("/reply/", sim.handleReply)

	logger.Info("gateway simulator listening", "addr", *addr)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

type simulator struct {
	creds          *auth.Credentials
	addr           string
	interval       time.Duration
	duplicateEvery int
	logger         *slog.Logger

	upgrader websocket.Upgrader
}

// handlePush upgrades the connection, checks registration, then alternates
// pushing synthetic events and printing acks.
func (s *simulator) handlePush(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	logger := s.logger.With("remote", conn.RemoteAddr().String())

	if err := s.register(conn); err != nil {
		logger.Warn("registration rejected", "error", err)
		return
	}
	logger.Info("client registered")

	go s.pushLoop(conn, logger)

	// Read loop: acks and close. Gorilla answers pings automatically.
	for {
		var frame transport.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			logger.Info("client gone", "error", err)
			return
		}
		if frame.Type != transport.FrameAck {
			logger.Warn("unexpected frame", "type", frame.Type)
			continue
		}
		var ack transport.AckMsg
		if err := json.Unmarshal(frame.Msg, &ack); err != nil {
			logger.Warn("bad ack", "error", err)
			continue
		}
		logger.Info("ack received",
			"event_id", ack.EventID,
			"success", ack.Success,
			"error", ack.Error,
		)
	}
}

func (s *simulator) register(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	var frame transport.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		return fmt.Errorf("read register: %w", err)
	}
	if frame.Type != transport.FrameRegister {
		return fmt.Errorf("expected register frame, got %q", frame.Type)
	}

	var reg transport.RegisterMsg
	if err := json.Unmarshal(frame.Msg, &reg); err != nil {
		return fmt.Errorf("parse register: %w", err)
	}
	if reg.AppID != s.creds.AppID {
		return fmt.Errorf("unknown app id %q", reg.AppID)
	}
	if !s.creds.Verify(reg.Timestamp, reg.Signature) {
		return fmt.Errorf("bad signature for app %q", reg.AppID)
	}

	msg, _ := json.Marshal(transport.RegisteredMsg{SessionID: uuid.NewString()})
	return conn.WriteJSON(transport.Frame{Type: transport.FrameRegistered, Msg: msg})
}

// pushLoop delivers a synthetic direct message per tick, redelivering every
// Nth event verbatim so client-side dedup is observable.
func (s *simulator) pushLoop(conn *websocket.Conn, logger *slog.Logger) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	n := 0
	var last *model.InboundEvent

	for range ticker.C {
		n++
		event := s.nextEvent(n)
		if s.duplicateEvery > 0 && n%s.duplicateEvery == 0 && last != nil {
			event = *last
			logger.Info("redelivering event", "event_id", event.EventID)
		} else {
			last = &event
		}

		msg, _ := json.Marshal(event)
		if err := conn.WriteJSON(transport.Frame{Type: transport.FrameEvent, Msg: msg}); err != nil {
			logger.Info("push failed, stopping", "error", err)
			return
		}
		logger.Debug("event pushed", "event_id", event.EventID, "seq", n)
	}
}

func (s *simulator) nextEvent(n int) model.InboundEvent {
	now := time.Now()
	content, _ := json.Marshal(map[string]string{
		"text": fmt.Sprintf("synthetic message %d", n),
	})
	return model.InboundEvent{
		EventID:          uuid.NewString(),
		ConversationID:   "conv-sim",
		ConversationType: model.ConversationDirect,
		SenderID:         "user-sim",
		ReplyURL:         fmt.Sprintf("http://localhost%s/reply/%d", s.addr, n),
		ReplyExpiresAt:   now.Add(5 * time.Minute).Unix(),
		Content:          content,
		Timestamp:        now.Unix(),
	}
}

// handleReply accepts outbound replies posted to the ephemeral endpoints the
// simulator hands out.
func (s *simulator) handleReply(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	s.logger.Info("reply received", "path", r.URL.Path, "body", string(body))
	w.WriteHeader(http.StatusOK)
}
