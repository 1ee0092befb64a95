// Package session owns the per-account connection lifecycle: one Session per
// logical account, an idempotent Factory, and the Registry that always names
// the current live Session for an account.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jwen/streamkeeper/internal/model"
	"github.com/jwen/streamkeeper/internal/transport"
)

// Session binds one gateway client to exactly one account. At most one live
// Session exists per account at any instant; a hard reconnect fully releases
// this Session's resources at or before installing its replacement.
type Session struct {
	id        string
	account   model.Account
	client    *transport.Client
	createdAt time.Time
	logger    *slog.Logger
}

func newSession(account model.Account, client *transport.Client, logger *slog.Logger) *Session {
	return &Session{
		id:        uuid.NewString(),
		account:   account,
		client:    client,
		createdAt: time.Now(),
		logger:    logger,
	}
}

// ID returns the process-local instance id, distinguishing a session from its
// hard-reconnect replacements in logs.
func (s *Session) ID() string {
	return s.id
}

// Account returns the account this session is bound to.
func (s *Session) Account() model.Account {
	return s.account
}

// Client returns the underlying gateway client.
func (s *Session) Client() *transport.Client {
	return s.client
}

// Connect establishes the gateway connection.
func (s *Session) Connect(ctx context.Context) error {
	return s.client.Connect(ctx)
}

// Reconnect performs a soft repair: the existing client object keeps its
// negotiated identity, internal timers are cleared, and the connect call is
// reissued on the same object.
func (s *Session) Reconnect(ctx context.Context) error {
	return s.client.Connect(ctx)
}

// Shutdown permanently tears the session down: heartbeat stopped, socket
// force-closed, marked user-initiated so nothing internal races a
// replacement.
func (s *Session) Shutdown() {
	if err := s.client.Close(); err != nil {
		s.logger.Warn("session shutdown", "session_id", s.id, "error", err)
	}
}

// Connected reports whether the transport socket is open.
func (s *Session) Connected() bool {
	return s.client.IsConnected()
}

// Registered reports whether the gateway acknowledged registration.
// Observability only; never a health precondition.
func (s *Session) Registered() bool {
	return s.client.IsRegistered()
}

// Health snapshots the probeable connection state.
func (s *Session) Health() model.Health {
	return model.Health{
		Connected:  s.client.IsConnected(),
		Registered: s.client.IsRegistered(),
	}
}
