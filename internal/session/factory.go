package session

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/jwen/streamkeeper/internal/model"
	"github.com/jwen/streamkeeper/internal/transport"
)

// Factory builds sessions from account credentials. Create is idempotent per
// account key: unchanged credentials return the cached instance; changed
// credentials shut the old session down and build a replacement.
type Factory struct {
	base   transport.Config // timeouts only; per-account fields filled on build
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewFactory creates a session factory. base carries transport timeouts; URL,
// credentials, and topics come from each account.
func NewFactory(base transport.Config, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		base:     base,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Create returns the account's session, building one if needed.
func (f *Factory) Create(account model.Account) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, ok := f.sessions[account.Key]; ok {
		if sameCredentials(existing.account, account) {
			return existing, nil
		}
		f.logger.Info("account credentials changed, rebuilding session",
			"account", account.Key,
			"session_id", existing.id,
		)
		existing.Shutdown()
		delete(f.sessions, account.Key)
	}

	s, err := f.build(account)
	if err != nil {
		return nil, err
	}
	f.sessions[account.Key] = s
	return s, nil
}

// Replace always builds a brand-new session for the account, shutting down
// any cached one first. Used by hard repair, where the cached instance is the
// corrupted object being discarded.
func (f *Factory) Replace(account model.Account) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, ok := f.sessions[account.Key]; ok {
		existing.Shutdown()
		delete(f.sessions, account.Key)
	}

	s, err := f.build(account)
	if err != nil {
		return nil, err
	}
	f.sessions[account.Key] = s
	return s, nil
}

// Destroy disconnects and evicts the account's session. Idempotent.
func (f *Factory) Destroy(accountKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, ok := f.sessions[accountKey]; ok {
		existing.Shutdown()
		delete(f.sessions, accountKey)
	}
}

// build constructs a session whose client owns a freshly built config value.
// Nothing mutable is shared with any earlier client for the same account.
func (f *Factory) build(account model.Account) (*Session, error) {
	cfg := f.base.Clone()
	cfg.URL = account.GatewayURL
	cfg.AppID = account.AppID
	cfg.AppSecret = account.AppSecret
	cfg.Topics = make([]string, len(account.Topics))
	copy(cfg.Topics, account.Topics)

	client, err := transport.NewClient(cfg, f.logger.With("account", account.Key))
	if err != nil {
		return nil, fmt.Errorf("build session for account %q: %w", account.Key, err)
	}

	s := newSession(account, client, f.logger)
	f.logger.Debug("session built", "account", account.Key, "session_id", s.id)
	return s, nil
}

func sameCredentials(a, b model.Account) bool {
	return a.AppID == b.AppID && a.AppSecret == b.AppSecret && a.GatewayURL == b.GatewayURL
}
