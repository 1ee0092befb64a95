// Package supervisor implements the per-account connection health state
// machine. It polls session health on a fixed interval independent of event
// traffic and drives repair: soft repairs reuse the existing session object,
// repeated failures escalate to a hard repair that replaces it outright.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Errors
var (
	ErrNoSession        = errors.New("no session installed")
	ErrConnectedTimeout = errors.New("timed out waiting for connected")
)

// State is the health state of one account's connection.
type State string

const (
	StateHealthy      State = "healthy"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
)

// attemptCap bounds the attempt counter. Backoff saturates at MaxDelay long
// before this, so letting the counter grow further only inflates logs.
const attemptCap = 30

// waitPoll is the polling cadence while waiting for a connection to come up.
const waitPoll = 50 * time.Millisecond

// Session is the slice of session behavior the supervisor drives.
type Session interface {
	ID() string
	Connected() bool
	Connect(ctx context.Context) error
	Shutdown()
}

// Controller resolves and replaces the account's current session. Implemented
// by the stream coordinator; Rebuild returns a brand-new session built from
// the account's credentials with the inbound callback already bound, and
// Install atomically swaps it in as the current session.
type Controller interface {
	Current() Session
	Rebuild(ctx context.Context) (Session, error)
	Install(s Session)
}

// Config holds supervisor settings.
type Config struct {
	PollInterval     time.Duration // health check cadence
	BaseDelay        time.Duration // backoff base
	MaxDelay         time.Duration // backoff cap
	SoftRepairLimit  int           // attempts at or below this use soft repair
	ConnectTimeout   time.Duration // bound on the connect call itself
	ConnectedTimeout time.Duration // bound on waiting for connected to flip
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:     5 * time.Second,
		BaseDelay:        2 * time.Second,
		MaxDelay:         120 * time.Second,
		SoftRepairLimit:  2,
		ConnectTimeout:   10 * time.Second,
		ConnectedTimeout: 15 * time.Second,
	}
}

// Backoff computes the capped exponential delay before attempt n+1.
func Backoff(base, max time.Duration, attempts int) time.Duration {
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Supervisor watches one account's session and repairs it on failure. All
// state is owned by the single Run goroutine; the reconnecting guard is the
// only explicit mutual exclusion and prevents overlapping repair attempts.
type Supervisor struct {
	cfg        Config
	accountKey string
	ctrl       Controller
	logger     *slog.Logger

	state        State
	since        time.Time // entered DISCONNECTED
	attempts     int       // failed repairs since last healthy, capped
	reconnecting bool

	now func() time.Time // injectable for tests
}

// New creates a supervisor for one account.
func New(cfg Config, accountKey string, ctrl Controller, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:        cfg,
		accountKey: accountKey,
		ctrl:       ctrl,
		logger:     logger.With("account", accountKey),
		state:      StateHealthy,
		now:        time.Now,
	}
}

// State returns the current health state.
func (s *Supervisor) State() State {
	return s.state
}

// Attempts returns the capped failed-repair counter.
func (s *Supervisor) Attempts() int {
	return s.attempts
}

// Run polls session health until the context is cancelled. Health checks are
// strictly serialized by this single timer.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.logger.Info("health supervisor started", "poll_interval", s.cfg.PollInterval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("health supervisor stopped")
			return
		case <-ticker.C:
			s.check(ctx)
		}
	}
}

// check advances the state machine one step.
func (s *Supervisor) check(ctx context.Context) {
	if s.reconnecting {
		return
	}

	sess := s.ctrl.Current()
	connected := sess != nil && sess.Connected()

	switch s.state {
	case StateHealthy:
		if connected {
			return
		}
		s.state = StateDisconnected
		s.since = s.now()
		s.attempts = 0
		s.logger.Warn("connection lost", "state", s.state)

	case StateDisconnected:
		if connected {
			// Transport recovered on its own.
			s.toHealthy("recovered")
			return
		}
		delay := Backoff(s.cfg.BaseDelay, s.cfg.MaxDelay, s.attempts)
		if s.now().Sub(s.since) < delay {
			return
		}
		s.repair(ctx)
	}
}

// repair runs one bounded repair attempt: soft while the attempt ordinal is
// within the soft limit, hard beyond it.
func (s *Supervisor) repair(ctx context.Context) {
	s.reconnecting = true
	s.state = StateReconnecting
	defer func() { s.reconnecting = false }()

	attempt := s.attempts + 1
	soft := attempt <= s.cfg.SoftRepairLimit
	kind := "soft"
	if !soft {
		kind = "hard"
	}

	s.logger.Info("attempting repair",
		"kind", kind,
		"attempt", attempt,
		"down_for", s.now().Sub(s.since),
	)

	var err error
	if soft {
		err = s.softRepair(ctx)
	} else {
		err = s.hardRepair(ctx)
	}

	if err != nil {
		if s.attempts < attemptCap {
			s.attempts++
		}
		// A full backoff period elapses before the next attempt.
		s.since = s.now()
		s.state = StateDisconnected
		s.logger.Warn("repair failed",
			"kind", kind,
			"attempt", attempt,
			"error", err,
			"next_delay", Backoff(s.cfg.BaseDelay, s.cfg.MaxDelay, s.attempts),
		)
		return
	}

	s.toHealthy(kind + " repair succeeded")
}

func (s *Supervisor) toHealthy(reason string) {
	s.state = StateHealthy
	s.attempts = 0
	s.logger.Info("connection healthy", "reason", reason)
}

// softRepair reuses the existing session object: internal timers are cleared
// and the connect call reissued on the same object, preserving negotiated
// server-side state across transient blips.
func (s *Supervisor) softRepair(ctx context.Context) error {
	sess := s.ctrl.Current()
	if sess == nil {
		return ErrNoSession
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	if err := sess.Connect(cctx); err != nil {
		return err
	}
	return s.waitConnected(ctx, sess)
}

// hardRepair replaces the session outright: the old object's timers and
// socket are torn down user-initiated so no internal reconnect races the new
// attempt, a brand-new session is built from the account's credentials with
// the inbound callback re-bound, and only once it is connected does the swap
// make it visible to deliveries and reply resolution.
func (s *Supervisor) hardRepair(ctx context.Context) error {
	if old := s.ctrl.Current(); old != nil {
		s.logger.Info("tearing down session", "session_id", old.ID())
		old.Shutdown()
	}

	fresh, err := s.ctrl.Rebuild(ctx)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	if err := fresh.Connect(cctx); err != nil {
		fresh.Shutdown()
		return err
	}
	if err := s.waitConnected(ctx, fresh); err != nil {
		fresh.Shutdown()
		return err
	}

	s.ctrl.Install(fresh)
	s.logger.Info("session replaced", "session_id", fresh.ID())
	return nil
}

// waitConnected polls the connected flag under a bound. Timeout counts as
// repair failure.
func (s *Supervisor) waitConnected(ctx context.Context, sess Session) error {
	deadline := s.now().Add(s.cfg.ConnectedTimeout)
	for {
		if sess.Connected() {
			return nil
		}
		if s.now().After(deadline) {
			return ErrConnectedTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitPoll):
		}
	}
}
