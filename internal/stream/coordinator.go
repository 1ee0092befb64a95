// Package stream wires the gateway core together: per-account sessions, the
// health supervisor, the dedup ledger, and the reply-routing cache, behind
// start/stop per account.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jwen/streamkeeper/internal/dedup"
	"github.com/jwen/streamkeeper/internal/model"
	"github.com/jwen/streamkeeper/internal/routing"
	"github.com/jwen/streamkeeper/internal/session"
	"github.com/jwen/streamkeeper/internal/supervisor"
	"github.com/jwen/streamkeeper/internal/transport"
)

// Handler processes de-duplicated inbound events. Its outcome is reported in
// the event's ack but never affects connection health or other events.
type Handler interface {
	HandleEvent(ctx context.Context, event model.InboundEvent, sess *session.Session) error
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, event model.InboundEvent, sess *session.Session) error

func (f HandlerFunc) HandleEvent(ctx context.Context, event model.InboundEvent, sess *session.Session) error {
	return f(ctx, event, sess)
}

// Config holds coordinator settings.
type Config struct {
	Supervisor      supervisor.Config
	ConnectTimeout  time.Duration // bound on the initial connect at Start
	CleanupInterval time.Duration // cadence of expired-state cleanup
	RoutingTTL      time.Duration // endpoint lifetime when an event carries no expiry
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Supervisor:      supervisor.DefaultConfig(),
		ConnectTimeout:  10 * time.Second,
		CleanupInterval: time.Minute,
		RoutingTTL:      30 * time.Minute,
	}
}

// accountRun tracks one account's monitoring lifetime.
type accountRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Coordinator owns the session registry and the per-account machinery. The
// inbound callback captures the account key, never the session object, so a
// hard-repair swap is transparent to in-flight invocations.
type Coordinator struct {
	cfg      Config
	factory  *session.Factory
	registry *session.Registry
	ledger   *dedup.Ledger
	routes   *routing.Cache
	handler  Handler
	logger   *slog.Logger

	mu   sync.Mutex
	runs map[string]*accountRun
}

// NewCoordinator creates a stream coordinator.
func NewCoordinator(cfg Config, factory *session.Factory, ledger *dedup.Ledger, routes *routing.Cache, handler Handler, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:      cfg,
		factory:  factory,
		registry: session.NewRegistry(),
		ledger:   ledger,
		routes:   routes,
		handler:  handler,
		logger:   logger,
		runs:     make(map[string]*accountRun),
	}
}

// Start brings up the account's session and supervises it until ctx is
// cancelled or Stop is called. It returns nil on a clean stop; only
// configuration errors (missing credentials) are returned synchronously,
// before any connection attempt.
func (c *Coordinator) Start(ctx context.Context, account model.Account) error {
	if account.Key == "" {
		account.Key = model.DefaultAccountKey
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &accountRun{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	if _, exists := c.runs[account.Key]; exists {
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("account %q already started", account.Key)
	}
	c.runs[account.Key] = run
	c.mu.Unlock()

	defer func() {
		c.teardown(account.Key)
		close(run.done)
	}()

	logger := c.logger.With("account", account.Key)

	// Missing credentials surface here, before any connection attempt.
	sess, err := c.factory.Create(account)
	if err != nil {
		return err
	}
	sess.Client().SetEventHandler(c.eventCallback(runCtx, account))
	c.registry.Install(account.Key, sess)

	// An initial connect failure is a transient transport failure, not a
	// startup error: the supervisor repairs it on the next backoff window.
	cctx, ccancel := context.WithTimeout(runCtx, c.cfg.ConnectTimeout)
	if err := sess.Connect(cctx); err != nil {
		logger.Warn("initial connect failed, supervisor will repair", "error", err)
	}
	ccancel()

	sup := supervisor.New(c.cfg.Supervisor, account.Key,
		&sessionControl{c: c, account: account, runCtx: runCtx}, c.logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sup.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		c.cleanupLoop(runCtx)
	}()

	logger.Info("account monitoring started", "session_id", sess.ID())

	<-runCtx.Done()
	wg.Wait()

	logger.Info("account monitoring stopped")
	return nil
}

// Stop cancels the account's monitoring and destroys its session. Idempotent;
// safe to call for accounts that were never started.
func (c *Coordinator) Stop(accountKey string) {
	c.mu.Lock()
	run := c.runs[accountKey]
	c.mu.Unlock()

	if run == nil {
		return
	}
	run.cancel()
	<-run.done
}

// ResolveReplyEndpoint returns the freshest live reply endpoint for the given
// conversation and/or sender. Outbound delivery calls this at send time
// rather than trusting the endpoint captured at receive time.
func (c *Coordinator) ResolveReplyEndpoint(conversationID, senderID string) (string, bool) {
	return c.routes.Resolve(conversationID, senderID)
}

// Health reports the account's probeable connection state.
func (c *Coordinator) Health(accountKey string) model.Health {
	sess := c.registry.Current(accountKey)
	if sess == nil {
		return model.Health{}
	}
	return sess.Health()
}

// teardown releases everything the account's run owned.
func (c *Coordinator) teardown(accountKey string) {
	c.registry.Remove(accountKey)
	c.factory.Destroy(accountKey)

	c.mu.Lock()
	delete(c.runs, accountKey)
	c.mu.Unlock()
}

// eventCallback builds the inbound callback for one account. It closes over
// the account key and re-reads the registry per event, so deliveries that
// arrive during or after a hard repair always see the current session.
func (c *Coordinator) eventCallback(ctx context.Context, account model.Account) transport.EventHandler {
	key := account.Key
	return func(event model.InboundEvent) {
		c.handleEvent(ctx, key, event)
	}
}

func (c *Coordinator) handleEvent(ctx context.Context, accountKey string, event model.InboundEvent) {
	logger := c.logger.With("account", accountKey, "event_id", event.EventID)

	if event.EventID == "" {
		logger.Warn("event without id, cannot deduplicate or ack")
		return
	}

	if c.ledger.IsDuplicate(event.EventID) {
		logger.Debug("duplicate event, acking without handling")
		c.ack(accountKey, event.EventID, true, "", logger)
		return
	}

	c.recordReplyEndpoint(event)

	var handlerErr error
	if c.handler != nil {
		handlerErr = c.handler.HandleEvent(ctx, event, c.registry.Current(accountKey))
	}
	if handlerErr != nil {
		logger.Error("event handler failed", "error", handlerErr)
	}

	// Ack regardless of handler outcome so the gateway stops redelivering.
	success, errMsg := handlerErr == nil, ""
	if handlerErr != nil {
		errMsg = handlerErr.Error()
	}
	c.ack(accountKey, event.EventID, success, errMsg, logger)
}

func (c *Coordinator) ack(accountKey, eventID string, success bool, errMsg string, logger *slog.Logger) {
	sess := c.registry.Current(accountKey)
	if sess == nil {
		logger.Warn("no session to ack on")
		return
	}
	if err := sess.Client().Ack(eventID, success, errMsg); err != nil {
		logger.Warn("ack failed", "error", err)
	}
}

func (c *Coordinator) recordReplyEndpoint(event model.InboundEvent) {
	if event.ReplyURL == "" {
		return
	}
	expires := event.ReplyDeadline()
	if event.ReplyExpiresAt == 0 {
		expires = time.Now().Add(c.cfg.RoutingTTL)
	}
	senderID := ""
	if event.ConversationType == model.ConversationDirect {
		senderID = event.SenderID
	}
	c.routes.Record(event.ConversationID, event.ReplyURL, expires, senderID)
}

// cleanupLoop periodically reclaims expired dedup entries and reply
// endpoints.
func (c *Coordinator) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ledger.PurgeExpired()
			c.routes.PurgeExpired()
		}
	}
}

// sessionControl adapts the coordinator's registry and factory to the
// supervisor's view of one account.
type sessionControl struct {
	c       *Coordinator
	account model.Account
	runCtx  context.Context // the account's monitoring lifetime, not a repair attempt's
}

func (sc *sessionControl) Current() supervisor.Session {
	if s := sc.c.registry.Current(sc.account.Key); s != nil {
		return s
	}
	return nil
}

// Rebuild constructs a brand-new session from the account's credentials with
// the inbound callback bound. The caller connects it and swaps it in.
func (sc *sessionControl) Rebuild(ctx context.Context) (supervisor.Session, error) {
	fresh, err := sc.c.factory.Replace(sc.account)
	if err != nil {
		return nil, err
	}
	fresh.Client().SetEventHandler(sc.c.eventCallback(sc.runCtx, sc.account))
	return fresh, nil
}

func (sc *sessionControl) Install(s supervisor.Session) {
	sc.c.registry.Install(sc.account.Key, s.(*session.Session))
}
