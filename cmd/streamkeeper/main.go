package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jwen/streamkeeper/internal/config"
	"github.com/jwen/streamkeeper/internal/dedup"
	"github.com/jwen/streamkeeper/internal/model"
	"github.com/jwen/streamkeeper/internal/reply"
	"github.com/jwen/streamkeeper/internal/routing"
	"github.com/jwen/streamkeeper/internal/session"
	"github.com/jwen/streamkeeper/internal/stream"
	"github.com/jwen/streamkeeper/internal/supervisor"
	"github.com/jwen/streamkeeper/internal/transport"
	"github.com/jwen/streamkeeper/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/streamkeeper.local.yaml", "path to config file")
	echo := flag.Bool("echo", false, "echo direct messages back through their reply endpoint (smoke mode)")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting streamkeeper",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"accounts", len(cfg.Accounts),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Shared state: dedup ledger and reply-routing cache span all accounts.
	ledger, err := dedup.NewLedger(dedup.Config{
		Capacity: cfg.Dedup.Capacity,
		TTL:      cfg.Dedup.TTL,
	}, logger)
	if err != nil {
		logger.Error("failed to build dedup ledger", "error", err)
		os.Exit(1)
	}
	routes := routing.NewCache(logger)

	factory := session.NewFactory(transportConfig(cfg.Transport), logger)

	coordCfg := stream.Config{
		Supervisor:      supervisorConfig(cfg.Supervisor),
		ConnectTimeout:  cfg.Supervisor.ConnectTimeout,
		CleanupInterval: cfg.Routing.CleanupInterval,
		RoutingTTL:      cfg.Routing.DefaultTTL,
	}

	var handler stream.Handler
	var coord *stream.Coordinator
	if *echo {
		// The sender resolves endpoints through the coordinator, which does
		// not exist yet; bind lazily through the closure below.
		sender := reply.NewSender(reply.Config{
			Timeout:    cfg.Reply.Timeout,
			MaxRetries: cfg.Reply.MaxRetries,
			RetryDelay: cfg.Reply.RetryDelay,
		}, resolverFunc(func(conversationID, senderID string) (string, bool) {
			return coord.ResolveReplyEndpoint(conversationID, senderID)
		}), logger)
		handler = echoHandler(sender, logger)
	} else {
		handler = logHandler(logger)
	}

	coord = stream.NewCoordinator(coordCfg, factory, ledger, routes, handler, logger)

	// Start health server before the accounts so startup is observable.
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: createHealthHandler(cfg, coord),
	}

	go func() {
		logger.Info("starting health server", "port", cfg.Health.Port, "path", cfg.Health.Path)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	// One monitoring run per account; Start blocks until shutdown.
	g, gctx := errgroup.WithContext(ctx)
	for _, ac := range cfg.Accounts {
		account := ac.Account()
		g.Go(func() error {
			return coord.Start(gctx, account)
		})
	}

	logger.Info("streamkeeper running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d%s", cfg.Health.Port, cfg.Health.Path),
	)

	if err := g.Wait(); err != nil {
		logger.Error("account monitoring failed", "error", err)
		cancel()
	}

	logger.Info("shutting down...")

	// Graceful shutdown of health server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	healthServer.Shutdown(shutdownCtx)

	logger.Info("streamkeeper stopped")
}

// transportConfig maps the loaded timeouts onto the transport's base config.
// Per-account fields (URL, credentials, topics) are filled by the session
// factory.
func transportConfig(tc config.TransportConfig) transport.Config {
	return transport.Config{
		HandshakeTimeout: tc.HandshakeTimeout,
		PingInterval:     tc.PingInterval,
		PingTimeout:      tc.PingTimeout,
		WriteTimeout:     tc.WriteTimeout,
	}
}

func supervisorConfig(sc config.SupervisorConfig) supervisor.Config {
	return supervisor.Config{
		PollInterval:     sc.PollInterval,
		BaseDelay:        sc.BaseDelay,
		MaxDelay:         sc.MaxDelay,
		SoftRepairLimit:  sc.SoftRepairLimit,
		ConnectTimeout:   sc.ConnectTimeout,
		ConnectedTimeout: sc.ConnectedTimeout,
	}
}

// createHealthHandler creates the HTTP handler for readiness probes.
func createHealthHandler(cfg *config.Config, coord *stream.Coordinator) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(cfg.Health.Path, func(w http.ResponseWriter, r *http.Request) {
		health := struct {
			Status   string                  `json:"status"`
			Accounts map[string]model.Health `json:"accounts"`
		}{
			Status:   "healthy",
			Accounts: make(map[string]model.Health, len(cfg.Accounts)),
		}

		for _, ac := range cfg.Accounts {
			h := coord.Health(ac.Key)
			health.Accounts[ac.Key] = h
			if !h.Connected || !h.Registered {
				health.Status = "degraded"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	return mux
}

// resolverFunc adapts a closure to reply.Resolver.
type resolverFunc func(conversationID, senderID string) (string, bool)

func (f resolverFunc) ResolveReplyEndpoint(conversationID, senderID string) (string, bool) {
	return f(conversationID, senderID)
}

// logHandler records each event; useful when streamkeeper fronts a consumer
// that drains events elsewhere.
func logHandler(logger *slog.Logger) stream.Handler {
	return stream.HandlerFunc(func(ctx context.Context, event model.InboundEvent, sess *session.Session) error {
		logger.Info("event received",
			"event_id", event.EventID,
			"conversation_id", event.ConversationID,
			"conversation_type", event.ConversationType,
			"sender", event.SenderID,
		)
		return nil
	})
}

// echoHandler replies to direct messages with their own content. A manual
// smoke check for the full inbound-to-reply path.
func echoHandler(sender *reply.Sender, logger *slog.Logger) stream.Handler {
	return stream.HandlerFunc(func(ctx context.Context, event model.InboundEvent, sess *session.Session) error {
		if event.ConversationType != model.ConversationDirect {
			return nil
		}
		payload := map[string]json.RawMessage{"content": event.Content}
		if err := sender.Send(ctx, event.ConversationID, event.SenderID, payload); err != nil {
			return fmt.Errorf("echo reply: %w", err)
		}
		logger.Debug("echoed message", "event_id", event.EventID)
		return nil
	})
}
