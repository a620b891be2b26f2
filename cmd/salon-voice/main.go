package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/bt-bridge/salon-voice/agents"
	"github.com/bt-bridge/salon-voice/booking"
	"github.com/bt-bridge/salon-voice/booking/pgstore"
	"github.com/bt-bridge/salon-voice/booking/restapi"
	"github.com/bt-bridge/salon-voice/bridge"
	"github.com/bt-bridge/salon-voice/functions"
	"github.com/bt-bridge/salon-voice/guardrails"
	"github.com/bt-bridge/salon-voice/normalize"
	"github.com/bt-bridge/salon-voice/shared"
	"github.com/bt-bridge/salon-voice/webhook"
)

const printerIndent = "│  "

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	envPath := flag.String("env", ".env", "path to an optional .env file")
	flag.Parse()

	if err := shared.LoadDotenv(*envPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := shared.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading config:", err)
		os.Exit(1)
	}
	logger := shared.NewLogger(cfg.Log).With(
		zap.String("component", "salon-voice"),
		zap.String("version", shared.Version),
	)
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("salon-voice stopped", err)
		os.Exit(1)
	}
}

func run(cfg shared.Config, logger shared.LoggerAdapter) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collab, closeBooking, err := openBooking(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBooking()

	guard, closeGuard, err := openGuardrails(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeGuard()

	registry := functions.NewRegistry(
		functions.WithContentChecker(guard),
		functions.WithLogger(logger),
	)
	if err := functions.NewBookingTools(collab, normalize.New(), logger).Register(registry); err != nil {
		return fmt.Errorf("registering booking tools: %w", err)
	}

	var opts []agents.Option
	if cfg.Log.ConsoleTranscripts {
		printer, err := shared.NewPrinter(printerIndent, shared.NewWriteCloser(os.Stdout))
		if err != nil {
			return fmt.Errorf("creating printer: %w", err)
		}
		defer printer.Close()
		opts = append(opts, agents.WithPrinter(printer))
	}
	agent, err := agents.NewPhoneAgent(logger, cfg.Realtime, registry, guard, opts...)
	if err != nil {
		return fmt.Errorf("creating phone agent: %w", err)
	}

	sessions := bridge.NewRegistry(logger, cfg.Bridge)
	br, err := bridge.New(logger, cfg.Bridge, agent, sessions, bridge.WithBusinessResolver(cfg.BusinessFor))
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	srv, err := webhook.NewServer(logger, cfg.Server, br, cfg.BusinessFor)
	if err != nil {
		return fmt.Errorf("creating webhook server: %w", err)
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sessions.Run(sweepCtx)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr), zap.Int("businesses", len(cfg.Businesses)))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Int("active_calls", sessions.Count()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutting down http server", err)
	}
	sessions.CancelAll(shared.ErrShuttingDown)
	if err := sessions.Wait(shutdownCtx); err != nil {
		return err
	}
	logger.Info("graceful shutdown complete")
	return nil
}

// openBooking builds the configured booking collaborator.
func openBooking(ctx context.Context, cfg shared.Config, logger shared.LoggerAdapter) (booking.Collaborator, func(), error) {
	switch cfg.Booking.Backend {
	case "rest":
		client, err := restapi.NewClient(restapi.ClientParams{
			BaseURL: cfg.Booking.RESTBaseURL,
			Token:   cfg.Booking.RESTToken,
			Timeout: cfg.Booking.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return client, func() {}, nil
	case "postgres":
		store, err := pgstore.New(ctx, pgstore.Params{DSN: cfg.Booking.DatabaseURL})
		if err != nil {
			return nil, nil, err
		}
		if cfg.Booking.Migrate {
			if err := store.Migrate(ctx); err != nil {
				store.Close()
				return nil, nil, err
			}
			services := booking.CatalogServices(normalize.DefaultTables().Services)
			for _, id := range businessIDs(cfg) {
				if err := store.SeedBusiness(ctx, id, booking.DefaultHours(), services); err != nil {
					store.Close()
					return nil, nil, fmt.Errorf("seeding business %s: %w", id, err)
				}
			}
		}
		return store, store.Close, nil
	default:
		store := booking.NewMemoryStore()
		for _, id := range businessIDs(cfg) {
			store.SeedCatalog(id)
		}
		logger.Warn("using the in-memory booking store; appointments are lost on restart")
		return store, func() {}, nil
	}
}

func businessIDs(cfg shared.Config) []string {
	seen := make(map[string]struct{}, len(cfg.Businesses))
	var ids []string
	for _, id := range cfg.Businesses {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

func openGuardrails(ctx context.Context, cfg shared.Config, logger shared.LoggerAdapter) (*guardrails.Validator, func(), error) {
	opts := []guardrails.Option{guardrails.WithLogger(logger)}
	closer := func() {}
	if cfg.Guardrails.RedisURL != "" {
		store, err := guardrails.NewRedisStore(ctx, guardrails.RedisStoreParams{URL: cfg.Guardrails.RedisURL})
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, guardrails.WithStore(store))
		closer = func() {
			if err := store.Close(); err != nil {
				logger.Error("closing redis", err)
			}
		}
	}
	return guardrails.New(cfg.Guardrails, opts...), closer, nil
}
