package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"negotiation-lab/api"
	"negotiation-lab/contract"
	grpc2 "negotiation-lab/grpc"
	"negotiation-lab/identity"
	"negotiation-lab/moderation"
	"negotiation-lab/negotiation"
	"negotiation-lab/repositories"
	"negotiation-lab/runtime"
	"negotiation-lab/runtime/workers"
	"negotiation-lab/telemetry"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"google.golang.org/grpc"

	errs "negotiation-lab/errors"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component and blocks until a signal or a server failure.
// Deferred cleanups run before main exits.
func run() error {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Storage. Badger always backs the directory and telemetry, empty path means in memory
	db, err := repositories.OpenBadger(config.BadgerFilepath, false)
	if err != nil {
		return fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	ledger, closeLedger, err := openLedger(ctx, log, config, db)
	if err != nil {
		return err
	}
	defer closeLedger()

	// 3. Negotiation
	var censor contract.Censor
	if config.ModerationEnabled {
		dictionary, err := moderation.LoadDictionary()
		if err != nil {
			return fmt.Errorf("moderation dictionary: %w", err)
		}
		moderator, err := moderation.NewModerator(dictionary.Words, config.replacement(), log)
		if err != nil {
			return fmt.Errorf("moderator: %w", err)
		}
		censor = moderator
	}
	machine := negotiation.NewMachine(log, ledger, censor)

	// 4. Supervision & Orchestration
	sup := workers.NewSupervisor(log, config.RestartInterval)
	orchestrator := runtime.NewOrchestrator(log, sup, runtime.NewRegistry(),
		repositories.NewConversationRepository(db), machine, runtime.Config{
			MailboxSize:   config.MailboxSize,
			SinkTimeout:   config.SinkTimeout,
			TypingTTL:     config.TypingTTL,
			SweepInterval: config.SweepInterval,
			IdleTimeout:   config.IdleTimeout,
		})

	activities := telemetry.NewSink(log, repositories.NewIdempotencyRepository(db), config.ActivityQueueSize)
	transport, err := activityTransport(log, config, db)
	if err != nil {
		return err
	}
	health := grpc2.NewHealthServer(log, orchestrator.Running, time.Second)
	monitor := workers.NewProcessMonitorWorker(log, config.MonitorInterval)
	sup.Add(
		workers.NewTelemetryWorker(log, activities, transport, config.ActivityTimeout),
		health,
		monitor,
	)

	if err = orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator failed to start: %w", err)
	}

	// 5. Servers
	verifier, err := identity.NewVerifier(config.JWTSecret)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr: config.HTTPAddr,
		Handler: api.NewServer(log, orchestrator, activities, verifier, api.Config{
			AllowedOrigins: config.origins(),
			ActivityWindow: config.ActivityWindow,
			Stats:          monitor.Snapshot,
		}).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", config.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", config.GRPCAddr, err)
	}
	grpcServer := grpc.NewServer()
	health.Register(grpcServer)

	errChan := make(chan error, 2)
	go func() {
		log.Info("Starting HTTP server", "address", config.HTTPAddr, "at", time.Now().UTC())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()
	go func() {
		log.Info("Starting gRPC health server", "address", config.GRPCAddr)
		if err := grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errChan <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	// 6. Wait for Stop or Error
	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err := <-errChan:
		return err
	}

	// 7. Final Cleanup
	health.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", "error", err)
	}
	grpcServer.GracefulStop()
	orchestrator.Stop()
	log.Info("Program stopped cleanly")
	return nil
}

func openLedger(ctx context.Context, log *slog.Logger, config Config, db *badger.DB) (contract.OfferLedger, func(), error) {
	switch config.LedgerDriver {
	case "badger":
		return repositories.NewOfferLedger(db, log), func() {}, nil
	case "postgres":
		ledger, err := repositories.OpenPostgresLedger(ctx, config.PostgresDSN, log)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres ledger: %w", err)
		}
		return ledger, func() { _ = ledger.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", errs.ErrUnsupportedLedgerKind, config.LedgerDriver)
	}
}

func activityTransport(log *slog.Logger, config Config, db *badger.DB) (contract.TelemetryTransport, error) {
	switch config.ActivityTransport {
	case "archive":
		return repositories.NewActivityRepository(db, log, config.LimitActivities), nil
	case "log":
		return telemetry.NewLogTransport(log), nil
	default:
		return nil, fmt.Errorf("unknown activity transport %q", config.ActivityTransport)
	}
}
