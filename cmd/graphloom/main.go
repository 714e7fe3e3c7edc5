// Graphloom bridge server — owns the orchestration queues, the agent
// pipeline, and the single-writer commit loop behind the HTTP surface.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/spindlework/graphloom/pkg/api"
	"github.com/spindlework/graphloom/pkg/commit"
	"github.com/spindlework/graphloom/pkg/config"
	"github.com/spindlework/graphloom/pkg/eventlog"
	"github.com/spindlework/graphloom/pkg/intent"
	"github.com/spindlework/graphloom/pkg/metrics"
	"github.com/spindlework/graphloom/pkg/pending"
	"github.com/spindlework/graphloom/pkg/queue"
	"github.com/spindlework/graphloom/pkg/scheduler"
	"github.com/spindlework/graphloom/pkg/store"
	"github.com/spindlework/graphloom/pkg/telemetry"
	"github.com/spindlework/graphloom/pkg/version"
)

const bindRetryDelay = 500 * time.Millisecond

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// listenWithRetry binds the address, retrying once after a short delay
// when the port is still held by a previous instance going down.
func listenWithRetry(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		return ln, nil
	}
	if !errors.Is(err, syscall.EADDRINUSE) {
		return nil, err
	}
	slog.Warn("Port in use, retrying once", "addr", addr, "delay", bindRetryDelay)
	time.Sleep(bindRetryDelay)
	return net.Listen("tcp", addr)
}

// replayChat rebuilds the transcript from retained CHAT entries so the
// bridge telemetry endpoint shows history recorded before the ring
// was (re)constructed.
func replayChat(events *eventlog.Log) []telemetry.ChatMessage {
	var msgs []telemetry.ChatMessage
	for _, e := range events.ReplaySince(0) {
		if e.Type != eventlog.TypeChat {
			continue
		}
		role, _ := e.Fields["role"].(string)
		text, _ := e.Fields["text"].(string)
		cid, _ := e.Fields["cid"].(string)
		if text == "" {
			continue
		}
		msgs = append(msgs, telemetry.ChatMessage{TS: e.TS, Role: role, Text: text, CID: cid})
	}
	return msgs
}

// checkTLS rejects configurations that would fail on the first handshake:
// passphrase-protected keys are not supported.
func checkTLS(cfg config.ServerConfig) error {
	if cfg.SSLPassphrase != "" {
		return fmt.Errorf("passphrase-protected SSL keys are not supported; decrypt the key first")
	}
	if _, err := tls.LoadX509KeyPair(cfg.SSLCertPath, cfg.SSLKeyPath); err != nil {
		return fmt.Errorf("loading SSL key pair: %w", err)
	}
	return nil
}

func main() {
	configPath := flag.String("config",
		getEnv("GRAPHLOOM_CONFIG", config.DefaultFileName),
		"Path to the YAML configuration file")
	flag.Parse()

	// Environment files are optional; a missing one is not an error.
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	slog.Info("Starting graphloom",
		"version", version.Full(),
		"config", *configPath)

	// 1. Configuration.
	cfg, err := config.Initialize(*configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Observability and core state.
	reg := metrics.New()
	tel := telemetry.New(cfg.Telemetry.Capacity)
	events := eventlog.New(cfg.EventLog.Capacity)
	stores := store.NewHolder(nil)
	pendings := pending.NewStore(tel, nil)
	tel.RestoreChat(replayChat(events))

	// 3. Queues, with the lease sweeper running for the whole process.
	queues := queue.NewManager(queue.Config{
		LeaseTTL:      cfg.Queue.LeaseTTL(),
		MaxAttempts:   cfg.Queue.MaxAttempts,
		SweepInterval: cfg.Queue.SweepInterval(),
	}, nil)
	queues.SetInstrumentation(reg)
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	queues.Start(sweepCtx)
	defer stopSweeper()

	// 4. Agent pipeline scheduler and intent router.
	sched := scheduler.New(cfg.Scheduler, queues, stores, events, nil)
	router := intent.NewRouter(cfg.Intent, cfg.Search, queues, pendings, stores, tel, events, sched, nil)

	// 5. Single-writer committer and the safety drainer behind it. They
	// share one idempotency set so neither applies what the other did.
	committer := commit.New(cfg.Committer, queues, pendings, stores, events, tel, nil, nil)
	committer.SetMergeChecker(commit.NewHashMergeChecker(stores))
	committer.SetInstrumentation(reg)
	committer.SetContinueFunc(func(cont commit.Continuation) {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Intent.Timeout())
		defer cancel()
		if _, err := router.Continue(ctx, intent.ContinueRequest{
			CID:        cont.CID,
			ThreadID:   cont.ThreadID,
			APIKey:     cont.APIKey,
			APIConfig:  cont.APIConfig,
			ReadResult: cont.ReadResult,
			GraphState: cont.GraphState,
			Iteration:  cont.Iteration,
		}); err != nil {
			slog.Warn("Agent continuation failed", "cid", cont.CID, "error", err)
		}
	})
	committer.Start()
	defer committer.Stop()

	drainer := commit.NewDrainer(cfg.Drainer, queues, pendings, events, committer.Idempotency(), nil)
	drainer.Start()
	defer drainer.Stop()

	if cfg.Scheduler.AutostartEnabled() {
		sched.Start(scheduler.Options{})
		slog.Info("Scheduler autostarted", "cadence_ms", cfg.Scheduler.CadenceMs)
	}
	defer sched.Stop()

	// 6. HTTP server.
	httpServer := api.NewServer(cfg.Server, queues, pendings, stores, events, tel, sched, router, nil)
	httpServer.SetCommitter(committer)
	httpServer.SetDrainer(drainer)
	httpServer.SetMetricsHandler(reg.Handler())
	if err := httpServer.ValidateWiring(); err != nil {
		slog.Error("Server wiring incomplete", "error", err)
		os.Exit(1)
	}

	if cfg.Server.UseHTTPS {
		if err := checkTLS(cfg.Server); err != nil {
			slog.Error("HTTPS misconfigured", "error", err)
			os.Exit(1)
		}
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	ln, err := listenWithRetry(addr)
	if err != nil {
		slog.Error("Failed to bind", "addr", addr, "error", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.StartWithListener(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("Graphloom started", "addr", addr, "https", cfg.Server.UseHTTPS)

	// 7. Wait for a shutdown signal or a server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Staged shutdown: stop intake first, then drain the loops.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	sched.Stop()
	drainer.Stop()
	committer.Stop()
	queues.Stop()

	slog.Info("Shutdown complete")
}
