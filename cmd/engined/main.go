// engined is the workflow execution engine daemon: it wires the store,
// backends, cache index, metadata publisher, and Engine Supervisor behind
// the chi-routed internal/api front end. Grounded in the teacher's
// cmd/server/main.go bootstrap shape (flags -> config -> logger -> store ->
// server -> graceful shutdown on signal).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wilke-labs/gowe-engine/internal/api"
	"github.com/wilke-labs/gowe-engine/internal/backend"
	backendbvbrc "github.com/wilke-labs/gowe-engine/internal/backend/bvbrc"
	backendlocal "github.com/wilke-labs/gowe-engine/internal/backend/local"
	"github.com/wilke-labs/gowe-engine/internal/bvbrc"
	"github.com/wilke-labs/gowe-engine/internal/config"
	"github.com/wilke-labs/gowe-engine/internal/engine"
	"github.com/wilke-labs/gowe-engine/internal/exprvm"
	"github.com/wilke-labs/gowe-engine/internal/graphdoc"
	iopathlocal "github.com/wilke-labs/gowe-engine/internal/iopath/local"
	"github.com/wilke-labs/gowe-engine/internal/logging"
	"github.com/wilke-labs/gowe-engine/internal/metadata"
	"github.com/wilke-labs/gowe-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (optional)")
	addr := flag.String("addr", "", "Listen address override, e.g. :8080")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	if err := run(cfg, logger); err != nil {
		logger.Error("engined exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	st, err := store.NewSQLiteStore(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(context.Background()); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	registry := backend.NewRegistry(logger)
	localRoot := cfg.WorkRoot
	if lc, ok := cfg.Backend("local"); ok && lc.LocalRoot != "" {
		localRoot = lc.LocalRoot
	}
	registry.Register(backendlocal.New(localRoot, logger))

	if bc, ok := cfg.Backend("bvbrc"); ok && bc.BVBRCServiceURL != "" {
		token, err := bvbrc.ResolveToken()
		if err != nil {
			logger.Warn("bvbrc backend configured but no credentials resolved, skipping registration", "error", err)
		} else {
			info := bvbrc.ParseToken(token)
			if info.IsExpired() {
				logger.Warn("resolved bvbrc token is expired, registering anyway")
			}
			rpcCfg := backendbvbrc.DefaultConfig(bc.BVBRCServiceURL, token)
			caller := backendbvbrc.NewHTTPRPCCaller(rpcCfg, logger)
			username := bc.BVBRCUsername
			if username == "" {
				username = info.Username
			}
			registry.Register(backendbvbrc.New(caller, username, logger))
		}
	}

	pub := metadata.NewChannelPublisher(256, logger, metadata.LoggingSink(logger))
	stop := make(chan struct{})
	go pub.Run(stop)
	defer func() { close(stop); pub.Wait() }()

	sup := engine.New(engine.Config{
		MaxConcurrentWorkflows:       cfg.MaxConcurrentWorkflows,
		MaxConcurrentCallsPerBackend: cfg.BackendConcurrency(),
		DefaultBackendConcurrency:    8,
		DefaultBackendName:           cfg.DefaultBackend,
		CachePolicy:                  backend.UseOriginal,
	}, engine.Deps{
		Store:     st,
		Registry:  registry,
		Cache:     store.CacheIndex{Store: st},
		IO:        iopathlocal.New(logger),
		Expr:      exprvm.NewEvaluator(nil),
		Publisher: pub,
		Graphs:    graphdoc.New(),
		Logger:    logger,
	})
	sup.Start()

	if err := resumeNonTerminal(context.Background(), sup, st, logger); err != nil {
		logger.Warn("restart recovery encountered errors", "error", err)
	}

	srv := api.New(sup, st, logger)
	httpServer := &http.Server{Addr: cfg.Addr, Handler: srv.Handler()}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("engined listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", "error", err)
	}
	if err := sup.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("supervisor shutdown: %w", err)
	}
	return nil
}

// resumeNonTerminal reloads every non-terminal Workflow from the store at
// startup and hands it to the Supervisor's restart path (spec.md §4.G),
// since a crash or planned restart must not silently abandon in-flight work.
func resumeNonTerminal(ctx context.Context, sup *engine.Supervisor, st store.Store, logger *slog.Logger) error {
	workflows, err := st.ListNonTerminalWorkflows(ctx)
	if err != nil {
		return fmt.Errorf("list non-terminal workflows: %w", err)
	}
	for _, wf := range workflows {
		logger.Info("resuming workflow from prior run", "workflow", wf.ID.String(), "status", wf.Status)
		sub := engine.Submission{WorkflowSource: wf.SourceRef, Inputs: wf.Inputs, Options: wf.Options, Labels: wf.Labels, Dependencies: wf.ImportsRef}
		if err := sup.Resume(ctx, wf, sub, nil); err != nil {
			logger.Error("failed to resume workflow", "workflow", wf.ID.String(), "error", err)
		}
	}
	return nil
}
