package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/tether/internal/api"
	"github.com/kalambet/tether/internal/capture"
	"github.com/kalambet/tether/internal/commit"
	"github.com/kalambet/tether/internal/config"
	"github.com/kalambet/tether/internal/connectivity"
	"github.com/kalambet/tether/internal/engine"
	"github.com/kalambet/tether/internal/extract"
	"github.com/kalambet/tether/internal/metrics"
	"github.com/kalambet/tether/internal/queue"
	"github.com/kalambet/tether/internal/reconcile"
	"github.com/kalambet/tether/internal/storage"
)

type startOptions struct {
	offline bool
	noMCP   bool
}

var startOpts startOptions

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the tether daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(startOpts)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running tether daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon, connectivity and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().BoolVar(&startOpts.offline, "offline", false, "start pinned offline; notes queue until connectivity is restored")
	startCmd.Flags().BoolVar(&startOpts.noMCP, "no-mcp", false, "do not serve MCP on stdio")
}

func lockFilePath(dataDir string) string {
	return filepath.Join(dataDir, "tether.lock")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "tether.pid")
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// commitBackend is both where confirmed notes go and where candidate
// contacts are looked up.
type commitBackend interface {
	capture.Committer
	capture.ContactDirectory
}

func newCommitBackend(cfg config.Config, store *storage.Store) commitBackend {
	if cfg.Commit.Mode == config.CommitRemote {
		return commit.NewRemote(cfg.Commit.BaseURL, cfg.Commit.APIKey)
	}
	return commit.NewLocal(store)
}

// probeURL returns the URL the connectivity monitor checks. In remote mode
// it falls back to the commit backend itself.
func probeURL(cfg config.Config) string {
	if cfg.Connectivity.ProbeURL != "" {
		return cfg.Connectivity.ProbeURL
	}
	if cfg.Commit.Mode == config.CommitRemote {
		return cfg.Commit.BaseURL
	}
	return ""
}

func runServer(opts startOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)
	logger.Info("starting tether", "version", version, "commit_mode", cfg.Commit.Mode)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	lock := flock.New(lockFilePath(cfg.Storage.DataDir))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		if pid, pidErr := readPIDFile(pidFilePath(cfg.Storage.DataDir)); pidErr == nil {
			return fmt.Errorf("another tether daemon is already running (PID %d)", pid)
		}
		return errors.New("another tether daemon is already running")
	}
	defer lock.Unlock()

	pidPath := pidFilePath(cfg.Storage.DataDir)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing storage", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	q := queue.New(store, queue.WithRecorder(m), queue.WithLogger(logger))
	recovered, err := q.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recovering queue: %w", err)
	}
	if recovered > 0 {
		logger.Info("returned interrupted notes to pending", "count", recovered)
	}

	// A missing model is not fatal: live captures queue with a notice and
	// drain once the model is available.
	eng := engine.NewOllamaEngine(cfg.Ollama.BaseURL)
	if err := engine.EnsureReady(ctx, eng, cfg.Ollama.Model, os.Stderr); err != nil {
		logger.Warn("local model not ready", "model", cfg.Ollama.Model, "error", err)
	}
	extractor := extract.NewExtractor(eng, cfg.Ollama.Model)

	backend := newCommitBackend(cfg, store)

	monitor := connectivity.NewMonitor(probeURL(cfg), cfg.Connectivity.Interval,
		connectivity.WithRecorder(m),
		connectivity.WithLogger(logger),
	)
	if opts.offline {
		monitor.Set(false)
	}

	pipeline := capture.New(extractor, capture.NewNameMatcher(backend), backend, q, monitor,
		capture.WithExtractTimeout(cfg.Pipeline.ExtractTimeout),
		capture.WithCommitTimeout(cfg.Pipeline.CommitTimeout),
		capture.WithRecorder(m),
		capture.WithLogger(logger),
	)
	loop := reconcile.New(q, pipeline, monitor,
		reconcile.WithRecorder(m),
		reconcile.WithLogger(logger),
	)

	handler := api.NewHandler(api.Deps{
		Queue:   q,
		Capture: pipeline,
		Drainer: loop,
		Conn:    monitor,
		Metrics: metrics.Handler(reg),
		Token:   cfg.Server.APIToken,
		Logger:  logger,
	})
	if cfg.Server.APIToken == "" {
		logger.Warn("server.api_token not set, HTTP API is unauthenticated")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return loop.Run(gctx) })

	g.Go(func() error {
		logger.Info("tether listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if !opts.noMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Queue: q, Capture: pipeline, Version: version})
		stdio := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			if err := stdio.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		logger.Info("MCP server started (stdio transport)")
	}

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("tether is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("could not stop tether (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to tether (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	var st api.Status
	if err := client.getJSON(ctx, "/status", &st); err != nil {
		printStatus("Daemon", "%s", colorize(colorRed, "stopped"))
		return nil
	}
	renderStatus(os.Stdout, st)
	return nil
}
