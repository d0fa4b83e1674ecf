package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"drillforge/internal/api"
	"drillforge/internal/config"
	"drillforge/internal/corpus"
	"drillforge/internal/dispatch"
	"drillforge/internal/generate"
	"drillforge/internal/llm"
	"drillforge/internal/semcache"
	"drillforge/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the drillforge server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running drillforge server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show drillforge system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "drillforge.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "drillforge version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Ensure the API token exists before anything can hit the surface.
	apiToken, err := config.EnsureAPIToken(cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Write PID file. Check if a server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("drillforge is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("drillforge is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Build the engine boundary and everything on top of it.
	engine, err := llm.New(&cfg)
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}
	vectors := corpus.NewSQLiteStore(store.DB())
	embedder := corpus.NewEmbedder(engine)
	seeder := corpus.NewSeeder(embedder, vectors)
	cache := semcache.New(vectors, store, embedder,
		float32(cfg.Cache.SemanticThreshold), config.Duration(cfg.Cache.TTL))
	defer cache.Wait()

	worker := generate.NewWorker(engine, vectors, cfg)
	pool := dispatch.New(store, worker, cfg)
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("dispatcher stopped", "error", err)
		}
	}()
	// In-flight jobs persist terminal states on their way out; the store must
	// stay open until the dispatcher has fully drained.
	defer func() { <-poolDone }()
	slog.Info("dispatcher started", "concurrency", cfg.Dispatcher.Concurrency)

	go func() {
		ticker := time.NewTicker(config.Duration(cfg.Dispatcher.SweepInterval))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := cache.SweepExpired(ctx); err != nil {
					slog.Error("sweeping semantic cache", "error", err)
				} else if n > 0 {
					slog.Debug("swept semantic cache entries", "count", n)
				}
			}
		}
	}()

	deps := api.Deps{
		Store:    store,
		Vectors:  vectors,
		Embedder: embedder,
		Seeder:   seeder,
		Cache:    cache,
		Token:    apiToken,
	}

	// MCP server on stdio.
	mcpSrv := api.NewMCPServer(deps)
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(deps),
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "drillforge listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case serveErr = <-errCh:
	}
	// Release the dispatcher and MCP goroutines before the deferred joins run.
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := srv.Shutdown(shutdownCtx)
	if serveErr != nil {
		return fmt.Errorf("server error: %w", serveErr)
	}
	return shutdownErr
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("drillforge is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop drillforge (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to drillforge (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Engine", "%s", cfg.Engine.Kind)
	if cfg.Engine.Kind == "ollama" {
		ollamaResp, err := client.Get(cfg.Engine.OllamaBaseURL + "/api/version")
		if err != nil {
			printStatus("Ollama", "not running")
		} else {
			ollamaResp.Body.Close()
			printStatus("Ollama", "running at %s", cfg.Engine.OllamaBaseURL)
		}
	}
	printStatus("Gen model", "%s", cfg.Engine.GenModel)
	printStatus("Embed model", "%s", cfg.Engine.EmbedModel)

	// Show queue depth if the server is running.
	if resp != nil && resp.StatusCode == 200 {
		if c, err := newAPIClient(); err == nil {
			for _, q := range []struct{ label, state string }{
				{"Waiting jobs", "waiting"},
				{"Active jobs", "active"},
			} {
				listResp, err := c.get(context.Background(), "/jobs?state="+q.state+"&limit=100")
				if err != nil {
					continue
				}
				var jobs []map[string]any
				if decodeJSON(listResp, &jobs) == nil {
					printStatus(q.label, "%s", countLabel(len(jobs), 100))
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
