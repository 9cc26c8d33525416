package main

import (
	"context"
	"encoding/json"
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

	"github.com/caopulan/arXivDaily/internal/api"
	"github.com/caopulan/arXivDaily/internal/config"
	"github.com/caopulan/arXivDaily/internal/favorites"
	"github.com/caopulan/arXivDaily/internal/feed"
	"github.com/caopulan/arXivDaily/internal/ingest"
	"github.com/caopulan/arXivDaily/internal/papers"
	"github.com/caopulan/arXivDaily/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the arxivd server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running arxivd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show arxivd system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "arxivd.pid")
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
	fmt.Fprintf(os.Stderr, "arxivd version %s\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to double-start: probe the health endpoint before claiming
	// the PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("arxivd is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("arxivd is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	paperStore, err := papers.NewStore(filepath.Join(cfg.Storage.DataDir, "papers"))
	if err != nil {
		return fmt.Errorf("opening paper store: %w", err)
	}

	favoriteSvc := favorites.NewService(store, paperStore)
	assembler := feed.NewAssembler(paperStore, store, store, cfg.Feed.Categories)

	appHandler := api.NewAppHandler(api.AppDeps{
		Store:       store,
		Papers:      paperStore,
		Favorites:   favoriteSvc,
		Feed:        assembler,
		Token:       cfg.Server.APIToken,
		DefaultUser: cfg.Feed.DefaultUser,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	// Start the PDF abstract backfill worker.
	if cfg.Ingest.Enabled {
		worker := ingest.NewWorker(paperStore, ingest.PDFExtractor{}, cfg.Storage.DataDir, cfg.Ingest.PollIntervalOrDefault())
		go worker.Run(ctx)
		slog.Info("backfill worker started", "interval", cfg.Ingest.PollIntervalOrDefault())
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Papers:      paperStore,
		Favorites:   favoriteSvc,
		Feed:        assembler,
		DefaultUser: cfg.Feed.DefaultUser,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "arxivd listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("arxivd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop arxivd (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to arxivd (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if running {
		c := &apiClient{
			baseURL:    serverURL,
			token:      cfg.Server.APIToken,
			httpClient: client,
		}
		if datesResp, err := c.get(context.Background(), "/dates"); err == nil {
			var dates struct {
				Dates []string `json:"dates"`
			}
			if json.NewDecoder(datesResp.Body).Decode(&dates) == nil {
				printStatus("Paper days", "%d", len(dates.Dates))
				if len(dates.Dates) > 0 {
					printStatus("Latest day", "%s", dates.Dates[len(dates.Dates)-1])
				}
			}
			datesResp.Body.Close()
		}
		if favResp, err := c.get(context.Background(), "/favorites"); err == nil {
			var listing struct {
				Favorites []json.RawMessage `json:"favorites"`
			}
			if json.NewDecoder(favResp.Body).Decode(&listing) == nil {
				printStatus("Favorites", "%d", len(listing.Favorites))
			}
			favResp.Body.Close()
		}
	}

	printStatus("Default user", "%s", cfg.Feed.DefaultUser)
	printStatus("Categories", "%s", strings.Join(cfg.Feed.Categories, ", "))
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
