package main

import (
	"context"
	"encoding/json"
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

	"github.com/spf13/cobra"

	"github.com/moodpipe/moodpipe/internal/api"
	"github.com/moodpipe/moodpipe/internal/blob"
	"github.com/moodpipe/moodpipe/internal/classify"
	"github.com/moodpipe/moodpipe/internal/config"
	"github.com/moodpipe/moodpipe/internal/notify"
	"github.com/moodpipe/moodpipe/internal/recommend"
	"github.com/moodpipe/moodpipe/internal/results"
	"github.com/moodpipe/moodpipe/internal/storage"
	"github.com/moodpipe/moodpipe/internal/worker"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the moodpipe server and embedded worker (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run an additional worker process over the shared record store",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkerOnly()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running moodpipe server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show moodpipe system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "moodpipe.pid")
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

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch {
	case strings.EqualFold(level, "debug"):
		logLevel = slog.LevelDebug
	case strings.EqualFold(level, "warn"):
		logLevel = slog.LevelWarn
	case strings.EqualFold(level, "error"):
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// buildWorker assembles the pipeline worker over the shared store and blobs.
func buildWorker(cfg config.Config, store *storage.Store, blobs blob.Store, broker *notify.Broker) *worker.Worker {
	sound := classify.NewSoundClassifier(cfg.Classifier.SoundURL)
	emotion := classify.NewEmotionClassifier(cfg.Classifier.EmotionURL)

	w := worker.NewWorker(store, blobs, sound, emotion, broker, cfg.Worker.PollInterval, cfg.Worker.ClaimLease)
	if cfg.Recommend.BaseURL != "" {
		w.SetRecommender(recommend.New(cfg.Recommend.BaseURL))
	}
	return w
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "moodpipe version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	// Refuse to double-start. The health probe catches a live server whose PID
	// file was lost.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("moodpipe is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("moodpipe is already running on port %d", cfg.Server.Port)
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

	blobs, err := blob.NewFSStore(cfg.Storage.ArtifactDir)
	if err != nil {
		return fmt.Errorf("opening artifact store: %w", err)
	}

	broker := notify.NewBroker()

	cache := results.NewCache(store, nil)
	defer cache.Stop()

	// The cache reconciles on every prediction event, for any owner.
	cacheEvents, unsubscribe := broker.Subscribe("")
	defer unsubscribe()
	go cache.Run(ctx, cacheEvents)

	w := buildWorker(cfg, store, blobs, broker)
	go w.Run(ctx)
	slog.Info("worker started", "poll_interval", cfg.Worker.PollInterval, "claim_lease", cfg.Worker.ClaimLease)

	handler := api.NewHandler(api.Deps{
		Store:             store,
		Blobs:             blobs,
		Cache:             cache,
		Broker:            broker,
		Token:             cfg.Server.APIToken,
		MaxUploadBytes:    cfg.Storage.MaxUploadBytes,
		UploadSettleDelay: cfg.Worker.UploadSettleDelay,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "moodpipe listening on %s\n", addr)
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

// runWorkerOnly runs a standalone worker against the shared SQLite database.
// The claim protocol keeps concurrent workers from processing the same job;
// the serving process still announces completions it observes via polling.
func runWorkerOnly() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	blobs, err := blob.NewFSStore(cfg.Storage.ArtifactDir)
	if err != nil {
		return fmt.Errorf("opening artifact store: %w", err)
	}

	// Events published here have no cross-process subscribers; clients of the
	// main server fall back to the record store via polling or refresh.
	w := buildWorker(cfg, store, blobs, notify.NewBroker())
	slog.Info("standalone worker started", "poll_interval", cfg.Worker.PollInterval)
	w.Run(ctx)
	return nil
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
		printError("moodpipe is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop moodpipe (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to moodpipe (PID %d)", pid)
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
		var health struct {
			Status string         `json:"status"`
			Jobs   map[string]int `json:"jobs"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&health)
		resp.Body.Close()
		if resp.StatusCode == 200 && decodeErr == nil {
			printStatus("Server", "running on port %d", cfg.Server.Port)
			for _, status := range []string{"queued", "processing", "completed", "failed"} {
				printStatus("Jobs "+status, "%d", health.Jobs[status])
			}
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	for name, url := range map[string]string{
		"Sound classifier":   cfg.Classifier.SoundURL,
		"Emotion classifier": cfg.Classifier.EmotionURL,
	} {
		if probe, err := client.Get(url + "/health"); err != nil {
			printStatus(name, "unreachable at %s", url)
		} else {
			probe.Body.Close()
			printStatus(name, "reachable at %s", url)
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Artifacts", "%s", cfg.Storage.ArtifactDir)
	return nil
}
