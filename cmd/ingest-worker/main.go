// ingest-worker is an execution node: it connects to the coordinator, provisions
// artifact environments, runs transformations and commits their output to sinks.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"ingestor/internal/config"
	"ingestor/internal/job"
	"ingestor/internal/sink"
	"ingestor/internal/transform"
	"ingestor/internal/transport"
	"ingestor/internal/worker"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel()})))

	if err := run(); err != nil {
		slog.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

func logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(config.GetEnv("LOG_LEVEL", "info"))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := worker.LoadConfigFromEnv()
	sinksFile := config.GetEnv("SINKS_FILE", "sinks.hcl")
	envDir := config.GetEnv("ENV_DIR", "envs")
	drainTimeout := config.GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 10*time.Second)
	executors := config.GetListEnv("EXECUTOR", []string{string(job.RuntimeBuiltin), string(job.RuntimeProcess)})

	defs, err := sink.ParseFile(sinksFile)
	if err != nil {
		return fmt.Errorf("load sinks: %w", err)
	}
	sinks, err := sink.OpenAll(defs)
	if err != nil {
		return fmt.Errorf("open sinks: %w", err)
	}
	defer sinks.Close()
	slog.Info("Sinks opened", "sinks", sinks.Names())

	router := transform.NewRouter()
	dirs := transform.NewDirProvisioner(envDir, &http.Client{Timeout: 10 * time.Minute})
	provisioners := &transform.Provisioners{Default: dirs, ByRuntime: map[job.Runtime]transform.Provisioner{}}

	for _, ex := range executors {
		switch job.Runtime(ex) {
		case job.RuntimeBuiltin:
			builtins := transform.NewRegistry()
			router.Handle(job.RuntimeBuiltin, builtins)
			slog.Info("Builtin transformers enabled", "names", builtins.Names())
		case job.RuntimeProcess:
			router.Handle(job.RuntimeProcess, &transform.ProcessExecutor{WaitDelay: 5 * time.Second})
		case job.RuntimeDocker:
			d, err := transform.NewDocker(ctx, transform.LoadDockerConfigFromEnv())
			if err != nil {
				return err
			}
			defer d.Close()
			router.Handle(job.RuntimeDocker, d)
			provisioners.ByRuntime[job.RuntimeDocker] = d
			slog.Info("Connected to Docker daemon")
		default:
			return fmt.Errorf("unknown executor %q", ex)
		}
	}

	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = router.Capabilities()
	}
	for _, c := range cfg.Capabilities {
		if !slices.Contains(router.Capabilities(), c) {
			return fmt.Errorf("capability %q has no executor", c)
		}
	}

	w := worker.New(cfg, worker.Deps{
		Transformer: router,
		Provisioner: provisioners,
		Sinks:       sinks,
	})

	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	dial := func(ctx context.Context) (transport.Conn, error) {
		return transport.Dial(ctx, cfg.CoordinatorURL, header, cfg.MaxFrameSize)
	}

	slog.Info("Starting worker", "workerId", w.ID(), "coordinator", cfg.CoordinatorURL, "capabilities", cfg.Capabilities)
	if err := w.Run(ctx, dial); err != nil {
		return err
	}

	// Receipts of jobs finishing from here on cannot be delivered. The coordinator
	// requeues them as WORKER_LOST once heartbeats stop, and a retry promotes onto
	// the same output names.
	slog.Info("Draining running jobs", "timeout", drainTimeout)
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := w.Drain(drainCtx); err != nil {
		slog.Warn("Drain incomplete", "error", err)
	}
	slog.Info("Shutdown complete")
	return nil
}
