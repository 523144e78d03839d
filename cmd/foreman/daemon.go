package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jfenner/foreman/internal/audit"
	"github.com/jfenner/foreman/internal/auth"
	"github.com/jfenner/foreman/internal/backoff"
	"github.com/jfenner/foreman/internal/config"
	"github.com/jfenner/foreman/internal/controlplane"
	"github.com/jfenner/foreman/internal/core"
	"github.com/jfenner/foreman/internal/delivery"
	"github.com/jfenner/foreman/internal/dispatch"
	"github.com/jfenner/foreman/internal/registry"
	"github.com/jfenner/foreman/internal/sandbox/localdir"
	"github.com/jfenner/foreman/internal/store"
	"github.com/jfenner/foreman/internal/worker"
	"github.com/jfenner/foreman/internal/workflow"
)

var configFile string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the Foreman daemon",
	Long:  `Starts the Foreman daemon: the dispatcher, workflow engine and HTTP control plane API.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&configFile, "config", "", "Path to config file (default: ~/.foreman/config.yaml)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log.Println("Starting Foreman daemon...")

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	s, err := store.New(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer s.Close()

	recorder := audit.NewRecorder(s)
	reg := registry.New()

	queue, err := buildQueue(cfg)
	if err != nil {
		return err
	}
	defer queue.Close()

	provisioner := localdir.New(cfg.Sandbox.Root)

	library, err := workflow.NewLibrary(cfg.Workflow.TemplateDir)
	if err != nil {
		return err
	}
	if cfg.Workflow.WatchDir {
		if err := library.Watch(); err != nil {
			log.Printf("Warning: template watching disabled: %v", err)
		}
	}
	defer library.Close()

	dispatchCfg := &dispatch.Config{
		ScanInterval:   cfg.Dispatch.ScanInterval,
		HandoffTimeout: cfg.Dispatch.HandoffTimeout,
		ExecTimeout:    cfg.Dispatch.ExecTimeout,
		StalledAfter:   cfg.Dispatch.StalledAfter,
		Backoff: backoff.Policy{
			Base:           cfg.Dispatch.BackoffBase,
			Ceiling:        cfg.Dispatch.BackoffCeiling,
			JitterFraction: cfg.Dispatch.BackoffJitter,
		},
	}
	coreCfg := &core.Config{
		HeartbeatThreshold:     cfg.Agents.HeartbeatThreshold,
		HeartbeatCheckInterval: cfg.Agents.HeartbeatCheckInterval,
	}

	orchestrator := core.New(s, reg, queue, provisioner, recorder, library, dispatchCfg, coreCfg)
	service := controlplane.NewService(orchestrator, library)
	server := controlplane.NewServer(service, cfg.Server.Listen)

	if cfg.Server.AuthEnabled {
		keyring, err := auth.Open(cfg.Server.AuthKeysFile)
		if err != nil {
			return err
		}
		server.UseAuth(keyring)
		log.Printf("API authentication enabled (keys: %s)", cfg.Server.AuthKeysFile)
	}

	orchestrator.Start()
	defer orchestrator.Stop()

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	if err := startEmbeddedWorkers(workerCtx, cfg, queue, orchestrator); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}

	log.Println("Foreman daemon stopped")
	return nil
}

// startEmbeddedWorkers launches the configured in-process exec workers.
// They consume the inproc queue directly; with redis delivery, workers
// run out of process and this is a no-op.
func startEmbeddedWorkers(ctx context.Context, cfg *config.Config, queue delivery.Queue, orchestrator *core.Core) error {
	if len(cfg.Workers.Embedded) == 0 {
		return nil
	}
	inproc, ok := queue.(*delivery.InProc)
	if !ok {
		return fmt.Errorf("embedded workers require inproc delivery, have %q", cfg.Delivery.Mode)
	}

	for _, wc := range cfg.Workers.Embedded {
		if wc.ID == "" {
			return fmt.Errorf("embedded worker with no id")
		}
		caps := wc.Capabilities
		if len(caps) == 0 {
			caps = worker.DetectCapabilities()
		}
		if len(caps) == 0 {
			log.Printf("Warning: embedded worker %s has no capabilities, skipping", wc.ID)
			continue
		}
		orchestrator.RegisterAgent(wc.ID, wc.ID, caps)

		handler := worker.NewExecHandler(cfg.Sandbox.Root, nil)
		runner := worker.NewRunner(wc.ID, inproc, handler, orchestrator)
		go runner.Run(ctx)
		log.Printf("Embedded worker %s started (capabilities: %v)", wc.ID, caps)
	}
	return nil
}

func buildQueue(cfg *config.Config) (delivery.Queue, error) {
	switch cfg.Delivery.Mode {
	case "", "inproc":
		return delivery.NewInProc(16), nil
	case "redis":
		q := delivery.NewRedis(cfg.Delivery.RedisAddr, cfg.Delivery.RedisPassword, cfg.Delivery.RedisDB)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := q.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis delivery unavailable: %w", err)
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown delivery mode %q", cfg.Delivery.Mode)
	}
}
