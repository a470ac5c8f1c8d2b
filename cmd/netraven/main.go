package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/netraven/netraven/pkg/artifacts"
	"github.com/netraven/netraven/pkg/config"
	"github.com/netraven/netraven/pkg/creds"
	"github.com/netraven/netraven/pkg/device"
	"github.com/netraven/netraven/pkg/dispatch"
	"github.com/netraven/netraven/pkg/events"
	"github.com/netraven/netraven/pkg/jobs"
	"github.com/netraven/netraven/pkg/log"
	"github.com/netraven/netraven/pkg/metrics"
	"github.com/netraven/netraven/pkg/scheduler"
	"github.com/netraven/netraven/pkg/security"
	"github.com/netraven/netraven/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "netraven",
	Short: "NetRaven - Network configuration backup and job execution",
	Long: `NetRaven manages a fleet of network devices: it backs up their
configurations on a schedule, tracks reachability, and keeps a durable
audit trail of every job run.

A single binary carries the scheduler, the dispatcher, and the device
drivers; state lives in a local BoltDB file and a content-addressed
artifact store.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"NetRaven version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "netraven.yaml", "path to the configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(tagCmd)
	rootCmd.AddCommand(credentialCmd)
	rootCmd.AddCommand(jobCmd)
}

// loadConfig reads and validates the configuration file.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// core bundles the wired subsystems shared by serve and the one-shot
// job verbs.
type core struct {
	cfg        config.Config
	store      storage.Store
	hub        *events.Hub
	mirror     *events.RedisPublisher
	dispatcher *dispatch.Dispatcher
}

// buildCore opens storage and wires the execution stack.
func buildCore(cfg config.Config) (*core, error) {
	store, err := storage.NewBoltStore(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	secrets, err := security.NewSecretsManagerFromPassword(cfg.Credentials.EncryptionKey)
	if err != nil {
		store.Close()
		return nil, err
	}

	blobs, err := artifacts.NewFSStore(cfg.Artifacts.Dir)
	if err != nil {
		store.Close()
		return nil, err
	}

	redactor, err := log.NewRedactor(cfg.Log.RedactionPatterns)
	if err != nil {
		store.Close()
		return nil, err
	}

	hub := events.NewHub()
	hub.Start()

	var mirror *events.RedisPublisher
	var publisher events.Publisher
	if cfg.Events.RedisAddr != "" {
		mirror = events.NewRedisPublisher(cfg.Events.RedisAddr, cfg.Events.Channel)
		publisher = mirror
	}
	sink := events.NewSink(store, redactor, hub, publisher)

	prober := device.NewNetProber(cfg.Reachability.ICMPTimeout())
	opener := &device.Opener{
		Drivers:        device.DefaultDrivers(cfg.Session.CommandTimeout()),
		Prober:         prober,
		ConnectTimeout: cfg.Session.ConnectTimeout(),
		CommandTimeout: cfg.Session.CommandTimeout(),
	}

	registry := jobs.NewRegistry()
	registry.Register(jobs.NewBackupHandler(store, blobs))
	registry.Register(jobs.NewReachabilityHandler(store, prober))

	resolver := creds.NewResolver(store, secrets)
	dispatcher := dispatch.New(store, registry, resolver, opener, sink,
		cfg.Scheduler.MaxConcurrentJobRuns, cfg.Dispatcher.MaxConcurrentDevices)

	return &core{
		cfg:        cfg,
		store:      store,
		hub:        hub,
		mirror:     mirror,
		dispatcher: dispatcher,
	}, nil
}

// shutdown tears the stack down in reverse order.
func (c *core) shutdown() {
	c.dispatcher.Wait()
	c.hub.Stop()
	if c.mirror != nil {
		c.mirror.Close()
	}
	c.store.Close()
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and job executor",
	Long: `Start the long-running NetRaven process: crash recovery, the
schedule fire loop, the dispatcher, and the metrics endpoint. The
process runs until SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

		c, err := buildCore(cfg)
		if err != nil {
			return err
		}
		defer c.shutdown()

		recovered, err := scheduler.RecoverInterruptedRuns(c.store)
		if err != nil {
			return fmt.Errorf("crash recovery failed: %w", err)
		}
		if recovered > 0 {
			log.WithComponent("main").Warn().
				Int("runs", recovered).
				Msg("recovered interrupted job runs from previous process")
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sched := scheduler.New(c.store, c.dispatcher)
		sched.ImmediateFirstFire = cfg.Scheduler.ImmediateFirstFire
		if err := sched.Start(ctx); err != nil {
			return err
		}

		metricsSrv := &http.Server{
			Addr:    cfg.Metrics.ListenAddr,
			Handler: metrics.Handler(),
		}
		go func() {
			log.WithComponent("metrics").Info().
				Str("addr", cfg.Metrics.ListenAddr).
				Msg("metrics endpoint listening")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithComponent("metrics").Error().Err(err).Msg("metrics server failed")
			}
		}()

		log.WithComponent("main").Info().
			Str("version", Version).
			Str("data_dir", cfg.Storage.DataDir).
			Msg("netraven started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		log.WithComponent("main").Info().Msg("shutting down")
		sched.Stop()
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		metricsSrv.Shutdown(shutdownCtx)
		return nil
	},
}
