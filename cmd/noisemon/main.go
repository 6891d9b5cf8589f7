package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"noisemon/internal/alerts"
	"noisemon/internal/anomaly"
	"noisemon/internal/api"
	"noisemon/internal/baseline"
	"noisemon/internal/config"
	"noisemon/internal/ingest"
	"noisemon/internal/logging"
	"noisemon/internal/metrics"
	"noisemon/internal/model"
	"noisemon/internal/monitor"
	"noisemon/internal/publish"
	"noisemon/internal/spectrum"
	"noisemon/internal/storage"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "noisemon",
		Short:        "Ambient noise monitor with seasonal anomaly scoring",
		SilenceUsage: true,
	}
	var configPath string
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "noisemon.yaml", "path to the YAML or JSON config file")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Ingest feature records, score them and serve the API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, config.ResolvePath(configPath))
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := config.NewManager(config.ResolvePath(configPath))
			if err != nil {
				return err
			}
			cfg := mgr.Get()
			if err := config.Validate(cfg); err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return root
}

func run(ctx context.Context, path string) error {
	mgr, err := config.NewManager(path)
	if err != nil {
		return err
	}
	cfg := mgr.Get()
	if err := config.Validate(cfg); err != nil {
		return err
	}
	logger := logging.NewLogger(cfg.Log)
	logger.Info("noisemon starting", "version", version, "config", path)

	codec, err := spectrum.NewCodec(cfg.Spectrum)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg, codec, logger)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	var bstore baseline.Store
	if store != nil {
		bstore = store
	}
	adapter, err := baseline.NewAdapter(bstore, cfg.Detection, cfg.Storage.Timeout, logger)
	if err != nil {
		return err
	}
	detector, err := anomaly.NewDetector(cfg.Detection, logger, adapter, adapter)
	if err != nil {
		return err
	}
	detector.Initialize(ctx)

	alertsStore := alerts.NewStore(cfg.Alerts.StoreLimit)
	latest := metrics.NewStore(0)
	collectors := metrics.NewCollectors()

	deps := monitor.Deps{
		Detector: detector,
		Alerts:   alertsStore,
		Latest:   latest,
		Metrics:  collectors,
		Logger:   logger,
	}
	if store != nil {
		deps.Store = store
	}
	var redisPub *publish.Redis
	if cfg.Publish.Redis.Enabled {
		pub := publish.NewRedis(cfg.Publish.Redis)
		defer pub.Close()
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := pub.Check(pctx); err != nil {
			logger.Warn("redis unavailable, publishing will retry per record", "addr", cfg.Publish.Redis.Addr, "err", err)
		}
		cancel()
		deps.Publisher = pub
		redisPub = pub
	}
	mon := monitor.New(cfg, deps)

	records := make(chan model.Record, cfg.Ingest.ChannelBuffer)
	mon.Start(ctx, records)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		adapter.Run(ctx, detector)
	}()

	ingest.StartREST(ctx, mgr, records, logger)
	ingest.StartTCPStream(ctx, mgr, records, logger)
	ingest.StartFileTail(ctx, mgr, records, logger)
	ingest.StartKafka(ctx, mgr, records, logger)

	apiDeps := api.Deps{
		Detector: detector,
		Monitor:  mon,
		Alerts:   alertsStore,
		Latest:   latest,
		Metrics:  collectors,
	}
	if store != nil {
		apiDeps.Records = store
		apiDeps.Baseline = adapter
	}
	if redisPub != nil {
		apiDeps.LatestCache = redisPub
	}
	api.Start(ctx, mgr, apiDeps, logger, version)

	stopWatch := make(chan struct{})
	go mgr.Watch(3*time.Second, func(next *config.Config) {
		logger.Info("config reloaded", "path", mgr.Path())
		detector.UpdateConfig(next.Detection)
		mon.UpdateConfig(next)
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	}, stopWatch)

	<-ctx.Done()
	close(stopWatch)
	logger.Info("shutting down")
	wg.Wait()

	counts := mon.Counts()
	logger.Info("noisemon stopped",
		"measurements", counts.Measurements,
		"errors", counts.Errors,
		"anomalies", counts.Anomalies,
	)
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, codec spectrum.Codec, logger *slog.Logger) (storage.Store, error) {
	store, err := storage.NewStore(cfg.Storage, codec)
	if err != nil {
		return nil, err
	}
	if store == nil {
		logger.Info("storage disabled")
		return nil, nil
	}
	ictx, cancel := context.WithTimeout(ctx, cfg.Storage.Timeout)
	defer cancel()
	if err := store.Init(ictx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init storage: %w", err)
	}
	logger.Info("storage ready", "driver", cfg.Storage.Driver)
	return store, nil
}
