package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mqttguard/internal/alerts"
	"mqttguard/internal/api"
	"mqttguard/internal/config"
	"mqttguard/internal/engine"
	"mqttguard/internal/ingest"
	"mqttguard/internal/logging"
	"mqttguard/internal/metrics"
	"mqttguard/internal/normalize"
	"mqttguard/internal/storage"
)

var version = "dev"

func main() {
	var (
		configFile  = flag.String("config", "configs/mqttguard.yaml", "Configuration file path (YAML or JSON)")
		showVersion = flag.Bool("version", false, "Show version information")
		watchEvery  = flag.Duration("watch-interval", 3*time.Second, "How often to check the config file for changes")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("mqttguard", version)
		return
	}

	path := config.ResolvePath(*configFile)
	cfgManager, err := config.NewManager(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v; using defaults\n", path, err)
		cfgManager = config.NewStaticManager(config.DefaultConfig())
	}
	cfg := cfgManager.Get()

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting mqttguard", "version", version, "config", cfgManager.Path(), "workers", cfg.Engine.Workers)

	if err := run(cfgManager, logger, *watchEvery); err != nil {
		logger.Error("mqttguard exited", "err", err)
		os.Exit(1)
	}
}

func run(cfgManager *config.Manager, logger *slog.Logger, watchEvery time.Duration) error {
	cfg := cfgManager.Get()
	m := metrics.New()

	history, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if history != nil {
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := history.Init(initCtx)
		cancel()
		if err != nil {
			_ = history.Close()
			return fmt.Errorf("storage init: %w", err)
		}
		defer history.Close()
		logger.Info("alert history enabled", "driver", cfg.Storage.Driver)
	}

	ring := alerts.NewStore(cfg.Alerts.StoreLimit)
	emitter := alerts.BuildEmitter(cfg, ring, history, logger)
	emitter.OnError = func(sink string, _ error) {
		m.EmitErrors.WithLabelValues(sink).Inc()
	}
	defer func() {
		if err := emitter.Close(); err != nil {
			logger.Warn("alert sink close failed", "err", err)
		}
	}()

	eng := engine.NewEngine(cfg, logger, m, engine.EmitterFunc(emitter.Emit))
	normalizer := normalize.NewNormalizer(cfgManager.Get)
	normalizer.OnReject = func(reason string) {
		m.EventsRejected.WithLabelValues(reason).Inc()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng.Start(ctx)

	dispatcher := ingest.NewDispatcher(normalizer, eng, logger)
	ingest.StartREST(ctx, cfgManager, dispatcher, logger)
	ingest.StartSyslog(ctx, cfgManager, dispatcher, logger)
	ingest.StartTCPStream(ctx, cfgManager, dispatcher, logger)
	ingest.StartFileTail(ctx, cfgManager, dispatcher, logger)
	ingest.StartKafka(ctx, cfgManager, dispatcher, logger)
	ingest.StartMQTT(ctx, cfgManager, dispatcher, logger)
	ingest.StartNATS(ctx, cfgManager, dispatcher, logger)

	api.Start(ctx, api.Deps{
		Config:     cfgManager,
		Engine:     eng,
		Alerts:     ring,
		History:    history,
		Metrics:    m,
		Normalizer: normalizer,
		Logger:     logger,
		Version:    version,
	})

	if cfgManager.Path() != "" {
		go cfgManager.Watch(watchEvery, func(next *config.Config) {
			eng.UpdateConfig(next)
			logger.Info("config reloaded", "path", cfgManager.Path())
		}, func(err error) {
			logger.Warn("config reload failed", "err", err)
		}, ctx.Done())
	}

	<-ctx.Done()
	logger.Info("shutdown requested, draining queues", "timeout", cfg.Engine.DrainTimeout)
	report := eng.Stop(cfgManager.Get().Engine.DrainTimeout)
	logger.Info("engine stopped",
		"drained", report.Drained,
		"discarded", report.Discarded,
		"flushed", report.Flushed,
		"timed_out", report.TimedOut,
	)
	return nil
}
