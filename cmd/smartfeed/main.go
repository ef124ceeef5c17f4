package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"smartfeed/config"
	"smartfeed/internal/dashboard"
	"smartfeed/internal/historical"
	"smartfeed/internal/metrics"
	"smartfeed/internal/smartapi"
	"smartfeed/internal/stream"
	"smartfeed/logger"
)

func main() {
	configPath := flag.String("config", "config/config.yml", "path to the configuration file")
	flag.Parse()

	// .env is optional; real deployments pass credentials through the
	// environment directly.
	_ = godotenv.Load()

	log := logger.GetLogger()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"name":    cfg.Smartfeed.Name,
		"version": cfg.Smartfeed.Version,
		"env":     config.AppEnvironment(),
	}).Info("smartfeed starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleShutdown(cancel)

	metrics.Init(cfg.Metrics.PrometheusAddress)
	if cfg.Metrics.CloudWatchEnabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatchRegion, cfg.Metrics.CloudWatchNamespace)
	}
	logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)

	conn := stream.NewConn(cfg.Stream, cfg.Credentials, stream.WithTerminalHandler(func(err error) {
		log.WithError(err).Error("stream connection abandoned")
		cancel()
	}))

	fetcher := smartapi.NewClient(cfg.Historical, cfg.Credentials)
	queue := historical.NewQueue(cfg.Historical, fetcher)
	if err := queue.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start poll queue")
		os.Exit(1)
	}

	dash := dashboard.NewServer(cfg.Dashboard, log, dashboard.StatusSource{
		StreamState:         func() string { return conn.State().String() },
		StreamSubscriptions: conn.Registry().Size,
		QueueDepth:          queue.Depth,
		PollSubscriptions:   queue.Subscriptions,
	})
	if dash != nil {
		if err := dash.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start dashboard")
			os.Exit(1)
		}
	}

	if err := conn.Connect(); err != nil {
		// Credential problems are fatal; transport failures already have
		// a reconnect scheduled.
		log.WithError(err).Warn("initial connect failed")
		if err == stream.ErrMissingCredentials {
			os.Exit(1)
		}
	}

	<-ctx.Done()

	log.Info("shutting down")
	conn.Disconnect()
	queue.Stop()
	log.Info("smartfeed stopped")
}

func handleShutdown(cancel context.CancelFunc) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
	cancel()
}
