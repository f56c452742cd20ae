package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/trafficmind/internal/config"
	"github.com/alfredjeanlab/trafficmind/internal/detector"
	"github.com/alfredjeanlab/trafficmind/internal/events"
	"github.com/alfredjeanlab/trafficmind/internal/media"
	"github.com/alfredjeanlab/trafficmind/internal/metrics"
	"github.com/alfredjeanlab/trafficmind/internal/model"
	"github.com/alfredjeanlab/trafficmind/internal/presence"
	"github.com/alfredjeanlab/trafficmind/internal/server"
	"github.com/alfredjeanlab/trafficmind/internal/signal"
	"github.com/alfredjeanlab/trafficmind/internal/store"
	"github.com/alfredjeanlab/trafficmind/internal/store/memory"
	"github.com/alfredjeanlab/trafficmind/internal/store/postgres"
	tmsync "github.com/alfredjeanlab/trafficmind/internal/sync"
	"github.com/alfredjeanlab/trafficmind/internal/task"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Start the TrafficMind gateway",
	GroupID: "system",
	// The gateway needs no client of its own.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := installLogger(cfg, os.Stderr)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		st := openStore(cfg, logger)
		publisher := openPublisher(cfg, logger)

		mediaStore, err := openMedia(ctx, cfg, logger)
		if err != nil {
			publisher.Close()
			st.Close()
			return err
		}

		m := metrics.New()
		board := signal.NewBoard(model.SignalMode(cfg.Signal.Mode), cfg.Signal.DefaultIntersection)
		tracker := presence.New()
		det := detector.NewClient(cfg.Detector.URL, cfg.Detector.Timeout, m.ObserveDetector)

		srv := server.New(server.Options{
			Store:          st,
			Board:          board,
			Detector:       det,
			Media:          mediaStore,
			Publisher:      publisher,
			Metrics:        m,
			Presence:       tracker,
			Logger:         logger,
			AuthToken:      cfg.HTTP.AuthToken,
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
			MaxUploadBytes: cfg.MaxUploadBytes(),
			Retries:        cfg.Detector.Retries,
		})
		board.OnChange(srv.OnSignalChange)

		mgr := task.NewManager(task.Config{
			Store: st,
			Media: mediaStore,
			Frames: &media.FrameExtractor{
				FFmpegPath: cfg.Media.FFmpegPath,
				FPS:        cfg.Media.TargetFPS,
				Logger:     logger,
			},
			Detector:      det,
			Signals:       board,
			Emitter:       srv,
			Metrics:       m,
			Logger:        logger,
			MediaDir:      cfg.Media.Dir,
			Retries:       cfg.Detector.Retries,
			JPEGQuality:   cfg.Media.JPEGQuality,
			FrameMaxWidth: cfg.Media.FrameMaxWidth,
			PersistEvery:  10,
		})
		srv.SetTasks(mgr)

		tracker.StartReaper(&presence.ReaperConfig{OnStale: srv.DisconnectClient})

		// Signal sources. The simulator idles until the mode is simulation.
		go signal.NewSimulator(board, signal.Timing{
			Green:  cfg.Signal.SimGreen,
			Yellow: cfg.Signal.SimYellow,
			Left:   cfg.Signal.SimLeft,
		}, logger).Run(ctx)
		closeFeeds := startSignalFeeds(ctx, cfg, board, logger)

		// Start sync scheduler if a destination is configured.
		var scheduler *tmsync.Scheduler
		if cfg.Sync.Interval > 0 && cfg.Sync.S3Bucket != "" {
			dest, err := tmsync.NewS3Destination(ctx, tmsync.S3Options{
				Bucket:   cfg.Sync.S3Bucket,
				Key:      cfg.Sync.S3Key,
				Region:   cfg.Sync.S3Region,
				Endpoint: cfg.Sync.S3Endpoint,
			})
			if err != nil {
				logger.Error("failed to create S3 sync destination", "err", err)
			} else {
				scheduler = tmsync.NewScheduler(st, []tmsync.Destination{dest}, cfg.Sync.Interval, logger)
				scheduler.Start()
				logger.Info("sync scheduler started", "interval", cfg.Sync.Interval, "bucket", cfg.Sync.S3Bucket)
			}
		}

		httpServer := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			logger.Info("HTTP server listening", "addr", cfg.HTTP.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		logger.Info("trafficmind gateway started",
			"http_addr", cfg.HTTP.Addr,
			"signal_mode", board.Mode(),
			"detector", cfg.Detector.URL,
		)

		// Wait for SIGINT, SIGTERM or a listener failure.
		sigCh := make(chan os.Signal, 1)
		ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		var runErr error
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
		case runErr = <-errCh:
			logger.Error("HTTP server error", "err", runErr)
		}

		// Graceful shutdown.
		cancel()
		closeFeeds()

		if scheduler != nil {
			scheduler.Stop()
			logger.Info("sync scheduler stopped")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		srv.Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}
		logger.Info("HTTP server stopped")

		mgr.Shutdown()
		logger.Info("tasks stopped")
		tracker.Stop()

		if err := publisher.Close(); err != nil {
			logger.Error("error closing publisher", "err", err)
		}
		if err := st.Close(); err != nil {
			logger.Error("error closing store", "err", err)
		}

		logger.Info("shutdown complete")
		return runErr
	},
}

// installLogger builds the configured logger and makes it the slog default,
// so package-level slog calls honor the log level and format too.
func installLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	logger := cfg.NewLoggerTo(w)
	slog.SetDefault(logger)
	return logger
}

// openStore connects to Postgres, falling back to the in-memory store when no
// database is configured or it cannot be reached.
func openStore(cfg *config.Config, logger *slog.Logger) store.Store {
	if cfg.Database.URL == "" {
		logger.Info("using in-memory store (TM_DATABASE_URL not set)")
		return memory.New(cfg.Database.Retention)
	}
	pg, err := postgres.New(cfg.Database.URL, cfg.Database.Retention)
	if err != nil {
		logger.Warn("postgres unavailable, using in-memory store", "err", err)
		return memory.New(cfg.Database.Retention)
	}
	logger.Info("postgres store connected")
	return pg
}

func openPublisher(cfg *config.Config, logger *slog.Logger) events.Publisher {
	var pubs []events.Publisher
	if cfg.NATS.URL != "" {
		pub, err := events.NewNATSPublisher(cfg.NATS.URL)
		if err != nil {
			logger.Error("failed to connect NATS publisher", "err", err)
		} else {
			pubs = append(pubs, pub)
			logger.Info("events enabled", "nats_url", cfg.NATS.URL)
		}
	}
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.EventTopic != "" {
		pub, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.EventTopic)
		if err != nil {
			logger.Error("failed to create Kafka publisher", "err", err)
		} else {
			pubs = append(pubs, pub)
			logger.Info("events enabled", "kafka_topic", cfg.Kafka.EventTopic)
		}
	}
	if len(pubs) == 0 {
		logger.Info("events disabled (TM_NATS_URL and TM_KAFKA_BROKERS not set)")
		return &events.NoopPublisher{}
	}
	return events.NewMultiPublisher(pubs...)
}

func openMedia(ctx context.Context, cfg *config.Config, logger *slog.Logger) (media.Store, error) {
	if cfg.Media.MinioEndpoint != "" {
		ms, err := media.NewMinioStore(ctx, cfg.Media.MinioEndpoint, cfg.Media.MinioAccessKey, cfg.Media.MinioSecretKey, cfg.Media.MinioUseSSL)
		if err != nil {
			return nil, fmt.Errorf("connecting to MinIO: %w", err)
		}
		logger.Info("media store: minio", "endpoint", cfg.Media.MinioEndpoint)
		return ms, nil
	}
	ls, err := media.NewLocalStore(cfg.Media.Dir)
	if err != nil {
		return nil, err
	}
	logger.Info("media store: local", "dir", cfg.Media.Dir)
	return ls, nil
}

// startSignalFeeds subscribes the board to the configured message feeds and
// returns a func that closes them.
func startSignalFeeds(ctx context.Context, cfg *config.Config, board *signal.Board, logger *slog.Logger) func() {
	var closers []func()

	if cfg.NATS.URL != "" && cfg.NATS.SignalSubject != "" {
		sub, err := events.NewNATSSubscriber(cfg.NATS.URL)
		if err != nil {
			logger.Error("failed to create NATS signal subscriber", "err", err)
		} else if ch, unsubscribe, err := sub.Subscribe(cfg.NATS.SignalSubject); err != nil {
			logger.Error("failed to subscribe to signal subject", "subject", cfg.NATS.SignalSubject, "err", err)
			sub.Close()
		} else {
			go signal.Consume(ctx, ch, board, signal.SourceNATS)
			closers = append(closers, func() {
				unsubscribe()
				sub.Close()
			})
			logger.Info("NATS signal feed started", "subject", cfg.NATS.SignalSubject)
		}
	}

	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.SignalTopic != "" {
		feed, err := signal.NewKafkaFeed(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.SignalTopic, board, logger)
		if err != nil {
			logger.Error("failed to create Kafka signal feed", "err", err)
		} else {
			go feed.Run(ctx)
			closers = append(closers, func() { feed.Close() })
			logger.Info("Kafka signal feed started", "topic", cfg.Kafka.SignalTopic)
		}
	}

	return func() {
		for _, c := range closers {
			c()
		}
	}
}
