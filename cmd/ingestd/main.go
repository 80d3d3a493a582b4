// README: Location ingest binary; consumes the Kafka firehose into the tracking feed.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"roadcall/internal/config"
	"roadcall/internal/geo"
	"roadcall/internal/infra"
	"roadcall/internal/ingest"
	"roadcall/internal/modules/job"
	"roadcall/internal/modules/tracking"
	"roadcall/internal/notify"
	"roadcall/internal/routing"
	"roadcall/internal/settings"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatal(err)
	}
	defer dbPool.Close()

	redisClient := infra.NewRedis(cfg.Redis.Addr)
	defer redisClient.Close()

	acc := settings.NewAccessor(settings.NewStore(dbPool))
	trackingSvc := tracking.NewService(tracking.ServiceDeps{
		Store:  tracking.NewPGStore(dbPool, redisClient),
		Jobs:   job.NewStore(dbPool),
		Router: routing.NewResolver(nil, acc, logger),
		Events: notify.NewRedisPublisher(redisClient),
		Bounds: geo.Bounds{
			MinLat: cfg.Geo.MinLat, MaxLat: cfg.Geo.MaxLat,
			MinLng: cfg.Geo.MinLng, MaxLng: cfg.Geo.MaxLng,
		},
		Logger: logger,
	})

	consumer := ingest.NewConsumer(ingest.ConsumerConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.Topic,
		GroupID: cfg.Kafka.GroupID,
		Logger:  logger,
	}, trackingSvc)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()

	logger.Info("ingestd up", "topic", cfg.Kafka.Topic, "brokers", cfg.Kafka.Brokers)
	if err := consumer.Run(ctx); err != nil && err != context.Canceled {
		log.Fatal(err)
	}
}
