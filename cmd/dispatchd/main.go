// README: Entry point; loads config, wires services, starts the expiry sweep and metrics listener.
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
	"roadcall/internal/modules/dispatch"
	"roadcall/internal/modules/job"
	"roadcall/internal/modules/tracking"
	"roadcall/internal/notify"
	"roadcall/internal/pricing"
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

	var mapsClient routing.DirectionsClient
	if cfg.Maps.APIKey != "" {
		c, err := routing.NewClient(cfg.Maps.APIKey)
		if err != nil {
			log.Fatalf("maps init: %v", err)
		}
		mapsClient = c
	} else {
		logger.Warn("no maps api key, every route falls back to the straight-line estimate")
	}
	acc := settings.NewAccessor(settings.NewStore(dbPool))
	resolver := routing.NewResolver(mapsClient, acc, logger)
	pricer := pricing.NewEngine(acc)
	bounds := geo.Bounds{
		MinLat: cfg.Geo.MinLat, MaxLat: cfg.Geo.MaxLat,
		MinLng: cfg.Geo.MinLng, MaxLng: cfg.Geo.MaxLng,
	}

	jobStore := job.NewStore(dbPool)
	trackingStore := tracking.NewPGStore(dbPool, redisClient)
	events := notify.NewRedisPublisher(redisClient)

	var alerts dispatch.DeviceAlerts
	if cfg.Firebase.CredentialsFile != "" {
		fcm, err := infra.NewFirebaseMessaging(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
		if err != nil {
			log.Fatalf("firebase init: %v", err)
		}
		alerts = notify.NewDeviceAlerter(
			notify.NewPGDeviceRegistry(dbPool),
			notify.NewPusher(fcm, logger),
			logger,
		)
	} else {
		logger.Warn("no firebase credentials, provider devices get no push alerts")
	}

	dispatchSvc := dispatch.NewService(dispatch.ServiceDeps{
		Store:    dispatch.NewPGStore(dbPool),
		Jobs:     jobStore,
		Pool:     tracking.NewPool(trackingStore),
		Vehicles: dispatch.NewPGVehicleRegistry(dbPool),
		Router:   resolver,
		Pricer:   pricer,
		Events:   events,
		Alerts:   alerts,
		Settings: acc,
		Bounds:   bounds,
		Logger:   logger,
	})

	go dispatchSvc.RunExpirySweep(ctx, cfg.Sweep.Interval)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()

	logger.Info("dispatchd up", "metrics_addr", cfg.Metrics.Addr, "sweep_interval", cfg.Sweep.Interval)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
