package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	bookingapp "github.com/dmehra2102/Travel-Booking-System/internal/booking/application"
	bookingcache "github.com/dmehra2102/Travel-Booking-System/internal/booking/infrastructure/cache"
	bookinghttp "github.com/dmehra2102/Travel-Booking-System/internal/booking/infrastructure/http"
	bookingpg "github.com/dmehra2102/Travel-Booking-System/internal/booking/infrastructure/postgres"
	inventoryapp "github.com/dmehra2102/Travel-Booking-System/internal/inventory/application"
	inventorypg "github.com/dmehra2102/Travel-Booking-System/internal/inventory/infrastructure/postgres"
	"github.com/dmehra2102/Travel-Booking-System/internal/maintenance"
	sagaapp "github.com/dmehra2102/Travel-Booking-System/internal/saga/application"
	sagakafka "github.com/dmehra2102/Travel-Booking-System/internal/saga/infrastructure/kafka"
	sagapg "github.com/dmehra2102/Travel-Booking-System/internal/saga/infrastructure/postgres"
	"github.com/dmehra2102/Travel-Booking-System/migrations"
	"github.com/dmehra2102/Travel-Booking-System/pkg/config"
	"github.com/dmehra2102/Travel-Booking-System/pkg/idempotency"
	"github.com/dmehra2102/Travel-Booking-System/pkg/logging"
	"github.com/dmehra2102/Travel-Booking-System/pkg/outbox"
	"github.com/dmehra2102/Travel-Booking-System/pkg/postgres"
	"github.com/dmehra2102/Travel-Booking-System/pkg/shutdown"
	"github.com/dmehra2102/Travel-Booking-System/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info").Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel).With("service", cfg.ServiceName, "env", cfg.Env)

	if err := run(cfg, log); err != nil {
		log.Error("booking-service stopped with error", "err", err)
		os.Exit(1)
	}
	log.Info("booking-service shutdown complete")
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	tp, err := tracing.Init(ctx, cfg.ServiceName, cfg.OTLPEndpoint, log)
	if err != nil {
		return fmt.Errorf("otel init: %w", err)
	}
	defer func() { _ = tp.Shutdown(context.WithoutCancel(ctx)) }()

	// Postgres
	if cfg.AutoMigrate {
		if err := migrations.Up(cfg.PGURL); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	pool, err := postgres.NewPool(ctx, cfg.PGURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	// Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("redis unreachable, cache and idempotency keys degrade", "addr", cfg.RedisAddr, "err", err)
	}

	// Kafka
	writer := sagakafka.NewWriter(cfg.KafkaBrokers)
	defer writer.Close()
	reader := sagakafka.NewReader(cfg.KafkaBrokers, cfg.Topics.RefundEvents, cfg.Topics.ConsumerGroup)

	// Inventory & booking
	ledger := inventorypg.NewLedger(log, pool, cfg.Reservation.LockTimeout)
	inventory := inventoryapp.NewService(ledger)
	bookings := bookingpg.NewRepository(log, pool, ledger)
	listings := bookingcache.NewListings(log, rdb, bookingpg.NewListings(pool), cfg.Reservation.ListingTTL)
	svc := bookingapp.NewService(log, bookings, listings, inventory, bookingapp.Config{
		BusyAttempts: cfg.Reservation.BusyAttempts,
	})

	// Outbox relay
	relayID := relayName()
	outboxStore := outbox.NewPgStore(log, pool, relayID, cfg.Relay.Lease)
	relay := outbox.NewRelay(log, outboxStore, outbox.NewDispatcher(log, writer, cfg.Topics.BookingEvents), outbox.RelayConfig{
		BatchSize:      cfg.Relay.BatchSize,
		Interval:       cfg.Relay.Interval,
		PublishTimeout: cfg.Relay.PublishTimeout,
		MaxAttempts:    cfg.Relay.MaxAttempts,
		StuckAfter:     cfg.Relay.StuckAfter,
		MaxBackoff:     cfg.Relay.MaxBackoff,
	})

	// Refund saga
	listener := sagaapp.NewListener(log, sagapg.NewStore(log, pool, bookings))
	consumer := sagakafka.NewConsumer(log, reader, writer, listener, sagakafka.ConsumerConfig{
		DeadLetterTopic: cfg.Topics.DeadLetter,
		RetryBudget:     cfg.Saga.RetryBudget,
		RetryBackoff:    cfg.Saga.RetryBackoff,
		MaxBackoff:      cfg.Relay.MaxBackoff,
	})

	// Maintenance
	maint := maintenance.NewService(log, outboxStore,
		func(ctx context.Context, olderThan time.Time) (int64, error) {
			return idempotency.Prune(ctx, pool, olderThan)
		},
		svc,
		maintenance.Retention{
			ProcessedOutbox: cfg.Retention.ProcessedOutbox,
			ProcessedEvents: cfg.Retention.ProcessedEvents,
		})
	scheduler := maintenance.NewScheduler(log, maint, maintenance.Intervals{
		Cleanup:    cfg.Retention.CleanupEvery,
		Completion: cfg.Retention.CompletionEvery,
	})

	// HTTP
	idem := idempotency.Middleware(log, idempotency.NewRedisStore(rdb), cfg.Reservation.IdemKeyTTL,
		func(r *http.Request) string { return r.Header.Get(bookinghttp.HeaderUserID) })
	handler := bookinghttp.NewHandler(log, svc, outboxStore, pool, idem)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	// gRPC health
	healthSrv := health.NewServer()
	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	reflection.Register(grpcSrv)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	var wg sync.WaitGroup
	background := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error(name+" stopped with error", "err", err)
				cancel()
			}
		}()
	}

	background("relay", relay.Run)
	background("refund consumer", consumer.Run)
	scheduler.Start(ctx)

	go func() {
		log.Info("grpc health listening", "addr", cfg.GRPCAddr)
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("grpc server error", "err", err)
			cancel()
		}
	}()
	go func() {
		log.Info("http listening", "addr", cfg.HTTPAddr, "relay_id", relayID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "err", err)
			cancel()
		}
	}()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	<-ctx.Done()
	log.Info("shutting down")
	healthSrv.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "err", err)
	}
	grpcSrv.GracefulStop()
	wg.Wait()
	scheduler.Wait()
	return nil
}

func relayName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "booking-service"
	}
	return host + "-" + uuid.NewString()[:8]
}
