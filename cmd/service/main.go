package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sync-service/internal/eventlog"
	"sync-service/internal/identity"
	"sync-service/internal/party"
	"sync-service/internal/realtime"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := loadConfigFromEnv()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("sync-service: invalid REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	// Postgres
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("sync-service: pg: %v", err)
	}
	defer pool.Close()
	if err := identity.AutoMigrate(ctx, pool); err != nil {
		log.Fatalf("sync-service: migrate: %v", err)
	}

	sink, closeSink, err := buildSink(ctx, cfg, pool)
	if err != nil {
		log.Fatalf("sync-service: event sink: %v", err)
	}
	defer closeSink()

	// stopped after CloseAll, not by the signal
	queueCtx, stopQueue := context.WithCancel(context.Background())
	defer stopQueue()
	var (
		recorder realtime.Recorder
		queue    *realtime.RecordQueue
	)
	if sink != nil {
		queue = realtime.NewRecordQueue(sink, cfg.RecordQueueSize, cfg.RecordWorkers)
		queue.Start(queueCtx)
		recorder = queue
	}

	instanceID := uuid.NewString()
	store := party.NewRedisStore(rdb, cfg.StateTTL,
		party.WithInstance(instanceID),
		party.WithLiveness(max(cfg.HeartbeatTimeout, 3*cfg.SweepInterval)),
	)
	srv := realtime.NewServer(ctx, realtime.Options{
		Store:            store,
		Directory:        identity.NewPostgresDirectory(pool),
		Redis:            rdb,
		Auth:             realtime.NewAuthenticator(cfg.JWTSecret, cfg.TrustGatewayHeaders),
		Recorder:         recorder,
		FrontendBaseURL:  cfg.FrontendBaseURL,
		InstanceID:       instanceID,
		DriftTolerance:   cfg.DriftTolerance,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
	})

	go func() {
		if err := srv.RunRedisSubscriber(ctx); err != nil {
			log.Printf("sync-service: redis subscriber: %v", err)
		}
	}()
	srv.StartSweeper(ctx, cfg.SweepInterval)

	r := srv.Router(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Logger,
		middleware.Recoverer,
	)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("sync-service %s listening on :%s", instanceID, cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("sync-service: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("sync-service: shutdown: %v", err)
	}
	srv.CloseAll()
	stopQueue()
	if queue != nil {
		queue.Wait()
	}
	log.Println("sync-service stopped")
}

// buildSink picks the persistence collaborator named by EVENT_SINK.
// A nil sink means events are not persisted.
func buildSink(ctx context.Context, cfg Config, pool *pgxpool.Pool) (realtime.EventSink, func(), error) {
	noop := func() {}

	var sinks eventlog.Multi
	closers := []func(){}

	if cfg.EventSink == "postgres" || cfg.EventSink == "both" {
		if err := eventlog.AutoMigrate(ctx, pool); err != nil {
			return nil, noop, err
		}
		sinks = append(sinks, eventlog.NewPostgresLog(pool))
	}
	if cfg.EventSink == "kafka" || cfg.EventSink == "both" {
		stream := eventlog.NewKafkaStream(cfg.KafkaBrokers, cfg.KafkaTopic)
		sinks = append(sinks, stream)
		closers = append(closers, func() {
			if err := stream.Close(); err != nil {
				log.Printf("sync-service: close kafka writer: %v", err)
			}
		})
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	switch len(sinks) {
	case 0:
		return nil, noop, nil
	case 1:
		return sinks[0], closeAll, nil
	default:
		return sinks, closeAll, nil
	}
}
