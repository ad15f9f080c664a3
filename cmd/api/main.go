package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "bookwarehouse/docs"
	"bookwarehouse/pkg/api"
	"bookwarehouse/pkg/config"
	"bookwarehouse/pkg/events"
	"bookwarehouse/pkg/logger"
	"bookwarehouse/pkg/otel"
	"bookwarehouse/pkg/session"
	"bookwarehouse/pkg/warehouse"
	"bookwarehouse/pkg/warehouse/memory"
	"bookwarehouse/pkg/warehouse/redisstore"
	"bookwarehouse/pkg/warehouse/sqldb"
)

// @title Book Warehouse API
// @version 1.0
// @description Shelf inventory, orders and all-or-nothing order fulfilment
// @host localhost:8443
// @BasePath /
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name Cookie
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "bookwarehouse:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	log := logger.New(os.Stdout, level, config.ServiceName, otel.GetTraceID)
	defer func() { _ = log.Sync() }()

	tracing := otel.Config{
		ServiceName: config.ServiceName,
		Host:        cfg.OtelHost,
		Probability: cfg.OtelSampleRatio,
	}
	if cfg.OtelConsole {
		tracing.Console = os.Stderr
	}
	tp, shutdownTracing, err := otel.InitTracing(log, tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Error(ctx, "shutdown tracing", "error", err)
		}
	}()

	var redisClient *redis.Client
	if cfg.NeedsRedis() {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
	}

	store, closeStore, err := openStore(ctx, cfg, redisClient)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreBackend, err)
	}
	defer closeStore()

	publisher, err := openPublisher(cfg)
	if err != nil {
		return fmt.Errorf("open %s publisher: %w", cfg.EventsBackend, err)
	}
	if c, ok := publisher.(io.Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				log.Error(context.Background(), "close publisher", "error", err)
			}
		}()
	}

	svc := warehouse.NewService(store,
		warehouse.WithLogger(log),
		warehouse.WithPublisher(publisher),
	)

	opts := []api.Option{api.WithTracer(tp.Tracer(config.ServiceName)), api.WithSwagger()}
	if cfg.AuthEnabled {
		opts = append(opts, api.WithSessions(session.NewStore(redisClient, cfg.SessionTTL)))
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.New(svc, log, opts...).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "listening", "addr", cfg.HTTPAddr, "tls", cfg.TLS(),
			"store", cfg.StoreBackend, "events", cfg.EventsBackend, "auth", cfg.AuthEnabled)
		if cfg.TLS() {
			errCh <- srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server closed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg *config.Config, redisClient *redis.Client) (warehouse.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		s, err := sqldb.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.StoreSQLite:
		s, err := sqldb.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.StoreRedis:
		s := redisstore.New(redisClient, redisstore.WithPrefix("warehouse:"))
		if err := s.Ping(ctx); err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	default:
		return memory.New(), func() {}, nil
	}
}

func openPublisher(cfg *config.Config) (warehouse.Publisher, error) {
	switch cfg.EventsBackend {
	case config.EventsKafka:
		return events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	case config.EventsRabbitMQ:
		return events.NewRabbitPublisher(cfg.RabbitMQURL, cfg.RabbitMQQueue)
	default:
		return nil, nil
	}
}
