package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rl1809/stock-ledger/internal/adapter/handler"
	"github.com/rl1809/stock-ledger/internal/adapter/messaging"
	"github.com/rl1809/stock-ledger/internal/adapter/metrics"
	"github.com/rl1809/stock-ledger/internal/adapter/storage"
	"github.com/rl1809/stock-ledger/internal/clock"
	"github.com/rl1809/stock-ledger/internal/config"
	"github.com/rl1809/stock-ledger/internal/core/service"
	"github.com/rl1809/stock-ledger/internal/port"
	"github.com/rl1809/stock-ledger/internal/tracing"
)

var version = "dev"

type stores struct {
	events       port.EventStore
	reservations port.ReservationRepository
	products     port.ProductRepository
	close        func() error
}

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	zerolog.SetGlobalLevel(level)
	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", config.ServiceName).
		Logger()
	log.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.InitTracerProvider(ctx, config.ServiceName, version, cfg.Tracing.Endpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init tracing")
	}
	tracer := tp.Tracer("github.com/rl1809/stock-ledger")

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("failed to open storage")
	}

	clk := clock.NewSystem()
	promMetrics := metrics.New(prometheus.DefaultRegisterer)

	dispatcher := service.NewDispatcher(cfg.Dispatcher.Workers, cfg.Dispatcher.QueueSize, nil,
		service.WithDispatcherLogger(logger.With().Str("component", "dispatcher").Logger()),
		service.WithDispatcherMetrics(promMetrics),
	)

	var queryOpts []service.QueryOption
	queryOpts = append(queryOpts, service.WithQueryLogger(logger))

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, PoolSize: 100})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("failed to connect redis")
		}
		cache := storage.NewRedisSnapshotCache(rdb, cfg.Redis.SnapshotTTL)
		dispatcher.Register(cache)
		queryOpts = append(queryOpts, service.WithSnapshotCache(cache))
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("snapshot cache enabled")
	}

	var publisher *messaging.KafkaPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = messaging.NewKafkaPublisher(messaging.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		dispatcher.Register(publisher)
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("event feed enabled")
	}

	ledger := service.NewLedger(st.events, clk,
		service.WithDispatcher(dispatcher),
		service.WithLedgerLogger(logger.With().Str("component", "ledger").Logger()),
		service.WithLedgerMetrics(promMetrics),
		service.WithLedgerTracer(tracer),
	)
	reservations := service.NewReservationService(ledger, st.reservations, clk,
		service.WithDefaultTTL(cfg.Reservations.DefaultTTL),
		service.WithReservationLogger(logger.With().Str("component", "reservations").Logger()),
		service.WithReservationMetrics(promMetrics),
		service.WithReservationTracer(tracer),
	)
	query := service.NewQueryService(ledger, queryOpts...)
	products := service.NewProductService(st.products, query, clk,
		service.WithPriceScale(cfg.Products.PriceScale),
		service.WithProductLogger(logger.With().Str("component", "products").Logger()),
	)
	dispatcher.Register(products)
	orders := service.NewOrderService(reservations, logger.With().Str("component", "orders").Logger())

	dispatcher.Start()
	logger.Info().Int("workers", cfg.Dispatcher.Workers).Msg("started dispatcher")

	mux := http.NewServeMux()
	handler.NewHTTPHandler(products, reservations, query, orders, logger).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.RequestLogger(mux, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(handler.UnaryLogger(logger)))
	handler.RegisterInventoryServer(grpcServer, handler.NewGRPCHandler(reservations, query, orders, logger))

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.GRPCAddr).Msg("failed to listen")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		service.NewSweeper(reservations, cfg.Reservations.SweepInterval, logger.With().Str("component", "sweeper").Logger()).Run(gctx)
		return nil
	})

	g.Go(func() error {
		logger.Info().Str("addr", cfg.GRPCAddr).Msg("gRPC server listening")
		return grpcServer.Serve(lis)
	})

	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("HTTP shutdown failed")
		}
		logger.Info().Msg("HTTP server stopped")

		grpcServer.GracefulStop()
		logger.Info().Msg("gRPC server stopped")
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
	}

	// Servers are down, so no new appends; drain what is queued.
	dispatcher.Close()
	logger.Info().Msg("dispatcher drained")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close kafka writer")
		}
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if err := st.close(); err != nil {
		logger.Error().Err(err).Msg("failed to close storage")
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to flush traces")
	}
	logger.Info().Msg("connections closed")
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	if cfg.Storage.Backend != config.BackendMySQL {
		logger.Info().Msg("using in-memory storage")
		return &stores{
			events:       storage.NewMemoryEventStore(),
			reservations: storage.NewMemoryReservationRepository(),
			products:     storage.NewMemoryProductRepository(),
			close:        func() error { return nil },
		}, nil
	}

	db, err := sql.Open("mysql", cfg.Storage.MySQLDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := storage.EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	gdb, err := gorm.Open(gormmysql.New(gormmysql.Config{Conn: db}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	products := storage.NewGormProductRepository(gdb)
	if err := products.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info().Msg("connected to mysql")

	return &stores{
		events:       storage.NewMySQLEventStore(db),
		reservations: storage.NewMySQLReservationRepository(db),
		products:     products,
		close:        db.Close,
	}, nil
}
