package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/homesense/event-resolver/internal/api"
	"github.com/homesense/event-resolver/internal/cache"
	"github.com/homesense/event-resolver/internal/config"
	"github.com/homesense/event-resolver/internal/engine"
	"github.com/homesense/event-resolver/internal/ingest"
	"github.com/homesense/event-resolver/internal/metrics"
	"github.com/homesense/event-resolver/internal/notify"
	"github.com/homesense/event-resolver/internal/rules"
	"github.com/homesense/event-resolver/internal/services"
	"github.com/homesense/event-resolver/internal/store"
	"github.com/homesense/event-resolver/internal/utils"
)

// resolutionBackend is satisfied by both store.Postgres and store.Memory.
type resolutionBackend interface {
	engine.EvidenceReader
	engine.ResolutionStore
	ingest.EvidenceRecorder
	services.ResolutionRepository
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	if err := run(configPath); err != nil {
		slog.Error("event-resolver failed", slog.Any("error", err))
		os.Exit(1)
	}
}

// run wires the engine and blocks until a shutdown signal arrives.
func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config %q: %w", configPath, err)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	slog.SetDefault(logger)
	logger.Info("starting event-resolver", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tree, err := rules.Load(cfg.Rules.Path)
	if err != nil {
		return fmt.Errorf("load rule tree %q: %w", cfg.Rules.Path, err)
	}
	logger.Info("rule tree loaded", slog.Int("rules", tree.Len()), slog.Int("roots", len(tree.Roots())))

	backend, closeBackend, err := openBackend(ctx, cfg.Postgres, logger)
	if err != nil {
		return fmt.Errorf("open resolution store: %w", err)
	}
	defer closeBackend()

	var evidence engine.EvidenceReader = backend
	if cfg.ClickHouse.DSN != "" {
		ch, err := store.NewClickHouse(ctx, cfg.ClickHouse.DSN)
		if err != nil {
			return fmt.Errorf("connect to clickhouse: %w", err)
		}
		defer ch.Close()
		evidence = ch
		logger.Info("reading evidence from clickhouse")
	}

	publisher, closePublishers := buildPublishers(cfg.Notify, logger)
	defer closePublishers()

	var lease cache.Provider = cache.NoopProvider{}
	if cfg.Cache.Enabled {
		provider, err := cache.NewValkeyProvider(ctx, cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey unavailable; cycle lease disabled", slog.Any("error", err))
		} else {
			lease = provider
		}
	}
	defer lease.Close()

	resolver := engine.NewResolver(logger, tree, evidence, backend, publisher, engine.ResolverConfig{
		MaxAgeMinutes:   cfg.Resolver.MaxAgeMinutes,
		LookbackSeconds: cfg.Resolver.LookbackSeconds,
	})
	scheduler := engine.NewScheduler(logger, resolver, lease, engine.SchedulerConfig{
		Interval: cfg.Resolver.Interval,
		LeaseKey: cfg.Resolver.LeaseKey,
		LeaseTTL: cfg.Resolver.LeaseTTL,
	})

	var recorder ingest.EvidenceRecorder
	if cfg.Ingest.RecordEvidence {
		recorder = backend
	}
	dispatcher := ingest.NewDispatcher(logger, resolver, recorder)

	var wg sync.WaitGroup
	runBackground := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("background worker exited", slog.String("worker", name), slog.Any("error", err))
				stop()
			}
		}()
	}

	runBackground("scheduler", scheduler.Run)

	if cfg.Ingest.Kafka.Enabled {
		consumer, err := ingest.NewKafkaConsumer(ingest.KafkaConfig{
			Brokers: cfg.Ingest.Kafka.Brokers,
			GroupID: cfg.Ingest.Kafka.GroupID,
			Topic:   cfg.Ingest.Kafka.Topic,
		}, dispatcher, logger)
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("create kafka consumer: %w", err)
		}
		runBackground("kafka-ingest", consumer.Run)
	}

	if cfg.Ingest.MQTT.Enabled {
		subscriber, err := ingest.NewMQTTSubscriber(ingest.MQTTConfig{
			Broker:   cfg.Ingest.MQTT.Broker,
			ClientID: cfg.Ingest.MQTT.ClientID,
			Username: cfg.Ingest.MQTT.Username,
			Password: cfg.Ingest.MQTT.Password,
			Topic:    cfg.Ingest.MQTT.Topic,
			QoS:      cfg.Ingest.MQTT.QoS,
		}, dispatcher, logger)
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("create mqtt subscriber: %w", err)
		}
		runBackground("mqtt-ingest", subscriber.Run)
	}

	resolverService := services.NewResolverService(logger, dispatcher, backend, scheduler, tree, cfg.Resolver.MaxAgeMinutes)

	server, err := api.NewServer(cfg.Server, resolverService)
	if err != nil {
		stop()
		wg.Wait()
		return fmt.Errorf("create gRPC server: %w", err)
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	wg.Wait()
	logger.Info("event-resolver stopped")
	return nil
}

func openBackend(ctx context.Context, cfg config.PostgresConfig, logger *slog.Logger) (resolutionBackend, func(), error) {
	if cfg.DSN == "" {
		logger.Warn("postgres dsn not set; using in-memory store")
		return store.NewMemory(), func() {}, nil
	}

	db, err := store.OpenPostgres(ctx, cfg.DSN, cfg.MaxOpenConns)
	if err != nil {
		return nil, nil, err
	}
	pg := store.NewPostgres(db)
	if cfg.EnsureSchema {
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
	}
	logger.Info("postgres resolution store ready")
	return pg, func() { _ = db.Close() }, nil
}

func buildPublishers(cfg config.NotifyConfig, logger *slog.Logger) (engine.Publisher, func()) {
	var (
		fanout  notify.Fanout
		closers []func()
	)
	if cfg.Log {
		fanout = append(fanout, notify.NewLogPublisher(logger))
	}
	if cfg.Kafka.Enabled {
		kp, err := notify.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			logger.Warn("kafka notifications disabled", slog.Any("error", err))
		} else {
			fanout = append(fanout, kp)
			closers = append(closers, func() { _ = kp.Close() })
		}
	}
	if cfg.MQTT.Enabled {
		client, err := notify.ConnectMQTT(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.Username, cfg.MQTT.Password, 10*time.Second)
		if err == nil {
			var mp *notify.MQTTPublisher
			if mp, err = notify.NewMQTTPublisher(client, cfg.MQTT.Topic, cfg.MQTT.QoS); err == nil {
				fanout = append(fanout, mp)
				closers = append(closers, disconnect(client))
			}
		}
		if err != nil {
			logger.Warn("mqtt notifications disabled", slog.Any("error", err))
		}
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	if len(fanout) == 0 {
		return nil, closeAll
	}
	return fanout, closeAll
}

func disconnect(client mqtt.Client) func() {
	return func() { client.Disconnect(250) }
}
