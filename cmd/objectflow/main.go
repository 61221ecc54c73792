// Command objectflow runs the object event pipeline: it reads storage
// notifications from Pub/Sub, accepts annotation requests over HTTP, and
// keeps the metadata store and notification sinks in step.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"

	"github.com/jackjduggan/ds-eda-ca/pkg/config"
	"github.com/jackjduggan/ds-eda-ca/pkg/ingress"
	"github.com/jackjduggan/ds-eda-ca/pkg/messagepipeline"
	"github.com/jackjduggan/ds-eda-ca/pkg/metadata"
	"github.com/jackjduggan/ds-eda-ca/pkg/metrics"
	"github.com/jackjduggan/ds-eda-ca/pkg/microservice"
	"github.com/jackjduggan/ds-eda-ca/pkg/notifier"
	"github.com/jackjduggan/ds-eda-ca/pkg/objectevent"
	"github.com/jackjduggan/ds-eda-ca/pkg/objectstore"
	"github.com/jackjduggan/ds-eda-ca/pkg/pipeline"
	"github.com/jackjduggan/ds-eda-ca/pkg/router"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env-file", ".env", "path to a .env file; missing files are ignored")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := newLogger(cfg)
	log.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("objectflow exited with error")
	}
	logger.Info().Msg("objectflow stopped.")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var logger zerolog.Logger
	if cfg.LogPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.With().Timestamp().Str("service", "objectflow").Logger()
}

// closers runs cleanup functions in reverse order of registration.
type closers []func()

func (c *closers) add(f func()) { *c = append(*c, f) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	var cleanup closers
	defer cleanup.run()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.PubsubEmulatorHost != "" {
		// The Pub/Sub client reads the emulator address from the environment.
		if err := os.Setenv("PUBSUB_EMULATOR_HOST", cfg.PubsubEmulatorHost); err != nil {
			return fmt.Errorf("set emulator host: %w", err)
		}
	}

	var psClient *pubsub.Client
	if cfg.NeedsGCP() {
		c, err := pubsub.NewClient(ctx, cfg.ProjectID, clientOpts...)
		if err != nil {
			return fmt.Errorf("failed to create pubsub client: %w", err)
		}
		cleanup.add(func() { _ = c.Close() })
		psClient = c
	}

	store, err := newStore(ctx, cfg, clientOpts, logger, &cleanup)
	if err != nil {
		return err
	}
	cleanup.add(func() { _ = store.Close() })

	sink, err := newSink(ctx, cfg, psClient, clientOpts, logger, &cleanup)
	if err != nil {
		return err
	}
	notify, err := notifier.New(sink, notifier.Config{Recipient: cfg.Notify.Recipient}, logger, notifier.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("failed to create notifier: %w", err)
	}

	pipelineOpts := []pipeline.Option{pipeline.WithMetrics(m)}
	if cfg.Inspector.Enabled {
		gcs, err := storage.NewClient(ctx, clientOpts...)
		if err != nil {
			return fmt.Errorf("failed to create storage client: %w", err)
		}
		cleanup.add(func() { _ = gcs.Close() })
		inspector, err := objectstore.NewGCSInspector(objectstore.NewGCSClientAdapter(gcs),
			objectstore.GCSInspectorConfig{DefaultBucket: cfg.Inspector.DefaultBucket}, logger)
		if err != nil {
			return err
		}
		pipelineOpts = append(pipelineOpts, pipeline.WithInspector(inspector))
	}
	if cfg.Ingress.ForwardTopicID != "" {
		fwd, err := messagepipeline.NewGoogleSimplePublisher(ctx,
			messagepipeline.NewGoogleSimplePublisherDefaults(cfg.Ingress.ForwardTopicID), psClient, logger)
		if err != nil {
			return fmt.Errorf("failed to create forward publisher: %w", err)
		}
		cleanup.add(func() { stopPublisher(fwd, logger) })
		pipelineOpts = append(pipelineOpts, pipeline.WithForward(pipeline.TopicObjectsChanged, "external-changes",
			router.KindIs(objectevent.Removed, objectevent.Annotated), router.PublisherTarget{Publisher: fwd}))
	}

	p := cfg.Pipeline
	flow, err := pipeline.New(pipeline.Config{
		BatchSize:           p.BatchSize,
		FlushInterval:       p.FlushInterval,
		ReceiveWait:         p.ReceiveWait,
		VisibilityTimeout:   p.VisibilityTimeout,
		MaxReceiveCount:     p.MaxReceiveCount,
		RetryDelay:          p.RetryDelay,
		DeadLetterRetention: p.DeadLetterRetention,
		StoreDeadline:       p.StoreDeadline,
		NotifyDeadline:      p.NotifyDeadline,
		MaxLeaseExtension:   p.MaxLeaseExtension,
		SupportedTypes:      p.SupportedTypes,
	}, store, notify, logger, pipelineOpts...)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	normalizer := objectevent.NewNormalizer(logger)
	server := microservice.NewBaseServer(logger, cfg.HTTPPort, reg)
	server.Mux().Handle("/annotations", ingress.NewAnnotationHandler(normalizer, flow, logger))

	var inbound *ingress.Service
	if cfg.Ingress.SubscriptionID != "" {
		consumer, err := messagepipeline.NewGooglePubsubConsumer(
			messagepipeline.NewGooglePubsubConsumerDefaults(cfg.Ingress.SubscriptionID), psClient, logger)
		if err != nil {
			return fmt.Errorf("failed to create notification consumer: %w", err)
		}
		inbound, err = ingress.NewService(ingress.ServiceConfig{
			NumWorkers:     cfg.Ingress.NumWorkers,
			MaxPayloadSize: cfg.Ingress.MaxPayloadSize,
		}, consumer, normalizer, flow, logger, ingress.WithMetrics(m))
		if err != nil {
			return fmt.Errorf("failed to create ingress service: %w", err)
		}
	}

	// Consumers start before producers so nothing is published into a
	// pipeline that is not yet draining.
	if err := flow.Start(ctx); err != nil {
		return err
	}
	if inbound != nil {
		if err := inbound.Start(ctx); err != nil {
			stopAll(logger, flow)
			return fmt.Errorf("failed to start ingress: %w", err)
		}
	}
	if err := server.Start(); err != nil {
		if inbound != nil {
			stopAll(logger, inbound)
		}
		stopAll(logger, flow)
		return err
	}
	server.SetReady(true)
	logger.Info().Str("port", server.GetHTTPPort()).Str("store", cfg.Store.Backend).Msg("objectflow running.")

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if inbound != nil {
		if err := inbound.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop ingress: %w", err))
		}
	}
	if err := flow.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop pipeline: %w", err))
	}
	return errors.Join(errs...)
}

func stopAll(logger zerolog.Logger, services ...microservice.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, s := range services {
		if err := s.Stop(ctx); err != nil {
			logger.Warn().Err(err).Msg("Error stopping service.")
		}
	}
}

func stopPublisher(p messagepipeline.SimplePublisher, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		logger.Warn().Err(err).Msg("Error flushing publisher.")
	}
}

func newStore(ctx context.Context, cfg *config.Config, opts []option.ClientOption, logger zerolog.Logger, cleanup *closers) (metadata.Store, error) {
	sc := cfg.Store
	switch sc.Backend {
	case config.BackendFirestore:
		client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		cleanup.add(func() { _ = client.Close() })
		return metadata.NewFirestoreStore(&metadata.FirestoreConfig{
			ProjectID:      cfg.ProjectID,
			CollectionName: sc.FirestoreCollection,
		}, client, logger)
	case config.BackendRedis:
		return metadata.NewRedisStore(ctx, &metadata.RedisConfig{
			Addr:      sc.RedisAddr,
			Password:  sc.RedisPassword,
			DB:        sc.RedisDB,
			KeyPrefix: sc.RedisKeyPrefix,
		}, logger)
	case config.BackendPostgres:
		return metadata.NewPostgresStore(ctx, &metadata.PostgresConfig{DSN: sc.PostgresDSN, Table: sc.PostgresTable}, logger)
	default:
		logger.Warn().Msg("Using in-memory metadata store; records are lost on restart.")
		return metadata.NewInMemoryStore(), nil
	}
}

func newSink(
	ctx context.Context,
	cfg *config.Config,
	psClient *pubsub.Client,
	opts []option.ClientOption,
	logger zerolog.Logger,
	cleanup *closers,
) (notifier.Sink, error) {
	var sinks notifier.MultiSink
	for _, name := range cfg.Notify.Sinks {
		switch name {
		case config.SinkLog:
			sinks = append(sinks, notifier.NewLogSink(logger))
		case config.SinkPubsub:
			pub, err := messagepipeline.NewGoogleSimplePublisher(ctx,
				messagepipeline.NewGoogleSimplePublisherDefaults(cfg.Notify.MailTopicID), psClient, logger)
			if err != nil {
				return nil, fmt.Errorf("failed to create mail publisher: %w", err)
			}
			cleanup.add(func() { stopPublisher(pub, logger) })
			s, err := notifier.NewPubsubSink(pub, logger)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, s)
		case config.SinkBigQuery:
			client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
			if err != nil {
				return nil, fmt.Errorf("failed to create bigquery client: %w", err)
			}
			cleanup.add(func() { _ = client.Close() })
			inserter, err := notifier.NewBigQueryAuditInserter(ctx, client, &notifier.BigQueryDatasetConfig{
				DatasetID: cfg.Notify.BigQueryDataset,
				TableID:   cfg.Notify.BigQueryTable,
			}, logger)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, notifier.NewBigQuerySink(inserter))
		}
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}
