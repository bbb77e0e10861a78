package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"blog-auth-service/internal/bucketing"
	"blog-auth-service/internal/client"
	"blog-auth-service/internal/config"
	"blog-auth-service/internal/events"
	"blog-auth-service/internal/hashing"
	"blog-auth-service/internal/mailer"
	"blog-auth-service/internal/model"
	redisrepo "blog-auth-service/internal/repository/redis"
	"blog-auth-service/internal/repository/scylla"
	"blog-auth-service/internal/secrets"
	"blog-auth-service/internal/service"
	"blog-auth-service/internal/tls"
	"blog-auth-service/internal/token"
	"blog-auth-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.Manager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher           *hashing.Hasher
	tokenIssuer      *token.Issuer
	bucketingManager *bucketing.Manager
	eventRecorder    model.EventRecorder

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewManager(cfg)
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(); err != nil {
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	factory.initializeServices()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("kafka_enabled", cfg.Kafka.Enabled),
		util.Bool("clickhouse_enabled", cfg.Clickhouse.Enabled),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if redisClient, err := client.NewRedisClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = redisClient
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if scyllaClient, err := scylla.NewScyllaClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = scyllaClient
		if err := f.scyllaClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka carries only best-effort security events; a broker outage must
	// not keep the service down.
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	// ClickHouse is the audit sink, same story as Kafka.
	if f.config.Clickhouse.Enabled {
		if chClient, err := client.NewClickHouseClient(f.config); err != nil {
			util.Warn("ClickHouse initialization failed - proceeding without audit sink", util.ErrorField(err))
		} else {
			f.clickhouseClient = chClient
			util.Info("ClickHouse client initialized")
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers resolves the signing secret and builds the hashing,
// token, bucketing and event components.
func (f *Factory) initializeManagers() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	secretManager, err := secrets.NewManager(f.config)
	if err != nil {
		return err
	}
	secret, err := secretManager.ResolveJWTSecret(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve signing secret: %w", err)
	}

	f.hasher = hashing.NewHasher(secret)
	f.tokenIssuer, err = token.NewIssuer(secret, f.config.JWT.Algorithm, f.config.JWT.Issuer,
		f.config.JWT.AccessTTL(), f.config.JWT.RefreshTTL())
	if err != nil {
		return err
	}

	f.bucketingManager = bucketing.NewManager(f.config)

	f.eventRecorder = newRecorder(f.kafkaProducer, f.clickhouseClient, f.config.Kafka.EventsTopic, f.bucketingManager)

	util.Info("Managers initialized successfully",
		util.Bool("hashing_initialized", f.hasher != nil),
		util.Bool("token_issuer_initialized", f.tokenIssuer != nil),
		util.Bool("bucketing_initialized", f.bucketingManager != nil),
	)

	return nil
}

// newRecorder exists so nil typed pointers never reach the recorder's
// interface fields.
func newRecorder(producer *client.KafkaProducer, sink *client.ClickHouseClient, topic string, buckets *bucketing.Manager) model.EventRecorder {
	switch {
	case producer != nil && sink != nil:
		return events.NewRecorder(producer, sink, topic, buckets)
	case producer != nil:
		return events.NewRecorder(producer, nil, topic, buckets)
	case sink != nil:
		return events.NewRecorder(nil, sink, topic, buckets)
	default:
		return events.NoopRecorder{}
	}
}

func (f *Factory) initializeServices() {
	authCodeRepo := scylla.NewAuthCodeRepository(f.scyllaClient)
	refreshTokenRepo := scylla.NewRefreshTokenRepository(f.scyllaClient)
	userRepo := scylla.NewUserRepository(f.scyllaClient, f.bucketingManager)

	rateLimiter := redisrepo.NewRateLimitCache(f.redisClient)
	viewCache := redisrepo.NewViewCache(f.redisClient)

	otpMailer := mailer.NewResendMailer(f.config)

	f.serviceFactory = service.NewServiceFactory(
		authCodeRepo,
		refreshTokenRepo,
		userRepo,
		rateLimiter,
		viewCache,
		otpMailer,
		f.eventRecorder,
		f.hasher,
		f.tokenIssuer,
		f.config,
	)
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	return f.serviceFactory
}

// HealthCheck probes every client in parallel and reports per-component
// failures.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	var mu sync.Mutex
	healthErrors := make(map[string]error)
	record := func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		healthErrors[name] = err
	}

	g, ctx := errgroup.WithContext(ctx)

	if f.redisClient != nil {
		g.Go(func() error {
			if err := f.redisClient.HealthCheck(ctx); err != nil {
				record("redis", err)
			}
			return nil
		})
	} else {
		record("redis", fmt.Errorf("redis client not initialized"))
	}

	if f.scyllaClient != nil {
		g.Go(func() error {
			if err := f.scyllaClient.HealthCheck(ctx); err != nil {
				record("scylla", err)
			}
			return nil
		})
	} else {
		record("scylla", fmt.Errorf("scylla client not initialized"))
	}

	if f.kafkaProducer != nil {
		g.Go(func() error {
			if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
				record("kafka", err)
			}
			return nil
		})
	}

	if f.clickhouseClient != nil {
		g.Go(func() error {
			if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
				record("clickhouse", err)
			}
			return nil
		})
	}

	_ = g.Wait()
	return healthErrors
}

// IsHealthy ignores the optional event pipeline; auth keeps working while
// Kafka or ClickHouse are down.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	delete(healthErrors, "clickhouse")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if recorder, ok := f.eventRecorder.(*events.Recorder); ok {
			recorder.Close()
			util.Info("Event recorder flushed and closed")
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}
