package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/acme/voice-campaign/internal/config"
	"github.com/acme/voice-campaign/internal/dispatch"
	"github.com/acme/voice-campaign/internal/infra/db"
	"github.com/acme/voice-campaign/internal/infra/redis"
	"github.com/acme/voice-campaign/internal/queue"
	"github.com/acme/voice-campaign/internal/repository"
	pgrepo "github.com/acme/voice-campaign/internal/repository/postgres"
	scyllarepo "github.com/acme/voice-campaign/internal/repository/scylla"
	billingsvc "github.com/acme/voice-campaign/internal/service/billing"
	campaignsvc "github.com/acme/voice-campaign/internal/service/campaign"
	"github.com/acme/voice-campaign/internal/service/lifecycle"
	"github.com/acme/voice-campaign/internal/service/progress"
	"github.com/acme/voice-campaign/internal/telephony"
	infobipProvider "github.com/acme/voice-campaign/internal/telephony/infobip"
	mockProvider "github.com/acme/voice-campaign/internal/telephony/mock"
	"github.com/acme/voice-campaign/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
		services     *services
		publisher    *queue.EventPublisher
		provider     telephony.Provider
		registry     *dispatch.Registry
	}
}

type repositories struct {
	Campaign  repository.CampaignRepository
	Progress  repository.ProgressRepository
	Billing   repository.BillingRepository
	CallerIDs repository.CallerIDRepository
	Contacts  repository.ContactSource
	Blocklist repository.Blocklist
	Settings  repository.SettingsStore
	CallStore repository.CallStore
}

type services struct {
	Campaign  *campaignsvc.Service
	Billing   *billingsvc.Service
	Progress  *progress.Aggregator
	Lifecycle *lifecycle.Processor
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	scylla, err := db.NewScylla(cfg.Scylla)
	if err != nil {
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	return &Container{
		Config:   cfg,
		Logger:   lg,
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
	}, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		repos := &repositories{
			Campaign:  pgrepo.NewCampaignRepository(c.Postgres.DB()),
			Progress:  pgrepo.NewProgressRepository(c.Postgres.DB()),
			Billing:   pgrepo.NewBillingRepository(c.Postgres.DB()),
			CallerIDs: pgrepo.NewCallerIDRepository(c.Postgres.DB()),
			Contacts:  pgrepo.NewContactSource(c.Postgres.DB()),
			Blocklist: pgrepo.NewBlocklistRepository(c.Postgres.DB()),
			Settings:  pgrepo.NewSettingsRepository(c.Postgres.DB()),
			CallStore: scyllarepo.NewCallStore(c.Scylla.Session()),
		}

		publisher := queue.NewEventPublisher(c.Kafka, c.Config.Kafka.CallEventTopic)

		var provider telephony.Provider
		switch c.Config.Provider.Name {
		case "mock":
			provider = mockProvider.NewProvider(publisher, 0, c.Logger)
		default:
			provider = infobipProvider.NewProvider(repos.Settings, c.Config.Provider.RequestTimeout)
		}

		billingService := billingsvc.NewService(repos.Billing, repos.Settings, c.Logger)
		aggregator := progress.NewAggregator(repos.CallStore, repos.Progress, c.Logger)
		processor := lifecycle.NewProcessor(repos.CallStore, repos.Campaign, billingService, aggregator, c.Logger)

		lock := dispatch.NewCampaignLock(c.Redis.Inner(), c.Config.Dispatch.LockKeyPrefix, c.Config.Dispatch.LockTTL)
		registry := dispatch.NewRegistry(dispatch.Deps{
			Campaigns:  repos.Campaign,
			Contacts:   repos.Contacts,
			Blocklist:  repos.Blocklist,
			Calls:      repos.CallStore,
			CallerIDs:  repos.CallerIDs,
			Settings:   repos.Settings,
			Aggregator: aggregator,
			Settler:    billingService,
			Provider:   provider,
			Logger:     c.Logger,
			Config:     c.Config.Dispatch,
		}, lock)

		campaignService := campaignsvc.NewService(
			repos.Campaign,
			repos.CallerIDs,
			repos.Contacts,
			repos.Blocklist,
			repos.CallStore,
			repos.Settings,
			billingService,
			registry,
			provider,
			c.Logger,
		)

		c.components.repositories = repos
		c.components.publisher = publisher
		c.components.provider = provider
		c.components.registry = registry
		c.components.services = &services{
			Campaign:  campaignService,
			Billing:   billingService,
			Progress:  aggregator,
			Lifecycle: processor,
		}
	})
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Services exposes initialized services.
func (c *Container) Services() *services {
	c.initComponents()
	return c.components.services
}

// EventPublisher exposes the Kafka call event publisher.
func (c *Container) EventPublisher() *queue.EventPublisher {
	c.initComponents()
	return c.components.publisher
}

// Provider exposes the configured telephony provider.
func (c *Container) Provider() telephony.Provider {
	c.initComponents()
	return c.components.provider
}

// Dispatch exposes the campaign dispatch registry.
func (c *Container) Dispatch() *dispatch.Registry {
	c.initComponents()
	return c.components.registry
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	return c.Kafka.EnsureTopics(ctx, []string{c.Config.Kafka.CallEventTopic}, 12, 1)
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if c.components.registry != nil {
		c.components.registry.Shutdown(30 * time.Second)
	}
	if c.components.publisher != nil {
		if err := c.components.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event publisher close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
