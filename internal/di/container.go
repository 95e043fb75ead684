// Package di assembles the runtime object graph: repositories, the payment
// gateway, the event publisher, services, and the scheduled jobs.
package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/mentree/api/internal/payments"
	"github.com/mentree/api/internal/platform/config"
	"github.com/mentree/api/internal/platform/events"
	"github.com/mentree/api/internal/repositories/gormrepo"
	"github.com/mentree/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
// Concrete implementations are assembled in NewContainer.
type Services struct {
	Orders        services.OrderService
	Payments      services.PaymentService
	Subscriptions services.SubscriptionManager
}

// Jobs holds the scheduled sweeps. They are exposed so both the in-process
// tickers and the internal HTTP triggers can drive the same instances.
type Jobs struct {
	Billing services.Job
	Grace   services.Job
}

// Deps carries externally-constructed collaborators into the container.
// Gateway and Events are optional: when nil they are built from configuration.
type Deps struct {
	Registry *gormrepo.Registry
	Gateway  payments.Gateway
	Events   services.EventPublisher
	Logger   *zap.Logger
}

// Container wires repositories, services, and background jobs for runtime use.
type Container struct {
	Config       config.Config
	Repositories *gormrepo.Registry
	Services     Services
	Jobs         Jobs

	pubsubClient *pubsub.Client
}

// NewContainer constructs the runtime dependencies. Tests can pre-populate
// Deps with fakes; production wiring passes only the registry and logger.
func NewContainer(ctx context.Context, cfg config.Config, deps Deps) (*Container, error) {
	if deps.Registry == nil {
		return nil, errors.New("repositories registry is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Container{
		Config:       cfg,
		Repositories: deps.Registry,
	}

	gateway := deps.Gateway
	if gateway == nil {
		built, err := buildGateway(cfg.PortOne, logger.Named("portone"))
		if err != nil {
			return nil, fmt.Errorf("build payment gateway: %w", err)
		}
		gateway = built
	}

	publisher := deps.Events
	if publisher == nil && cfg.Events.ProjectID != "" {
		built, client, err := buildPublisher(ctx, cfg.Events)
		if err != nil {
			return nil, fmt.Errorf("build event publisher: %w", err)
		}
		publisher = built
		c.pubsubClient = client
	}

	svc, jobs, err := buildServices(deps.Registry, cfg, gateway, publisher, logger)
	if err != nil {
		if c.pubsubClient != nil {
			_ = c.pubsubClient.Close()
		}
		return nil, err
	}
	c.Services = svc
	c.Jobs = jobs
	return c, nil
}

// Close releases the pub/sub client and the database connection pool.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.pubsubClient != nil {
		if err := c.pubsubClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pubsub client: %w", err))
		}
	}
	if c.Repositories != nil {
		if err := c.Repositories.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close repositories: %w", err))
		}
	}
	return errors.Join(errs...)
}

func buildGateway(cfg config.PortOneConfig, logger *zap.Logger) (payments.Gateway, error) {
	provider, err := payments.NewPortOneProvider(payments.PortOneConfig{
		BaseURL:   cfg.BaseURL,
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		Logger:    serviceLogger(logger),
		Clock:     time.Now,
	})
	if err != nil {
		return nil, err
	}
	return provider, nil
}

func buildPublisher(ctx context.Context, cfg config.EventsConfig) (*events.PubSubPublisher, *pubsub.Client, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("create pubsub client: %w", err)
	}
	publisher, err := events.NewPubSubPublisher(client.Topic(cfg.PaymentTopic), client.Topic(cfg.NotificationTopic))
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return publisher, client, nil
}

func buildServices(reg *gormrepo.Registry, cfg config.Config, gateway payments.Gateway, publisher services.EventPublisher, logger *zap.Logger) (Services, Jobs, error) {
	location, err := time.LoadLocation(cfg.Billing.Timezone)
	if err != nil {
		return Services{}, Jobs{}, fmt.Errorf("load billing timezone %q: %w", cfg.Billing.Timezone, err)
	}

	subscriptionSvc, err := services.NewSubscriptionService(services.SubscriptionServiceDeps{
		Subscriptions: reg.Subscriptions(),
		Purchases:     reg.Purchases(),
		Orders:        reg.Orders(),
		UnitOfWork:    reg,
		Location:      location,
		Clock:         time.Now,
		Logger:        serviceLogger(logger.Named("subscriptions")),
	})
	if err != nil {
		return Services{}, Jobs{}, fmt.Errorf("build subscription service: %w", err)
	}

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Contents:   reg.Contents(),
		Coupons:    reg.Coupons(),
		Orders:     reg.Orders(),
		Payments:   reg.Payments(),
		Purchases:  reg.Purchases(),
		UnitOfWork: reg,
		Events:     publisher,
		Clock:      time.Now,
		Logger:     serviceLogger(logger.Named("orders")),
	})
	if err != nil {
		return Services{}, Jobs{}, fmt.Errorf("build order service: %w", err)
	}

	paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
		Orders:     reg.Orders(),
		Payments:   reg.Payments(),
		Purchases:  reg.Purchases(),
		UnitOfWork: reg,
		Gateway:    gateway,
		Events:     publisher,
		Enroller:   subscriptionSvc,
		Clock:      time.Now,
		Logger:     serviceLogger(logger.Named("payments")),
		// Cancel keys are lexically sortable so gateway reconciliation lists
		// line up with creation order.
		CancelKey: func() string { return ulid.Make().String() },
	})
	if err != nil {
		return Services{}, Jobs{}, fmt.Errorf("build payment service: %w", err)
	}

	billingJob, err := services.NewBillingJob(services.BillingJobDeps{
		Subscriptions: reg.Subscriptions(),
		Purchases:     reg.Purchases(),
		Orders:        reg.Orders(),
		Payments:      reg.Payments(),
		UnitOfWork:    reg,
		Gateway:       gateway,
		Enroller:      subscriptionSvc,
		Events:        publisher,
		Config: services.BillingJobConfig{
			BatchSize:     cfg.Billing.BatchSize,
			MaxRetries:    cfg.Billing.MaxRetries,
			RetryInterval: cfg.Billing.RetryInterval,
			GracePeriod:   cfg.Billing.GracePeriod,
		},
		Clock:  time.Now,
		Logger: serviceLogger(logger.Named("billing_job")),
	})
	if err != nil {
		return Services{}, Jobs{}, fmt.Errorf("build billing job: %w", err)
	}

	graceJob, err := services.NewGracePeriodJob(services.GracePeriodJobDeps{
		Subscriptions: reg.Subscriptions(),
		Purchases:     reg.Purchases(),
		Orders:        reg.Orders(),
		UnitOfWork:    reg,
		Events:        publisher,
		Config: services.GracePeriodJobConfig{
			BatchSize: cfg.Billing.GraceBatchSize,
		},
		Clock:  time.Now,
		Logger: serviceLogger(logger.Named("grace_job")),
	})
	if err != nil {
		return Services{}, Jobs{}, fmt.Errorf("build grace period job: %w", err)
	}

	svc := Services{
		Orders:        orderSvc,
		Payments:      paymentSvc,
		Subscriptions: subscriptionSvc,
	}
	jobs := Jobs{
		Billing: billingJob,
		Grace:   graceJob,
	}
	return svc, jobs, nil
}

func serviceLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Info(event, zFields...)
	}
}
