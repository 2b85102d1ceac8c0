package di

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ordersync/api/internal/payments"
	"github.com/ordersync/api/internal/platform/config"
	"github.com/ordersync/api/internal/platform/observability"
	"github.com/ordersync/api/internal/repositories/postgres"
	"github.com/ordersync/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Orders   services.OrderService
	Payments services.PaymentService
}

// Container wires repositories, services, and shared infrastructure for runtime use.
type Container struct {
	Config   config.Config
	DB       *postgres.DB
	Redis    *redis.Client
	Services Services
}

// NewContainer constructs the runtime dependencies over an established
// database connection.
func NewContainer(ctx context.Context, cfg config.Config, db *postgres.DB, logger *zap.Logger) (*Container, error) {
	if db == nil {
		return nil, errors.New("di: database is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	orderRepo := postgres.NewOrderRepository(db)
	variantRepo := postgres.NewVariantRepository(db)
	userRepo := postgres.NewUserRepository(db)
	paymentRepo := postgres.NewPaymentRepository(db)

	eventLogger := observability.EventLogger()

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:     orderRepo,
		Variants:   variantRepo,
		Users:      userRepo,
		UnitOfWork: db,
		Clock:      time.Now,
		Logger:     eventLogger,
	})
	if err != nil {
		return nil, err
	}

	paymentsLogger := logger.Named("payments")
	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey:        cfg.Stripe.APIKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		Clock:         time.Now,
		Logger: func(ctx context.Context, event string, fields map[string]any) {
			zFields := make([]zap.Field, 0, len(fields)+1)
			zFields = append(zFields, zap.String("event", event))
			for k, v := range fields {
				zFields = append(zFields, zap.Any(k, v))
			}
			paymentsLogger.Debug("stripe log", zFields...)
		},
	})
	if err != nil {
		return nil, err
	}

	paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
		Payments:   paymentRepo,
		Orders:     orderSvc,
		Provider:   stripeProvider,
		UnitOfWork: db,
		Clock:      time.Now,
		Logger:     eventLogger,
	})
	if err != nil {
		return nil, err
	}

	var redisClient *redis.Client
	if cfg.Idempotency.Storage == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return nil, err
		}
	}

	return &Container{
		Config: cfg,
		DB:     db,
		Redis:  redisClient,
		Services: Services{
			Orders:   orderSvc,
			Payments: paymentSvc,
		},
	}, nil
}

// Close releases the container's connections.
func (c *Container) Close() error {
	if c == nil {
		return nil
	}
	var firstErr error
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			firstErr = err
		}
	}
	if c.DB != nil {
		c.DB.Close()
	}
	return firstErr
}
