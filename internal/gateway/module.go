// Package gateway implements the Open Platform payment gateway: webhook
// ingestion, polling reconciliation, and the order status state machine.
package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/openfuture/open-commerce/internal/gateway/cache"
	"github.com/openfuture/open-commerce/internal/gateway/config"
	"github.com/openfuture/open-commerce/internal/gateway/handlers/rest"
	"github.com/openfuture/open-commerce/internal/gateway/interfaces"
	"github.com/openfuture/open-commerce/internal/gateway/repository"
	"github.com/openfuture/open-commerce/internal/gateway/services"
	"github.com/openfuture/open-commerce/internal/gateway/state"
	"github.com/openfuture/open-commerce/internal/gateway/webhook"
)

// Worker is a background process owned by the module.
type Worker interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Name() string
}

// ModuleOptions carries the external dependencies the module is wired with.
// Redis and Publisher are optional; the module degrades to lock-free,
// publish-free operation when they are absent.
type ModuleOptions struct {
	Config    *config.Config
	Logger    *zap.Logger
	Database  *gorm.DB
	Redis     redis.Cmdable
	Publisher interfaces.Publisher
}

// Module wires the gateway components together and owns their lifecycle.
type Module struct {
	cfg *config.Config
	log *zap.Logger
	db  *gorm.DB

	store        *repository.OrderRepository
	client       *services.OpenAPIClient
	stateMachine *state.OrderStateMachine
	service      *services.ReconciliationService
	verifier     *webhook.Verifier
	restHandler  *rest.GatewayHandler

	workers []Worker

	mu      sync.Mutex
	started bool
}

// NewModule creates the gateway module and wires its components.
func NewModule(opts ModuleOptions) (*Module, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("gateway module requires a config")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("gateway module requires a logger")
	}
	if opts.Database == nil {
		return nil, fmt.Errorf("gateway module requires a database")
	}

	m := &Module{
		cfg: opts.Config,
		log: opts.Logger,
		db:  opts.Database,
	}
	m.initializeComponents(opts)
	m.initializeWorkers()
	return m, nil
}

func (m *Module) initializeComponents(opts ModuleOptions) {
	open := m.cfg.Open

	m.store = repository.NewOrderRepository(m.db, m.log)
	m.client = services.NewOpenAPIClient(open.BaseURL, open.APIKey, open.SecretKey, open.FetchTimeout, m.log)
	m.stateMachine = state.NewOrderStateMachine(
		m.store,
		opts.Publisher,
		m.log,
		interfaces.OrderStatus(open.CompletedStatus),
		open.ArchiveAfter,
	)

	var locker interfaces.OrderLocker
	if opts.Redis != nil {
		locker = cache.NewRedisOrderLock(opts.Redis, m.log, "", m.cfg.Redis.LockTTL)
	}

	m.service = services.NewReconciliationService(m.store, m.client, m.stateMachine, locker, m.log)
	m.verifier = webhook.NewVerifier(open.WebhookSecret, open.SignatureTolerance)
	m.restHandler = rest.NewGatewayHandler(m.service, m.store, m.verifier, m.log)
}

func (m *Module) initializeWorkers() {
	open := m.cfg.Open

	watched := make([]interfaces.OrderStatus, 0, len(open.WatchedStatuses))
	for _, s := range open.WatchedStatuses {
		watched = append(watched, interfaces.OrderStatus(s))
	}

	m.workers = []Worker{
		NewReconciliationWorker(m.store, m.service, m.log, watched, open.PollInterval, open.FetchDelay),
		NewCleanupWorker(m.store, m.log, open.DeliveryRetention, open.CleanupInterval),
	}
}

// Start migrates the schema and launches the background workers.
func (m *Module) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	if err := m.store.AutoMigrate(); err != nil {
		return fmt.Errorf("failed to migrate gateway schema: %w", err)
	}
	if err := m.store.CreateIndexes(); err != nil {
		return fmt.Errorf("failed to create gateway indexes: %w", err)
	}

	for _, w := range m.workers {
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s: %w", w.Name(), err)
		}
		m.log.Info("worker started", zap.String("worker", w.Name()))
	}

	m.started = true
	m.log.Info("gateway module started")
	return nil
}

// Stop shuts down the background workers in reverse start order.
func (m *Module) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}

	for i := len(m.workers) - 1; i >= 0; i-- {
		w := m.workers[i]
		if err := w.Stop(ctx); err != nil {
			m.log.Error("failed to stop worker",
				zap.String("worker", w.Name()),
				zap.Error(err),
			)
		}
	}

	m.started = false
	m.log.Info("gateway module stopped")
	return nil
}

// RegisterRoutes mounts the module's HTTP surface on the engine.
func (m *Module) RegisterRoutes(r *gin.Engine) {
	m.restHandler.RegisterRoutes(r)
}

// Service exposes the reconciliation service for embedding callers.
func (m *Module) Service() *services.ReconciliationService {
	return m.service
}

// HealthCheck reports whether the module's storage is reachable.
func (m *Module) HealthCheck(ctx context.Context) error {
	return m.store.HealthCheck(ctx)
}
