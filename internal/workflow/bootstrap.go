package workflow

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/edvin/ordertrack/internal/tenant"
)

// BootstrapTask asks for all missing workflow instances of one entity to be
// created.
type BootstrapTask struct {
	TenantKey  string
	EntityType string
	EntityID   string
	UserID     string
}

// Bootstrapper runs workflow bootstrap off the request path. Enqueue never
// blocks and never reports failure to the caller; a full queue or a failed
// task is logged and dropped. This keeps entity creation independent of
// workflow provisioning.
type Bootstrapper struct {
	registry *tenant.Registry
	engine   *Engine
	logger   zerolog.Logger
	tasks    chan BootstrapTask
}

func NewBootstrapper(registry *tenant.Registry, engine *Engine, logger zerolog.Logger, queueSize int) *Bootstrapper {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Bootstrapper{
		registry: registry,
		engine:   engine,
		logger:   logger,
		tasks:    make(chan BootstrapTask, queueSize),
	}
}

// Enqueue submits a bootstrap task. Returns false if the queue is full and
// the task was dropped.
func (b *Bootstrapper) Enqueue(task BootstrapTask) bool {
	select {
	case b.tasks <- task:
		return true
	default:
		b.logger.Warn().
			Str("tenant", task.TenantKey).
			Str("entity_type", task.EntityType).
			Str("entity_id", task.EntityID).
			Msg("bootstrap queue full, dropping task")
		return false
	}
}

// Run drains the queue until ctx is cancelled.
func (b *Bootstrapper) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case task := <-b.tasks:
			b.process(ctx, task)
		}
	}
}

func (b *Bootstrapper) process(ctx context.Context, task BootstrapTask) {
	handle, err := b.registry.Resolve(ctx, task.TenantKey)
	if err != nil {
		b.logger.Error().Err(err).
			Str("tenant", task.TenantKey).
			Str("entity_type", task.EntityType).
			Str("entity_id", task.EntityID).
			Msg("bootstrap: tenant resolution failed")
		return
	}
	defer b.registry.Release(handle)

	created, err := b.engine.InitializeMissing(ctx, handle.DB(), task.TenantKey, task.EntityType, task.EntityID, task.UserID)
	if err != nil {
		b.logger.Error().Err(err).
			Str("tenant", task.TenantKey).
			Str("entity_type", task.EntityType).
			Str("entity_id", task.EntityID).
			Msg("bootstrap: initialize missing workflows failed")
		return
	}
	if created > 0 {
		b.logger.Info().
			Str("tenant", task.TenantKey).
			Str("entity_type", task.EntityType).
			Str("entity_id", task.EntityID).
			Int("created", created).
			Msg("bootstrapped workflow instances")
	}
}
