package tenant

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/edvin/ordertrack/internal/db"
	"github.com/edvin/ordertrack/internal/model"
)

// Conn is the surface the registry needs from a per-tenant connection pool.
type Conn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Connector opens a connection pool for one tenant database.
type Connector func(ctx context.Context, databaseURL string) (Conn, error)

// PgxConnector returns the production Connector backed by pgxpool.
func PgxConnector(maxConns int) Connector {
	return func(ctx context.Context, databaseURL string) (Conn, error) {
		return db.NewTenantPool(ctx, databaseURL, maxConns)
	}
}

// Lookup is the slice of Directory the registry depends on.
type Lookup interface {
	LookupByRoutingKey(ctx context.Context, routingKey string) (*model.Tenant, error)
}

// Handle is the shared, reference-counted data-access object for one tenant.
// It is created lazily on first resolve, shared by all requests for that
// tenant, and closed only by the eviction sweep once its reference count is
// zero. Callers must Release every resolved handle.
type Handle struct {
	tenant   model.Tenant
	conn     Conn
	refs     int
	lastUsed time.Time
	stale    bool
	closed   bool
}

// DB returns the tenant-scoped query surface.
func (h *Handle) DB() Conn { return h.conn }

// Tenant returns a snapshot of the tenant metadata taken at handle creation.
func (h *Handle) Tenant() model.Tenant { return h.tenant }

func (h *Handle) RoutingKey() string { return h.tenant.RoutingKey }

// HandleStat is a point-in-time view of one cached handle.
type HandleStat struct {
	RoutingKey string    `json:"routing_key"`
	TenantID   string    `json:"tenant_id"`
	Refs       int       `json:"refs"`
	LastUsed   time.Time `json:"last_used"`
	Stale      bool      `json:"stale"`
}

type RegistryConfig struct {
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
}

// Registry multiplexes per-tenant logical databases behind one process. It
// guarantees single-flight initialization: concurrent first-touch resolves
// for the same routing key share one underlying connection attempt.
type Registry struct {
	directory Lookup
	connect   Connector
	cfg       RegistryConfig
	logger    zerolog.Logger

	group singleflight.Group

	mu      sync.Mutex
	handles map[string]*Handle
}

func NewRegistry(directory Lookup, connect Connector, cfg RegistryConfig, logger zerolog.Logger) *Registry {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 15 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Registry{
		directory: directory,
		connect:   connect,
		cfg:       cfg,
		logger:    logger,
		handles:   make(map[string]*Handle),
	}
}

// Resolve returns a ready-to-use handle for the tenant identified by
// routingKey, incrementing its reference count. Resolution failures are
// always surfaced; a failed initialization leaves no cache entry so a later
// call can retry.
func (r *Registry) Resolve(ctx context.Context, routingKey string) (*Handle, error) {
	if h := r.retainCached(routingKey); h != nil {
		return h, nil
	}

	v, err, _ := r.group.Do(routingKey, func() (any, error) {
		// Re-check under single-flight: another caller may have finished
		// initialization between our cache miss and entering the group.
		r.mu.Lock()
		if h, ok := r.handles[routingKey]; ok && !h.stale {
			r.mu.Unlock()
			return h, nil
		}
		r.mu.Unlock()

		t, err := r.directory.LookupByRoutingKey(ctx, routingKey)
		if err != nil {
			return nil, err
		}
		if t.Status != model.StatusActive {
			return nil, NewInactiveError(routingKey)
		}

		connectCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
		defer cancel()
		conn, err := r.connect(connectCtx, t.DatabaseURL)
		if err != nil {
			return nil, NewConnectionError(routingKey, err)
		}

		h := &Handle{tenant: *t, conn: conn, lastUsed: time.Now()}
		r.mu.Lock()
		r.handles[routingKey] = h
		r.mu.Unlock()

		r.logger.Info().Str("tenant", routingKey).Msg("opened tenant connection")
		return h, nil
	})
	if err != nil {
		return nil, err
	}

	h := v.(*Handle)
	if !r.retain(h) {
		// Evicted between initialization and retain. Rare; start over.
		return r.Resolve(ctx, routingKey)
	}
	return h, nil
}

// Release decrements the handle's reference count. It never closes the
// underlying connection; that is the eviction sweep's job.
func (r *Registry) Release(h *Handle) {
	if h == nil {
		return
	}
	r.mu.Lock()
	h.refs--
	if h.refs < 0 {
		h.refs = 0
		r.logger.Warn().Str("tenant", h.tenant.RoutingKey).Msg("tenant handle released more times than resolved")
	}
	h.lastUsed = time.Now()
	var toClose *Handle
	if h.stale && h.refs == 0 && !h.closed {
		h.closed = true
		// A replacement handle may already occupy the slot.
		if r.handles[h.tenant.RoutingKey] == h {
			delete(r.handles, h.tenant.RoutingKey)
		}
		toClose = h
	}
	r.mu.Unlock()

	if toClose != nil {
		toClose.conn.Close()
		r.logger.Info().Str("tenant", toClose.tenant.RoutingKey).Msg("closed invalidated tenant connection")
	}
}

// Invalidate marks the tenant's cached handle for closure, e.g. after
// deactivation. The connection is closed immediately if unreferenced,
// otherwise when the last reference is released.
func (r *Registry) Invalidate(routingKey string) {
	r.mu.Lock()
	h, ok := r.handles[routingKey]
	if !ok {
		r.mu.Unlock()
		return
	}
	h.stale = true
	var toClose *Handle
	if h.refs == 0 && !h.closed {
		h.closed = true
		delete(r.handles, routingKey)
		toClose = h
	}
	r.mu.Unlock()

	if toClose != nil {
		toClose.conn.Close()
		r.logger.Info().Str("tenant", routingKey).Msg("closed invalidated tenant connection")
	}
}

// EvictIdle closes and removes handles with zero references whose idle time
// exceeds maxIdle. Close problems never propagate to in-flight requests.
func (r *Registry) EvictIdle(maxIdle time.Duration) int {
	now := time.Now()

	r.mu.Lock()
	var evict []*Handle
	for key, h := range r.handles {
		if h.refs != 0 || h.closed {
			continue
		}
		if h.stale || now.Sub(h.lastUsed) > maxIdle {
			h.closed = true
			delete(r.handles, key)
			evict = append(evict, h)
		}
	}
	r.mu.Unlock()

	for _, h := range evict {
		h.conn.Close()
		r.logger.Info().Str("tenant", h.tenant.RoutingKey).Msg("evicted idle tenant connection")
	}
	return len(evict)
}

// Run drives the periodic eviction sweep until ctx is cancelled, then closes
// every remaining handle.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Close()
			return ctx.Err()
		case <-ticker.C:
			r.EvictIdle(r.cfg.IdleTimeout)
		}
	}
}

// Close closes all cached handles regardless of reference count. Only for
// process shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	var all []*Handle
	for key, h := range r.handles {
		if !h.closed {
			h.closed = true
			all = append(all, h)
		}
		delete(r.handles, key)
	}
	r.mu.Unlock()

	for _, h := range all {
		h.conn.Close()
	}
}

// Stats reports every cached handle, for introspection and metrics.
func (r *Registry) Stats() []HandleStat {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make([]HandleStat, 0, len(r.handles))
	for _, h := range r.handles {
		stats = append(stats, HandleStat{
			RoutingKey: h.tenant.RoutingKey,
			TenantID:   h.tenant.ID,
			Refs:       h.refs,
			LastUsed:   h.lastUsed,
			Stale:      h.stale,
		})
	}
	return stats
}

// OpenHandles returns the number of cached handles.
func (r *Registry) OpenHandles() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// ActiveRefs returns the total reference count across all handles.
func (r *Registry) ActiveRefs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, h := range r.handles {
		total += h.refs
	}
	return total
}

func (r *Registry) retainCached(routingKey string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[routingKey]
	if !ok || h.stale || h.closed {
		return nil
	}
	h.refs++
	h.lastUsed = time.Now()
	return h
}

func (r *Registry) retain(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h.closed || h.stale {
		return false
	}
	h.refs++
	h.lastUsed = time.Now()
	return true
}
