package tenant

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/ordertrack/internal/model"
)

// ---------- Fakes ----------

type fakeLookup struct {
	mu      sync.Mutex
	tenants map[string]*model.Tenant
	lookups int
}

func (f *fakeLookup) LookupByRoutingKey(_ context.Context, routingKey string) (*model.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	t, ok := f.tenants[routingKey]
	if !ok {
		return nil, NewNotFoundError(routingKey)
	}
	copied := *t
	return &copied, nil
}

type fakeConn struct {
	closed atomic.Bool
}

func (f *fakeConn) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (f *fakeConn) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (f *fakeConn) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (f *fakeConn) Ping(context.Context) error                              { return nil }
func (f *fakeConn) Close()                                                  { f.closed.Store(true) }

type fakeConnector struct {
	opens    atomic.Int64
	delay    time.Duration
	failures atomic.Int64

	mu    sync.Mutex
	conns []*fakeConn
}

func (f *fakeConnector) connect(ctx context.Context, _ string) (Conn, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return nil, errors.New("dial tcp: connection refused")
	}
	f.opens.Add(1)
	c := &fakeConn{}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

func activeTenant(key string) *model.Tenant {
	return &model.Tenant{
		ID:          "tnt-" + key,
		RoutingKey:  key,
		Name:        key,
		DatabaseURL: "postgres://tenant-" + key + "/db",
		Status:      model.StatusActive,
	}
}

func newTestRegistry(lookup *fakeLookup, connector *fakeConnector) *Registry {
	return NewRegistry(lookup, connector.connect, RegistryConfig{
		ConnectTimeout: time.Second,
		IdleTimeout:    time.Hour,
		SweepInterval:  time.Hour,
	}, zerolog.Nop())
}

func statFor(t *testing.T, r *Registry, key string) HandleStat {
	t.Helper()
	for _, s := range r.Stats() {
		if s.RoutingKey == key {
			return s
		}
	}
	t.Fatalf("no handle cached for %s", key)
	return HandleStat{}
}

// ---------- Resolve ----------

func TestRegistry_Resolve_CachedHandleIsIdentical(t *testing.T) {
	lookup := &fakeLookup{tenants: map[string]*model.Tenant{"acme": activeTenant("acme")}}
	connector := &fakeConnector{}
	r := newTestRegistry(lookup, connector)
	ctx := context.Background()

	h1, err := r.Resolve(ctx, "acme")
	require.NoError(t, err)
	h2, err := r.Resolve(ctx, "acme")
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.Equal(t, int64(1), connector.opens.Load())
	assert.Equal(t, 1, lookup.lookups)
	assert.Equal(t, 2, statFor(t, r, "acme").Refs)

	r.Release(h1)
	assert.Equal(t, 1, statFor(t, r, "acme").Refs)
	r.Release(h2)
	assert.Equal(t, 0, statFor(t, r, "acme").Refs)
}

func TestRegistry_Resolve_SingleFlight(t *testing.T) {
	lookup := &fakeLookup{tenants: map[string]*model.Tenant{"acme": activeTenant("acme")}}
	connector := &fakeConnector{delay: 20 * time.Millisecond}
	r := newTestRegistry(lookup, connector)
	ctx := context.Background()

	const callers = 25
	var wg sync.WaitGroup
	handles := make([]*Handle, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = r.Resolve(ctx, "acme")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, handles[0], handles[i])
	}
	assert.Equal(t, int64(1), connector.opens.Load(), "concurrent first-touch resolves must share one connection attempt")
	assert.Equal(t, callers, statFor(t, r, "acme").Refs)
}

func TestRegistry_Resolve_UnknownTenant(t *testing.T) {
	lookup := &fakeLookup{tenants: map[string]*model.Tenant{}}
	connector := &fakeConnector{}
	r := newTestRegistry(lookup, connector)

	h, err := r.Resolve(context.Background(), "unknown-tenant")
	require.Error(t, err)
	assert.Nil(t, h)
	assert.Equal(t, CodeNotFound, CodeOf(err))
	assert.Equal(t, 0, r.OpenHandles(), "failed resolution must not leave a cache entry")
	assert.Equal(t, int64(0), connector.opens.Load())
}

func TestRegistry_Resolve_InactiveTenant(t *testing.T) {
	dormant := activeTenant("dormant")
	dormant.Status = model.StatusInactive
	lookup := &fakeLookup{tenants: map[string]*model.Tenant{"dormant": dormant}}
	connector := &fakeConnector{}
	r := newTestRegistry(lookup, connector)

	h, err := r.Resolve(context.Background(), "dormant")
	require.Error(t, err)
	assert.Nil(t, h)
	assert.Equal(t, CodeInactive, CodeOf(err))
	assert.True(t, errors.Is(err, ErrInactive))
	assert.Equal(t, 0, r.OpenHandles())
	assert.Equal(t, int64(0), connector.opens.Load(), "inactive tenants must not be dialed")
}

func TestRegistry_Resolve_ConnectionFailureAllowsRetry(t *testing.T) {
	lookup := &fakeLookup{tenants: map[string]*model.Tenant{"acme": activeTenant("acme")}}
	connector := &fakeConnector{}
	connector.failures.Store(1)
	r := newTestRegistry(lookup, connector)
	ctx := context.Background()

	_, err := r.Resolve(ctx, "acme")
	require.Error(t, err)
	assert.Equal(t, CodeConnectionError, CodeOf(err))
	assert.Equal(t, 0, r.OpenHandles(), "failed initialization must be retryable")

	h, err := r.Resolve(ctx, "acme")
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, int64(1), connector.opens.Load())
}

// ---------- Eviction ----------

func TestRegistry_EvictIdle_SkipsReferencedHandles(t *testing.T) {
	lookup := &fakeLookup{tenants: map[string]*model.Tenant{"acme": activeTenant("acme")}}
	connector := &fakeConnector{}
	r := newTestRegistry(lookup, connector)

	h, err := r.Resolve(context.Background(), "acme")
	require.NoError(t, err)

	evicted := r.EvictIdle(time.Nanosecond)
	assert.Equal(t, 0, evicted)
	assert.Equal(t, 1, r.OpenHandles())
	assert.False(t, connector.conns[0].closed.Load())

	r.Release(h)
	time.Sleep(5 * time.Millisecond)
	evicted = r.EvictIdle(time.Nanosecond)
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 0, r.OpenHandles())
	assert.True(t, connector.conns[0].closed.Load())
}

func TestRegistry_EvictIdle_KeepsFreshHandles(t *testing.T) {
	lookup := &fakeLookup{tenants: map[string]*model.Tenant{"acme": activeTenant("acme")}}
	connector := &fakeConnector{}
	r := newTestRegistry(lookup, connector)

	h, err := r.Resolve(context.Background(), "acme")
	require.NoError(t, err)
	r.Release(h)

	evicted := r.EvictIdle(time.Hour)
	assert.Equal(t, 0, evicted)
	assert.Equal(t, 1, r.OpenHandles())
}

func TestRegistry_Invalidate_DefersCloseUntilReleased(t *testing.T) {
	lookup := &fakeLookup{tenants: map[string]*model.Tenant{"acme": activeTenant("acme")}}
	connector := &fakeConnector{}
	r := newTestRegistry(lookup, connector)

	h, err := r.Resolve(context.Background(), "acme")
	require.NoError(t, err)

	r.Invalidate("acme")
	assert.False(t, connector.conns[0].closed.Load(), "in-flight requests keep the connection alive")

	r.Release(h)
	assert.True(t, connector.conns[0].closed.Load())
	assert.Equal(t, 0, r.OpenHandles())
}

func TestRegistry_Invalidate_ClosesUnreferencedImmediately(t *testing.T) {
	lookup := &fakeLookup{tenants: map[string]*model.Tenant{"acme": activeTenant("acme")}}
	connector := &fakeConnector{}
	r := newTestRegistry(lookup, connector)

	h, err := r.Resolve(context.Background(), "acme")
	require.NoError(t, err)
	r.Release(h)

	r.Invalidate("acme")
	assert.True(t, connector.conns[0].closed.Load())
	assert.Equal(t, 0, r.OpenHandles())
}

func TestRegistry_Close_ClosesEverything(t *testing.T) {
	lookup := &fakeLookup{tenants: map[string]*model.Tenant{
		"acme": activeTenant("acme"),
		"bobs": activeTenant("bobs"),
	}}
	connector := &fakeConnector{}
	r := newTestRegistry(lookup, connector)
	ctx := context.Background()

	_, err := r.Resolve(ctx, "acme")
	require.NoError(t, err)
	_, err = r.Resolve(ctx, "bobs")
	require.NoError(t, err)

	r.Close()
	assert.Equal(t, 0, r.OpenHandles())
	for _, c := range connector.conns {
		assert.True(t, c.closed.Load())
	}
}

func TestRegistry_ActiveRefs(t *testing.T) {
	lookup := &fakeLookup{tenants: map[string]*model.Tenant{
		"acme": activeTenant("acme"),
		"bobs": activeTenant("bobs"),
	}}
	connector := &fakeConnector{}
	r := newTestRegistry(lookup, connector)
	ctx := context.Background()

	h1, _ := r.Resolve(ctx, "acme")
	h2, _ := r.Resolve(ctx, "acme")
	h3, _ := r.Resolve(ctx, "bobs")

	assert.Equal(t, 3, r.ActiveRefs())
	r.Release(h1)
	r.Release(h2)
	r.Release(h3)
	assert.Equal(t, 0, r.ActiveRefs())
}
