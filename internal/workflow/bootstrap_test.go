package workflow

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edvin/ordertrack/internal/model"
	"github.com/edvin/ordertrack/internal/tenant"
)

type staticLookup struct {
	tenants map[string]*model.Tenant
	calls   atomic.Int64
}

func (s *staticLookup) LookupByRoutingKey(_ context.Context, routingKey string) (*model.Tenant, error) {
	s.calls.Add(1)
	t, ok := s.tenants[routingKey]
	if !ok {
		return nil, tenant.NewNotFoundError(routingKey)
	}
	return t, nil
}

// poolConn adapts the package's mock DB to the registry's Conn surface.
type poolConn struct {
	*mockDB
}

func (poolConn) Ping(context.Context) error { return nil }
func (poolConn) Close()                     {}

func newBootstrapRegistry(lookup *staticLookup, db *mockDB) *tenant.Registry {
	connect := func(context.Context, string) (tenant.Conn, error) {
		return poolConn{db}, nil
	}
	return tenant.NewRegistry(lookup, connect, tenant.RegistryConfig{
		ConnectTimeout: time.Second,
		IdleTimeout:    time.Hour,
		SweepInterval:  time.Hour,
	}, zerolog.Nop())
}

func TestBootstrapper_Enqueue_DropsWhenFull(t *testing.T) {
	b := NewBootstrapper(nil, nil, zerolog.Nop(), 1)

	assert.True(t, b.Enqueue(BootstrapTask{TenantKey: "acme", EntityType: "order", EntityID: "ord-1"}))
	assert.False(t, b.Enqueue(BootstrapTask{TenantKey: "acme", EntityType: "order", EntityID: "ord-2"}),
		"a full queue drops instead of blocking the caller")
}

func TestBootstrapper_Run_ProcessesTask(t *testing.T) {
	db := &mockDB{}
	now := time.Now()

	defRow := &mockRow{scanFunc: installationDefRow(now)}
	db.On("QueryRow", mock.Anything, mock.MatchedBy(isDefinitionSelect), []any{TypeInstallation}).Return(defRow)
	payRow := &mockRow{scanFunc: paymentDefRow(now)}
	db.On("QueryRow", mock.Anything, mock.MatchedBy(isDefinitionSelect), []any{TypePayment}).Return(payRow)
	db.On("Query", mock.Anything, mock.MatchedBy(isDefinitionSelect), []any{model.DefinitionActive}).
		Return(newMockRows(installationDefRow(now)), nil)
	missing := &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
	db.On("QueryRow", mock.Anything, mock.MatchedBy(isInstanceSelect), mock.Anything).Return(missing)
	db.On("Exec", mock.Anything, mock.MatchedBy(isInstanceInsert), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	lookup := &staticLookup{tenants: map[string]*model.Tenant{
		"acme": {ID: "tnt-1", RoutingKey: "acme", DatabaseURL: "postgres://acme/db", Status: model.StatusActive},
	}}
	registry := newBootstrapRegistry(lookup, db)
	engine, spy := newTestEngine(EngineConfig{})
	b := NewBootstrapper(registry, engine, zerolog.Nop(), 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = b.Run(ctx)
		close(done)
	}()

	require.True(t, b.Enqueue(BootstrapTask{
		TenantKey:  "acme",
		EntityType: "order",
		EntityID:   "ord-900",
		UserID:     "usr-1",
	}))

	require.Eventually(t, func() bool {
		return len(spy.recorded()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "acme", spy.recorded()[0].TenantKey)
	assert.Equal(t, "ord-900", spy.recorded()[0].EntityID)
	assert.Zero(t, registry.ActiveRefs(), "handle is released after processing")

	cancel()
	<-done
}

func TestBootstrapper_Run_SurvivesResolutionFailure(t *testing.T) {
	lookup := &staticLookup{tenants: map[string]*model.Tenant{}}
	registry := newBootstrapRegistry(lookup, &mockDB{})
	engine, spy := newTestEngine(EngineConfig{})
	b := NewBootstrapper(registry, engine, zerolog.Nop(), 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = b.Run(ctx)
		close(done)
	}()

	require.True(t, b.Enqueue(BootstrapTask{TenantKey: "ghost", EntityType: "order", EntityID: "ord-1"}))

	require.Eventually(t, func() bool {
		return lookup.calls.Load() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, spy.recorded())

	cancel()
	<-done
}
