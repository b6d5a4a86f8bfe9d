package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/ordertrack/internal/api/request"
	"github.com/edvin/ordertrack/internal/api/response"
	"github.com/edvin/ordertrack/internal/tenant"
)

// Tenant serves directory and connection-registry introspection.
type Tenant struct {
	directory *tenant.Directory
	registry  *tenant.Registry
}

func NewTenant(directory *tenant.Directory, registry *tenant.Registry) *Tenant {
	return &Tenant{directory: directory, registry: registry}
}

func (h *Tenant) List(w http.ResponseWriter, r *http.Request) {
	p := request.ParsePagination(r)

	tenants, hasMore, err := h.directory.List(r.Context(), p.Limit, p.Cursor)
	if err != nil {
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var nextCursor string
	if hasMore && len(tenants) > 0 {
		nextCursor = tenants[len(tenants)-1].RoutingKey
	}
	response.WritePaginated(w, http.StatusOK, tenants, nextCursor, hasMore)
}

// Connections reports the cached per-tenant connection handles.
func (h *Tenant) Connections(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, h.registry.Stats())
}

// InvalidateConnection marks a tenant's cached connection for closure, used
// after deactivating a tenant.
func (h *Tenant) InvalidateConnection(w http.ResponseWriter, r *http.Request) {
	routingKey := chi.URLParam(r, "routingKey")
	if routingKey == "" {
		response.WriteError(w, http.StatusBadRequest, "missing routing key")
		return
	}
	h.registry.Invalidate(routingKey)
	w.WriteHeader(http.StatusNoContent)
}
