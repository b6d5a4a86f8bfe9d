package handler

import (
	"net/http"

	mw "github.com/edvin/ordertrack/internal/api/middleware"
	"github.com/edvin/ordertrack/internal/api/response"
	"github.com/edvin/ordertrack/internal/tenant"
)

// HeaderUserID identifies the acting user. Authentication happens upstream;
// this layer only records the identity on history entries.
const HeaderUserID = "X-User-ID"

// writeTenantError maps a resolution failure to a status code and stable
// error code. Connection failures stay server-side: the client sees the code
// and routing key, never the underlying cause.
func writeTenantError(w http.ResponseWriter, err error) {
	switch tenant.CodeOf(err) {
	case tenant.CodeNotFound:
		response.WriteErrorCode(w, http.StatusNotFound, tenant.CodeNotFound, "tenant not found")
	case tenant.CodeInactive:
		response.WriteErrorCode(w, http.StatusForbidden, tenant.CodeInactive, "tenant is not active")
	case tenant.CodeConnectionError:
		response.WriteErrorCode(w, http.StatusServiceUnavailable, tenant.CodeConnectionError, "tenant database unavailable")
	default:
		response.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

// resolveTenant resolves the request's routing key to a connection handle.
// On failure it writes the error response and returns false; on success the
// caller owns one reference and must release it.
func resolveTenant(w http.ResponseWriter, r *http.Request, registry *tenant.Registry) (*tenant.Handle, bool) {
	key := mw.GetTenantKey(r.Context())
	if key == "" {
		response.WriteError(w, http.StatusBadRequest, "missing tenant routing key")
		return nil, false
	}
	h, err := registry.Resolve(r.Context(), key)
	if err != nil {
		writeTenantError(w, err)
		return nil, false
	}
	return h, true
}
