package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/edvin/ordertrack/internal/api/response"
)

type ctxKey int

const tenantKeyCtxKey ctxKey = iota

// HeaderTenantKey carries the tenant routing key on inbound requests.
const HeaderTenantKey = "X-Tenant-Key"

// TenantKey extracts the tenant routing key from the X-Tenant-Key header,
// falling back to the first Host label (subdomain). A request without a
// routing key is a client error, never silently defaulted.
func TenantKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderTenantKey)
		if key == "" {
			key = subdomainKey(r.Host)
		}
		if key == "" {
			response.WriteError(w, http.StatusBadRequest, "missing tenant routing key")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKeyCtxKey, key)))
	})
}

// GetTenantKey returns the routing key placed by TenantKey, or empty.
func GetTenantKey(ctx context.Context) string {
	key, _ := ctx.Value(tenantKeyCtxKey).(string)
	return key
}

// subdomainKey derives a routing key from the host's first label. Hosts with
// fewer than three labels (no subdomain) yield nothing.
func subdomainKey(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	labels := strings.Split(host, ".")
	if len(labels) < 3 {
		return ""
	}
	return labels[0]
}
