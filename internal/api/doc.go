// Package api provides the order-tracking REST and realtime API. Every
// request under /api/v1 carries a tenant routing key (X-Tenant-Key header or
// subdomain) and operates against that tenant's logical database.
package api
