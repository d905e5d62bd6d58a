package api

import (
	"net/http"

	"github.com/ignite/message-pipeline/internal/pkg/httputil"
)

// tenantHeader carries the caller's tenant. Authentication and tenancy
// resolution happen upstream at the gateway; by the time a request
// reaches this service the header is trusted.
const tenantHeader = "X-Tenant-ID"

// requireTenant extracts the tenant id or fails the request with 400.
func requireTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := r.Header.Get(tenantHeader)
	if tenantID == "" {
		httputil.BadRequest(w, "missing "+tenantHeader+" header")
		return "", false
	}
	return tenantID, true
}
