// Package identity extracts the caller's identity channels from a request.
// Token verification happens upstream at the gateway; by the time a request
// reaches this service the identity headers are trusted.
package identity

import (
	"github.com/gin-gonic/gin"

	"github.com/draftloom/draftloom-be/internal/jobs"
)

const (
	// HeaderUserID carries the authenticated user id, when present.
	HeaderUserID = "X-User-ID"
	// HeaderSessionID carries the anonymous browser session id.
	HeaderSessionID = "X-Session-ID"
	// HeaderTenantID carries the tenant scope.
	HeaderTenantID = "X-Tenant-ID"

	contextKey = "caller"
)

// Middleware stores the caller identity on the request context.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(contextKey, jobs.Caller{
			UserID:    c.GetHeader(HeaderUserID),
			SessionID: c.GetHeader(HeaderSessionID),
			TenantID:  c.GetHeader(HeaderTenantID),
		})
		c.Next()
	}
}

// CallerFrom returns the identity stored by Middleware, or a zero caller when
// the middleware did not run.
func CallerFrom(c *gin.Context) jobs.Caller {
	if v, ok := c.Get(contextKey); ok {
		if caller, ok := v.(jobs.Caller); ok {
			return caller
		}
	}
	return jobs.Caller{}
}
