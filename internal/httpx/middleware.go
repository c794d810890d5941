package httpx

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/zaiongc/pos-sync/internal/tenant"
)

func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader("X-Request-ID")
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set("rid", rid)
		c.Writer.Header().Set("X-Request-ID", rid)
		c.Next()
	}
}

func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		rid, _ := c.Get("rid")
		log.Printf("[http] rid=%v %s %s status=%d dur=%s",
			rid, c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// TenantContext reads the account/location pair installed by the upstream
// auth layer and makes it available as an explicit tenant.Tenant value.
// Requests without a valid pair never reach the handlers.
func TenantContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, err1 := strconv.ParseInt(c.GetHeader("X-Account-ID"), 10, 64)
		locationID, err2 := strconv.ParseInt(c.GetHeader("X-Location-ID"), 10, 64)
		t := tenant.Tenant{AccountID: accountID, LocationID: locationID}
		if err1 != nil || err2 != nil || !t.Valid() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing tenant context"})
			return
		}
		c.Request = c.Request.WithContext(tenant.NewContext(c.Request.Context(), t))
		c.Next()
	}
}

// MustTenant is for handlers running behind TenantContext.
func MustTenant(c *gin.Context) tenant.Tenant {
	t, ok := tenant.FromContext(c.Request.Context())
	if !ok {
		panic("httpx: tenant middleware not installed")
	}
	return t
}
