package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saasbill/backend/internal/infrastructure/logger"
	"github.com/saasbill/backend/internal/interfaces/http/dto"
)

// Context keys set by the tenant middleware.
const (
	TenantIDKey     = "tenant_id"
	TenantCodeKey   = "tenant_code"
	TenantHeaderKey = "X-Tenant-ID"
)

// TenantInfo is what a TenantValidator returns for a known tenant.
type TenantInfo struct {
	ID   uuid.UUID `json:"id"`
	Code string    `json:"code"`
}

// TenantValidator checks that a tenant exists and is allowed to call the API.
type TenantValidator interface {
	ValidateTenant(tenantID string) (*TenantInfo, error)
}

// TenantMiddlewareConfig holds configuration for tenant resolution.
type TenantMiddlewareConfig struct {
	// HeaderEnabled enables X-Tenant-ID header extraction.
	HeaderEnabled bool
	// SubdomainEnabled enables subdomain extraction.
	SubdomainEnabled bool
	// BaseDomain is the base domain for subdomain extraction (e.g., "saasbill.io").
	BaseDomain string
	// SkipPaths bypass tenant resolution entirely. Webhook and health
	// endpoints live here since providers send no tenant header.
	SkipPaths []string
	// Required rejects requests that resolve no tenant.
	Required bool
	// Validator, when set, is consulted after extraction.
	Validator TenantValidator
	Logger    *zap.Logger
}

// DefaultTenantConfig returns header-only resolution with the standard
// unauthenticated paths skipped.
func DefaultTenantConfig() TenantMiddlewareConfig {
	return TenantMiddlewareConfig{
		HeaderEnabled: true,
		SkipPaths:     []string{"/health", "/healthz", "/ready", "/metrics", "/api/v1/health"},
		Required:      true,
	}
}

// TenantMiddleware resolves the tenant with DefaultTenantConfig.
func TenantMiddleware() gin.HandlerFunc {
	return TenantMiddlewareWithConfig(DefaultTenantConfig())
}

// TenantMiddlewareWithConfig resolves the calling tenant and stores it in
// both the gin context and the request context, so handlers and the service
// layer see the same tenant. Header extraction wins over subdomain.
func TenantMiddlewareWithConfig(cfg TenantMiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, skipPath := range cfg.SkipPaths {
			if path == skipPath || strings.HasPrefix(path, skipPath+"/") {
				c.Next()
				return
			}
		}

		tenantID, source := resolveTenant(c, cfg)

		if tenantID != "" {
			if err := validateTenantIDFormat(tenantID); err != nil {
				abortUnauthorized(c, "Invalid tenant ID format")
				return
			}
		}

		if tenantID == "" && cfg.Required {
			abortUnauthorized(c, "Tenant identification required")
			return
		}

		var tenantInfo *TenantInfo
		if tenantID != "" && cfg.Validator != nil {
			var err error
			tenantInfo, err = cfg.Validator.ValidateTenant(tenantID)
			if err != nil {
				log := cfg.Logger
				if log == nil {
					log = logger.FromContext(c.Request.Context())
				}
				log.Warn("Tenant validation failed",
					zap.String("tenant_id", tenantID),
					zap.Error(err),
				)
				abortUnauthorized(c, "Invalid or inactive tenant")
				return
			}
		}

		if tenantID != "" {
			c.Set(TenantIDKey, tenantID)
			if tenantInfo != nil {
				c.Set(TenantCodeKey, tenantInfo.Code)
			}

			// Propagate into the request context so repository scoping and
			// log fields pick up the tenant without touching gin.
			ctx := c.Request.Context()
			log := logger.FromContext(ctx)
			ctx, _ = logger.WithTenantID(ctx, log, tenantID)
			c.Request = c.Request.WithContext(ctx)

			if cfg.Logger != nil {
				cfg.Logger.Debug("Tenant identified",
					zap.String("tenant_id", tenantID),
					zap.String("source", source),
				)
			}
		}

		c.Next()
	}
}

// resolveTenant extracts the raw tenant identifier and reports where it
// came from. The value is not yet validated.
func resolveTenant(c *gin.Context, cfg TenantMiddlewareConfig) (tenantID, source string) {
	if cfg.HeaderEnabled {
		if id := c.GetHeader(TenantHeaderKey); id != "" {
			return id, "header"
		}
	}
	if cfg.SubdomainEnabled && cfg.BaseDomain != "" {
		if id := extractTenantFromSubdomain(c.Request.Host, cfg.BaseDomain); id != "" {
			return id, "subdomain"
		}
	}
	return "", ""
}

// extractTenantFromSubdomain returns the leading subdomain label, so
// "acme.saasbill.io" under base domain "saasbill.io" yields "acme".
func extractTenantFromSubdomain(host, baseDomain string) string {
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}
	if !strings.HasSuffix(host, baseDomain) {
		return ""
	}

	subdomain := strings.TrimSuffix(host, "."+baseDomain)
	if subdomain == host || subdomain == "" || subdomain == "www" {
		return ""
	}

	// Multi-level subdomains keep only the outermost label.
	parts := strings.Split(subdomain, ".")
	return parts[0]
}

// validateTenantIDFormat requires tenant IDs to be UUIDs. Anything else is
// rejected before it can reach a query.
func validateTenantIDFormat(tenantID string) error {
	_, err := uuid.Parse(tenantID)
	return err
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, dto.NewErrorResponse(
		dto.ErrCodeUnauthorized,
		message,
	))
}

// GetTenantID retrieves the resolved tenant ID from gin.Context.
func GetTenantID(c *gin.Context) string {
	if tenantID, exists := c.Get(TenantIDKey); exists {
		if tid, ok := tenantID.(string); ok {
			return tid
		}
	}
	return ""
}

// GetTenantCode retrieves the tenant code set by a validator, if any.
func GetTenantCode(c *gin.Context) string {
	if tenantCode, exists := c.Get(TenantCodeKey); exists {
		if code, ok := tenantCode.(string); ok {
			return code
		}
	}
	return ""
}
