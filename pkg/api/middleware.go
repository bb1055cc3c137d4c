package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"
)

// securityHeaders sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// requireOrg authenticates the request (when a token is configured) and
// resolves the tenant from the x-org-id header. Every handler behind it
// reads the org via orgID(c), so no query can cross tenants.
func (s *Server) requireOrg(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if s.cfg.AuthToken != "" {
			token, ok := strings.CutPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid bearer token")
			}
		}
		org := c.Request().Header.Get("x-org-id")
		if org == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "x-org-id header required")
		}
		c.Set("orgID", org)
		return next(c)
	}
}

// orgID returns the tenant resolved by requireOrg.
func orgID(c *echo.Context) string {
	org, _ := c.Get("orgID").(string)
	return org
}
