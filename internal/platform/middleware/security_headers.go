package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	apiCSP = "default-src 'none'; frame-ancestors 'none'"
	// signed downloads render PDFs and images inline
	fileCSP = "default-src 'none'; img-src 'self'; object-src 'self'; frame-ancestors 'none'"
)

// SecurityHeaders sets hardening headers on every response. HSTS is only sent
// when hsts is true since local runs are plain HTTP.
func SecurityHeaders(hsts bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()

			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			// CSP supersedes the legacy filter
			h.Set("X-XSS-Protection", "0")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")

			if strings.HasPrefix(c.Request().URL.Path, "/files/") {
				h.Set("Content-Security-Policy", fileCSP)
			} else {
				h.Set("Content-Security-Policy", apiCSP)
				// occurrences carry patient data
				h.Set("Cache-Control", "no-store")
			}

			if hsts {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}

			return next(c)
		}
	}
}
