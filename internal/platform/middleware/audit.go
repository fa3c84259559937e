package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/radiologia/ocorrencias/internal/platform/auth"
)

// AuditEntry records who touched which occurrence, how, and with what result.
type AuditEntry struct {
	UserID       string
	UserRoles    []string
	TenantID     string
	Origin       string
	OccurrenceID string
	Action       string
	IPAddress    string
	UserAgent    string
	Path         string
	Route        string
	Method       string
	Timestamp    time.Time
	RequestID    string
	StatusCode   int
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

const auditPrefix = "/api/v1/"

// Audit logs every access to the occurrence API after the handler ran, so
// the entry carries the final status. Occurrences hold patient data; denied
// and failed attempts are audited too.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, auditPrefix) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			ctx := req.Context()
			entry := AuditEntry{
				Timestamp:    time.Now().UTC(),
				Path:         req.URL.Path,
				Route:        c.Path(),
				Method:       req.Method,
				IPAddress:    c.RealIP(),
				UserAgent:    req.UserAgent(),
				StatusCode:   status,
				UserID:       auth.UserIDFromContext(ctx),
				UserRoles:    auth.RolesFromContext(ctx),
				Origin:       c.Param("origin"),
				OccurrenceID: c.Param("id"),
				Action:       auditAction(req.Method, c.Path()),
			}
			entry.TenantID, _ = c.Get(auth.TenantContextKey).(string)
			entry.RequestID, _ = c.Get("request_id").(string)

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			evt := logger.Info()
			if status == http.StatusForbidden || status == http.StatusUnauthorized {
				evt = logger.Warn()
			}
			evt.
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("tenant_id", entry.TenantID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("origin", entry.Origin).
				Str("occurrence_id", entry.OccurrenceID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("occurrence_access")

			return err
		}
	}
}

// auditAction names the operation behind a matched route. Unmatched routes
// fall back to the HTTP verb.
func auditAction(method, route string) string {
	route = strings.TrimPrefix(route, "/api/v1")
	switch {
	case strings.HasPrefix(route, "/occurrences/intake/"):
		return "register"
	case strings.HasPrefix(route, "/webhooks"):
		return "webhook_admin"
	case route == "/occurrences":
		return "search"
	case route == "/occurrences/:origin/:id":
		return "read"
	}

	if !strings.HasPrefix(route, "/occurrences/:origin/:id/") {
		return methodAction(method)
	}
	switch strings.TrimPrefix(route, "/occurrences/:origin/:id/") {
	case "history":
		return "read_history"
	case "triage":
		return "triage"
	case "outcome":
		return "propose_outcome"
	case "outcome/validate":
		return "validate_outcome"
	case "notification":
		return "external_notification"
	case "capa":
		return "add_capa"
	case "capa/:index":
		return "update_capa"
	case "transitions":
		return "transition"
	case "attachments":
		if method == http.MethodPost {
			return "attach"
		}
		return "list_attachments"
	}
	return methodAction(method)
}

func methodAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}
