package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginStarted   AuditEvent = "login_started"
	AuditLoginSuccess   AuditEvent = "login_success"
	AuditLoginFailure   AuditEvent = "login_failure"
	AuditStateRejected  AuditEvent = "state_rejected"
	AuditTokenRefreshed AuditEvent = "token_refreshed"
	AuditRefreshFailure AuditEvent = "refresh_failure"
	AuditLogout         AuditEvent = "logout"
	AuditCSRFRejected   AuditEvent = "csrf_rejected"
	AuditRateLimited    AuditEvent = "rate_limited"
)

// auditLogger wraps slog.Logger for structured security audit logging.
// Tokens and codes are never logged; sessions are identified by id only.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	webhook *auditWebhook
	now     func() time.Time
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
		now:    time.Now,
	}
}

func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	ts := al.now().UTC()
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", ts.Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)

	al.logger.LogAttrs(context.WithoutCancel(r.Context()), slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	if al.webhook != nil {
		al.webhook.enqueue(newWebhookEvent(event, r.RemoteAddr, ts, attrs))
	}
}

// logEvent is a convenience for events tied to a session.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, sessionID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("session_id", sessionID),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a rejected or failed request.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
