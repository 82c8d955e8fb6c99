// Package obs wires the security core's failure paths into Sentry. The
// teacher used Sentry only at the HTTP middleware layer; here it is
// called directly, with no HTTP request in flight. Its one caller is the
// audit sink, which reports failed audit writes.
package obs

import (
	"log/slog"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
)

// Init configures the global Sentry client. Safe to call with an empty
// dsn (Sentry becomes a no-op in that case), matching local/dev usage.
func Init(dsn, environment string) error {
	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
	})
}

// ReportDependencyFailure tags the current scope with tenant/actor
// context and reports err, then also logs it so local development
// without a DSN configured still surfaces the failure.
func ReportDependencyFailure(logger *slog.Logger, component string, tenantID, actorID uuid.UUID, err error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", component)
		if tenantID != uuid.Nil {
			scope.SetTag("tenant_id", tenantID.String())
		}
		if actorID != uuid.Nil {
			scope.SetTag("actor_id", actorID.String())
		}
		sentry.CaptureException(err)
	})
	logger.Error("dependency_failure", "component", component, "tenant_id", tenantID, "actor_id", actorID, "error", err)
}
