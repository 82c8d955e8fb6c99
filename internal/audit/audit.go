// Package audit is the security core's audit sink. Access decisions and
// field decryptions are logged synchronously, in the same call path that
// produced them (spec ordering guarantee: the event is durable before
// the caller sees the result); every other event type is delivered
// asynchronously through a buffered channel. A failed asynchronous write
// is logged and not retried, and events still queued when Close runs are
// not written.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ironvault/securitycore/internal/obs"
	"github.com/ironvault/securitycore/internal/storage"
)

// EventType is the closed set of events the audit trail records.
type EventType string

const (
	EventLoginSuccess            EventType = "LOGIN_SUCCESS"
	EventLoginFailed             EventType = "LOGIN_FAILED"
	EventLogout                  EventType = "LOGOUT"
	EventPasswordReset           EventType = "PASSWORD_RESET"
	EventPasswordChanged         EventType = "PASSWORD_CHANGED"
	EventTenantSwitch            EventType = "TENANT_SWITCH"
	EventDataAccess              EventType = "DATA_ACCESS"
	EventConfigChange            EventType = "CONFIG_CHANGE"
	EventTokenCreated            EventType = "TOKEN_CREATED"
	EventTokenValidated          EventType = "TOKEN_VALIDATED"
	EventTokenReuseAttempt       EventType = "TOKEN_REUSE_ATTEMPT"
	EventTokenExpiredUse         EventType = "TOKEN_EXPIRED_USE"
	EventRoleAssigned            EventType = "ROLE_ASSIGNED"
	EventRoleRemoved             EventType = "ROLE_REMOVED"
	EventAccessGranted           EventType = "ACCESS_GRANTED"
	EventAccessDenied            EventType = "ACCESS_DENIED"
	EventFieldEncrypted          EventType = "FIELD_ENCRYPTED"
	EventFieldDecrypted          EventType = "FIELD_DECRYPTED"
	EventSecurityPolicyViolation EventType = "SECURITY_POLICY_VIOLATION"
	EventImpersonationStarted    EventType = "IMPERSONATION_STARTED"
	EventImpersonationEnded      EventType = "IMPERSONATION_ENDED"
)

// synchronous is the subset of events that must be durable before the
// caller proceeds, per the concurrency model's ordering guarantee.
var synchronous = map[EventType]bool{
	EventAccessGranted:  true,
	EventAccessDenied:   true,
	EventFieldDecrypted: true,
}

// Event is one audit record.
type Event struct {
	Type      EventType
	TenantID  uuid.UUID
	ActorID   uuid.UUID
	TargetID  uuid.UUID
	SessionID uuid.UUID
	Metadata  map[string]any
	occurred  time.Time
}

// Sink accepts audit events. Implementations must not block the caller
// for longer than a synchronous database write requires.
type Sink interface {
	Record(ctx context.Context, ev Event)
	Close()
}

// DBSink persists events to the audit_events table, synchronously for
// access-decision/decryption events and via a background drain loop for
// everything else so high-volume event types never add latency to the
// operation that produced them.
type DBSink struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	queue chan Event
	done  chan struct{}
}

func NewDBSink(pool *pgxpool.Pool, logger *slog.Logger) *DBSink {
	s := &DBSink{
		pool:   pool,
		logger: logger,
		queue:  make(chan Event, 1024),
		done:   make(chan struct{}),
	}
	go s.drain()
	return s
}

func (s *DBSink) Record(ctx context.Context, ev Event) {
	ev.occurred = time.Now().UTC()

	if synchronous[ev.Type] {
		if err := s.write(ctx, ev); err != nil {
			obs.ReportDependencyFailure(s.logger, "audit", ev.TenantID, ev.ActorID, err)
		}
		return
	}

	select {
	case s.queue <- ev:
	default:
		// Queue saturated: fall back to a synchronous write rather than
		// drop the event silently.
		if err := s.write(ctx, ev); err != nil {
			obs.ReportDependencyFailure(s.logger, "audit", ev.TenantID, ev.ActorID, err)
		}
	}
}

func (s *DBSink) drain() {
	for {
		select {
		case ev := <-s.queue:
			if err := s.write(context.Background(), ev); err != nil {
				s.logger.Error("audit_async_write_failed", "event_type", ev.Type, "error", err)
			}
		case <-s.done:
			return
		}
	}
}

func (s *DBSink) Close() {
	close(s.done)
}

func (s *DBSink) write(ctx context.Context, ev Event) error {
	metadataBytes, err := json.Marshal(ev.Metadata)
	if err != nil {
		metadataBytes = []byte("{}")
	}

	toUUID := func(u uuid.UUID) pgtype.UUID {
		return pgtype.UUID{Bytes: u, Valid: u != uuid.Nil}
	}

	return storage.WithoutRLS(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO audit_events (tenant_id, actor_id, target_id, session_id, event_type, metadata, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			toUUID(ev.TenantID), toUUID(ev.ActorID), toUUID(ev.TargetID), toUUID(ev.SessionID),
			string(ev.Type), metadataBytes, ev.occurred,
		)
		return err
	})
}
