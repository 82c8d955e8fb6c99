package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Filter scopes an audit query for the operator console. Zero values are
// "no constraint" except TenantID, which is always required — audit
// queries never span tenants through this path.
type Filter struct {
	TenantID  uuid.UUID
	ActorID   uuid.UUID
	EventType EventType
	Since     time.Time
	Until     time.Time
	Limit     int
}

type Record struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	ActorID    uuid.UUID
	TargetID   uuid.UUID
	SessionID  uuid.UUID
	Type       EventType
	Metadata   map[string]any
	OccurredAt time.Time
}

// Query reads the durable audit trail directly, bypassing RLS since the
// operator console runs with explicit tenant scoping rather than a
// request-bound session.
func Query(ctx context.Context, pool *pgxpool.Pool, f Filter) ([]Record, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}

	rows, err := pool.Query(ctx, `
		SELECT id, tenant_id, actor_id, target_id, session_id, event_type, metadata, occurred_at
		FROM audit_events
		WHERE tenant_id = $1
		  AND ($2 = '' OR event_type = $2)
		  AND ($3::uuid IS NULL OR actor_id = $3)
		  AND ($4::timestamptz IS NULL OR occurred_at >= $4)
		  AND ($5::timestamptz IS NULL OR occurred_at <= $5)
		ORDER BY occurred_at DESC
		LIMIT $6`,
		f.TenantID, string(f.EventType), nullableUUID(f.ActorID), nullableTime(f.Since), nullableTime(f.Until), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var metadataRaw []byte
		if err := rows.Scan(&r.ID, &r.TenantID, &r.ActorID, &r.TargetID, &r.SessionID, &r.Type, &metadataRaw, &r.OccurredAt); err != nil {
			return nil, err
		}
		if len(metadataRaw) > 0 {
			_ = json.Unmarshal(metadataRaw, &r.Metadata)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullableUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}
