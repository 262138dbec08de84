// Package eventlog records timeline interaction events in Postgres. The log
// is an append-only audit trail for support and product analytics; writes are
// best-effort and never fail the user-facing operation.
package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const (
	EventSessionStarted = "SESSION_STARTED"
	EventSlotExpanded   = "SLOT_EXPANDED"
	EventSlotCollapsed  = "SLOT_COLLAPSED"
	EventVideosLoaded   = "VIDEOS_LOADED"
	EventSlotCompleted  = "SLOT_COMPLETED"
	EventSlotVerified   = "SLOT_VERIFIED"
	EventUploadStarted  = "UPLOAD_STARTED"
	EventUploadReady    = "UPLOAD_READY"
	EventUploadFailed   = "UPLOAD_FAILED"
)

type Event struct {
	EventType string
	SessionID uuid.UUID
	CaseID    int
	SlotID    *int
	Payload   []byte
	CreatedAt time.Time
}

// Recorder accepts interaction events.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

type PgRecorder struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

func NewPgRecorder(pool *pgxpool.Pool, log zerolog.Logger) *PgRecorder {
	return &PgRecorder{pool: pool, log: log}
}

func (r *PgRecorder) Record(ctx context.Context, ev Event) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO timeline_events (event_type, session_id, case_id, slot_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))
	`, ev.EventType, ev.SessionID, ev.CaseID, ev.SlotID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		r.log.Warn().Err(err).
			Str("event_type", ev.EventType).
			Int("case_id", ev.CaseID).
			Msg("failed to insert timeline event")
	}
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Payload marshals a key/value payload, returning nil on marshal failure so a
// bad payload never blocks the event itself.
func Payload(log zerolog.Logger, kv map[string]any) []byte {
	if kv == nil {
		return nil
	}
	data, err := json.Marshal(kv)
	if err != nil {
		log.Warn().Err(err).Msg("failed to marshal event payload")
		return nil
	}
	return data
}

// NopRecorder drops every event. Used when POSTGRES_DSN is unset and in tests.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Event) {}
