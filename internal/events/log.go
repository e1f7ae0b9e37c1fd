package events

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Log records every dispatched event.
type Log interface {
	Append(ctx context.Context, ev Event) error
}

// PostgresLog appends events to the domain_events table.
type PostgresLog struct {
	db DB
}

// NewPostgresLog returns a log backed by db.
func NewPostgresLog(db DB) *PostgresLog {
	return &PostgresLog{db: db}
}

func (l *PostgresLog) Append(ctx context.Context, ev Event) error {
	payload, err := encodePayload(ev)
	if err != nil {
		return fmt.Errorf("events: encode payload: %w", err)
	}
	_, err = l.db.Exec(ctx, `INSERT INTO domain_events (id, event_id, type, provider, reference_id, payload, occurred_at)
		VALUES ($1, nullif($2, ''), $3, nullif($4, ''), nullif($5, ''), $6, $7)`,
		uuid.New(), ev.ID, string(ev.Type), ev.Provider, ev.ReferenceID, payload, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("events: persist event: %w", err)
	}
	return nil
}

// LogHandler writes every event to the logger.
type LogHandler struct {
	Logger zerolog.Logger
}

func (LogHandler) Name() string      { return "log" }
func (LogHandler) Handles(Type) bool { return true }

func (h LogHandler) Handle(_ context.Context, ev Event) error {
	h.Logger.Info().
		Str("event_id", ev.ID).
		Str("event_type", string(ev.Type)).
		Str("provider", ev.Provider).
		Str("reference_id", ev.ReferenceID).
		Str("amount", ev.Amount.String()).
		Str("currency", ev.Currency).
		Msg("domain_event")
	return nil
}
