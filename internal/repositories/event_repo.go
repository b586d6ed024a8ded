package repositories

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/title-market/backend/internal/events"
	"github.com/title-market/backend/internal/models"
)

// EventRepo is the Postgres event journal.
type EventRepo struct {
	pool *pgxpool.Pool
}

var _ events.Journal = (*EventRepo)(nil)

func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

func (r *EventRepo) Append(ctx context.Context, ev events.Event) error {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO market_events (id, seq, type, title_id, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, ev.ID, ev.Seq, ev.Type, string(ev.Title), payload, ev.OccurredAt)
	return err
}

func (r *EventRepo) ListByTitle(ctx context.Context, title models.TitleID, limit, offset int) ([]events.Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, seq, type, title_id, payload, occurred_at
		FROM market_events WHERE title_id = $1
		ORDER BY seq ASC LIMIT $2 OFFSET $3
	`, string(title), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var ev events.Event
		var titleID string
		if err := rows.Scan(&ev.ID, &ev.Seq, &ev.Type, &titleID, &ev.Payload, &ev.OccurredAt); err != nil {
			return nil, err
		}
		ev.Title = models.TitleID(titleID)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MaxSeq returns the highest journaled sequence number, 0 when empty.
func (r *EventRepo) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM market_events`).Scan(&seq)
	return seq, err
}
