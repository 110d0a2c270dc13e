package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres and verifies the connection.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) SaveTimer(ctx context.Context, rec TimerRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO live_timers (id, user_id, timer_type, status, title, duration_sec, state, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			title = EXCLUDED.title,
			duration_sec = EXCLUDED.duration_sec,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.UserID, rec.Type, rec.Status, rec.Title, rec.DurationSec, rec.State, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save timer: %w", err)
	}
	return nil
}

func (s *PostgresStore) LogTimerEvent(ctx context.Context, rec EventRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO timer_events (timer_id, kind, occurred_at, payload)
		VALUES ($1, $2, $3, $4)`,
		rec.TimerID, rec.Kind, rec.At, rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to log timer event: %w", err)
	}
	return nil
}

func (s *PostgresStore) SavePresence(ctx context.Context, rec PresenceRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_presence (user_id, status, last_seen, custom_message, current_activity)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			status = EXCLUDED.status,
			last_seen = EXCLUDED.last_seen,
			custom_message = EXCLUDED.custom_message,
			current_activity = EXCLUDED.current_activity`,
		rec.UserID, rec.Status, rec.LastSeen, rec.CustomMessage, rec.CurrentActivity)
	if err != nil {
		return fmt.Errorf("failed to save presence: %w", err)
	}
	return nil
}

func (s *PostgresStore) FetchPresences(ctx context.Context, userIDs []string) ([]PresenceRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, status, last_seen, custom_message, current_activity
		FROM user_presence
		WHERE user_id = ANY($1)`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch presences: %w", err)
	}
	defer rows.Close()

	var out []PresenceRecord
	for rows.Next() {
		var rec PresenceRecord
		if err := rows.Scan(&rec.UserID, &rec.Status, &rec.LastSeen, &rec.CustomMessage, &rec.CurrentActivity); err != nil {
			return nil, fmt.Errorf("failed to scan presence row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
