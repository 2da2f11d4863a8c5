package timerwheel

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists timers in the scheduler_timer table.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a Store backed by PostgreSQL.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Save(ctx context.Context, t Timer) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scheduler_timer (timer_key, kind, fire_at, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (timer_key) DO UPDATE SET kind = $2, fire_at = $3, payload = $4`,
		t.Key, t.Kind, t.FireAt, t.Payload)
	return err
}

func (s *PGStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM scheduler_timer WHERE timer_key = $1`, key)
	return err
}

func (s *PGStore) LoadAll(ctx context.Context) ([]Timer, error) {
	rows, err := s.pool.Query(ctx, `SELECT timer_key, kind, fire_at, payload FROM scheduler_timer ORDER BY fire_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var timers []Timer
	for rows.Next() {
		var t Timer
		if err := rows.Scan(&t.Key, &t.Kind, &t.FireAt, &t.Payload); err != nil {
			return nil, err
		}
		timers = append(timers, t)
	}
	return timers, rows.Err()
}
