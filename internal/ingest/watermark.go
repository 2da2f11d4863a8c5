package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGWatermarks stores watermarks in the ingest_watermark table.
type PGWatermarks struct {
	pool *pgxpool.Pool
}

func NewPGWatermarks(pool *pgxpool.Pool) *PGWatermarks {
	return &PGWatermarks{pool: pool}
}

func (w *PGWatermarks) Get(ctx context.Context, source, entityKind, tenant string) (time.Time, error) {
	var wm time.Time
	err := w.pool.QueryRow(ctx, `
		SELECT watermark FROM ingest_watermark
		WHERE source = $1 AND entity_kind = $2 AND tenant = $3`,
		source, entityKind, tenant).Scan(&wm)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	return wm, err
}

func (w *PGWatermarks) Set(ctx context.Context, source, entityKind, tenant string, watermark time.Time) error {
	_, err := w.pool.Exec(ctx, `
		INSERT INTO ingest_watermark (source, entity_kind, tenant, watermark)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (source, entity_kind, tenant)
		DO UPDATE SET watermark = GREATEST(ingest_watermark.watermark, EXCLUDED.watermark), updated_at = NOW()`,
		source, entityKind, tenant, watermark)
	return err
}

// MemWatermarks is the in-memory WatermarkStore used by tests and the memory
// ingress profile.
type MemWatermarks struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func NewMemWatermarks() *MemWatermarks {
	return &MemWatermarks{m: make(map[string]time.Time)}
}

func (w *MemWatermarks) key(source, entityKind, tenant string) string {
	return source + "|" + entityKind + "|" + tenant
}

func (w *MemWatermarks) Get(_ context.Context, source, entityKind, tenant string) (time.Time, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.m[w.key(source, entityKind, tenant)], nil
}

func (w *MemWatermarks) Set(_ context.Context, source, entityKind, tenant string, watermark time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	k := w.key(source, entityKind, tenant)
	if watermark.After(w.m[k]) {
		w.m[k] = watermark
	}
	return nil
}
