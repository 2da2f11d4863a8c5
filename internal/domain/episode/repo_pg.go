package episode

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegis/aegis/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepo creates the PostgreSQL-backed episode repository.
func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const episodeCols = `id, episode_id, bundle_id, bundle_version, patient_id,
	anchor, anchor_zone, deadline, terminal, closed_at, created_at`

func (r *repoPG) Create(ctx context.Context, ep *Episode, elementIDs []string) error {
	if ep.EpisodeID == "" {
		ep.EpisodeID = uuid.New().String()
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		err := r.conn(ctx).QueryRow(ctx, `
			INSERT INTO episode (episode_id, bundle_id, bundle_version, patient_id, anchor, anchor_zone, deadline)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			RETURNING id, created_at`,
			ep.EpisodeID, ep.BundleID, ep.BundleVersion, ep.PatientID, ep.Anchor, ep.AnchorZone, ep.Deadline,
		).Scan(&ep.ID, &ep.CreatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return ErrOpenEpisode
			}
			return err
		}
		for _, elID := range elementIDs {
			if _, err := r.conn(ctx).Exec(ctx, `
				INSERT INTO element_result (episode_fk, element_id) VALUES ($1,$2)`,
				ep.ID, elID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *repoPG) GetByEpisodeID(ctx context.Context, episodeID string) (*Episode, error) {
	return scanEpisode(r.conn(ctx).QueryRow(ctx,
		`SELECT `+episodeCols+` FROM episode WHERE episode_id = $1`, episodeID))
}

func (r *repoPG) GetOpen(ctx context.Context, patientID, bundleID string) (*Episode, error) {
	return scanEpisode(r.conn(ctx).QueryRow(ctx,
		`SELECT `+episodeCols+` FROM episode WHERE patient_id = $1 AND bundle_id = $2 AND NOT terminal`,
		patientID, bundleID))
}

func (r *repoPG) LastClosed(ctx context.Context, patientID, bundleID string) (*Episode, error) {
	return scanEpisode(r.conn(ctx).QueryRow(ctx, `
		SELECT `+episodeCols+` FROM episode
		WHERE patient_id = $1 AND bundle_id = $2 AND terminal
		ORDER BY closed_at DESC NULLS LAST LIMIT 1`,
		patientID, bundleID))
}

func (r *repoPG) ListOpenByPatient(ctx context.Context, patientID string) ([]*Episode, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+episodeCols+` FROM episode WHERE patient_id = $1 AND NOT terminal ORDER BY anchor`,
		patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Episode
	for rows.Next() {
		ep, err := scanEpisodeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (r *repoPG) Close(ctx context.Context, id int64, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE episode SET terminal = TRUE, closed_at = $2 WHERE id = $1 AND NOT terminal`, id, at)
	return err
}

func (r *repoPG) Elements(ctx context.Context, episodeFK int64) ([]*ElementResult, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, episode_fk, element_id, status, evidence, decided_at
		FROM element_result WHERE episode_fk = $1 ORDER BY id`, episodeFK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ElementResult
	for rows.Next() {
		var er ElementResult
		if err := rows.Scan(&er.ID, &er.EpisodeFK, &er.ElementID, &er.Status, &er.Evidence, &er.DecidedAt); err != nil {
			return nil, err
		}
		out = append(out, &er)
	}
	return out, rows.Err()
}

// ResolveElement transitions pending -> status. The WHERE clause on 'pending'
// makes terminal results write-once; a false return means another worker (or
// the early-completion path) already resolved it.
func (r *repoPG) ResolveElement(ctx context.Context, episodeFK int64, elementID string, status ElementStatus, evidence json.RawMessage, at time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE element_result SET status = $3, evidence = $4, decided_at = $5
		WHERE episode_fk = $1 AND element_id = $2 AND status = 'pending'`,
		episodeFK, elementID, status, evidence, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func scanEpisode(row pgx.Row) (*Episode, error) {
	var ep Episode
	err := row.Scan(&ep.ID, &ep.EpisodeID, &ep.BundleID, &ep.BundleVersion, &ep.PatientID,
		&ep.Anchor, &ep.AnchorZone, &ep.Deadline, &ep.Terminal, &ep.ClosedAt, &ep.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ep, nil
}

func scanEpisodeRows(rows pgx.Rows) (*Episode, error) {
	var ep Episode
	err := rows.Scan(&ep.ID, &ep.EpisodeID, &ep.BundleID, &ep.BundleVersion, &ep.PatientID,
		&ep.Anchor, &ep.AnchorZone, &ep.Deadline, &ep.Terminal, &ep.ClosedAt, &ep.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &ep, nil
}
