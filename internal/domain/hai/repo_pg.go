package hai

import (
	"context"
	"errors"
	"fmt"
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

// NewRepo creates the PostgreSQL-backed candidate repository.
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

const candidateCols = `id, candidate_id, hai_kind, patient_id, trigger_key,
	device_days, onset, status, exclusion_reason, payload, created_at, updated_at`

// CreateCandidate inserts the candidate, returning false when the
// (hai_kind, trigger_key) pair already exists.
func (r *repoPG) CreateCandidate(ctx context.Context, c *Candidate) (bool, error) {
	if c.CandidateID == "" {
		c.CandidateID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = StatusScreened
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO hai_candidate (candidate_id, hai_kind, patient_id, trigger_key, device_days, onset, status, exclusion_reason, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (hai_kind, trigger_key) DO NOTHING
		RETURNING id, created_at, updated_at`,
		c.CandidateID, c.Kind, c.PatientID, c.TriggerKey, c.DeviceDays, c.Onset, c.Status, c.ExclusionReason, c.Payload,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *repoPG) GetCandidate(ctx context.Context, candidateID string) (*Candidate, error) {
	return scanCandidate(r.conn(ctx).QueryRow(ctx,
		`SELECT `+candidateCols+` FROM hai_candidate WHERE candidate_id = $1`, candidateID))
}

func (r *repoPG) UpdateCandidateStatus(ctx context.Context, id int64, from, to Status) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE hai_candidate SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) ListCandidates(ctx context.Context, f CandidateFilter, limit, offset int) ([]*Candidate, error) {
	where := ` WHERE 1=1`
	args := []interface{}{}
	n := 0
	add := func(clause string, v interface{}) {
		n++
		where += fmt.Sprintf(" AND "+clause, n)
		args = append(args, v)
	}
	if f.Kind != "" {
		add("hai_kind = $%d", f.Kind)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.PatientID != "" {
		add("patient_id = $%d", f.PatientID)
	}
	if f.Since != nil {
		add("created_at >= $%d", *f.Since)
	}
	q := `SELECT ` + candidateCols + ` FROM hai_candidate` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, n+1, n+2)

	rows, err := r.conn(ctx).Query(ctx, q, append(args, limit, offset)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Candidate
	for rows.Next() {
		c, err := scanCandidateRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *repoPG) AddExtraction(ctx context.Context, x *Extraction) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO extraction (candidate_fk, prompt_version, model, facts, confidence, input_tokens, output_tokens, latency_ms, success, error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id, created_at`,
		x.CandidateFK, x.PromptVersion, x.Model, x.Facts, x.Confidence,
		x.InputTokens, x.OutputTokens, x.LatencyMS, x.Success, x.Error,
	).Scan(&x.ID, &x.CreatedAt)
}

func (r *repoPG) ListExtractions(ctx context.Context, candidateFK int64) ([]*Extraction, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, candidate_fk, prompt_version, model, facts, confidence, input_tokens, output_tokens, latency_ms, success, error, created_at
		FROM extraction WHERE candidate_fk = $1 ORDER BY id`, candidateFK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Extraction
	for rows.Next() {
		var x Extraction
		if err := rows.Scan(&x.ID, &x.CandidateFK, &x.PromptVersion, &x.Model, &x.Facts, &x.Confidence,
			&x.InputTokens, &x.OutputTokens, &x.LatencyMS, &x.Success, &x.Error, &x.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &x)
	}
	return out, rows.Err()
}

// AddClassification supersedes prior classifications for the candidate in
// the same transaction, so the latest non-superseded row is always the
// effective decision.
func (r *repoPG) AddClassification(ctx context.Context, cl *Classification) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		if _, err := r.conn(ctx).Exec(ctx, `
			UPDATE classification SET superseded = TRUE WHERE candidate_fk = $1 AND NOT superseded`,
			cl.CandidateFK); err != nil {
			return err
		}
		return r.conn(ctx).QueryRow(ctx, `
			INSERT INTO classification (candidate_fk, extraction_fk, decision, strictness, reasoning, review_required)
			VALUES ($1,$2,$3,$4,$5,$6)
			RETURNING id, created_at`,
			cl.CandidateFK, cl.ExtractionFK, cl.Decision, cl.Strictness, cl.Reasoning, cl.ReviewRequired,
		).Scan(&cl.ID, &cl.CreatedAt)
	})
}

func (r *repoPG) LatestClassification(ctx context.Context, candidateFK int64) (*Classification, error) {
	var cl Classification
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, candidate_fk, extraction_fk, decision, strictness, reasoning, review_required, superseded, created_at
		FROM classification WHERE candidate_fk = $1 AND NOT superseded
		ORDER BY id DESC LIMIT 1`, candidateFK,
	).Scan(&cl.ID, &cl.CandidateFK, &cl.ExtractionFK, &cl.Decision, &cl.Strictness,
		&cl.Reasoning, &cl.ReviewRequired, &cl.Superseded, &cl.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cl, nil
}

func (r *repoPG) OpenReview(ctx context.Context, rv *Review) error {
	if rv.QueueKind == "" {
		rv.QueueKind = "hai"
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO review (candidate_fk, classification_fk, queue_kind)
		VALUES ($1,$2,$3)
		RETURNING id, opened_at`,
		rv.CandidateFK, rv.ClassificationFK, rv.QueueKind,
	).Scan(&rv.ID, &rv.OpenedAt)
}

func (r *repoPG) GetOpenReview(ctx context.Context, candidateFK int64) (*Review, error) {
	var rv Review
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, candidate_fk, classification_fk, queue_kind, reviewer, decision, is_override, override_reason, opened_at, closed_at
		FROM review WHERE candidate_fk = $1 AND closed_at IS NULL
		ORDER BY id DESC LIMIT 1`, candidateFK,
	).Scan(&rv.ID, &rv.CandidateFK, &rv.ClassificationFK, &rv.QueueKind, &rv.Reviewer,
		&rv.Decision, &rv.IsOverride, &rv.OverrideReason, &rv.OpenedAt, &rv.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rv, nil
}

func (r *repoPG) CloseReview(ctx context.Context, reviewID int64, reviewer string, decision Decision, isOverride bool, overrideReason *string, at time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE review SET reviewer = $2, decision = $3, is_override = $4, override_reason = $5, closed_at = $6
		WHERE id = $1 AND closed_at IS NULL`,
		reviewID, reviewer, decision, isOverride, overrideReason, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) AddDiscrepancy(ctx context.Context, d *Discrepancy) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO classification_discrepancy (candidate_fk, engine_decision, human_decision, strictness)
		VALUES ($1,$2,$3,$4)
		RETURNING id, created_at`,
		d.CandidateFK, d.EngineDecision, d.HumanDecision, d.Strictness,
	).Scan(&d.ID, &d.CreatedAt)
}

func (r *repoPG) ListDiscrepancies(ctx context.Context, since time.Time) ([]*Discrepancy, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, candidate_fk, engine_decision, human_decision, strictness, created_at
		FROM classification_discrepancy WHERE created_at >= $1 ORDER BY id`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Discrepancy
	for rows.Next() {
		var d Discrepancy
		if err := rows.Scan(&d.ID, &d.CandidateFK, &d.EngineDecision, &d.HumanDecision, &d.Strictness, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (r *repoPG) ConfirmedCandidates(ctx context.Context, from, to time.Time) ([]*Candidate, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+candidateCols+` FROM hai_candidate c
		WHERE c.created_at >= $1 AND c.created_at < $2
		  AND EXISTS (
			SELECT 1 FROM review r
			WHERE r.candidate_fk = c.id AND r.closed_at IS NOT NULL AND r.decision = $3
		  )
		ORDER BY c.created_at`, from, to, DecisionConfirmed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Candidate
	for rows.Next() {
		c, err := scanCandidateRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCandidate(row pgx.Row) (*Candidate, error) {
	var c Candidate
	err := row.Scan(&c.ID, &c.CandidateID, &c.Kind, &c.PatientID, &c.TriggerKey,
		&c.DeviceDays, &c.Onset, &c.Status, &c.ExclusionReason, &c.Payload, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanCandidateRows(rows pgx.Rows) (*Candidate, error) {
	var c Candidate
	err := rows.Scan(&c.ID, &c.CandidateID, &c.Kind, &c.PatientID, &c.TriggerKey,
		&c.DeviceDays, &c.Onset, &c.Status, &c.ExclusionReason, &c.Payload, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
