package alert

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

// NewRepo creates the PostgreSQL-backed alert repository.
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

const alertCols = `id, alert_id, kind, source_key, status, severity, patient_id,
	summary, detail, snooze_until, resolution_reason, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, a *Alert) error {
	if a.AlertID == "" {
		a.AlertID = uuid.New().String()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO alert (alert_id, kind, source_key, status, severity, patient_id, summary, detail, snooze_until)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id, created_at, updated_at`,
		a.AlertID, a.Kind, a.SourceKey, a.Status, a.Severity, a.PatientID, a.Summary, a.Detail, a.SnoozeUntil,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id int64) (*Alert, error) {
	return scanAlert(r.conn(ctx).QueryRow(ctx, `SELECT `+alertCols+` FROM alert WHERE id = $1`, id))
}

func (r *repoPG) GetByAlertID(ctx context.Context, alertID string) (*Alert, error) {
	return scanAlert(r.conn(ctx).QueryRow(ctx, `SELECT `+alertCols+` FROM alert WHERE alert_id = $1`, alertID))
}

func (r *repoPG) GetActive(ctx context.Context, kind, sourceKey string) (*Alert, error) {
	return scanAlert(r.conn(ctx).QueryRow(ctx,
		`SELECT `+alertCols+` FROM alert WHERE kind = $1 AND source_key = $2 AND status <> 'resolved'`,
		kind, sourceKey))
}

func (r *repoPG) UpdateContent(ctx context.Context, a *Alert) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE alert SET severity=$2, patient_id=$3, summary=$4, detail=$5, updated_at=NOW()
		WHERE id = $1`,
		a.ID, a.Severity, a.PatientID, a.Summary, a.Detail)
	return err
}

// UpdateStatus compares-and-sets the status. The WHERE clause on the old
// status makes concurrent transitions serialize at the row.
func (r *repoPG) UpdateStatus(ctx context.Context, id int64, from, to Status, snoozeUntil *time.Time, resolutionReason *string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE alert SET status=$3, snooze_until=$4, resolution_reason=COALESCE($5, resolution_reason), updated_at=NOW()
		WHERE id = $1 AND status = $2`,
		id, from, to, snoozeUntil, resolutionReason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) DueSnoozed(ctx context.Context, now time.Time) ([]*Alert, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+alertCols+` FROM alert WHERE status = 'snoozed' AND snooze_until <= $1 ORDER BY snooze_until`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAlerts(rows)
}

func (r *repoPG) Query(ctx context.Context, f Filter, limit, offset int) ([]*Alert, int, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	n := 0
	add := func(clause string, v interface{}) {
		n++
		where += fmt.Sprintf(" AND "+clause, n)
		args = append(args, v)
	}
	if f.Kind != "" {
		add("kind = $%d", f.Kind)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.PatientID != "" {
		add("patient_id = $%d", f.PatientID)
	}
	if f.Severity != "" {
		add("severity = $%d", f.Severity)
	}
	if f.Since != nil {
		add("created_at >= $%d", *f.Since)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM alert`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	dataSQL := `SELECT ` + alertCols + ` FROM alert` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, dataSQL, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	alerts, err := collectAlerts(rows)
	return alerts, total, err
}

func (r *repoPG) AddAudit(ctx context.Context, row *AuditRow) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO alert_audit (alert_fk, action, actor, details)
		VALUES ($1,$2,$3,$4) RETURNING id, created_at`,
		row.AlertFK, row.Action, row.Actor, row.Details,
	).Scan(&row.ID, &row.CreatedAt)
}

func (r *repoPG) ListAudit(ctx context.Context, alertFK int64) ([]*AuditRow, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, alert_fk, action, actor, details, created_at
		FROM alert_audit WHERE alert_fk = $1 ORDER BY id`, alertFK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AuditRow
	for rows.Next() {
		var a AuditRow
		if err := rows.Scan(&a.ID, &a.AlertFK, &a.Action, &a.Actor, &a.Details, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (r *repoPG) AddDelivery(ctx context.Context, row *DeliveryRow) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO alert_delivery (alert_fk, channel, attempt, status, error)
		VALUES ($1,$2,$3,$4,$5) RETURNING id, created_at`,
		row.AlertFK, row.Channel, row.Attempt, row.Status, row.Error,
	).Scan(&row.ID, &row.CreatedAt)
}

func (r *repoPG) ListDeliveries(ctx context.Context, alertFK int64) ([]*DeliveryRow, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, alert_fk, channel, attempt, status, error, created_at
		FROM alert_delivery WHERE alert_fk = $1 ORDER BY id`, alertFK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DeliveryRow
	for rows.Next() {
		var d DeliveryRow
		if err := rows.Scan(&d.ID, &d.AlertFK, &d.Channel, &d.Attempt, &d.Status, &d.Error, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func scanAlert(row pgx.Row) (*Alert, error) {
	var a Alert
	err := row.Scan(&a.ID, &a.AlertID, &a.Kind, &a.SourceKey, &a.Status, &a.Severity,
		&a.PatientID, &a.Summary, &a.Detail, &a.SnoozeUntil, &a.ResolutionReason,
		&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func collectAlerts(rows pgx.Rows) ([]*Alert, error) {
	var out []*Alert
	for rows.Next() {
		var a Alert
		err := rows.Scan(&a.ID, &a.AlertID, &a.Kind, &a.SourceKey, &a.Status, &a.Severity,
			&a.PatientID, &a.Summary, &a.Detail, &a.SnoozeUntil, &a.ResolutionReason,
			&a.CreatedAt, &a.UpdatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
