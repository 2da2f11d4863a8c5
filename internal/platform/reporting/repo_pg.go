package reporting

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegis/aegis/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepo creates the PostgreSQL-backed reporting repository.
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

func (r *repoPG) AddTherapyDay(ctx context.Context, day time.Time, location, antimicrobial string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO antimicrobial_use (day, location, antimicrobial, days_of_therapy)
		VALUES ($1,$2,$3,1)
		ON CONFLICT (day, location, antimicrobial)
		DO UPDATE SET days_of_therapy = antimicrobial_use.days_of_therapy + 1`,
		day, location, antimicrobial)
	return err
}

func (r *repoPG) AddIsolate(ctx context.Context, iso *Isolate) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO resistance_isolate (day, location, organism, phenotype, resistant, event_id)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (event_id) DO NOTHING`,
		iso.Day, iso.Location, iso.Organism, iso.Phenotype, iso.Resistant, iso.EventID)
	return err
}

func (r *repoPG) UpsertDaily(ctx context.Context, d *DenominatorDay) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO denominator_daily (day, location, patient_days, line_days, catheter_days, vent_days)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (day, location)
		DO UPDATE SET patient_days = EXCLUDED.patient_days,
		              line_days = EXCLUDED.line_days,
		              catheter_days = EXCLUDED.catheter_days,
		              vent_days = EXCLUDED.vent_days`,
		d.Day, d.Location, d.PatientDays, d.LineDays, d.CatheterDays, d.VentDays)
	return err
}

func (r *repoPG) RollupMonth(ctx context.Context, month time.Time) error {
	first := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO denominator_monthly (month, location, patient_days, device_days)
		SELECT $1, location, SUM(patient_days), SUM(line_days + catheter_days + vent_days)
		FROM denominator_daily
		WHERE day >= $1 AND day < $2
		GROUP BY location
		ON CONFLICT (month, location)
		DO UPDATE SET patient_days = EXCLUDED.patient_days,
		              device_days = EXCLUDED.device_days`,
		first, first.AddDate(0, 1, 0))
	return err
}

func (r *repoPG) QuarterUsage(ctx context.Context, from, to time.Time) ([]UsageRow, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT location, antimicrobial, SUM(days_of_therapy)
		FROM antimicrobial_use
		WHERE day >= $1 AND day < $2
		GROUP BY location, antimicrobial
		ORDER BY location, antimicrobial`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UsageRow
	for rows.Next() {
		var u UsageRow
		if err := rows.Scan(&u.Location, &u.Antimicrobial, &u.DaysOfTherapy); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (r *repoPG) QuarterIsolates(ctx context.Context, from, to time.Time) ([]ARRow, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT location, organism, phenotype,
		       COUNT(*) FILTER (WHERE resistant), COUNT(*)
		FROM resistance_isolate
		WHERE day >= $1 AND day < $2
		GROUP BY location, organism, phenotype
		ORDER BY location, organism, phenotype`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ARRow
	for rows.Next() {
		var a ARRow
		if err := rows.Scan(&a.Location, &a.Organism, &a.Phenotype, &a.Numerator, &a.Denominator); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *repoPG) QuarterPatientDays(ctx context.Context, from, to time.Time) (map[string]int, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT location, SUM(patient_days)
		FROM denominator_daily
		WHERE day >= $1 AND day < $2
		GROUP BY location`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var loc string
		var days int
		if err := rows.Scan(&loc, &days); err != nil {
			return nil, err
		}
		out[loc] = days
	}
	return out, rows.Err()
}

func (r *repoPG) MonthDenominators(ctx context.Context, month time.Time) ([]DenominatorMonth, error) {
	first := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT month, location, patient_days, device_days
		FROM denominator_monthly WHERE month = $1 ORDER BY location`, first)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DenominatorMonth
	for rows.Next() {
		var d DenominatorMonth
		if err := rows.Scan(&d.Month, &d.Location, &d.PatientDays, &d.DeviceDays); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *repoPG) AddSubmission(ctx context.Context, s *Submission) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO submission_audit (kind, period, row_count, checksum, submitted_by)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id, created_at`,
		s.Kind, s.Period, s.RowCount, s.Checksum, s.SubmittedBy,
	).Scan(&s.ID, &s.CreatedAt)
}

func (r *repoPG) ListSubmissions(ctx context.Context, since time.Time) ([]*Submission, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, kind, period, row_count, checksum, submitted_by, created_at
		FROM submission_audit WHERE created_at >= $1 ORDER BY created_at DESC`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Submission
	for rows.Next() {
		var s Submission
		if err := rows.Scan(&s.ID, &s.Kind, &s.Period, &s.RowCount, &s.Checksum, &s.SubmittedBy, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}
