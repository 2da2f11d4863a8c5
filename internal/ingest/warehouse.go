package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/aegis/aegis/internal/clinical"
)

// WarehouseAdapter polls a data-warehouse SQL endpoint. The warehouse exposes
// a flattened clinical_events view with the normalized payload as JSON, so
// normalization happened upstream in the warehouse ETL; this adapter only
// decodes and validates.
type WarehouseAdapter struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

func NewWarehouseAdapter(pool *pgxpool.Pool, log zerolog.Logger) *WarehouseAdapter {
	return &WarehouseAdapter{pool: pool, log: log.With().Str("component", "warehouse-adapter").Logger()}
}

func (w *WarehouseAdapter) Name() string { return "warehouse" }

func (w *WarehouseAdapter) PollEvents(ctx context.Context, since time.Time) ([]clinical.Event, error) {
	rows, err := w.pool.Query(ctx, `
		SELECT event_id, event_kind, patient_id, patient_name, encounter_id, event_time, payload
		FROM clinical_events
		WHERE event_time > $1
		ORDER BY patient_id, event_time
		LIMIT 1000`, since)
	if err != nil {
		return nil, fmt.Errorf("querying clinical_events: %w", err)
	}
	defer rows.Close()

	var out []clinical.Event
	for rows.Next() {
		var (
			ev      clinical.Event
			kind    string
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &kind, &ev.Patient.ID, &ev.Patient.DisplayName, &ev.EncounterID, &ev.Effective, &payload); err != nil {
			return nil, err
		}
		ev.Kind = clinical.EventKind(kind)
		ev.Source = w.Name()
		if err := decodePayload(&ev, payload); err != nil {
			w.log.Warn().Err(err).Str("event_id", ev.ID).Msg("skipping undecodable warehouse row")
			continue
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// FetchEvents serves targeted evidence lookups from the same view.
func (w *WarehouseAdapter) FetchEvents(ctx context.Context, patientID string, kinds []clinical.EventKind, from, to time.Time) ([]clinical.Event, error) {
	kindStrs := make([]string, len(kinds))
	for i, k := range kinds {
		kindStrs[i] = string(k)
	}
	rows, err := w.pool.Query(ctx, `
		SELECT event_id, event_kind, patient_id, patient_name, encounter_id, event_time, payload
		FROM clinical_events
		WHERE patient_id = $1
		  AND (cardinality($2::text[]) = 0 OR event_kind = ANY($2))
		  AND event_time BETWEEN $3 AND $4
		ORDER BY event_time`, patientID, kindStrs, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying events for %s: %w", patientID, err)
	}
	defer rows.Close()

	var out []clinical.Event
	for rows.Next() {
		var (
			ev      clinical.Event
			kind    string
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &kind, &ev.Patient.ID, &ev.Patient.DisplayName, &ev.EncounterID, &ev.Effective, &payload); err != nil {
			return nil, err
		}
		ev.Kind = clinical.EventKind(kind)
		ev.Source = w.Name()
		if err := decodePayload(&ev, payload); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// FetchPatient loads demographics from the warehouse patient dimension.
func (w *WarehouseAdapter) FetchPatient(ctx context.Context, patientID string) (clinical.Patient, error) {
	var (
		p  clinical.Patient
		rf []string
	)
	err := w.pool.QueryRow(ctx, `
		SELECT patient_id, display_name, birth_date, sex, COALESCE(risk_factors, '{}')
		FROM patients WHERE patient_id = $1`, patientID).
		Scan(&p.Ref.ID, &p.Ref.DisplayName, &p.BirthDate, &p.Sex, &rf)
	if err != nil {
		return clinical.Patient{}, fmt.Errorf("loading patient %s: %w", patientID, err)
	}
	p.RiskFactors = rf
	return p, nil
}

// decodePayload unpacks the kind-specific JSON payload into the matching
// event field.
func decodePayload(ev *clinical.Event, payload []byte) error {
	var target interface{}
	switch ev.Kind {
	case clinical.KindDiagnosis:
		ev.Diagnosis = &clinical.Diagnosis{}
		target = ev.Diagnosis
	case clinical.KindMedicationAdmin, clinical.KindMedicationOrder:
		ev.Med = &clinical.MedicationEvent{}
		target = ev.Med
	case clinical.KindLabResult:
		ev.Lab = &clinical.LabResult{}
		target = ev.Lab
	case clinical.KindVital:
		ev.Vital = &clinical.VitalSign{}
		target = ev.Vital
	case clinical.KindNote:
		ev.Note = &clinical.ClinicalNote{}
		target = ev.Note
	case clinical.KindCulture:
		ev.Culture = &clinical.CultureResult{}
		target = ev.Culture
	case clinical.KindProcedure:
		ev.Procedure = &clinical.Procedure{}
		target = ev.Procedure
	case clinical.KindDevice:
		ev.Device = &clinical.DeviceEvent{}
		target = ev.Device
	case clinical.KindLocation:
		ev.Location = &clinical.LocationEvent{}
		target = ev.Location
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("decoding %s payload: %w", ev.Kind, err)
	}
	return ev.Validate()
}
