package reporting

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegis/aegis/internal/ingest"
)

// Submission kinds.
const (
	SubmissionAU   = "au-csv"
	SubmissionAR   = "ar-csv"
	SubmissionNHSN = "nhsn-xml"
)

// HAIEvent is one confirmed infection event as the XML export needs it. The
// source adapter maps candidate rows into this shape so the exporter stays
// independent of the pipeline's internals.
type HAIEvent struct {
	CandidateID  string
	Kind         string
	PatientID    string
	EventDate    time.Time
	Onset        string
	DeviceDays   int
	Pathogen     string
	PathogenCode string
	Location     string
}

// HAISource lists human-confirmed infection events for a period.
type HAISource interface {
	ConfirmedEvents(ctx context.Context, from, to time.Time) ([]HAIEvent, error)
}

// Facility identifies the reporting facility on every submission document.
type Facility struct {
	ID   string
	Name string
}

// Exporter renders the submission formats and records one audit row per
// rendered document.
type Exporter struct {
	repo     Repository
	hai      HAISource
	patients ingest.PatientFetcher
	facility Facility
	log      zerolog.Logger
}

func NewExporter(repo Repository, hai HAISource, patients ingest.PatientFetcher, facility Facility, log zerolog.Logger) *Exporter {
	return &Exporter{
		repo:     repo,
		hai:      hai,
		patients: patients,
		facility: facility,
		log:      log.With().Str("component", "export").Logger(),
	}
}

// WriteAU renders the antibiotic-use CSV for the quarter. Column order is
// stable: quarter, location, antimicrobial, days_of_therapy,
// rate_per_1000_patient_days.
func (e *Exporter) WriteAU(ctx context.Context, q Quarter, actor string, w io.Writer) (*Submission, error) {
	from, to, err := q.Range()
	if err != nil {
		return nil, err
	}
	usage, err := e.repo.QuarterUsage(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("au export: %w", err)
	}
	patientDays, err := e.repo.QuarterPatientDays(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("au export: %w", err)
	}

	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	_ = cw.Write([]string{"quarter", "location", "antimicrobial", "days_of_therapy", "rate_per_1000_patient_days"})
	for _, u := range usage {
		rate := 0.0
		if pd := patientDays[u.Location]; pd > 0 {
			rate = float64(u.DaysOfTherapy) * 1000 / float64(pd)
		}
		_ = cw.Write([]string{
			string(q), u.Location, u.Antimicrobial,
			fmt.Sprintf("%d", u.DaysOfTherapy),
			fmt.Sprintf("%.2f", rate),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, fmt.Errorf("au export: %w", err)
	}
	return e.finish(ctx, SubmissionAU, string(q), len(usage), actor, buf.Bytes(), w)
}

// WriteAR renders the antibiogram CSV for the quarter: quarter, location,
// organism, phenotype, numerator, denominator, resistance_pct.
func (e *Exporter) WriteAR(ctx context.Context, q Quarter, actor string, w io.Writer) (*Submission, error) {
	from, to, err := q.Range()
	if err != nil {
		return nil, err
	}
	rows, err := e.repo.QuarterIsolates(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("ar export: %w", err)
	}

	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	_ = cw.Write([]string{"quarter", "location", "organism", "phenotype", "numerator", "denominator", "resistance_pct"})
	for _, r := range rows {
		_ = cw.Write([]string{
			string(q), r.Location, r.Organism, r.Phenotype,
			fmt.Sprintf("%d", r.Numerator),
			fmt.Sprintf("%d", r.Denominator),
			fmt.Sprintf("%.1f", r.Pct()),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, fmt.Errorf("ar export: %w", err)
	}
	return e.finish(ctx, SubmissionAR, string(q), len(rows), actor, buf.Bytes(), w)
}

type nhsnDocument struct {
	XMLName  xml.Name     `xml:"HAIReport"`
	Facility nhsnFacility `xml:"Facility"`
	Period   string       `xml:"Period"`
	Events   []nhsnEvent  `xml:"Events>Event"`
}

type nhsnFacility struct {
	ID   string `xml:"ID"`
	Name string `xml:"Name"`
}

type nhsnEvent struct {
	Type         string      `xml:"type,attr"`
	EventDate    string      `xml:"EventDate"`
	Patient      nhsnPatient `xml:"Patient"`
	LocationCode string      `xml:"LocationCode"`
	Pathogen     nhsnPath    `xml:"Pathogen"`
	DeviceDays   int         `xml:"DeviceDays,omitempty"`
	Onset        string      `xml:"Onset,omitempty"`
}

type nhsnPatient struct {
	ID        string `xml:"ID"`
	Sex       string `xml:"Sex,omitempty"`
	BirthDate string `xml:"BirthDate,omitempty"`
}

type nhsnPath struct {
	Code string `xml:"code,attr,omitempty"`
	Name string `xml:",chardata"`
}

// WriteNHSN renders the HAI event XML document for the quarter. Only
// human-confirmed events are included.
func (e *Exporter) WriteNHSN(ctx context.Context, q Quarter, actor string, w io.Writer) (*Submission, error) {
	from, to, err := q.Range()
	if err != nil {
		return nil, err
	}
	events, err := e.hai.ConfirmedEvents(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("nhsn export: %w", err)
	}

	doc := nhsnDocument{
		Facility: nhsnFacility{ID: e.facility.ID, Name: e.facility.Name},
		Period:   string(q),
	}
	for _, ev := range events {
		pe := nhsnEvent{
			Type:         ev.Kind,
			EventDate:    ev.EventDate.Format("2006-01-02"),
			Patient:      nhsnPatient{ID: ev.PatientID},
			LocationCode: ev.Location,
			Pathogen:     nhsnPath{Code: ev.PathogenCode, Name: ev.Pathogen},
			DeviceDays:   ev.DeviceDays,
			Onset:        ev.Onset,
		}
		if p, err := e.patients.FetchPatient(ctx, ev.PatientID); err == nil {
			pe.Patient.Sex = p.Sex
			if p.BirthDate != nil {
				pe.Patient.BirthDate = p.BirthDate.Format("2006-01-02")
			}
		} else {
			e.log.Warn().Err(err).Str("patient", ev.PatientID).Msg("demographics lookup failed")
		}
		doc.Events = append(doc.Events, pe)
	}

	raw, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("nhsn export: %w", err)
	}
	body := append([]byte(xml.Header), raw...)
	return e.finish(ctx, SubmissionNHSN, string(q), len(events), actor, body, w)
}

func (e *Exporter) finish(ctx context.Context, kind, period string, rows int, actor string, body []byte, w io.Writer) (*Submission, error) {
	if _, err := w.Write(body); err != nil {
		return nil, fmt.Errorf("%s: writing document: %w", kind, err)
	}
	sum := sha256.Sum256(body)
	s := &Submission{
		Kind:        kind,
		Period:      period,
		RowCount:    rows,
		Checksum:    hex.EncodeToString(sum[:]),
		SubmittedBy: actor,
	}
	if err := e.repo.AddSubmission(ctx, s); err != nil {
		return nil, fmt.Errorf("%s: recording submission: %w", kind, err)
	}
	e.log.Info().Str("kind", kind).Str("period", period).Int("rows", rows).Msg("export rendered")
	return s, nil
}
