// Package reporting accumulates surveillance denominators and antimicrobial
// use from the event stream and renders the public-health submission formats:
// antibiotic-use CSV, antibiogram CSV, and the HAI event XML document. Every
// rendered export writes a submission audit row with a content checksum.
package reporting

import (
	"fmt"
	"strings"
	"time"
)

// DenominatorDay is one day of census and device counts for a location.
type DenominatorDay struct {
	Day          time.Time `db:"day" json:"day"`
	Location     string    `db:"location" json:"location"`
	PatientDays  int       `db:"patient_days" json:"patient_days"`
	LineDays     int       `db:"line_days" json:"line_days"`
	CatheterDays int       `db:"catheter_days" json:"catheter_days"`
	VentDays     int       `db:"vent_days" json:"vent_days"`
}

// DenominatorMonth is the monthly rollup of DenominatorDay rows.
type DenominatorMonth struct {
	Month       time.Time `db:"month" json:"month"`
	Location    string    `db:"location" json:"location"`
	PatientDays int       `db:"patient_days" json:"patient_days"`
	DeviceDays  int       `db:"device_days" json:"device_days"`
}

// UsageRow is accumulated days-of-therapy for one antimicrobial at one
// location.
type UsageRow struct {
	Location      string `db:"location" json:"location"`
	Antimicrobial string `db:"antimicrobial" json:"antimicrobial"`
	DaysOfTherapy int    `db:"days_of_therapy" json:"days_of_therapy"`
}

// Isolate is one recorded organism isolate for the antibiogram.
type Isolate struct {
	Day       time.Time `db:"day" json:"day"`
	Location  string    `db:"location" json:"location"`
	Organism  string    `db:"organism" json:"organism"`
	Phenotype string    `db:"phenotype" json:"phenotype"`
	Resistant bool      `db:"resistant" json:"resistant"`
	EventID   string    `db:"event_id" json:"event_id"`
}

// ARRow is one aggregated antibiogram line.
type ARRow struct {
	Location    string `json:"location"`
	Organism    string `json:"organism"`
	Phenotype   string `json:"phenotype"`
	Numerator   int    `json:"numerator"`
	Denominator int    `json:"denominator"`
}

// Pct returns the resistance percentage, zero when no isolates were tested.
func (r ARRow) Pct() float64 {
	if r.Denominator == 0 {
		return 0
	}
	return float64(r.Numerator) * 100 / float64(r.Denominator)
}

// Submission is one audit row for a rendered export.
type Submission struct {
	ID          int64     `db:"id" json:"id"`
	Kind        string    `db:"kind" json:"kind"` // au-csv, ar-csv, nhsn-xml
	Period      string    `db:"period" json:"period"`
	RowCount    int       `db:"row_count" json:"row_count"`
	Checksum    string    `db:"checksum" json:"checksum"`
	SubmittedBy string    `db:"submitted_by" json:"submitted_by"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Quarter is a reporting period like "2026Q1".
type Quarter string

// Range returns the quarter's [start, end) interval in UTC.
func (q Quarter) Range() (time.Time, time.Time, error) {
	s := strings.ToUpper(strings.TrimSpace(string(q)))
	var year, n int
	if _, err := fmt.Sscanf(s, "%4dQ%1d", &year, &n); err != nil || n < 1 || n > 4 {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid quarter %q", q)
	}
	start := time.Date(year, time.Month((n-1)*3+1), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 3, 0), nil
}

// resistancePhenotypes maps documented organism-name markers to the reported
// phenotype code. Matching is case-insensitive substring on the organism as
// the lab reported it.
var resistancePhenotypes = []struct {
	marker    string
	phenotype string
}{
	{"methicillin-resistant", "MRSA"},
	{"vancomycin-resistant", "VRE"},
	{"carbapenem-resistant", "CRE"},
	{"extended-spectrum beta-lactamase", "ESBL"},
	{"esbl", "ESBL"},
	{"multidrug-resistant", "MDRO"},
}

// PhenotypeOf returns the resistance phenotype documented in the organism
// name, or "" for a susceptible isolate.
func PhenotypeOf(organism string) string {
	o := strings.ToLower(organism)
	for _, p := range resistancePhenotypes {
		if strings.Contains(o, p.marker) {
			return p.phenotype
		}
	}
	return ""
}

// BaseOrganism strips the resistance marker prefix so resistant and
// susceptible isolates of one species aggregate on the same denominator.
func BaseOrganism(organism string) string {
	o := organism
	for _, p := range resistancePhenotypes {
		idx := strings.Index(strings.ToLower(o), p.marker)
		if idx < 0 {
			continue
		}
		o = strings.TrimSpace(o[:idx] + o[idx+len(p.marker):])
	}
	return strings.TrimSpace(strings.TrimPrefix(o, " "))
}
