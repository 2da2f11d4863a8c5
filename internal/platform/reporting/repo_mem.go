package reporting

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemRepo is the in-memory Repository used by tests.
type MemRepo struct {
	mu          sync.RWMutex
	nextID      int64
	usage       map[string]int // day|location|antimicrobial
	isolates    map[string]*Isolate
	daily       map[string]*DenominatorDay // day|location
	monthly     map[string]*DenominatorMonth
	submissions []*Submission
}

func NewMemRepo() *MemRepo {
	return &MemRepo{
		usage:    make(map[string]int),
		isolates: make(map[string]*Isolate),
		daily:    make(map[string]*DenominatorDay),
		monthly:  make(map[string]*DenominatorMonth),
	}
}

func dayKey(day time.Time) string { return day.UTC().Format("2006-01-02") }

func (m *MemRepo) AddTherapyDay(_ context.Context, day time.Time, location, antimicrobial string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage[dayKey(day)+"|"+location+"|"+antimicrobial]++
	return nil
}

func (m *MemRepo) AddIsolate(_ context.Context, iso *Isolate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.isolates[iso.EventID]; ok {
		return nil
	}
	cp := *iso
	m.isolates[iso.EventID] = &cp
	return nil
}

func (m *MemRepo) UpsertDaily(_ context.Context, d *DenominatorDay) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.daily[dayKey(d.Day)+"|"+d.Location] = &cp
	return nil
}

func (m *MemRepo) RollupMonth(_ context.Context, month time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	first := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	next := first.AddDate(0, 1, 0)
	acc := make(map[string]*DenominatorMonth)
	for _, d := range m.daily {
		if d.Day.Before(first) || !d.Day.Before(next) {
			continue
		}
		cur, ok := acc[d.Location]
		if !ok {
			cur = &DenominatorMonth{Month: first, Location: d.Location}
			acc[d.Location] = cur
		}
		cur.PatientDays += d.PatientDays
		cur.DeviceDays += d.LineDays + d.CatheterDays + d.VentDays
	}
	for loc, v := range acc {
		m.monthly[first.Format("2006-01")+"|"+loc] = v
	}
	return nil
}

func (m *MemRepo) QuarterUsage(_ context.Context, from, to time.Time) ([]UsageRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc := make(map[string]*UsageRow)
	for key, dot := range m.usage {
		day, loc, anti := splitKey3(key)
		d, _ := time.Parse("2006-01-02", day)
		if d.Before(from) || !d.Before(to) {
			continue
		}
		k := loc + "|" + anti
		cur, ok := acc[k]
		if !ok {
			cur = &UsageRow{Location: loc, Antimicrobial: anti}
			acc[k] = cur
		}
		cur.DaysOfTherapy += dot
	}
	var out []UsageRow
	for _, u := range acc {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Location != out[j].Location {
			return out[i].Location < out[j].Location
		}
		return out[i].Antimicrobial < out[j].Antimicrobial
	})
	return out, nil
}

func (m *MemRepo) QuarterIsolates(_ context.Context, from, to time.Time) ([]ARRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc := make(map[string]*ARRow)
	for _, iso := range m.isolates {
		if iso.Day.Before(from) || !iso.Day.Before(to) {
			continue
		}
		k := iso.Location + "|" + iso.Organism + "|" + iso.Phenotype
		cur, ok := acc[k]
		if !ok {
			cur = &ARRow{Location: iso.Location, Organism: iso.Organism, Phenotype: iso.Phenotype}
			acc[k] = cur
		}
		cur.Denominator++
		if iso.Resistant {
			cur.Numerator++
		}
	}
	var out []ARRow
	for _, a := range acc {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Location != out[j].Location {
			return out[i].Location < out[j].Location
		}
		if out[i].Organism != out[j].Organism {
			return out[i].Organism < out[j].Organism
		}
		return out[i].Phenotype < out[j].Phenotype
	})
	return out, nil
}

func (m *MemRepo) QuarterPatientDays(_ context.Context, from, to time.Time) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int)
	for _, d := range m.daily {
		if d.Day.Before(from) || !d.Day.Before(to) {
			continue
		}
		out[d.Location] += d.PatientDays
	}
	return out, nil
}

func (m *MemRepo) MonthDenominators(_ context.Context, month time.Time) ([]DenominatorMonth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prefix := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC).Format("2006-01")
	var out []DenominatorMonth
	for key, v := range m.monthly {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Location < out[j].Location })
	return out, nil
}

func (m *MemRepo) AddSubmission(_ context.Context, s *Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	s.ID = m.nextID
	s.CreatedAt = time.Now()
	cp := *s
	m.submissions = append(m.submissions, &cp)
	return nil
}

func (m *MemRepo) ListSubmissions(_ context.Context, since time.Time) ([]*Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Submission
	for _, s := range m.submissions {
		if s.CreatedAt.Before(since) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func splitKey3(key string) (a, b, c string) {
	parts := strings.SplitN(key, "|", 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	return parts[0], parts[1], parts[2]
}
