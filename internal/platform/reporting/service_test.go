package reporting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegis/aegis/internal/clinical"
	"github.com/aegis/aegis/internal/ingest"
	"github.com/aegis/aegis/internal/platform/timerwheel"
)

var repDay = time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

type fakeTimers struct {
	mu    sync.Mutex
	armed []timerwheel.Timer
}

func (f *fakeTimers) Arm(_ context.Context, t timerwheel.Timer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed = append(f.armed, t)
	return nil
}

func adminEvent(id, patientID, name, class string, at time.Time) clinical.Event {
	return clinical.Event{
		ID: id, Kind: clinical.KindMedicationAdmin,
		Patient: clinical.PatientRef{ID: patientID}, Effective: at,
		Med: &clinical.MedicationEvent{Name: name, Class: class, Route: "IV"},
	}
}

func isolateEvent(id, patientID, organism string, at time.Time) clinical.Event {
	return clinical.Event{
		ID: id, Kind: clinical.KindCulture,
		Patient: clinical.PatientRef{ID: patientID}, Effective: at,
		Culture: &clinical.CultureResult{SpecimenType: "blood", Organism: organism, Positive: true},
	}
}

func admit(mem *ingest.MemoryAdapter, encID, patientID, location string, at time.Time) {
	mem.AddEncounter(clinical.Encounter{
		ID: encID, Patient: clinical.PatientRef{ID: patientID},
		Admitted: at, Location: location,
	})
}

func TestAccumulatorCountsOneTherapyDayPerPatientDrugDay(t *testing.T) {
	repo := NewMemRepo()
	mem := ingest.NewMemoryAdapter("test")
	admit(mem, "e1", "p1", "ICU-1", repDay.Add(-24*time.Hour))
	a := NewAccumulator(repo, mem, time.UTC, zerolog.Nop())

	// Three doses on one day, one the next.
	a.OnEvent(context.Background(), adminEvent("m1", "p1", "vancomycin", "antibiotic", repDay))
	a.OnEvent(context.Background(), adminEvent("m2", "p1", "vancomycin", "antibiotic", repDay.Add(8*time.Hour)))
	a.OnEvent(context.Background(), adminEvent("m3", "p1", "vancomycin", "antibiotic", repDay.Add(12*time.Hour)))
	a.OnEvent(context.Background(), adminEvent("m4", "p1", "vancomycin", "antibiotic", repDay.AddDate(0, 0, 1)))
	// Non-antimicrobial class never accrues.
	a.OnEvent(context.Background(), adminEvent("m5", "p1", "furosemide", "diuretic", repDay))

	usage, err := repo.QuarterUsage(context.Background(), repDay.AddDate(0, 0, -1), repDay.AddDate(0, 0, 5))
	if err != nil {
		t.Fatal(err)
	}
	if len(usage) != 1 {
		t.Fatalf("usage rows = %+v, want 1", usage)
	}
	if usage[0].DaysOfTherapy != 2 || usage[0].Antimicrobial != "vancomycin" || usage[0].Location != "ICU-1" {
		t.Fatalf("usage = %+v, want 2 days of vancomycin in ICU-1", usage[0])
	}
}

func TestAccumulatorRecordsIsolatePhenotype(t *testing.T) {
	repo := NewMemRepo()
	mem := ingest.NewMemoryAdapter("test")
	admit(mem, "e1", "p1", "5-WEST", repDay.Add(-24*time.Hour))
	a := NewAccumulator(repo, mem, time.UTC, zerolog.Nop())

	a.OnEvent(context.Background(), isolateEvent("c1", "p1", "Methicillin-resistant Staphylococcus aureus", repDay))
	a.OnEvent(context.Background(), isolateEvent("c2", "p1", "Staphylococcus aureus", repDay.Add(time.Hour)))
	// Re-delivery of the same event id is a no-op.
	a.OnEvent(context.Background(), isolateEvent("c1", "p1", "Methicillin-resistant Staphylococcus aureus", repDay))

	rows, err := repo.QuarterIsolates(context.Background(), repDay.AddDate(0, 0, -1), repDay.AddDate(0, 0, 1))
	if err != nil {
		t.Fatal(err)
	}
	var resistant, susceptible *ARRow
	for i := range rows {
		if rows[i].Phenotype == "MRSA" {
			resistant = &rows[i]
		} else {
			susceptible = &rows[i]
		}
	}
	if resistant == nil || resistant.Numerator != 1 || resistant.Denominator != 1 {
		t.Fatalf("resistant row = %+v", resistant)
	}
	if resistant.Organism != "Staphylococcus aureus" {
		t.Fatalf("organism = %q, want resistance marker stripped", resistant.Organism)
	}
	if susceptible == nil || susceptible.Numerator != 0 || susceptible.Denominator != 1 {
		t.Fatalf("susceptible row = %+v", susceptible)
	}
}

func TestCensusRollupCountsPatientAndDeviceDays(t *testing.T) {
	repo := NewMemRepo()
	mem := ingest.NewMemoryAdapter("test")
	c := NewCensus(repo, mem, mem, &fakeTimers{}, time.UTC, zerolog.Nop())

	day := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	admit(mem, "e1", "p1", "ICU-1", day.AddDate(0, 0, -3))
	admit(mem, "e2", "p2", "ICU-1", day.AddDate(0, 0, -1))
	admit(mem, "e3", "p3", "5-WEST", day.Add(6*time.Hour))
	// Discharged before the census day: not counted.
	early := day.AddDate(0, 0, -1)
	mem.AddEncounter(clinical.Encounter{
		ID: "e4", Patient: clinical.PatientRef{ID: "p4"},
		Admitted: day.AddDate(0, 0, -5), Location: "ICU-1", Discharged: &early,
	})

	mem.AddEvent(clinical.Event{
		ID: "d1", Kind: clinical.KindDevice, Patient: clinical.PatientRef{ID: "p1"},
		Effective: day.AddDate(0, 0, -2),
		Device:    &clinical.DeviceEvent{DeviceType: "central-line", Action: "placed"},
	})
	mem.AddEvent(clinical.Event{
		ID: "d2", Kind: clinical.KindDevice, Patient: clinical.PatientRef{ID: "p2"},
		Effective: day.Add(10 * time.Hour),
		Device:    &clinical.DeviceEvent{DeviceType: "ventilator", Action: "placed"},
	})

	if err := c.Rollup(context.Background(), day); err != nil {
		t.Fatal(err)
	}
	pd, err := repo.QuarterPatientDays(context.Background(), day, day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatal(err)
	}
	if pd["ICU-1"] != 2 || pd["5-WEST"] != 1 {
		t.Fatalf("patient days = %v, want ICU-1:2 5-WEST:1", pd)
	}
	icu := repo.daily[dayKey(day)+"|ICU-1"]
	if icu == nil || icu.LineDays != 1 || icu.VentDays != 1 || icu.CatheterDays != 0 {
		t.Fatalf("ICU-1 denominators = %+v", icu)
	}
}

func TestCensusMonthRollup(t *testing.T) {
	repo := NewMemRepo()
	mem := ingest.NewMemoryAdapter("test")
	c := NewCensus(repo, mem, mem, &fakeTimers{}, time.UTC, zerolog.Nop())

	// Last day of February closes the month.
	lastDay := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
	for d := 0; d < 3; d++ {
		_ = repo.UpsertDaily(context.Background(), &DenominatorDay{
			Day: lastDay.AddDate(0, 0, -d), Location: "ICU-1", PatientDays: 10, LineDays: 4,
		})
	}
	admit(mem, "e1", "p1", "ICU-1", lastDay.Add(-48*time.Hour))
	if err := c.Rollup(context.Background(), lastDay); err != nil {
		t.Fatal(err)
	}

	months, err := repo.MonthDenominators(context.Background(), lastDay)
	if err != nil {
		t.Fatal(err)
	}
	if len(months) != 1 || months[0].Location != "ICU-1" {
		t.Fatalf("months = %+v", months)
	}
	// Two untouched seeded days at 10 patient-days plus the recomputed last
	// day (one occupied bed).
	if months[0].PatientDays != 21 {
		t.Fatalf("patient days = %d, want 21", months[0].PatientDays)
	}
}

func TestCensusTimerRearms(t *testing.T) {
	repo := NewMemRepo()
	mem := ingest.NewMemoryAdapter("test")
	timers := &fakeTimers{}
	c := NewCensus(repo, mem, mem, timers, time.UTC, zerolog.Nop())
	c.now = func() time.Time { return repDay }

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(timers.armed) != 1 || timers.armed[0].Kind != TimerKindDailyCensus {
		t.Fatalf("armed = %+v", timers.armed)
	}
	fireAt := timers.armed[0].FireAt
	if !fireAt.After(repDay) || fireAt.Sub(repDay) > 24*time.Hour {
		t.Fatalf("fire at %s, want next facility midnight", fireAt)
	}

	c.HandleTimer(context.Background(), timers.armed[0], false)
	if len(timers.armed) != 2 {
		t.Fatal("handler must re-arm the next day")
	}
}
