package reporting

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegis/aegis/internal/clinical"
	"github.com/aegis/aegis/internal/ingest"
	"github.com/aegis/aegis/internal/platform/timerwheel"
)

// TimerKindDailyCensus fires once per facility day to roll up the previous
// day's denominators.
const TimerKindDailyCensus = "census-daily"

const censusTimerKey = "census/daily"

// antimicrobialClasses are the medication classes that accrue days of
// therapy.
var antimicrobialClasses = map[string]bool{
	"antibiotic": true,
	"antifungal": true,
	"antiviral":  true,
}

// Timers is the slice of the timer wheel the census needs.
type Timers interface {
	Arm(ctx context.Context, t timerwheel.Timer) error
}

// Accumulator folds the normalized event stream into the reporting tables:
// one day of therapy per (patient, antimicrobial, calendar day), one isolate
// row per positive culture.
type Accumulator struct {
	repo       Repository
	encounters ingest.EncounterFetcher
	facility   *time.Location
	log        zerolog.Logger

	// seenDOT deduplicates patient-drug-day within the process; the store
	// upsert makes over-counting across restarts the only residual risk,
	// bounded to one day.
	seenDOT map[string]time.Time
}

func NewAccumulator(repo Repository, encounters ingest.EncounterFetcher, facility *time.Location, log zerolog.Logger) *Accumulator {
	if facility == nil {
		facility = time.UTC
	}
	return &Accumulator{
		repo:       repo,
		encounters: encounters,
		facility:   facility,
		log:        log.With().Str("component", "reporting").Logger(),
		seenDOT:    make(map[string]time.Time),
	}
}

// OnEvent records the reporting-relevant slice of one event. Failures are
// logged and never propagate: reporting must not stall clinical processing.
func (a *Accumulator) OnEvent(ctx context.Context, ev clinical.Event) {
	switch ev.Kind {
	case clinical.KindMedicationAdmin:
		a.onAdmin(ctx, ev)
	case clinical.KindCulture:
		a.onCulture(ctx, ev)
	}
}

func (a *Accumulator) onAdmin(ctx context.Context, ev clinical.Event) {
	if ev.Med == nil || !antimicrobialClasses[ev.Med.Class] {
		return
	}
	day := dayOf(ev.Effective, a.facility)
	key := fmt.Sprintf("%s|%s|%s", ev.Patient.ID, ev.Med.Name, day.Format("2006-01-02"))
	if _, ok := a.seenDOT[key]; ok {
		return
	}
	a.pruneSeen(day)
	a.seenDOT[key] = day

	loc := a.locationOf(ctx, ev)
	if err := a.repo.AddTherapyDay(ctx, day, loc, ev.Med.Name); err != nil {
		a.log.Error().Err(err).Str("antimicrobial", ev.Med.Name).Msg("recording therapy day failed")
	}
}

func (a *Accumulator) onCulture(ctx context.Context, ev clinical.Event) {
	cu := ev.Culture
	if cu == nil || !cu.Positive || cu.Organism == "" {
		return
	}
	iso := &Isolate{
		Day:       dayOf(ev.Effective, a.facility),
		Location:  a.locationOf(ctx, ev),
		Organism:  BaseOrganism(cu.Organism),
		Phenotype: PhenotypeOf(cu.Organism),
		Resistant: PhenotypeOf(cu.Organism) != "",
		EventID:   ev.ID,
	}
	if err := a.repo.AddIsolate(ctx, iso); err != nil {
		a.log.Error().Err(err).Str("event", ev.ID).Msg("recording isolate failed")
	}
}

// locationOf resolves the event's unit through its encounter, falling back
// to any encounter covering the patient at the event time.
func (a *Accumulator) locationOf(ctx context.Context, ev clinical.Event) string {
	encs, err := a.encounters.FetchEncounters(ctx, ev.Effective.AddDate(0, 0, -90))
	if err != nil {
		a.log.Warn().Err(err).Str("event", ev.ID).Msg("encounter lookup failed")
		return "unknown"
	}
	for _, e := range encs {
		if ev.EncounterID != "" && e.ID == ev.EncounterID {
			return e.Location
		}
	}
	for _, e := range encs {
		if e.Patient.ID != ev.Patient.ID || e.Admitted.After(ev.Effective) {
			continue
		}
		if e.Discharged != nil && e.Discharged.Before(ev.Effective) {
			continue
		}
		return e.Location
	}
	return "unknown"
}

func (a *Accumulator) pruneSeen(day time.Time) {
	if len(a.seenDOT) < 10000 {
		return
	}
	cutoff := day.AddDate(0, 0, -3)
	for k, d := range a.seenDOT {
		if d.Before(cutoff) {
			delete(a.seenDOT, k)
		}
	}
}

// Census computes the daily denominator counts from encounters and device
// events and rolls the month up when a day closes it.
type Census struct {
	repo       Repository
	encounters ingest.EncounterFetcher
	fetcher    ingest.EventFetcher
	timers     Timers
	facility   *time.Location
	log        zerolog.Logger
	now        func() time.Time
}

func NewCensus(repo Repository, encounters ingest.EncounterFetcher, fetcher ingest.EventFetcher, timers Timers, facility *time.Location, log zerolog.Logger) *Census {
	if facility == nil {
		facility = time.UTC
	}
	return &Census{
		repo:       repo,
		encounters: encounters,
		fetcher:    fetcher,
		timers:     timers,
		facility:   facility,
		log:        log.With().Str("component", "census").Logger(),
		now:        time.Now,
	}
}

// Start arms the daily rollup timer for the next facility midnight.
func (c *Census) Start(ctx context.Context) error {
	return c.arm(ctx, c.now())
}

func (c *Census) arm(ctx context.Context, from time.Time) error {
	local := from.In(c.facility)
	next := time.Date(local.Year(), local.Month(), local.Day(), 0, 5, 0, 0, c.facility).AddDate(0, 0, 1)
	return c.timers.Arm(ctx, timerwheel.Timer{
		Key:    censusTimerKey,
		Kind:   TimerKindDailyCensus,
		FireAt: next,
	})
}

// HandleTimer rolls up the day that just ended and re-arms for the next one.
func (c *Census) HandleTimer(ctx context.Context, t timerwheel.Timer, overdue bool) {
	day := dayOf(t.FireAt.Add(-time.Hour), c.facility)
	if err := c.Rollup(ctx, day); err != nil {
		c.log.Error().Err(err).Time("day", day).Msg("census rollup failed")
	}
	if overdue {
		c.log.Warn().Time("day", day).Msg("census timer fired overdue at restart")
	}
	if err := c.arm(ctx, c.now()); err != nil {
		c.log.Error().Err(err).Msg("re-arming census timer failed")
	}
}

// Rollup writes one DenominatorDay per location occupied on the given day
// and, when the day closes a month, refreshes the monthly rollup.
func (c *Census) Rollup(ctx context.Context, day time.Time) error {
	day = dayOf(day, c.facility)
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, c.facility)
	end := start.AddDate(0, 0, 1)

	encs, err := c.encounters.FetchEncounters(ctx, start.AddDate(0, 0, -60))
	if err != nil {
		return fmt.Errorf("census: %w", err)
	}

	acc := make(map[string]*DenominatorDay)
	for _, e := range encs {
		if !e.Admitted.Before(end) {
			continue
		}
		if e.Discharged != nil && e.Discharged.Before(start) {
			continue
		}
		d, ok := acc[e.Location]
		if !ok {
			d = &DenominatorDay{Day: day, Location: e.Location}
			acc[e.Location] = d
		}
		d.PatientDays++

		devices, err := c.activeDevices(ctx, e.Patient.ID, start, end)
		if err != nil {
			c.log.Warn().Err(err).Str("patient", e.Patient.ID).Msg("device lookup failed")
			continue
		}
		if devices["central-line"] {
			d.LineDays++
		}
		if devices["urinary-catheter"] {
			d.CatheterDays++
		}
		if devices["ventilator"] {
			d.VentDays++
		}
	}

	for _, d := range acc {
		if err := c.repo.UpsertDaily(ctx, d); err != nil {
			return fmt.Errorf("census: %w", err)
		}
	}
	c.log.Info().Time("day", day).Int("locations", len(acc)).Msg("daily census recorded")

	if end.Day() == 1 {
		if err := c.repo.RollupMonth(ctx, day); err != nil {
			return fmt.Errorf("census: monthly rollup: %w", err)
		}
	}
	return nil
}

// activeDevices reports which device types were in place for any part of
// [start, end).
func (c *Census) activeDevices(ctx context.Context, patientID string, start, end time.Time) (map[string]bool, error) {
	events, err := c.fetcher.FetchEvents(ctx, patientID, []clinical.EventKind{clinical.KindDevice},
		start.AddDate(0, 0, -60), end)
	if err != nil {
		return nil, err
	}
	placed := make(map[string]*time.Time)
	removed := make(map[string]*time.Time)
	for _, ev := range events {
		if ev.Device == nil {
			continue
		}
		t := ev.Effective
		switch ev.Device.Action {
		case "placed":
			placed[ev.Device.DeviceType] = &t
			delete(removed, ev.Device.DeviceType)
		case "removed":
			removed[ev.Device.DeviceType] = &t
		}
	}
	active := make(map[string]bool)
	for devType, p := range placed {
		if p.After(end) {
			continue
		}
		if r := removed[devType]; r != nil && r.Before(start) {
			continue
		}
		active[devType] = true
	}
	return active, nil
}

func dayOf(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
