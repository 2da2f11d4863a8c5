package hai

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegis/aegis/internal/clinical"
	"github.com/aegis/aegis/internal/ingest"
)

const (
	deviceLookback = 60 * 24 * time.Hour
	// A removed device still counts against its infection window for one day.
	postRemovalWindow = 24 * time.Hour

	ssiWindowDays        = 30
	ssiWindowImplantDays = 90

	cdiDuplicateDays  = 14
	cdiRecurrenceDays = 56

	vaeLookbackDays   = 10
	vaeFiO2RisePoints = 20.0
	vaePEEPRiseUnits  = 3.0
)

// commonCommensals is the organism list for the single-culture contamination
// rule. Matching is case-insensitive substring.
var commonCommensals = []string{
	"coagulase-negative staph",
	"staphylococcus epidermidis",
	"corynebacterium",
	"diphtheroid",
	"bacillus",
	"propionibacterium",
	"cutibacterium",
	"micrococcus",
	"viridans",
}

// IsCommensal reports whether the organism is on the common-commensal list.
func IsCommensal(organism string) bool {
	o := strings.ToLower(organism)
	for _, c := range commonCommensals {
		if strings.Contains(o, c) {
			return true
		}
	}
	return false
}

// Detectors holds the per-kind rule screens. Each screen is invoked on new
// events of its triggering kind and emits at most one candidate, keyed for
// deduplication by the triggering clinical key.
type Detectors struct {
	fetcher    ingest.EventFetcher
	encounters ingest.EncounterFetcher
	facility   *time.Location
	log        zerolog.Logger
	now        func() time.Time
}

func NewDetectors(fetcher ingest.EventFetcher, encounters ingest.EncounterFetcher, facility *time.Location, log zerolog.Logger) *Detectors {
	if facility == nil {
		facility = time.UTC
	}
	return &Detectors{
		fetcher:    fetcher,
		encounters: encounters,
		facility:   facility,
		log:        log.With().Str("component", "hai-detect").Logger(),
		now:        time.Now,
	}
}

// Screen routes one event to the matching detector. A nil candidate with a
// nil error means the event is not a screening hit.
func (d *Detectors) Screen(ctx context.Context, ev clinical.Event) (*Candidate, error) {
	switch ev.Kind {
	case clinical.KindCulture:
		if ev.Culture == nil || !ev.Culture.Positive {
			return nil, nil
		}
		switch ev.Culture.SpecimenType {
		case "blood":
			return d.screenCLABSI(ctx, ev)
		case "urine":
			return d.screenCAUTI(ctx, ev)
		case "wound":
			return d.screenSSI(ctx, ev)
		case "stool":
			return d.screenCDI(ctx, ev)
		}
	case clinical.KindVital:
		if ev.Vital != nil && (ev.Vital.Type == "fio2" || ev.Vital.Type == "peep") {
			return d.screenVAE(ctx, ev)
		}
	}
	return nil, nil
}

// ----------------------------------------------------------------------------
// device-associated screens
// ----------------------------------------------------------------------------

func (d *Detectors) screenCLABSI(ctx context.Context, ev clinical.Event) (*Candidate, error) {
	return d.screenDeviceCulture(ctx, ev, KindCLABSI, "central-line")
}

func (d *Detectors) screenCAUTI(ctx context.Context, ev clinical.Event) (*Candidate, error) {
	return d.screenDeviceCulture(ctx, ev, KindCAUTI, "urinary-catheter")
}

func (d *Detectors) screenDeviceCulture(ctx context.Context, ev clinical.Event, kind Kind, deviceType string) (*Candidate, error) {
	days, active, err := d.deviceDays(ctx, ev.Patient.ID, deviceType, ev.Effective)
	if err != nil {
		return nil, fmt.Errorf("%s screen: %w", kind, err)
	}
	if !active {
		// No device in the association window: not a candidate at all.
		return nil, nil
	}

	count, err := d.matchingCultureCount(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("%s screen: %w", kind, err)
	}

	c := &Candidate{
		Kind:       kind,
		PatientID:  ev.Patient.ID,
		TriggerKey: ev.ID,
		DeviceDays: &days,
		Payload: ScreenContext{
			Organism:     ev.Culture.Organism,
			OrganismCode: ev.Culture.OrganismCode,
			Commensal:    IsCommensal(ev.Culture.Organism),
			CultureCount: count,
			SpecimenType: ev.Culture.SpecimenType,
			TriggeredAt:  ev.Effective.Format(time.RFC3339),
		}.marshal(),
	}
	if days < 2 {
		reason := "device-days < 2"
		c.ExclusionReason = &reason
	}
	return c, nil
}

// deviceDays computes the inclusive day count for the device as of the event
// date, and whether the device is still associable (present, or removed
// within the post-removal window).
func (d *Detectors) deviceDays(ctx context.Context, patientID, deviceType string, at time.Time) (int, bool, error) {
	events, err := d.fetcher.FetchEvents(ctx, patientID, []clinical.EventKind{clinical.KindDevice}, at.Add(-deviceLookback), at)
	if err != nil {
		return 0, false, err
	}
	var placed, removed *time.Time
	for _, ev := range events {
		if ev.Device == nil || ev.Device.DeviceType != deviceType {
			continue
		}
		t := ev.Effective
		switch ev.Device.Action {
		case "placed":
			placed, removed = &t, nil
		case "removed":
			removed = &t
		}
	}
	if placed == nil {
		return 0, false, nil
	}
	if removed != nil && at.After(removed.Add(postRemovalWindow)) {
		return 0, false, nil
	}
	return daysInclusive(*placed, at, d.facility), true, nil
}

// matchingCultureCount counts qualifying cultures of the same organism and
// specimen within two days of the trigger, for the single-commensal
// contamination rule.
func (d *Detectors) matchingCultureCount(ctx context.Context, ev clinical.Event) (int, error) {
	events, err := d.fetcher.FetchEvents(ctx, ev.Patient.ID, []clinical.EventKind{clinical.KindCulture},
		ev.Effective.Add(-48*time.Hour), ev.Effective.Add(48*time.Hour))
	if err != nil {
		return 0, err
	}
	count := 0
	seen := map[string]bool{}
	for _, other := range events {
		if other.Culture == nil || !other.Culture.Positive {
			continue
		}
		if other.Culture.SpecimenType != ev.Culture.SpecimenType {
			continue
		}
		if !strings.EqualFold(other.Culture.Organism, ev.Culture.Organism) {
			continue
		}
		if seen[other.ID] {
			continue
		}
		seen[other.ID] = true
		count++
	}
	if !seen[ev.ID] {
		count++
	}
	return count, nil
}

// ----------------------------------------------------------------------------
// surgical site
// ----------------------------------------------------------------------------

func (d *Detectors) screenSSI(ctx context.Context, ev clinical.Event) (*Candidate, error) {
	procs, err := d.fetcher.FetchEvents(ctx, ev.Patient.ID, []clinical.EventKind{clinical.KindProcedure},
		ev.Effective.AddDate(0, 0, -ssiWindowImplantDays), ev.Effective)
	if err != nil {
		return nil, fmt.Errorf("ssi screen: %w", err)
	}
	var latest *clinical.Event
	for i := range procs {
		p := procs[i]
		if p.Procedure == nil || p.Effective.After(ev.Effective) {
			continue
		}
		if latest == nil || p.Effective.After(latest.Effective) {
			latest = &procs[i]
		}
	}
	if latest == nil {
		return nil, nil
	}

	window := ssiWindowDays
	if latest.Procedure.ImplantPlaced {
		window = ssiWindowImplantDays
	}
	postOpDay := daysInclusive(latest.Effective, ev.Effective, d.facility)

	c := &Candidate{
		Kind:       KindSSI,
		PatientID:  ev.Patient.ID,
		TriggerKey: ev.ID,
		Payload: ScreenContext{
			Organism:      ev.Culture.Organism,
			OrganismCode:  ev.Culture.OrganismCode,
			Commensal:     IsCommensal(ev.Culture.Organism),
			SpecimenType:  ev.Culture.SpecimenType,
			TriggeredAt:   ev.Effective.Format(time.RFC3339),
			ProcedureCode: latest.Procedure.Code,
			ImplantPlaced: latest.Procedure.ImplantPlaced,
			SpecimenDay:   postOpDay,
		}.marshal(),
	}
	if postOpDay > window {
		reason := fmt.Sprintf("outside %d-day surveillance window (post-op day %d)", window, postOpDay)
		c.ExclusionReason = &reason
	}
	return c, nil
}

// ----------------------------------------------------------------------------
// C. difficile
// ----------------------------------------------------------------------------

func (d *Detectors) screenCDI(ctx context.Context, ev clinical.Event) (*Candidate, error) {
	cu := ev.Culture
	if cu.Method != "toxin" && cu.Method != "pcr" {
		return nil, nil
	}
	if !cu.Unformed {
		// Formed-specimen positives are colonization screens, not candidates.
		return nil, nil
	}

	c := &Candidate{
		Kind:       KindCDI,
		PatientID:  ev.Patient.ID,
		TriggerKey: ev.ID,
	}
	sc := ScreenContext{
		Organism:     "Clostridioides difficile",
		SpecimenType: "stool",
		TriggeredAt:  ev.Effective.Format(time.RFC3339),
	}

	// Duplicate suppression and recurrence against prior positives.
	prior, err := d.fetcher.FetchEvents(ctx, ev.Patient.ID, []clinical.EventKind{clinical.KindCulture},
		ev.Effective.AddDate(0, 0, -cdiRecurrenceDays), ev.Effective.Add(-time.Second))
	if err != nil {
		return nil, fmt.Errorf("cdi screen: %w", err)
	}
	for i := len(prior) - 1; i >= 0; i-- {
		p := prior[i]
		if p.Culture == nil || !p.Culture.Positive || p.Culture.SpecimenType != "stool" {
			continue
		}
		gap := daysInclusive(p.Effective, ev.Effective, d.facility) - 1
		if gap <= cdiDuplicateDays {
			reason := fmt.Sprintf("duplicate positive within %d days", cdiDuplicateDays)
			c.ExclusionReason = &reason
		} else {
			sc.Recurrence = true
		}
		break
	}

	// Onset stratification: specimen day = event day - admission day + 1.
	admitted, err := d.admissionTime(ctx, ev.Patient.ID, ev.Effective)
	if err != nil {
		return nil, fmt.Errorf("cdi screen: %w", err)
	}
	if admitted != nil {
		day := daysInclusive(*admitted, ev.Effective, d.facility)
		sc.SpecimenDay = day
		if day <= 3 {
			c.Onset = OnsetCommunity
		} else {
			c.Onset = OnsetHealthcare
		}
	}

	c.Payload = sc.marshal()
	return c, nil
}

func (d *Detectors) admissionTime(ctx context.Context, patientID string, at time.Time) (*time.Time, error) {
	encs, err := d.encounters.FetchEncounters(ctx, at.AddDate(0, 0, -90))
	if err != nil {
		return nil, err
	}
	for _, e := range encs {
		if e.Patient.ID != patientID || e.Admitted.After(at) {
			continue
		}
		if e.Discharged != nil && e.Discharged.Before(at) {
			continue
		}
		t := e.Admitted
		return &t, nil
	}
	return nil, nil
}

// ----------------------------------------------------------------------------
// ventilator-associated events
// ----------------------------------------------------------------------------

// screenVAE looks for ≥2 days of baseline stability followed by ≥2 days of
// sustained rise above the baseline minimum: FiO2 +20 points or PEEP +3.
func (d *Detectors) screenVAE(ctx context.Context, ev clinical.Event) (*Candidate, error) {
	vitals, err := d.fetcher.FetchEvents(ctx, ev.Patient.ID, []clinical.EventKind{clinical.KindVital},
		ev.Effective.AddDate(0, 0, -vaeLookbackDays), ev.Effective)
	if err != nil {
		return nil, fmt.Errorf("vae screen: %w", err)
	}

	fio2 := dailyMinimums(vitals, "fio2", d.facility)
	peep := dailyMinimums(vitals, "peep", d.facility)

	param := "fio2"
	onset, baseline := vaeOnset(fio2, vaeFiO2RisePoints)
	if onset == nil {
		param = "peep"
		onset, baseline = vaeOnset(peep, vaePEEPRiseUnits)
	}
	if onset == nil {
		return nil, nil
	}

	days, active, err := d.deviceDays(ctx, ev.Patient.ID, "ventilator", ev.Effective)
	if err != nil {
		return nil, fmt.Errorf("vae screen: %w", err)
	}

	sc := ScreenContext{TriggeredAt: ev.Effective.Format(time.RFC3339)}
	if param == "fio2" {
		sc.BaselineFiO2 = baseline
	} else {
		sc.BaselinePEEP = baseline
	}
	c := &Candidate{
		Kind:       KindVAE,
		PatientID:  ev.Patient.ID,
		TriggerKey: ev.Patient.ID + "/" + onset.Format("2006-01-02"),
		Payload:    sc.marshal(),
	}
	if active {
		c.DeviceDays = &days
		if days < 2 {
			reason := "device-days < 2"
			c.ExclusionReason = &reason
		}
	}
	return c, nil
}

type dailyValue struct {
	day time.Time
	min float64
}

func dailyMinimums(events []clinical.Event, vitalType string, loc *time.Location) []dailyValue {
	byDay := make(map[time.Time]float64)
	for _, ev := range events {
		if ev.Vital == nil || ev.Vital.Type != vitalType {
			continue
		}
		day := dayOf(ev.Effective, loc)
		if cur, ok := byDay[day]; !ok || ev.Vital.Value < cur {
			byDay[day] = ev.Vital.Value
		}
	}
	out := make([]dailyValue, 0, len(byDay))
	for day, v := range byDay {
		out = append(out, dailyValue{day: day, min: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].day.Before(out[j].day) })
	return out
}

// vaeOnset slides a four-day window over the daily minimums: two baseline
// days, then two days sustained at or above the baseline minimum plus rise.
// Returns the onset day (first worsening day) and the baseline minimum.
func vaeOnset(days []dailyValue, rise float64) (*time.Time, float64) {
	for i := 0; i+3 < len(days); i++ {
		if !consecutive(days[i].day, days[i+1].day) || !consecutive(days[i+1].day, days[i+2].day) || !consecutive(days[i+2].day, days[i+3].day) {
			continue
		}
		base := days[i].min
		if days[i+1].min < base {
			base = days[i+1].min
		}
		if days[i+2].min >= base+rise && days[i+3].min >= base+rise {
			onset := days[i+2].day
			return &onset, base
		}
	}
	return nil, 0
}

func consecutive(a, b time.Time) bool {
	return b.Sub(a) == 24*time.Hour
}

// ----------------------------------------------------------------------------
// date helpers
// ----------------------------------------------------------------------------

func dayOf(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// daysInclusive counts calendar days from the first date through the second,
// both included: same day is 1.
func daysInclusive(from, to time.Time, loc *time.Location) int {
	return int(dayOf(to, loc).Sub(dayOf(from, loc)).Hours()/24) + 1
}
