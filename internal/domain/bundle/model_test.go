package bundle

import (
	"testing"
	"time"

	"github.com/aegis/aegis/internal/clinical"
)

func intp(v int) *int           { return &v }
func floatp(v float64) *float64 { return &v }

func febrileInfantBundle(t *testing.T) *Definition {
	t.Helper()
	def := &Definition{
		ID:      "febrile-infant",
		Name:    "Febrile Infant Sepsis Workup",
		Version: 1,
		Applicability: PatientCondition{
			MinAgeDays: intp(8),
			MaxAgeDays: intp(60),
		},
		Triggers: []*EventPredicate{
			{Event: clinical.KindVital, VitalType: "temperature", MinValue: floatp(38.0)},
			{Event: clinical.KindDiagnosis, CodePattern: "^R50"},
		},
		Elements: []ElementDefinition{
			{ID: "urinalysis", Kind: ElementLabCollected, Codes: []string{"UA"}, Window: Duration{2 * time.Hour}, Required: true},
			{ID: "blood-culture", Kind: ElementCultureCollected, SpecimenType: "blood", Window: Duration{2 * time.Hour}, Required: true, Severity: "critical"},
			{ID: "inflammatory-markers", Kind: ElementLabCollected, Codes: []string{"CRP", "PCT"}, Window: Duration{2 * time.Hour}, Required: true},
			{ID: "lumbar-puncture", Kind: ElementProcedurePerformed, Codes: []string{"62270"}, Window: Duration{2 * time.Hour}, Required: true, Severity: "critical",
				Applicability: ElementCondition{PatientCondition: PatientCondition{MaxAgeDays: intp(21)}}},
			{ID: "parenteral-antibiotic", Kind: ElementMedicationAdmin, MedClass: "antibiotic", Parenteral: true, Window: Duration{time.Hour}, Required: true, Severity: "critical"},
			{ID: "acyclovir", Kind: ElementMedicationAdmin, MedName: "acyclovir", Window: Duration{4 * time.Hour}, Required: true,
				Applicability: ElementCondition{PatientCondition: PatientCondition{MaxAgeDays: intp(28), RiskFactor: "hsv"}}},
		},
	}
	if err := def.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	return def
}

func TestTriggerMatchesFeverVital(t *testing.T) {
	def := febrileInfantBundle(t)

	fever := clinical.Event{
		ID: "e1", Kind: clinical.KindVital, Patient: clinical.PatientRef{ID: "p1"},
		Effective: time.Now(),
		Vital:     &clinical.VitalSign{Type: "temperature", Value: 38.3, Unit: "C"},
	}
	if !def.TriggerMatch(fever) {
		t.Error("38.3C temperature should trigger")
	}

	normal := fever
	normal.Vital = &clinical.VitalSign{Type: "temperature", Value: 37.4}
	if def.TriggerMatch(normal) {
		t.Error("37.4C temperature should not trigger")
	}

	hr := fever
	hr.Vital = &clinical.VitalSign{Type: "heart-rate", Value: 180}
	if def.TriggerMatch(hr) {
		t.Error("heart rate should not match a temperature predicate")
	}
}

func TestTriggerMatchesDiagnosisPattern(t *testing.T) {
	def := febrileInfantBundle(t)

	r50 := clinical.Event{
		ID: "e2", Kind: clinical.KindDiagnosis, Patient: clinical.PatientRef{ID: "p1"},
		Effective: time.Now(),
		Diagnosis: &clinical.Diagnosis{Code: "R50.9"},
	}
	if !def.TriggerMatch(r50) {
		t.Error("R50.9 should match ^R50")
	}

	other := r50
	other.Diagnosis = &clinical.Diagnosis{Code: "J18.9"}
	if def.TriggerMatch(other) {
		t.Error("J18.9 should not match")
	}
}

func TestPatientConditionAgeBands(t *testing.T) {
	def := febrileInfantBundle(t)
	now := time.Now()
	birth := func(days int) *time.Time {
		d := now.AddDate(0, 0, -days)
		return &d
	}

	cases := []struct {
		ageDays int
		want    bool
	}{
		{7, false},
		{8, true},
		{14, true},
		{60, true},
		{61, false},
	}
	for _, c := range cases {
		p := clinical.Patient{Ref: clinical.PatientRef{ID: "p"}, BirthDate: birth(c.ageDays)}
		if got := def.Applicability.Holds(p, now); got != c.want {
			t.Errorf("age %d days: applicable = %v, want %v", c.ageDays, got, c.want)
		}
	}

	// Unknown birth date fails closed.
	if def.Applicability.Holds(clinical.Patient{Ref: clinical.PatientRef{ID: "p"}}, now) {
		t.Error("missing birth date should not satisfy an age condition")
	}
}

func TestElementConditionRiskFactor(t *testing.T) {
	def := febrileInfantBundle(t)
	el, _ := def.Element("acyclovir")
	now := time.Now()
	birth := now.AddDate(0, 0, -14)

	withRisk := clinical.Patient{Ref: clinical.PatientRef{ID: "p"}, BirthDate: &birth, RiskFactors: []string{"hsv"}}
	if !el.Applicability.Holds(withRisk, now) {
		t.Error("14-day-old with hsv risk factor should get the acyclovir element")
	}
	noRisk := clinical.Patient{Ref: clinical.PatientRef{ID: "p"}, BirthDate: &birth}
	if el.Applicability.Holds(noRisk, now) {
		t.Error("element requires the hsv risk factor")
	}
}

func TestOverallDeadlineDefaultsToMaxWindow(t *testing.T) {
	def := febrileInfantBundle(t)
	anchor := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if got := def.OverallDeadline(anchor); !got.Equal(anchor.Add(4 * time.Hour)) {
		t.Errorf("overall deadline = %v, want anchor+4h", got)
	}
}

func TestValidateRejectsBadDefinitions(t *testing.T) {
	base := febrileInfantBundle(t)

	noTriggers := *base
	noTriggers.Triggers = nil
	if err := noTriggers.Validate(); err == nil {
		t.Error("bundle without triggers should be invalid")
	}

	dupElements := *base
	dupElements.Elements = append([]ElementDefinition{}, base.Elements...)
	dupElements.Elements = append(dupElements.Elements, base.Elements[0])
	if err := dupElements.Validate(); err == nil {
		t.Error("duplicate element ids should be invalid")
	}

	badKind := *base
	badKind.Elements = []ElementDefinition{{ID: "x", Kind: "teleportation", Window: Duration{time.Hour}}}
	if err := badKind.Validate(); err == nil {
		t.Error("unknown element kind should be invalid")
	}

	badDep := *base
	badDep.Elements = []ElementDefinition{{
		ID: "x", Kind: ElementLabCollected, Window: Duration{time.Hour},
		Applicability: ElementCondition{UnlessElement: "nonexistent"},
	}}
	if err := badDep.Validate(); err == nil {
		t.Error("dependency on unknown element should be invalid")
	}
}
