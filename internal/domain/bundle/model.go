// Package bundle holds the declarative clinical-bundle definitions: which
// events open an episode, which patients the bundle applies to, and which
// elements must be completed within which windows. Definitions load from YAML
// at startup and are swappable at runtime only at a version boundary, so an
// open episode always evaluates against the exact definition it was opened
// under.
package bundle

import (
	"fmt"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aegis/aegis/internal/clinical"
)

// ElementKind names the evidence an element looks for.
type ElementKind string

const (
	ElementLabCollected       ElementKind = "lab-collected"
	ElementCultureCollected   ElementKind = "culture-collected"
	ElementMedicationAdmin    ElementKind = "medication-admin"
	ElementMedicationOrder    ElementKind = "medication-order"
	ElementProcedurePerformed ElementKind = "procedure-performed"
	ElementNoteDocumented     ElementKind = "note-documented"
)

// Duration wraps time.Duration so YAML can carry "2h" / "90m" strings.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = v
	return nil
}

// PatientCondition gates a bundle or element on patient demographics.
type PatientCondition struct {
	MinAgeDays *int   `yaml:"min_age_days"`
	MaxAgeDays *int   `yaml:"max_age_days"`
	RiskFactor string `yaml:"risk_factor"`
}

// Holds reports whether the condition is satisfied for the patient at the
// reference time. Age conditions fail closed when no birth date is known.
func (c PatientCondition) Holds(p clinical.Patient, at time.Time) bool {
	if c.MinAgeDays != nil || c.MaxAgeDays != nil {
		age, ok := p.AgeDaysAt(at)
		if !ok {
			return false
		}
		if c.MinAgeDays != nil && age < *c.MinAgeDays {
			return false
		}
		if c.MaxAgeDays != nil && age > *c.MaxAgeDays {
			return false
		}
	}
	if c.RiskFactor != "" && !p.HasRiskFactor(c.RiskFactor) {
		return false
	}
	return true
}

func (c PatientCondition) empty() bool {
	return c.MinAgeDays == nil && c.MaxAgeDays == nil && c.RiskFactor == ""
}

// ElementCondition is an element's applicability predicate: demographics plus
// an optional dependency on a prior element's resolved status ("lumbar
// puncture is not applicable once inflammatory markers resolved not-met").
type ElementCondition struct {
	PatientCondition `yaml:",inline"`
	UnlessElement    string `yaml:"unless_element"`
	UnlessStatus     string `yaml:"unless_status"`
}

// EventPredicate matches one normalized clinical event. Zero-valued fields
// are wildcards; CodePattern is an anchored-as-written regular expression.
type EventPredicate struct {
	Event           clinical.EventKind `yaml:"event"`
	CodePattern     string             `yaml:"code_pattern"`
	VitalType       string             `yaml:"vital_type"`
	MinValue        *float64           `yaml:"min_value"`
	MaxValue        *float64           `yaml:"max_value"`
	MedicationClass string             `yaml:"medication_class"`
	SpecimenType    string             `yaml:"specimen_type"`

	codeRE *regexp.Regexp
}

func (p *EventPredicate) compile() error {
	if p.CodePattern == "" {
		return nil
	}
	re, err := regexp.Compile(p.CodePattern)
	if err != nil {
		return fmt.Errorf("code pattern %q: %w", p.CodePattern, err)
	}
	p.codeRE = re
	return nil
}

// Matches evaluates the predicate against an event. Purely functional, no
// I/O.
func (p *EventPredicate) Matches(ev clinical.Event) bool {
	if p.Event != "" && ev.Kind != p.Event {
		return false
	}
	switch ev.Kind {
	case clinical.KindDiagnosis:
		if p.codeRE != nil && (ev.Diagnosis == nil || !p.codeRE.MatchString(ev.Diagnosis.Code)) {
			return false
		}
	case clinical.KindVital:
		if ev.Vital == nil {
			return false
		}
		if p.VitalType != "" && ev.Vital.Type != p.VitalType {
			return false
		}
		if p.MinValue != nil && ev.Vital.Value < *p.MinValue {
			return false
		}
		if p.MaxValue != nil && ev.Vital.Value > *p.MaxValue {
			return false
		}
	case clinical.KindLabResult:
		if ev.Lab == nil {
			return false
		}
		if p.codeRE != nil && !p.codeRE.MatchString(ev.Lab.Code) {
			return false
		}
		if p.MinValue != nil && ev.Lab.Value < *p.MinValue {
			return false
		}
		if p.MaxValue != nil && ev.Lab.Value > *p.MaxValue {
			return false
		}
	case clinical.KindMedicationOrder, clinical.KindMedicationAdmin:
		if ev.Med == nil {
			return false
		}
		if p.MedicationClass != "" && ev.Med.Class != p.MedicationClass {
			return false
		}
		if p.codeRE != nil && !p.codeRE.MatchString(ev.Med.Code) {
			return false
		}
	case clinical.KindCulture:
		if ev.Culture == nil {
			return false
		}
		if p.SpecimenType != "" && ev.Culture.SpecimenType != p.SpecimenType {
			return false
		}
	case clinical.KindProcedure:
		if p.codeRE != nil && (ev.Procedure == nil || !p.codeRE.MatchString(ev.Procedure.Code)) {
			return false
		}
	}
	return true
}

// ElementDefinition is one checkable item inside a bundle.
type ElementDefinition struct {
	ID            string           `yaml:"id"`
	Name          string           `yaml:"name"`
	Kind          ElementKind      `yaml:"kind"`
	Codes         []string         `yaml:"codes"`
	SpecimenType  string           `yaml:"specimen_type"`
	MedClass      string           `yaml:"medication_class"`
	MedName       string           `yaml:"medication_name"`
	Parenteral    bool             `yaml:"parenteral"`
	NotePattern   string           `yaml:"note_pattern"`
	Window        Duration         `yaml:"window"`
	Required      bool             `yaml:"required"`
	Severity      string           `yaml:"severity"`
	Applicability ElementCondition `yaml:"applicability"`
}

// Definition is one versioned bundle.
type Definition struct {
	ID            string              `yaml:"id"`
	Name          string              `yaml:"name"`
	Version       int                 `yaml:"version"`
	Cooldown      Duration            `yaml:"cooldown"`
	OverallWindow Duration            `yaml:"overall_window"`
	Applicability PatientCondition    `yaml:"applicability"`
	Triggers      []*EventPredicate   `yaml:"triggers"`
	Elements      []ElementDefinition `yaml:"elements"`
}

// DefaultCooldown applies when a bundle does not override the reopen
// cooldown.
const DefaultCooldown = 24 * time.Hour

// CooldownOrDefault returns the reopen cooldown for this bundle.
func (d *Definition) CooldownOrDefault() time.Duration {
	if d.Cooldown.Duration > 0 {
		return d.Cooldown.Duration
	}
	return DefaultCooldown
}

// OverallDeadline is the bundle-level deadline measured from the anchor:
// the configured overall window, defaulting to the longest element window.
func (d *Definition) OverallDeadline(anchor time.Time) time.Time {
	w := d.OverallWindow.Duration
	if w == 0 {
		for _, el := range d.Elements {
			if el.Window.Duration > w {
				w = el.Window.Duration
			}
		}
	}
	return anchor.Add(w)
}

// Element returns the element definition with the given id.
func (d *Definition) Element(id string) (*ElementDefinition, bool) {
	for i := range d.Elements {
		if d.Elements[i].ID == id {
			return &d.Elements[i], true
		}
	}
	return nil, false
}

// Validate checks structural invariants and compiles trigger patterns.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("bundle id is required")
	}
	if d.Version <= 0 {
		return fmt.Errorf("bundle %s: version must be positive", d.ID)
	}
	if len(d.Triggers) == 0 {
		return fmt.Errorf("bundle %s: at least one trigger is required", d.ID)
	}
	if len(d.Elements) == 0 {
		return fmt.Errorf("bundle %s: at least one element is required", d.ID)
	}
	for _, t := range d.Triggers {
		if err := t.compile(); err != nil {
			return fmt.Errorf("bundle %s: %w", d.ID, err)
		}
	}
	seen := make(map[string]bool)
	for _, el := range d.Elements {
		if el.ID == "" {
			return fmt.Errorf("bundle %s: element id is required", d.ID)
		}
		if seen[el.ID] {
			return fmt.Errorf("bundle %s: duplicate element %s", d.ID, el.ID)
		}
		seen[el.ID] = true
		if el.Window.Duration < 0 {
			return fmt.Errorf("bundle %s element %s: window must be non-negative", d.ID, el.ID)
		}
		switch el.Kind {
		case ElementLabCollected, ElementCultureCollected, ElementMedicationAdmin,
			ElementMedicationOrder, ElementProcedurePerformed, ElementNoteDocumented:
		default:
			return fmt.Errorf("bundle %s element %s: unknown kind %q", d.ID, el.ID, el.Kind)
		}
		if el.Applicability.UnlessElement != "" && el.Applicability.UnlessElement == el.ID {
			return fmt.Errorf("bundle %s element %s: applicability cannot depend on itself", d.ID, el.ID)
		}
	}
	for _, el := range d.Elements {
		if u := el.Applicability.UnlessElement; u != "" && !seen[u] {
			return fmt.Errorf("bundle %s element %s: unknown dependency %s", d.ID, el.ID, u)
		}
	}
	return nil
}

// TriggerMatch reports whether any of the bundle's trigger predicates
// matches the event.
func (d *Definition) TriggerMatch(ev clinical.Event) bool {
	for _, t := range d.Triggers {
		if t.Matches(ev) {
			return true
		}
	}
	return false
}
