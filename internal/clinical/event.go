// Package clinical defines the normalized clinical records that ingestion
// adapters emit into the surveillance core. Adapters are the only components
// that speak wire formats (FHIR, HL7v2, warehouse SQL); everything downstream
// consumes the types in this package as immutable snapshots.
package clinical

import (
	"fmt"
	"time"
)

// EventKind identifies the clinical payload carried by an Event.
type EventKind string

const (
	KindDiagnosis       EventKind = "diagnosis"
	KindMedicationAdmin EventKind = "medication-admin"
	KindMedicationOrder EventKind = "medication-order"
	KindLabResult       EventKind = "lab-result"
	KindVital           EventKind = "vital"
	KindNote            EventKind = "note"
	KindCulture         EventKind = "culture"
	KindProcedure       EventKind = "procedure"
	KindDevice          EventKind = "device"
	KindLocation        EventKind = "location"
)

// AllEventKinds lists every recognized event kind in stable order.
var AllEventKinds = []EventKind{
	KindDiagnosis, KindMedicationAdmin, KindMedicationOrder, KindLabResult,
	KindVital, KindNote, KindCulture, KindProcedure, KindDevice, KindLocation,
}

// PatientRef is a stable reference to a patient. The identifier is opaque:
// it is carried through and compared, never reparsed.
type PatientRef struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

// Encounter is an inpatient or outpatient stay as seen by the core.
// Discharged is nil while the encounter is open.
type Encounter struct {
	ID         string     `json:"id"`
	Patient    PatientRef `json:"patient"`
	Admitted   time.Time  `json:"admitted"`
	Location   string     `json:"location"`
	Discharged *time.Time `json:"discharged,omitempty"`
}

// Open reports whether the encounter has no discharge timestamp yet.
func (e Encounter) Open() bool { return e.Discharged == nil }

// Event is a single normalized clinical event. Effective is the clinical
// event time, not the ingestion time. Exactly one of the kind-specific
// payload pointers is non-nil, matching Kind.
type Event struct {
	ID          string     `json:"id"`
	Kind        EventKind  `json:"kind"`
	Patient     PatientRef `json:"patient"`
	EncounterID string     `json:"encounter_id,omitempty"`
	Effective   time.Time  `json:"effective"`
	Source      string     `json:"source,omitempty"`

	Diagnosis *Diagnosis       `json:"diagnosis,omitempty"`
	Med       *MedicationEvent `json:"medication,omitempty"`
	Lab       *LabResult       `json:"lab,omitempty"`
	Vital     *VitalSign       `json:"vital,omitempty"`
	Note      *ClinicalNote    `json:"note,omitempty"`
	Culture   *CultureResult   `json:"culture,omitempty"`
	Procedure *Procedure       `json:"procedure,omitempty"`
	Device    *DeviceEvent     `json:"device,omitempty"`
	Location  *LocationEvent   `json:"location,omitempty"`
}

// Identity returns the stable key downstream consumers use for idempotent
// processing of at-least-once deliveries.
func (ev Event) Identity() string {
	return fmt.Sprintf("%s/%s/%s", ev.Kind, ev.Patient.ID, ev.ID)
}

// Validate checks that the event is internally consistent: a non-empty id,
// patient and timestamp, and a payload matching its kind.
func (ev Event) Validate() error {
	if ev.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if ev.Patient.ID == "" {
		return fmt.Errorf("event %s: patient id is required", ev.ID)
	}
	if ev.Effective.IsZero() {
		return fmt.Errorf("event %s: effective time is required", ev.ID)
	}
	switch ev.Kind {
	case KindDiagnosis:
		if ev.Diagnosis == nil {
			return fmt.Errorf("event %s: diagnosis payload is required", ev.ID)
		}
	case KindMedicationAdmin, KindMedicationOrder:
		if ev.Med == nil {
			return fmt.Errorf("event %s: medication payload is required", ev.ID)
		}
	case KindLabResult:
		if ev.Lab == nil {
			return fmt.Errorf("event %s: lab payload is required", ev.ID)
		}
	case KindVital:
		if ev.Vital == nil {
			return fmt.Errorf("event %s: vital payload is required", ev.ID)
		}
	case KindNote:
		if ev.Note == nil {
			return fmt.Errorf("event %s: note payload is required", ev.ID)
		}
	case KindCulture:
		if ev.Culture == nil {
			return fmt.Errorf("event %s: culture payload is required", ev.ID)
		}
	case KindProcedure:
		if ev.Procedure == nil {
			return fmt.Errorf("event %s: procedure payload is required", ev.ID)
		}
	case KindDevice:
		if ev.Device == nil {
			return fmt.Errorf("event %s: device payload is required", ev.ID)
		}
	case KindLocation:
		if ev.Location == nil {
			return fmt.Errorf("event %s: location payload is required", ev.ID)
		}
	default:
		return fmt.Errorf("event %s: unknown kind %q", ev.ID, ev.Kind)
	}
	return nil
}

// Diagnosis is a coded condition (ICD-10 or SNOMED).
type Diagnosis struct {
	Code        string `json:"code"`
	System      string `json:"system,omitempty"`
	Display     string `json:"display,omitempty"`
	ClinicalSts string `json:"clinical_status,omitempty"`
}

// MedicationEvent covers both orders and administrations.
type MedicationEvent struct {
	Code      string  `json:"code,omitempty"`
	Name      string  `json:"name"`
	Class     string  `json:"class,omitempty"`
	Route     string  `json:"route,omitempty"`
	DoseValue float64 `json:"dose_value,omitempty"`
	DoseUnit  string  `json:"dose_unit,omitempty"`
}

// Parenteral reports whether the medication was given by a parenteral route.
func (m MedicationEvent) Parenteral() bool {
	switch m.Route {
	case "IV", "iv", "intravenous", "IM", "im", "intramuscular":
		return true
	}
	return false
}

// LabResult is a resulted laboratory observation. Collected may differ from
// the event's Effective time (resulted time) and is what bundle element
// windows compare against when present.
type LabResult struct {
	Code      string     `json:"code"`
	Name      string     `json:"name,omitempty"`
	Value     float64    `json:"value,omitempty"`
	Unit      string     `json:"unit,omitempty"`
	ValueText string     `json:"value_text,omitempty"`
	Abnormal  bool       `json:"abnormal,omitempty"`
	Collected *time.Time `json:"collected,omitempty"`
}

// VitalSign is a single vital-sign observation.
type VitalSign struct {
	Type  string  `json:"type"` // temperature, heart-rate, resp-rate, bp-systolic, spo2, fio2, peep
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// ClinicalNote is free-text documentation.
type ClinicalNote struct {
	NoteType string `json:"note_type,omitempty"`
	Author   string `json:"author,omitempty"`
	Text     string `json:"text"`
}

// CultureResult is a microbiology result.
type CultureResult struct {
	SpecimenType string     `json:"specimen_type"` // blood, urine, wound, stool, respiratory
	Organism     string     `json:"organism,omitempty"`
	OrganismCode string     `json:"organism_code,omitempty"`
	Positive     bool       `json:"positive"`
	Method       string     `json:"method,omitempty"` // culture, toxin, pcr
	Unformed     bool       `json:"unformed,omitempty"`
	Collected    *time.Time `json:"collected,omitempty"`
}

// Procedure is a performed or scheduled procedure.
type Procedure struct {
	Code          string     `json:"code"`
	Display       string     `json:"display,omitempty"`
	ImplantPlaced bool       `json:"implant_placed,omitempty"`
	Scheduled     *time.Time `json:"scheduled,omitempty"`
	WoundClass    string     `json:"wound_class,omitempty"`
}

// DeviceEvent marks the placement or removal of an indwelling device.
type DeviceEvent struct {
	DeviceType string `json:"device_type"` // central-line, urinary-catheter, ventilator
	Action     string `json:"action"`      // placed, removed
	Site       string `json:"site,omitempty"`
}

// LocationEvent records a patient location transition (from ADT feeds).
type LocationEvent struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
	Unit string `json:"unit,omitempty"`
}
