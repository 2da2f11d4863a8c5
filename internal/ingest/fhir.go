package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegis/aegis/internal/clinical"
)

// FHIRAdapter polls a FHIR R4 REST endpoint and normalizes the resources the
// core consumes. Authentication is a bearer token; token refresh is the
// deployment's concern.
type FHIRAdapter struct {
	baseURL string
	token   string
	client  *http.Client
	log     zerolog.Logger
}

func NewFHIRAdapter(baseURL, token string, log zerolog.Logger) *FHIRAdapter {
	return &FHIRAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log.With().Str("component", "fhir-adapter").Logger(),
	}
}

func (f *FHIRAdapter) Name() string { return "fhir" }

// polledResources maps the FHIR resource types polled for the event stream to
// their normalizers.
var polledResources = []string{
	"Condition", "Observation", "MedicationAdministration", "MedicationRequest",
	"Procedure", "DocumentReference", "DeviceUseStatement", "DiagnosticReport",
}

// PollEvents pages through resources updated after the watermark.
func (f *FHIRAdapter) PollEvents(ctx context.Context, since time.Time) ([]clinical.Event, error) {
	var out []clinical.Event
	for _, resource := range polledResources {
		params := url.Values{}
		if !since.IsZero() {
			params.Set("_lastUpdated", "gt"+since.UTC().Format(time.RFC3339))
		}
		params.Set("_count", "100")
		entries, err := f.search(ctx, resource, params)
		if err != nil {
			return nil, fmt.Errorf("polling %s: %w", resource, err)
		}
		for _, raw := range entries {
			ev, ok, err := normalizeResource(resource, raw)
			if err != nil {
				f.log.Warn().Err(err).Str("resource", resource).Msg("skipping unparseable resource")
				continue
			}
			if ok {
				ev.Source = f.Name()
				out = append(out, ev)
			}
		}
	}
	return out, nil
}

// FetchEvents queries resources for one patient within a window.
func (f *FHIRAdapter) FetchEvents(ctx context.Context, patientID string, kinds []clinical.EventKind, from, to time.Time) ([]clinical.Event, error) {
	resources := make(map[string]bool)
	for _, k := range kinds {
		for _, r := range resourcesForKind(k) {
			resources[r] = true
		}
	}
	if len(resources) == 0 {
		for _, r := range polledResources {
			resources[r] = true
		}
	}

	want := make(map[clinical.EventKind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}

	var out []clinical.Event
	for resource := range resources {
		params := url.Values{}
		params.Set("patient", patientID)
		params.Set("date", "ge"+from.UTC().Format(time.RFC3339))
		params.Add("date", "le"+to.UTC().Format(time.RFC3339))
		params.Set("_count", "100")
		entries, err := f.search(ctx, resource, params)
		if err != nil {
			return nil, fmt.Errorf("fetching %s for %s: %w", resource, patientID, err)
		}
		for _, raw := range entries {
			ev, ok, err := normalizeResource(resource, raw)
			if err != nil || !ok {
				continue
			}
			if len(want) > 0 && !want[ev.Kind] {
				continue
			}
			ev.Source = f.Name()
			out = append(out, ev)
		}
	}
	return out, nil
}

// FetchPatient reads Patient/{id}.
func (f *FHIRAdapter) FetchPatient(ctx context.Context, patientID string) (clinical.Patient, error) {
	raw, err := f.get(ctx, "/Patient/"+url.PathEscape(patientID))
	if err != nil {
		return clinical.Patient{}, err
	}
	var res struct {
		ID        string `json:"id"`
		BirthDate string `json:"birthDate"`
		Gender    string `json:"gender"`
		Name      []struct {
			Text   string   `json:"text"`
			Family string   `json:"family"`
			Given  []string `json:"given"`
		} `json:"name"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return clinical.Patient{}, fmt.Errorf("parsing patient %s: %w", patientID, err)
	}
	p := clinical.Patient{Ref: clinical.PatientRef{ID: res.ID}, Sex: res.Gender}
	if len(res.Name) > 0 {
		if res.Name[0].Text != "" {
			p.Ref.DisplayName = res.Name[0].Text
		} else {
			p.Ref.DisplayName = strings.TrimSpace(strings.Join(res.Name[0].Given, " ") + " " + res.Name[0].Family)
		}
	}
	if res.BirthDate != "" {
		if bd, err := time.Parse("2006-01-02", res.BirthDate); err == nil {
			p.BirthDate = &bd
		}
	}
	return p, nil
}

// FetchEncounters lists encounters updated since the given time.
func (f *FHIRAdapter) FetchEncounters(ctx context.Context, since time.Time) ([]clinical.Encounter, error) {
	params := url.Values{}
	if !since.IsZero() {
		params.Set("_lastUpdated", "gt"+since.UTC().Format(time.RFC3339))
	}
	params.Set("_count", "100")
	entries, err := f.search(ctx, "Encounter", params)
	if err != nil {
		return nil, err
	}
	var out []clinical.Encounter
	for _, raw := range entries {
		var res struct {
			ID      string `json:"id"`
			Subject struct {
				Reference string `json:"reference"`
				Display   string `json:"display"`
			} `json:"subject"`
			Period struct {
				Start string `json:"start"`
				End   string `json:"end"`
			} `json:"period"`
			Location []struct {
				Location struct {
					Display string `json:"display"`
				} `json:"location"`
			} `json:"location"`
		}
		if err := json.Unmarshal(raw, &res); err != nil {
			continue
		}
		enc := clinical.Encounter{
			ID:      res.ID,
			Patient: clinical.PatientRef{ID: refID(res.Subject.Reference), DisplayName: res.Subject.Display},
		}
		if t, err := time.Parse(time.RFC3339, res.Period.Start); err == nil {
			enc.Admitted = t
		}
		if res.Period.End != "" {
			if t, err := time.Parse(time.RFC3339, res.Period.End); err == nil {
				enc.Discharged = &t
			}
		}
		if len(res.Location) > 0 {
			enc.Location = res.Location[0].Location.Display
		}
		out = append(out, enc)
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// HTTP plumbing
// ----------------------------------------------------------------------------

func (f *FHIRAdapter) search(ctx context.Context, resource string, params url.Values) ([]json.RawMessage, error) {
	raw, err := f.get(ctx, "/"+resource+"?"+params.Encode())
	if err != nil {
		return nil, err
	}
	var b struct {
		Entry []struct {
			Resource json.RawMessage `json:"resource"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("parsing %s searchset: %w", resource, err)
	}
	out := make([]json.RawMessage, 0, len(b.Entry))
	for _, e := range b.Entry {
		out = append(out, e.Resource)
	}
	return out, nil
}

func (f *FHIRAdapter) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/fhir+json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fhir %s returned %d", path, resp.StatusCode)
	}
	return body, nil
}

// ----------------------------------------------------------------------------
// normalization
// ----------------------------------------------------------------------------

func resourcesForKind(k clinical.EventKind) []string {
	switch k {
	case clinical.KindDiagnosis:
		return []string{"Condition"}
	case clinical.KindLabResult, clinical.KindVital:
		return []string{"Observation"}
	case clinical.KindMedicationAdmin:
		return []string{"MedicationAdministration"}
	case clinical.KindMedicationOrder:
		return []string{"MedicationRequest"}
	case clinical.KindProcedure:
		return []string{"Procedure"}
	case clinical.KindNote:
		return []string{"DocumentReference"}
	case clinical.KindDevice:
		return []string{"DeviceUseStatement"}
	case clinical.KindCulture:
		return []string{"DiagnosticReport"}
	default:
		return nil
	}
}

type coding struct {
	System  string `json:"system"`
	Code    string `json:"code"`
	Display string `json:"display"`
}

type codeable struct {
	Coding []coding `json:"coding"`
	Text   string   `json:"text"`
}

func (c codeable) first() coding {
	if len(c.Coding) > 0 {
		return c.Coding[0]
	}
	return coding{Display: c.Text}
}

func refID(ref string) string {
	if i := strings.LastIndexByte(ref, '/'); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

func parseFHIRTime(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// normalizeResource converts one FHIR resource into a clinical event. The
// second return is false for resources the core does not consume (e.g.
// non-microbiology diagnostic reports).
func normalizeResource(resource string, raw json.RawMessage) (clinical.Event, bool, error) {
	switch resource {
	case "Condition":
		return normalizeCondition(raw)
	case "Observation":
		return normalizeObservation(raw)
	case "MedicationAdministration":
		return normalizeMedication(raw, clinical.KindMedicationAdmin)
	case "MedicationRequest":
		return normalizeMedication(raw, clinical.KindMedicationOrder)
	case "Procedure":
		return normalizeProcedure(raw)
	case "DocumentReference":
		return normalizeDocument(raw)
	case "DeviceUseStatement":
		return normalizeDevice(raw)
	case "DiagnosticReport":
		return normalizeDiagnosticReport(raw)
	}
	return clinical.Event{}, false, nil
}

func normalizeCondition(raw json.RawMessage) (clinical.Event, bool, error) {
	var res struct {
		ID             string                     `json:"id"`
		Code           codeable                   `json:"code"`
		Subject        struct{ Reference string } `json:"subject"`
		RecordedDate   string                     `json:"recordedDate"`
		ClinicalStatus codeable                   `json:"clinicalStatus"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return clinical.Event{}, false, err
	}
	t, ok := parseFHIRTime(res.RecordedDate)
	if !ok {
		return clinical.Event{}, false, fmt.Errorf("condition %s: no recorded date", res.ID)
	}
	c := res.Code.first()
	return clinical.Event{
		ID:        res.ID,
		Kind:      clinical.KindDiagnosis,
		Patient:   clinical.PatientRef{ID: refID(res.Subject.Reference)},
		Effective: t,
		Diagnosis: &clinical.Diagnosis{Code: c.Code, System: c.System, Display: c.Display, ClinicalSts: res.ClinicalStatus.first().Code},
	}, true, nil
}

func normalizeObservation(raw json.RawMessage) (clinical.Event, bool, error) {
	var res struct {
		ID        string                     `json:"id"`
		Category  []codeable                 `json:"category"`
		Code      codeable                   `json:"code"`
		Subject   struct{ Reference string } `json:"subject"`
		Effective string                     `json:"effectiveDateTime"`
		Issued    string                     `json:"issued"`
		Value     *struct {
			Value float64 `json:"value"`
			Unit  string  `json:"unit"`
		} `json:"valueQuantity"`
		ValueString    string     `json:"valueString"`
		Interpretation []codeable `json:"interpretation"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return clinical.Event{}, false, err
	}
	category := ""
	if len(res.Category) > 0 {
		category = res.Category[0].first().Code
	}
	effective, ok := parseFHIRTime(res.Effective)
	if !ok {
		if effective, ok = parseFHIRTime(res.Issued); !ok {
			return clinical.Event{}, false, fmt.Errorf("observation %s: no effective time", res.ID)
		}
	}

	ev := clinical.Event{
		ID:        res.ID,
		Patient:   clinical.PatientRef{ID: refID(res.Subject.Reference)},
		Effective: effective,
	}
	code := res.Code.first()

	if category == "vital-signs" {
		ev.Kind = clinical.KindVital
		v := &clinical.VitalSign{Type: vitalType(code)}
		if res.Value != nil {
			v.Value = res.Value.Value
			v.Unit = res.Value.Unit
		}
		ev.Vital = v
		return ev, true, nil
	}

	ev.Kind = clinical.KindLabResult
	lab := &clinical.LabResult{Code: code.Code, Name: code.Display, ValueText: res.ValueString}
	if res.Value != nil {
		lab.Value = res.Value.Value
		lab.Unit = res.Value.Unit
	}
	for _, i := range res.Interpretation {
		switch i.first().Code {
		case "H", "L", "A", "AA", "HH", "LL":
			lab.Abnormal = true
		}
	}
	if collected, ok := parseFHIRTime(res.Effective); ok {
		lab.Collected = &collected
	}
	ev.Lab = lab
	return ev, true, nil
}

// vitalType maps common LOINC vital codes to the internal names.
func vitalType(c coding) string {
	switch c.Code {
	case "8310-5":
		return "temperature"
	case "8867-4":
		return "heart-rate"
	case "9279-1":
		return "resp-rate"
	case "8480-6":
		return "bp-systolic"
	case "59408-5", "2708-6":
		return "spo2"
	case "3150-0":
		return "fio2"
	case "76530-5":
		return "peep"
	}
	if c.Display != "" {
		return strings.ToLower(strings.ReplaceAll(c.Display, " ", "-"))
	}
	return c.Code
}

func normalizeMedication(raw json.RawMessage, kind clinical.EventKind) (clinical.Event, bool, error) {
	var res struct {
		ID         string                     `json:"id"`
		Medication codeable                   `json:"medicationCodeableConcept"`
		Subject    struct{ Reference string } `json:"subject"`
		Effective  string                     `json:"effectiveDateTime"`
		Authored   string                     `json:"authoredOn"`
		Dosage     struct {
			Route codeable `json:"route"`
			Dose  *struct {
				Value float64 `json:"value"`
				Unit  string  `json:"unit"`
			} `json:"dose"`
		} `json:"dosage"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return clinical.Event{}, false, err
	}
	t, ok := parseFHIRTime(res.Effective)
	if !ok {
		if t, ok = parseFHIRTime(res.Authored); !ok {
			return clinical.Event{}, false, fmt.Errorf("medication %s: no time", res.ID)
		}
	}
	c := res.Medication.first()
	med := &clinical.MedicationEvent{Code: c.Code, Name: c.Display, Route: res.Dosage.Route.first().Code}
	if med.Name == "" {
		med.Name = res.Medication.Text
	}
	if res.Dosage.Dose != nil {
		med.DoseValue = res.Dosage.Dose.Value
		med.DoseUnit = res.Dosage.Dose.Unit
	}
	return clinical.Event{
		ID:        res.ID,
		Kind:      kind,
		Patient:   clinical.PatientRef{ID: refID(res.Subject.Reference)},
		Effective: t,
		Med:       med,
	}, true, nil
}

func normalizeProcedure(raw json.RawMessage) (clinical.Event, bool, error) {
	var res struct {
		ID        string                     `json:"id"`
		Code      codeable                   `json:"code"`
		Subject   struct{ Reference string } `json:"subject"`
		Performed string                     `json:"performedDateTime"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return clinical.Event{}, false, err
	}
	t, ok := parseFHIRTime(res.Performed)
	if !ok {
		return clinical.Event{}, false, fmt.Errorf("procedure %s: no performed time", res.ID)
	}
	c := res.Code.first()
	return clinical.Event{
		ID:        res.ID,
		Kind:      clinical.KindProcedure,
		Patient:   clinical.PatientRef{ID: refID(res.Subject.Reference)},
		Effective: t,
		Procedure: &clinical.Procedure{Code: c.Code, Display: c.Display},
	}, true, nil
}

func normalizeDocument(raw json.RawMessage) (clinical.Event, bool, error) {
	var res struct {
		ID      string                     `json:"id"`
		Type    codeable                   `json:"type"`
		Subject struct{ Reference string } `json:"subject"`
		Date    string                     `json:"date"`
		Content []struct {
			Attachment struct {
				Data string `json:"data"` // base64 in real payloads; adapters pre-decode
			} `json:"attachment"`
		} `json:"content"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return clinical.Event{}, false, err
	}
	t, ok := parseFHIRTime(res.Date)
	if !ok {
		return clinical.Event{}, false, fmt.Errorf("document %s: no date", res.ID)
	}
	text := res.Description
	if len(res.Content) > 0 && res.Content[0].Attachment.Data != "" {
		text = res.Content[0].Attachment.Data
	}
	return clinical.Event{
		ID:        res.ID,
		Kind:      clinical.KindNote,
		Patient:   clinical.PatientRef{ID: refID(res.Subject.Reference)},
		Effective: t,
		Note:      &clinical.ClinicalNote{NoteType: res.Type.first().Display, Text: text},
	}, true, nil
}

func normalizeDevice(raw json.RawMessage) (clinical.Event, bool, error) {
	var res struct {
		ID       string                     `json:"id"`
		Subject  struct{ Reference string } `json:"subject"`
		Device   struct{ Display string }   `json:"device"`
		Status   string                     `json:"status"`
		Timing   string                     `json:"timingDateTime"`
		BodySite codeable                   `json:"bodySite"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return clinical.Event{}, false, err
	}
	t, ok := parseFHIRTime(res.Timing)
	if !ok {
		return clinical.Event{}, false, fmt.Errorf("device use %s: no timing", res.ID)
	}
	action := "placed"
	if res.Status == "completed" || res.Status == "stopped" {
		action = "removed"
	}
	return clinical.Event{
		ID:        res.ID,
		Kind:      clinical.KindDevice,
		Patient:   clinical.PatientRef{ID: refID(res.Subject.Reference)},
		Effective: t,
		Device: &clinical.DeviceEvent{
			DeviceType: strings.ToLower(strings.ReplaceAll(res.Device.Display, " ", "-")),
			Action:     action,
			Site:       res.BodySite.first().Display,
		},
	}, true, nil
}

// normalizeDiagnosticReport consumes microbiology reports as culture events.
// Other report categories are skipped.
func normalizeDiagnosticReport(raw json.RawMessage) (clinical.Event, bool, error) {
	var res struct {
		ID             string                     `json:"id"`
		Category       []codeable                 `json:"category"`
		Code           codeable                   `json:"code"`
		Subject        struct{ Reference string } `json:"subject"`
		Effective      string                     `json:"effectiveDateTime"`
		Issued         string                     `json:"issued"`
		Conclusion     string                     `json:"conclusion"`
		ConclusionCode []codeable                 `json:"conclusionCode"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return clinical.Event{}, false, err
	}
	micro := false
	for _, c := range res.Category {
		if c.first().Code == "MB" {
			micro = true
		}
	}
	if !micro {
		return clinical.Event{}, false, nil
	}
	t, ok := parseFHIRTime(res.Issued)
	if !ok {
		if t, ok = parseFHIRTime(res.Effective); !ok {
			return clinical.Event{}, false, fmt.Errorf("report %s: no time", res.ID)
		}
	}
	culture := &clinical.CultureResult{
		SpecimenType: specimenFromCode(res.Code.first()),
		Positive:     !strings.Contains(strings.ToLower(res.Conclusion), "no growth"),
	}
	if len(res.ConclusionCode) > 0 {
		cc := res.ConclusionCode[0].first()
		culture.Organism = cc.Display
		culture.OrganismCode = cc.Code
	}
	if collected, ok := parseFHIRTime(res.Effective); ok {
		culture.Collected = &collected
	}
	return clinical.Event{
		ID:        res.ID,
		Kind:      clinical.KindCulture,
		Patient:   clinical.PatientRef{ID: refID(res.Subject.Reference)},
		Effective: t,
		Culture:   culture,
	}, true, nil
}

func specimenFromCode(c coding) string {
	d := strings.ToLower(c.Display)
	switch {
	case strings.Contains(d, "blood"):
		return "blood"
	case strings.Contains(d, "urine"):
		return "urine"
	case strings.Contains(d, "wound"):
		return "wound"
	case strings.Contains(d, "stool"):
		return "stool"
	case strings.Contains(d, "respiratory"), strings.Contains(d, "sputum"):
		return "respiratory"
	}
	return d
}
