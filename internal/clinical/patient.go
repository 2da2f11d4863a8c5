package clinical

import "time"

// Patient is the demographic context the trigger monitor and element
// evaluator load when a trigger predicate matches. Adapters supply it on
// demand; the core never mutates it.
type Patient struct {
	Ref         PatientRef `json:"ref"`
	BirthDate   *time.Time `json:"birth_date,omitempty"`
	Sex         string     `json:"sex,omitempty"`
	RiskFactors []string   `json:"risk_factors,omitempty"`
}

// AgeDaysAt returns the patient's age in whole days at t. The second return
// is false when no birth date is on record.
func (p Patient) AgeDaysAt(t time.Time) (int, bool) {
	if p.BirthDate == nil {
		return 0, false
	}
	d := int(t.Sub(*p.BirthDate).Hours() / 24)
	if d < 0 {
		d = 0
	}
	return d, true
}

// HasRiskFactor reports whether the named risk factor is documented.
func (p Patient) HasRiskFactor(name string) bool {
	for _, rf := range p.RiskFactors {
		if rf == name {
			return true
		}
	}
	return false
}
