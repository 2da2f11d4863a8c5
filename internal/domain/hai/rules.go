package hai

import (
	"encoding/json"
	"fmt"
	"strings"
)

// mbiPathogens are organisms qualifying for the mucosal-barrier-injury
// variant when the patient context matches (neutropenia, mucositis,
// stem-cell transplant). Matching is case-insensitive substring.
var mbiPathogens = []string{
	"escherichia coli",
	"klebsiella",
	"enterobacter",
	"citrobacter",
	"enterococcus",
	"viridans",
	"candida",
	"bacteroides",
	"clostridium",
	"fusobacterium",
	"prevotella",
	"veillonella",
}

func isMBIPathogen(organism string) bool {
	o := strings.ToLower(organism)
	for _, p := range mbiPathogens {
		if strings.Contains(o, p) {
			return true
		}
	}
	return false
}

// Engine is the deterministic classifier. The decision is a pure function of
// (candidate screen context, extracted facts, strictness); the reasoning
// trace records which predicate each step evaluated and how.
type Engine struct {
	strictness Strictness
}

func NewEngine(strictness Strictness) (*Engine, error) {
	if !ValidStrictness(strictness) {
		return nil, fmt.Errorf("unknown strictness %q", strictness)
	}
	return &Engine{strictness: strictness}, nil
}

// Strictness returns the configured level.
func (e *Engine) Strictness() Strictness { return e.strictness }

// Classify walks the decision ladder in fixed order; the first matching rule
// wins. facts may be nil when extraction produced nothing usable; the
// ladder then runs on structured context alone.
func (e *Engine) Classify(c *Candidate, facts *Facts) (Decision, []string) {
	sc := c.screenContext()
	var trace []string
	step := func(format string, args ...interface{}) {
		trace = append(trace, fmt.Sprintf(format, args...))
	}
	if facts == nil {
		facts = &Facts{}
		step("facts: none available, structured context only")
	}

	// 1. Basic eligibility.
	if c.Excluded() {
		step("eligibility: excluded at screen (%s)", *c.ExclusionReason)
		return DecisionNotEligible, trace
	}
	switch c.Kind {
	case KindCLABSI, KindCAUTI, KindVAE:
		days := 0
		if c.DeviceDays != nil {
			days = *c.DeviceDays
		}
		if days < 2 {
			step("eligibility: device days %d < 2", days)
			return DecisionNotEligible, trace
		}
		step("eligibility: device days %d >= 2", days)
	case KindCDI:
		if c.Onset != OnsetHealthcare {
			step("eligibility: onset %q is not healthcare-onset", c.Onset)
			return DecisionNotEligible, trace
		}
		step("eligibility: healthcare-onset, specimen day %d", sc.SpecimenDay)
	case KindSSI:
		step("eligibility: within surveillance window, post-op day %d", sc.SpecimenDay)
	}

	// 2. Mucosal-barrier variant (bloodstream only).
	if c.Kind == KindCLABSI {
		pathogen := isMBIPathogen(sc.Organism)
		context := facts.Neutropenia && facts.Mucositis && facts.StemCellTransplant
		if pathogen && context {
			step("mucosal-barrier: %s qualifies and neutropenia+mucositis+transplant documented", sc.Organism)
			return DecisionMucosalBI, trace
		}
		step("mucosal-barrier: pathogen=%t context=%t, no match", pathogen, context)
	}

	// 3. Alternate source per strictness.
	if matched, why := e.alternateSource(c.Kind, sc, facts); matched {
		step("alternate source: %s", why)
		return DecisionSecondary, trace
	} else if why != "" {
		step("alternate source: %s", why)
	}

	// 4. Single-commensal contamination.
	if sc.Commensal && sc.CultureCount == 1 {
		step("contamination: common commensal %s with a single qualifying culture", sc.Organism)
		return DecisionContamination, trace
	}
	if sc.Organism != "" {
		step("contamination: commensal=%t cultures=%d, no match", sc.Commensal, sc.CultureCount)
	}

	// 5. Default.
	step("default: hai-confirmed")
	return DecisionConfirmed, trace
}

// alternateSource applies the strictness dial: strict demands the same
// organism cultured at the other site, moderate accepts the organism being
// documented there, permissive additionally accepts an uncultured clinical
// diagnosis at another site.
func (e *Engine) alternateSource(kind Kind, sc ScreenContext, facts *Facts) (bool, string) {
	site := strings.TrimSpace(facts.AlternateSourceSite)
	if site == "" {
		if kind == KindCAUTI && facts.ClinicalUTIDiagnosis && e.strictness == StrictnessPermissive {
			return true, "clinical urinary-infection diagnosis accepted under permissive strictness"
		}
		return false, "no alternate site documented"
	}
	sameOrganism := sc.Organism != "" && strings.EqualFold(facts.AlternateSourceOrganism, sc.Organism)
	switch e.strictness {
	case StrictnessStrict:
		if sameOrganism {
			return true, fmt.Sprintf("%s cultured at %s (strict: culture-confirmed match required)", sc.Organism, site)
		}
		return false, fmt.Sprintf("site %s documented but organism not culture-confirmed (strict)", site)
	case StrictnessModerate:
		if sameOrganism || facts.AlternateSourceOrganism != "" {
			return true, fmt.Sprintf("organism documented at %s (moderate)", site)
		}
		return false, fmt.Sprintf("site %s documented without an organism (moderate)", site)
	default: // permissive
		return true, fmt.Sprintf("alternate site %s documented (permissive)", site)
	}
}

// BuildClassification assembles the persistable row for an engine decision.
func (e *Engine) BuildClassification(c *Candidate, extractionFK *int64, decision Decision, trace []string) *Classification {
	reasoning, _ := json.Marshal(trace)
	return &Classification{
		CandidateFK:    c.ID,
		ExtractionFK:   extractionFK,
		Decision:       decision,
		Strictness:     e.strictness,
		Reasoning:      reasoning,
		ReviewRequired: true,
	}
}
