package script

import (
	"fmt"
	"regexp"
)

// RiskTier is a coarse classification of how dangerous a script looks.
// Ordering is RiskLow < RiskMedium < RiskHigh; checks only ever escalate.
type RiskTier int

const (
	RiskLow RiskTier = iota
	RiskMedium
	RiskHigh
)

func (t RiskTier) String() string {
	switch t {
	case RiskLow:
		return "LOW"
	case RiskMedium:
		return "MEDIUM"
	case RiskHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON renders the tier by name so API payloads stay readable.
func (t RiskTier) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// Assessment is the result of scanning a script for risk indicators.
type Assessment struct {
	RiskTier        RiskTier `json:"risk_tier"`
	MutatingCalls   []string `json:"mutating_calls,omitempty"`
	PrivilegedCalls []string `json:"privileged_calls,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
}

// Data-mutation call patterns. Any match escalates to at least Medium.
var mutationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\.insert\s*\(`),
	regexp.MustCompile(`\.update\s*\(`),
	regexp.MustCompile(`\.updateMultiple\s*\(`),
	regexp.MustCompile(`\.deleteRecord\s*\(`),
	regexp.MustCompile(`\.deleteMultiple\s*\(`),
	regexp.MustCompile(`GlideRecord(?:Secure)?\s*\([^)]*\)\s*\.\s*initialize`),
	regexp.MustCompile(`gs\.setProperty\s*\(`),
}

// Privileged / system-identity call patterns. Recorded for the caller's
// benefit but do not by themselves escalate the tier.
var privilegedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`gs\.getUser\s*\(`),
	regexp.MustCompile(`gs\.getUserID\s*\(`),
	regexp.MustCompile(`gs\.hasRole\s*\(`),
	regexp.MustCompile(`gs\.getSession\s*\(`),
	regexp.MustCompile(`GlideImpersonate`),
	regexp.MustCompile(`gs\.executeNow\s*\(`),
}

// Dangerous dynamic-execution patterns. Any match escalates to High and
// appends a warning citing the matched text.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\beval\s*\(`),
	regexp.MustCompile(`new\s+Function\s*\(`),
	regexp.MustCompile(`GlideEvaluator`),
	regexp.MustCompile(`GlideScopedEvaluator`),
	regexp.MustCompile(`\.setWorkflow\s*\(\s*false\s*\)`),
}

// Heuristic for "may walk many records": an unbounded loop header combined
// with a cursor advance anywhere in the script.
var (
	unboundedLoopPattern = regexp.MustCompile(`while\s*\(\s*(?:true|1)\s*\)`)
	cursorAdvancePattern = regexp.MustCompile(`\.next\s*\(`)
)

// Assess scans code against the risk pattern families. Deterministic and
// side-effect free; the same input always yields the same assessment.
func Assess(code string) Assessment {
	a := Assessment{RiskTier: RiskLow}

	for _, re := range mutationPatterns {
		for _, m := range re.FindAllString(code, -1) {
			a.MutatingCalls = append(a.MutatingCalls, m)
		}
	}
	if len(a.MutatingCalls) > 0 {
		a.escalate(RiskMedium)
	}

	for _, re := range privilegedPatterns {
		for _, m := range re.FindAllString(code, -1) {
			a.PrivilegedCalls = append(a.PrivilegedCalls, m)
		}
	}

	for _, re := range dangerousPatterns {
		for _, m := range re.FindAllString(code, -1) {
			a.escalate(RiskHigh)
			a.Warnings = append(a.Warnings,
				fmt.Sprintf("dangerous dynamic-execution pattern: %q", m))
		}
	}

	if unboundedLoopPattern.MatchString(code) && cursorAdvancePattern.MatchString(code) {
		a.escalate(RiskMedium)
		a.Warnings = append(a.Warnings,
			"unbounded loop with cursor advance: script may process many records")
	}

	return a
}

// escalate raises the tier, never lowers it.
func (a *Assessment) escalate(t RiskTier) {
	if t > a.RiskTier {
		a.RiskTier = t
	}
}
