package constraints

import (
	"github.com/canopy-network/scorekeeper/pkg/db/models"
)

// Outcome is the tri-state result of a rule.
type Outcome int

const (
	Pass Outcome = iota
	Fail
	// Indeterminate means the rule could not be evaluated this cycle. It is
	// not persisted and callers treat it as not passed.
	Indeterminate
)

func (o Outcome) String() string {
	switch o {
	case Pass:
		return "pass"
	case Fail:
		return "fail"
	default:
		return "indeterminate"
	}
}

// Verdict is one rule's result for one candidate.
type Verdict struct {
	Rule    models.InvalidityType
	Outcome Outcome
	Reason  string
	// Err is the cause of an Indeterminate outcome.
	Err error
}

func (v Verdict) Passed() bool {
	return v.Outcome == Pass
}

func pass(rule models.InvalidityType) Verdict {
	return Verdict{Rule: rule, Outcome: Pass}
}

func fail(rule models.InvalidityType, reason string) Verdict {
	return Verdict{Rule: rule, Outcome: Fail, Reason: reason}
}

func indeterminate(rule models.InvalidityType, err error) Verdict {
	return Verdict{Rule: rule, Outcome: Indeterminate, Err: err}
}
