package constraints

import (
	"github.com/canopy-network/scorekeeper/pkg/db/models"
)

// ValiditySet folds the stored per-rule verdicts of a candidate into a single
// valid flag. It holds no state of its own.
type ValiditySet struct {
	rules []models.InvalidityType
}

// NewValiditySet gates on rules, or on every rule when none are given.
func NewValiditySet(rules ...models.InvalidityType) *ValiditySet {
	if len(rules) == 0 {
		rules = models.AllInvalidityTypes()
	}
	return &ValiditySet{rules: rules}
}

// IsValid is true when every rule has a stored verdict and all of them pass.
func (s *ValiditySet) IsValid(c *models.Candidate) bool {
	return len(s.Failing(c)) == 0
}

// Failing lists the rules that block c, including rules never evaluated.
func (s *ValiditySet) Failing(c *models.Candidate) []models.InvalidityType {
	var failing []models.InvalidityType
	for _, rule := range s.rules {
		r, ok := c.Reason(rule)
		if !ok || !r.Valid {
			failing = append(failing, rule)
		}
	}
	return failing
}

// Filter keeps the valid candidates, preserving order.
func (s *ValiditySet) Filter(cands []models.Candidate) []models.Candidate {
	valid := make([]models.Candidate, 0, len(cands))
	for i := range cands {
		if s.IsValid(&cands[i]) {
			valid = append(valid, cands[i])
		}
	}
	return valid
}
