package segmentation

import (
	"fmt"

	"github.com/ignite/audience-engine/internal/domain"
)

// Warning texts surfaced for rule sets that are legal but almost surely
// mistakes.
const (
	WarnMatchesEveryone = "rules match every subscriber in the team"
	WarnMatchesNoone    = "rules can never match a subscriber"
)

// NormalizeRules returns a copy of rules with absent match modes set to
// "all", the mode they compile to.
func NormalizeRules(rules domain.Rules) domain.Rules {
	if rules == nil {
		return nil
	}
	out := make(domain.Rules, len(rules))
	for i, g := range rules {
		if g.Match == "" {
			g.Match = domain.MatchAll
		}
		conds := make([]domain.Condition, len(g.Conditions))
		copy(conds, g.Conditions)
		g.Conditions = conds
		out[i] = g
	}
	return out
}

// Validate checks a rule set before it is stored. It requires at least one
// group, a recognized match mode on every group (absent means "all"), at
// least one condition per group, and every condition to compile. All
// problems are returned together as a *ValidationError.
func Validate(rules domain.Rules) error {
	verr := &ValidationError{}
	if len(rules) == 0 {
		verr.add("at least one condition group is required")
		return verr
	}
	checkShape(rules, verr, true)
	return verr.orNil()
}

// ValidateForPreview applies the checks of Validate except that empty groups
// are allowed; the resulting warnings describe their effect.
func ValidateForPreview(rules domain.Rules) ([]string, error) {
	verr := &ValidationError{}
	checkShape(rules, verr, false)
	if err := verr.orNil(); err != nil {
		return nil, err
	}
	return Warnings(rules), nil
}

// Warnings explains rule sets that are valid but degenerate.
func Warnings(rules domain.Rules) []string {
	pred, err := CompileRules(rules)
	if err != nil {
		return nil
	}
	var out []string
	for i, g := range rules {
		if len(g.Conditions) > 0 {
			continue
		}
		if g.Match == domain.MatchAny {
			out = append(out, fmt.Sprintf("group %d is empty with match \"any\" and matches no subscriber", i+1))
		} else {
			out = append(out, fmt.Sprintf("group %d is empty with match \"all\" and matches every subscriber", i+1))
		}
	}
	switch {
	case IsContradiction(pred):
		out = append(out, WarnMatchesNoone)
	case IsTautology(pred):
		out = append(out, WarnMatchesEveryone)
	}
	return out
}

func checkShape(rules domain.Rules, verr *ValidationError, requireConditions bool) {
	for gi, g := range rules {
		switch g.Match {
		case "", domain.MatchAll, domain.MatchAny:
		default:
			verr.add("group %d: unrecognized match %q (want \"all\" or \"any\")", gi+1, g.Match)
		}
		if requireConditions && len(g.Conditions) == 0 {
			verr.add("group %d: at least one condition is required", gi+1)
		}
	}
	if _, err := CompileRules(rules); err != nil {
		if ve, ok := err.(*ValidationError); ok {
			verr.Problems = append(verr.Problems, ve.Problems...)
		} else {
			verr.add("%v", err)
		}
	}
}
