package occurrence

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed rules/outcomes.toml
var defaultRulesTOML []byte

// ViolationCode names one reason a mutation was rejected.
type ViolationCode string

const (
	ViolationMissingExternalNotification ViolationCode = "MissingExternalNotification"
	ViolationMissingCapa                 ViolationCode = "MissingCapa"
	ViolationNoOutcomeSelected           ViolationCode = "NoOutcomeSelected"
	ViolationUnknownOutcomeType          ViolationCode = "UnknownOutcomeType"
	ViolationPrincipalNotSelected        ViolationCode = "PrincipalNotSelected"
	ViolationMissingTriage               ViolationCode = "MissingTriage"
	ViolationInvalidTriage               ViolationCode = "InvalidTriage"
	ViolationInvalidCapa                 ViolationCode = "InvalidCapa"
	ViolationInvalidStatus               ViolationCode = "InvalidStatus"
	ViolationInvalidAttachment           ViolationCode = "InvalidAttachment"
	ViolationInvalidIntake               ViolationCode = "InvalidIntake"
)

// Violation is a single failed rule.
type Violation struct {
	Code    ViolationCode `json:"code"`
	Field   string        `json:"field,omitempty"`
	Message string        `json:"message"`
}

// OutcomeRule lists the compliance records an outcome type demands.
type OutcomeRule struct {
	Type                         string `toml:"type" json:"type"`
	Label                        string `toml:"label" json:"label"`
	RequiresExternalNotification bool   `toml:"requires_external_notification" json:"requires_external_notification"`
	RequiresCapa                 bool   `toml:"requires_capa" json:"requires_capa"`
}

type ruleFile struct {
	Version  int           `toml:"version"`
	Outcomes []OutcomeRule `toml:"outcome"`
}

// RuleTable is the loaded outcome requirement table. It is read-only after
// construction and safe for concurrent use.
type RuleTable struct {
	rules  []OutcomeRule
	byType map[string]OutcomeRule
}

// ParseRules decodes and validates a TOML rule file.
func ParseRules(data []byte) (*RuleTable, error) {
	var f ruleFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse outcome rules: %w", err)
	}
	if f.Version != 1 {
		return nil, fmt.Errorf("unsupported outcome rules version %d: expected version = 1", f.Version)
	}
	if len(f.Outcomes) == 0 {
		return nil, errors.New("outcome rules define no outcome types")
	}

	t := &RuleTable{byType: make(map[string]OutcomeRule, len(f.Outcomes))}
	for i, r := range f.Outcomes {
		r.Type = strings.TrimSpace(r.Type)
		if r.Type == "" {
			return nil, fmt.Errorf("outcome #%d: type is required", i+1)
		}
		if _, dup := t.byType[r.Type]; dup {
			return nil, fmt.Errorf("outcome %q is defined twice", r.Type)
		}
		if strings.TrimSpace(r.Label) == "" {
			r.Label = r.Type
		}
		t.byType[r.Type] = r
		t.rules = append(t.rules, r)
	}
	return t, nil
}

// LoadRules reads the rule file at path, falling back to the embedded table
// when path is empty.
func LoadRules(path string) (*RuleTable, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultRules(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read outcome rules: %w", err)
	}
	return ParseRules(raw)
}

// DefaultRules returns the embedded rule table.
func DefaultRules() *RuleTable {
	t, err := ParseRules(defaultRulesTOML)
	if err != nil {
		panic(fmt.Sprintf("embedded outcome rules: %v", err))
	}
	return t
}

// Lookup returns the rule for an outcome type.
func (t *RuleTable) Lookup(outcomeType string) (OutcomeRule, bool) {
	r, ok := t.byType[outcomeType]
	return r, ok
}

// Rules returns the rules in file order.
func (t *RuleTable) Rules() []OutcomeRule {
	out := make([]OutcomeRule, len(t.rules))
	copy(out, t.rules)
	return out
}

// OutcomeProposal is the caller's outcome selection.
type OutcomeProposal struct {
	Types         []string `json:"types"`
	Justification string   `json:"justification"`
	Principal     string   `json:"principal"`
}

// ValidationResult reports every violation found for a proposal.
type ValidationResult struct {
	Violations        []Violation `json:"violations"`
	NeedsNotification bool        `json:"needs_notification"`
	NeedsCapa         bool        `json:"needs_capa"`
}

// OK reports whether the proposal may be persisted.
func (r ValidationResult) OK() bool { return len(r.Violations) == 0 }

// Err returns a *ValidationError, or nil when there are no violations.
func (r ValidationResult) Err() error {
	if r.OK() {
		return nil
	}
	return &ValidationError{Violations: r.Violations}
}

// ProposeOutcome validates an outcome selection against the requirement table
// and the current compliance records. All violations are collected; nothing
// short-circuits.
func (t *RuleTable) ProposeOutcome(p OutcomeProposal, notification *ExternalNotification, capa []CapaAction) ValidationResult {
	res := ValidationResult{Violations: []Violation{}}
	types := cleanTypes(p.Types)

	if len(types) == 0 {
		res.Violations = append(res.Violations, Violation{
			Code:    ViolationNoOutcomeSelected,
			Field:   "types",
			Message: "at least one outcome type must be selected",
		})
	}

	for _, typ := range types {
		rule, ok := t.byType[typ]
		if !ok {
			res.Violations = append(res.Violations, Violation{
				Code:    ViolationUnknownOutcomeType,
				Field:   "types",
				Message: fmt.Sprintf("unknown outcome type %q", typ),
			})
			continue
		}
		res.NeedsNotification = res.NeedsNotification || rule.RequiresExternalNotification
		res.NeedsCapa = res.NeedsCapa || rule.RequiresCapa
	}

	if principal := strings.TrimSpace(p.Principal); principal != "" && !contains(types, principal) {
		res.Violations = append(res.Violations, Violation{
			Code:    ViolationPrincipalNotSelected,
			Field:   "principal",
			Message: fmt.Sprintf("principal outcome %q is not among the selected types", principal),
		})
	}

	if res.NeedsNotification && !notification.Complete() {
		res.Violations = append(res.Violations, Violation{
			Code:    ViolationMissingExternalNotification,
			Field:   "external_notification",
			Message: "external notification requires " + strings.Join(missingNotificationFields(notification), ", "),
		})
	}
	if res.NeedsCapa && len(capa) == 0 {
		res.Violations = append(res.Violations, Violation{
			Code:    ViolationMissingCapa,
			Field:   "capa",
			Message: "at least one corrective or preventive action is required",
		})
	}
	return res
}

// CheckStaged re-validates the outcome currently staged on o. An occurrence
// with no outcome has nothing to check.
func (t *RuleTable) CheckStaged(o *Occurrence) ValidationResult {
	if o.Outcome == nil {
		return ValidationResult{Violations: []Violation{}}
	}
	return t.ProposeOutcome(OutcomeProposal{
		Types:         o.Outcome.Types,
		Justification: o.Outcome.Justification,
		Principal:     o.Outcome.Principal,
	}, o.ExternalNotification, o.Capa)
}

// BuildOutcome turns an accepted proposal into the stored outcome. The
// principal defaults to the first selected type.
func BuildOutcome(p OutcomeProposal, decidedBy string, decidedAt time.Time) *Outcome {
	types := cleanTypes(p.Types)
	principal := strings.TrimSpace(p.Principal)
	if principal == "" && len(types) > 0 {
		principal = types[0]
	}
	at := decidedAt
	return &Outcome{
		Types:         types,
		Justification: strings.TrimSpace(p.Justification),
		Principal:     principal,
		DecidedBy:     decidedBy,
		DecidedAt:     &at,
	}
}

func missingNotificationFields(n *ExternalNotification) []string {
	if n == nil {
		return []string{"agency", "date", "responsible"}
	}
	var missing []string
	if strings.TrimSpace(n.Agency) == "" {
		missing = append(missing, "agency")
	}
	if n.Date == nil || n.Date.IsZero() {
		missing = append(missing, "date")
	}
	if strings.TrimSpace(n.Responsible) == "" {
		missing = append(missing, "responsible")
	}
	return missing
}

// cleanTypes trims, drops blanks and removes duplicates, keeping first-seen
// order.
func cleanTypes(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, t := range in {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
