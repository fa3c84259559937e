package occurrence

import (
	"fmt"
	"strings"
)

// -- Lifecycle State Machine --

// transitions defines the legal moves between canonical states. Terminal
// states have no entry.
var transitions = map[Status][]Status{
	StatusRegistrada:      {StatusEmTriagem, StatusEmAnalise, StatusImprocedente, StatusConcluida},
	StatusEmTriagem:       {StatusEmAnalise, StatusImprocedente, StatusConcluida},
	StatusEmAnalise:       {StatusAcaoEmAndamento, StatusConcluida},
	StatusAcaoEmAndamento: {StatusConcluida},
}

var canonicalStatuses = []Status{
	StatusRegistrada,
	StatusEmTriagem,
	StatusEmAnalise,
	StatusAcaoEmAndamento,
	StatusConcluida,
	StatusImprocedente,
}

// nativeAliases maps the legacy per-origin vocabularies onto canonical
// states.
var nativeAliases = map[SourceOrigin]map[string]Status{
	OriginMedicalReview: {
		"pendente":   StatusRegistrada,
		"em_revisao": StatusEmAnalise,
		"corrigido":  StatusConcluida,
		"mantido":    StatusConcluida,
		"cancelado":  StatusImprocedente,
	},
	OriginNursing: {
		"analise_tecnica": StatusEmAnalise,
	},
}

// nativeDefaults is the value written for a canonical state when the caller
// does not name a specific alias.
var nativeDefaults = map[SourceOrigin]map[Status]string{
	OriginMedicalReview: {
		StatusRegistrada:   "pendente",
		StatusEmAnalise:    "em_revisao",
		StatusConcluida:    "mantido",
		StatusImprocedente: "cancelado",
	},
	OriginNursing: {
		StatusEmAnalise: "analise_tecnica",
	},
}

// Statuses returns the canonical states in lifecycle order.
func Statuses() []Status {
	out := make([]Status, len(canonicalStatuses))
	copy(out, canonicalStatuses)
	return out
}

// ValidateTransition checks a move between canonical states.
func ValidateTransition(from, to Status) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, from)
	}
	allowed, ok := transitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown from-status %s", ErrInvalidTransition, from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
}

// CanonicalStatus maps a stored status onto the canonical set. Values outside
// both vocabularies read as desconhecido.
func CanonicalStatus(origin SourceOrigin, native string) Status {
	n := strings.ToLower(strings.TrimSpace(native))
	if s, ok := nativeAliases[origin][n]; ok {
		return s
	}
	if isCanonical(Status(n)) {
		return Status(n)
	}
	return StatusDesconhecido
}

// ResolveTarget accepts either a canonical state or one of the origin's native
// aliases and returns the canonical target plus the value to store.
func ResolveTarget(o *Occurrence, requested string) (Status, string, error) {
	req := strings.ToLower(strings.TrimSpace(requested))
	if s, ok := nativeAliases[o.Origin][req]; ok {
		return s, req, nil
	}
	target := Status(req)
	if !isCanonical(target) {
		return "", "", &ValidationError{Violations: []Violation{{
			Code:    ViolationInvalidStatus,
			Field:   "status",
			Message: fmt.Sprintf("unknown status %q for origin %s", requested, o.Origin),
		}}}
	}
	if target == StatusConcluida {
		return target, conclusionNative(o), nil
	}
	return target, defaultNativeStatus(o.Origin, target), nil
}

// ConclusionViolations lists what prevents o from being concluded: a missing
// triage where the subtype requires one, and any compliance gap of the staged
// outcome.
func ConclusionViolations(rules *RuleTable, o *Occurrence) []Violation {
	var out []Violation
	if o.RequiresTriage() && o.Triage == nil {
		out = append(out, Violation{
			Code:    ViolationMissingTriage,
			Field:   "triage",
			Message: "a medical review request must be triaged before it is concluded",
		})
	}
	return append(out, rules.CheckStaged(o).Violations...)
}

func defaultNativeStatus(origin SourceOrigin, s Status) string {
	if n, ok := nativeDefaults[origin][s]; ok {
		return n
	}
	return string(s)
}

// conclusionNative distinguishes a corrected report from a maintained one in
// the medical-review vocabulary.
func conclusionNative(o *Occurrence) string {
	if o.Origin == OriginMedicalReview && o.Outcome != nil && contains(o.Outcome.Types, "laudo_corrigido") {
		return "corrigido"
	}
	return defaultNativeStatus(o.Origin, StatusConcluida)
}

func isCanonical(s Status) bool {
	for _, c := range canonicalStatuses {
		if c == s {
			return true
		}
	}
	return false
}
