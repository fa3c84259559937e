package occurrence

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func violationCodes(vs []Violation) map[ViolationCode]bool {
	out := make(map[ViolationCode]bool, len(vs))
	for _, v := range vs {
		out[v.Code] = true
	}
	return out
}

func completeNotification() *ExternalNotification {
	return &ExternalNotification{Agency: "ANVISA", Date: mustDate("2026-02-01"), Responsible: "Qualidade"}
}

func TestDefaultRules(t *testing.T) {
	rules := DefaultRules()

	r, ok := rules.Lookup("notificacao_sanitaria")
	if !ok || !r.RequiresCapa || !r.RequiresExternalNotification {
		t.Errorf("expected notificacao_sanitaria to require both records, got %+v", r)
	}
	r, ok = rules.Lookup("orientacao")
	if !ok || r.RequiresCapa || r.RequiresExternalNotification {
		t.Errorf("expected orientacao to require nothing, got %+v", r)
	}
	if len(rules.Rules()) < 5 {
		t.Errorf("expected the full table, got %d rules", len(rules.Rules()))
	}
}

func TestParseRules_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"version", "version = 2\n[[outcome]]\ntype = \"a\"\n", "version"},
		{"empty", "version = 1\n", "no outcome"},
		{"missing type", "version = 1\n[[outcome]]\nlabel = \"x\"\n", "type is required"},
		{"duplicate", "version = 1\n[[outcome]]\ntype = \"a\"\n[[outcome]]\ntype = \"a\"\n", "defined twice"},
		{"syntax", "version = \n", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRules([]byte(tt.doc))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestParseRules_LabelDefaultsToType(t *testing.T) {
	rules, err := ParseRules([]byte("version = 1\n[[outcome]]\ntype = \"custom\"\nrequires_capa = true\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r, _ := rules.Lookup("custom")
	if r.Label != "custom" || !r.RequiresCapa {
		t.Errorf("unexpected rule %+v", r)
	}
}

func TestLoadRules(t *testing.T) {
	rules, err := LoadRules("")
	if err != nil || rules == nil {
		t.Fatalf("expected embedded rules, got %v", err)
	}

	path := filepath.Join(t.TempDir(), "rules.toml")
	if err := os.WriteFile(path, []byte("version = 1\n[[outcome]]\ntype = \"only\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	rules, err = LoadRules(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := rules.Lookup("orientacao"); ok {
		t.Error("expected file rules to replace the embedded table")
	}

	if _, err := LoadRules(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestProposeOutcome_Matrix(t *testing.T) {
	rules := DefaultRules()
	capa := []CapaAction{{Action: "Treinar", Status: "pendente"}}

	tests := []struct {
		name         string
		types        []string
		notification *ExternalNotification
		capa         []CapaAction
		want         []ViolationCode
	}{
		{"no requirement", []string{"orientacao"}, nil, nil, nil},
		{"capa missing", []string{"treinamento"}, nil, nil, []ViolationCode{ViolationMissingCapa}},
		{"capa present", []string{"treinamento"}, nil, capa, nil},
		{"notification missing", []string{"notificacao_externa"}, nil, nil, []ViolationCode{ViolationMissingExternalNotification}},
		{"notification incomplete", []string{"notificacao_externa"}, &ExternalNotification{Agency: "ANVISA"}, nil, []ViolationCode{ViolationMissingExternalNotification}},
		{"notification complete", []string{"notificacao_externa"}, completeNotification(), nil, nil},
		{"both missing", []string{"notificacao_sanitaria"}, nil, nil, []ViolationCode{ViolationMissingExternalNotification, ViolationMissingCapa}},
		{"union over types", []string{"orientacao", "treinamento", "notificacao_externa"}, nil, nil, []ViolationCode{ViolationMissingExternalNotification, ViolationMissingCapa}},
		{"none selected", nil, nil, nil, []ViolationCode{ViolationNoOutcomeSelected}},
		{"unknown type", []string{"inventado"}, nil, nil, []ViolationCode{ViolationUnknownOutcomeType}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := rules.ProposeOutcome(OutcomeProposal{Types: tt.types}, tt.notification, tt.capa)
			got := violationCodes(res.Violations)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, res.Violations)
			}
			for _, code := range tt.want {
				if !got[code] {
					t.Errorf("expected violation %s, got %v", code, res.Violations)
				}
			}
			if res.OK() != (len(tt.want) == 0) {
				t.Errorf("OK() = %v with violations %v", res.OK(), res.Violations)
			}
		})
	}
}

func TestProposeOutcome_PrincipalMustBeSelected(t *testing.T) {
	res := DefaultRules().ProposeOutcome(OutcomeProposal{Types: []string{"orientacao"}, Principal: "sem_acao"}, nil, nil)
	if !violationCodes(res.Violations)[ViolationPrincipalNotSelected] {
		t.Fatalf("expected PrincipalNotSelected, got %v", res.Violations)
	}
	var verr *ValidationError
	if !errors.As(res.Err(), &verr) || len(verr.Violations) != 1 {
		t.Errorf("expected a ValidationError, got %v", res.Err())
	}
}

func TestCheckStaged(t *testing.T) {
	rules := DefaultRules()
	o := &Occurrence{}
	if !rules.CheckStaged(o).OK() {
		t.Error("expected nothing to check without an outcome")
	}
	o.Outcome = &Outcome{Types: []string{"notificacao_externa"}}
	if rules.CheckStaged(o).OK() {
		t.Error("expected staged outcome without notification to fail")
	}
	o.ExternalNotification = completeNotification()
	if !rules.CheckStaged(o).OK() {
		t.Error("expected staged outcome with notification to pass")
	}
}

func TestBuildOutcome(t *testing.T) {
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	out := BuildOutcome(OutcomeProposal{Types: []string{" treinamento ", "orientacao", "treinamento"}}, "qm-1", at)
	if len(out.Types) != 2 || out.Principal != "treinamento" {
		t.Errorf("unexpected outcome %+v", out)
	}
	if out.DecidedBy != "qm-1" || !out.DecidedAt.Equal(at) {
		t.Errorf("unexpected decision metadata %+v", out)
	}
}

func TestExternalNotification_Complete(t *testing.T) {
	var n *ExternalNotification
	if n.Complete() {
		t.Error("expected nil notification to be incomplete")
	}
	n = &ExternalNotification{Agency: "  ", Date: mustDate("2026-01-01"), Responsible: "x"}
	if n.Complete() {
		t.Error("expected blank agency to be incomplete")
	}
	if !completeNotification().Complete() {
		t.Error("expected complete notification")
	}
}
