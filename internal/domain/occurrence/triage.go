package occurrence

import (
	"context"
	"fmt"
	"strings"
)

var triageClasses = []TriageClass{
	TriageCircunstanciaRisco,
	TriageNearMiss,
	TriageIncidenteSemDano,
	TriageEventoAdverso,
	TriageEventoSentinela,
}

// TriageClasses returns the accepted classifications.
func TriageClasses() []TriageClass {
	out := make([]TriageClass, len(triageClasses))
	copy(out, triageClasses)
	return out
}

// ParseTriage validates a classification name.
func ParseTriage(s string) (TriageClass, error) {
	c := TriageClass(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range triageClasses {
		if c == known {
			return c, nil
		}
	}
	return "", &ValidationError{Violations: []Violation{{
		Code:    ViolationInvalidTriage,
		Field:   "triage",
		Message: fmt.Sprintf("unknown triage classification %q", s),
	}}}
}

// ApplyTriage records the classification on o. Re-triaging overwrites; a
// terminal occurrence cannot be triaged.
func ApplyTriage(o *Occurrence, class TriageClass) error {
	if o.Status.Terminal() {
		return ErrTerminal
	}
	c := class
	o.Triage = &c
	return nil
}

// ReviewForwarder opens the reviewer workflow for a triaged medical-review
// request.
type ReviewForwarder interface {
	ForwardForReview(ctx context.Context, o *Occurrence) error
}

// NotifierForwarder forwards review requests as an outbound event so the
// reviewer tooling can pick them up.
type NotifierForwarder struct {
	Notifier EventNotifier
}

func (f *NotifierForwarder) ForwardForReview(ctx context.Context, o *Occurrence) error {
	payload := envelope(EventReviewForwarded, o, nowUTC())
	if o.Triage != nil {
		payload["triagem"] = string(*o.Triage)
	}
	return f.Notifier.Publish(ctx, EventReviewForwarded, o.ID.String(), tenantOf(ctx), payload)
}
