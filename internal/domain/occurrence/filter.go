package occurrence

import (
	"sort"
	"strings"
	"time"
)

// Criteria narrows the unified listing. Zero-valued fields do not filter.
type Criteria struct {
	Text                      string
	Type                      string
	Status                    string
	Triage                    TriageClass
	PatientIDSubstring        string
	ProtocolOrExamIDSubstring string
	From                      *time.Time
	To                        *time.Time
}

// Unify normalizes records from every family into one collection. Newest
// first is Unify's own ordering; Filter neither relies on it nor restores it.
func Unify(records []RawRecord) []Occurrence {
	out := make([]Occurrence, 0, len(records))
	for _, r := range records {
		out = append(out, Normalize(r))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Filter applies c to all. The result keeps the relative order of all,
// whatever that order is; callers wanting newest first pass Unify's output.
// Technical occurrences are never part of the unified view, whatever the
// criteria.
func Filter(all []Occurrence, c Criteria) []Occurrence {
	text := strings.ToLower(strings.TrimSpace(c.Text))
	typ := strings.ToLower(strings.TrimSpace(c.Type))
	status := strings.ToLower(strings.TrimSpace(c.Status))
	patientID := strings.ToLower(strings.TrimSpace(c.PatientIDSubstring))
	protocol := strings.ToLower(strings.TrimSpace(c.ProtocolOrExamIDSubstring))

	var from, until time.Time
	if c.From != nil {
		from = startOfDay(*c.From)
	}
	if c.To != nil {
		until = startOfDay(*c.To).AddDate(0, 0, 1)
	}

	out := make([]Occurrence, 0, len(all))
	for i := range all {
		o := &all[i]
		if strings.EqualFold(o.Type, TypeTecnica) {
			continue
		}
		if text != "" && !strings.Contains(searchTextOf(o), text) {
			continue
		}
		if typ != "" && strings.ToLower(o.Type) != typ {
			continue
		}
		if status != "" && string(o.Status) != status && strings.ToLower(o.NativeStatus) != status {
			continue
		}
		if c.Triage != "" && (o.Triage == nil || *o.Triage != c.Triage) {
			continue
		}
		if patientID != "" && !strings.Contains(strings.ToLower(o.Patient.RecordNumber), patientID) {
			continue
		}
		if protocol != "" &&
			!strings.Contains(strings.ToLower(o.Protocol), protocol) &&
			!strings.Contains(strings.ToLower(o.ExamID), protocol) {
			continue
		}
		if !from.IsZero() && o.CreatedAt.Before(from) {
			continue
		}
		if !until.IsZero() && !o.CreatedAt.Before(until) {
			continue
		}
		out = append(out, *o)
	}
	return out
}

// searchTextOf falls back to building the text for occurrences that were not
// produced by Normalize.
func searchTextOf(o *Occurrence) string {
	if o.searchText != "" {
		return o.searchText
	}
	return buildSearchText(o)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
