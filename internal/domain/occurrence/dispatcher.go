package occurrence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/radiologia/ocorrencias/internal/platform/db"
)

// Outbound event types.
const (
	EventConcluded       = "ocorrencia.concluida"
	EventUpdated         = "ocorrencia.atualizada"
	EventReviewForwarded = "revisao_laudo.encaminhada"
)

// SnapshotGenerator renders and stores an immutable document for a snapshot,
// returning where it was stored.
type SnapshotGenerator interface {
	GenerateSnapshot(ctx context.Context, key string, snapshot any) (string, error)
}

// EventNotifier publishes an outbound event. Callers do not wait on it.
type EventNotifier interface {
	Publish(ctx context.Context, eventType, resourceID, tenantID string, payload map[string]any) error
}

// Snapshot is the frozen view of a concluded occurrence.
type Snapshot struct {
	Event       string        `json:"event"`
	GeneratedAt time.Time     `json:"generated_at"`
	Occurrence  Occurrence    `json:"occurrence"`
	Outcomes    []OutcomeRule `json:"outcomes,omitempty"`
}

// DispatchReport is what the caller learns about the side effects.
type DispatchReport struct {
	SnapshotURL string   `json:"snapshot_url,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

// Dispatcher runs the post-commit pipeline: build the snapshot, store it as a
// document, then publish the webhook event. Each step runs on its own and a
// failure in one never reaches back into the committed state.
type Dispatcher struct {
	rules     *RuleTable
	snapshots SnapshotGenerator
	notifier  EventNotifier
	logger    zerolog.Logger

	wg sync.WaitGroup
}

func NewDispatcher(rules *RuleTable, snapshots SnapshotGenerator, notifier EventNotifier, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{rules: rules, snapshots: snapshots, notifier: notifier, logger: logger}
}

type dispatchRun struct {
	event    string
	tenantID string
	snapshot Snapshot
	report   DispatchReport
}

// Dispatch runs the pipeline for o after its change was committed.
func (d *Dispatcher) Dispatch(ctx context.Context, event string, o *Occurrence) DispatchReport {
	run := &dispatchRun{event: event, tenantID: tenantOf(ctx)}
	d.buildSnapshot(run, o)
	d.storeSnapshot(ctx, run)
	d.publish(ctx, run)
	return run.report
}

// Wait blocks until in-flight webhook deliveries finish.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) buildSnapshot(run *dispatchRun, o *Occurrence) {
	frozen := cloneOccurrence(o)
	run.snapshot = Snapshot{
		Event:       run.event,
		GeneratedAt: nowUTC(),
		Occurrence:  frozen,
	}
	if frozen.Outcome != nil && d.rules != nil {
		for _, t := range frozen.Outcome.Types {
			if r, ok := d.rules.Lookup(t); ok {
				run.snapshot.Outcomes = append(run.snapshot.Outcomes, r)
			}
		}
	}
}

func (d *Dispatcher) storeSnapshot(ctx context.Context, run *dispatchRun) {
	if d.snapshots == nil {
		return
	}
	o := &run.snapshot.Occurrence
	key := fmt.Sprintf("%s/%s/snapshot-v%d", o.Origin.Table(), o.ID, o.Version)
	url, err := d.snapshots.GenerateSnapshot(ctx, key, run.snapshot)
	if err != nil {
		serr := &ExternalServiceError{Service: "pdf snapshot", Err: err}
		d.logger.Warn().Err(serr).
			Str("occurrence_id", o.ID.String()).
			Str("protocol", o.Protocol).
			Msg("snapshot generation failed, change kept")
		run.report.Warnings = append(run.report.Warnings, serr.Error())
		return
	}
	run.report.SnapshotURL = url
}

func (d *Dispatcher) publish(ctx context.Context, run *dispatchRun) {
	if d.notifier == nil {
		return
	}
	o := &run.snapshot.Occurrence
	payload := envelope(run.event, o, run.snapshot.GeneratedAt)
	if run.report.SnapshotURL != "" {
		payload["snapshot_url"] = run.report.SnapshotURL
	}
	bg := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.notifier.Publish(bg, run.event, o.ID.String(), run.tenantID, payload); err != nil {
			d.logger.Error().Err(&ExternalServiceError{Service: "webhook", Err: err}).
				Str("occurrence_id", o.ID.String()).
				Str("protocol", o.Protocol).
				Str("event", run.event).
				Msg("webhook delivery failed")
		}
	}()
}

// envelope is the flat outbound event body.
func envelope(event string, o *Occurrence, at time.Time) map[string]any {
	m := map[string]any{
		"evento":        event,
		"id":            o.ID.String(),
		"protocolo":     o.Protocol,
		"tipo":          o.Type,
		"subtipo":       o.Subtype,
		"status":        string(o.Status),
		"status_nativo": o.NativeStatus,
		"origem":        string(o.Origin),
		"timestamp":     at.Format(time.RFC3339),
	}
	if o.Triage != nil {
		m["triagem"] = string(*o.Triage)
	}
	if o.Outcome != nil {
		m["desfecho"] = o.Outcome.Types
		m["desfecho_principal"] = o.Outcome.Principal
	}
	if o.ExamID != "" && o.ExamID != "-" {
		m["numero_exame"] = o.ExamID
	}
	for k, v := range o.Details {
		if _, taken := m[k]; !taken {
			m[k] = v
		}
	}
	return m
}

// cloneOccurrence deep-copies the mutable parts so the snapshot cannot change
// after it is built.
func cloneOccurrence(o *Occurrence) Occurrence {
	c := *o
	if o.Triage != nil {
		t := *o.Triage
		c.Triage = &t
	}
	if o.Outcome != nil {
		out := *o.Outcome
		out.Types = append([]string(nil), o.Outcome.Types...)
		c.Outcome = &out
	}
	if o.ExternalNotification != nil {
		n := *o.ExternalNotification
		c.ExternalNotification = &n
	}
	c.Capa = append([]CapaAction{}, o.Capa...)
	if o.Details != nil {
		c.Details = make(map[string]string, len(o.Details))
		for k, v := range o.Details {
			c.Details[k] = v
		}
	}
	c.Attachments = nil
	return c
}

func tenantOf(ctx context.Context) string {
	return db.TenantFromContext(ctx)
}

func nowUTC() time.Time { return time.Now().UTC() }
