package occurrence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultPrivilegedRoles may mutate occurrences. Everyone else reads.
var DefaultPrivilegedRoles = []string{"admin", "quality_manager"}

// Actor is the caller of a service operation.
type Actor struct {
	ID    string
	Roles []string
}

// MutationResult is returned by every write. Warnings carry side-effect
// failures that did not undo the committed change.
type MutationResult struct {
	Occurrence  *Occurrence `json:"occurrence"`
	SnapshotURL string      `json:"snapshot_url,omitempty"`
	Warnings    []string    `json:"warnings,omitempty"`
}

// IntakeRequest is a raw record pushed by an intake producer.
type IntakeRequest struct {
	Payload map[string]any
}

// TransitionRequest names the target state, canonical or a native alias.
type TransitionRequest struct {
	Status string  `json:"status"`
	Reason *string `json:"reason,omitempty"`
}

type ServiceOption func(*Service)

// WithPrivilegedRoles replaces the roles allowed to mutate.
func WithPrivilegedRoles(roles ...string) ServiceOption {
	return func(s *Service) {
		s.privileged = make(map[string]bool, len(roles))
		for _, r := range roles {
			if r = strings.TrimSpace(r); r != "" {
				s.privileged[r] = true
			}
		}
	}
}

// WithReviewForwarder sets the collaborator called after a medical-review
// request is triaged.
func WithReviewForwarder(f ReviewForwarder) ServiceOption {
	return func(s *Service) { s.forwarder = f }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// Service runs the write paths: every mutation authorizes, loads, validates,
// then saves, and only afterwards runs side effects.
type Service struct {
	repo        Repository
	rules       *RuleTable
	attachments *AttachmentBinder
	dispatcher  *Dispatcher
	forwarder   ReviewForwarder
	privileged  map[string]bool
	logger      zerolog.Logger
	now         func() time.Time
}

func NewService(repo Repository, rules *RuleTable, attachments *AttachmentBinder, dispatcher *Dispatcher, logger zerolog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		repo:        repo,
		rules:       rules,
		attachments: attachments,
		dispatcher:  dispatcher,
		logger:      logger,
		now:         time.Now,
	}
	WithPrivilegedRoles(DefaultPrivilegedRoles...)(s)
	for _, o := range opts {
		o(s)
	}
	return s
}

// Rules exposes the loaded outcome table.
func (s *Service) Rules() *RuleTable { return s.rules }

func (s *Service) authorize(a Actor) error {
	for _, r := range a.Roles {
		if s.privileged[r] {
			return nil
		}
	}
	return ErrUnauthorized
}

func (s *Service) clock() time.Time { return s.now().UTC() }

// -- Read paths --

// List returns the unified, filtered view across every family.
func (s *Service) List(ctx context.Context, c Criteria) ([]Occurrence, error) {
	records, err := s.repo.ListRaw(ctx)
	if err != nil {
		return nil, fmt.Errorf("list occurrences: %w", err)
	}
	return Filter(Unify(records), c), nil
}

// Get returns one occurrence with its attachments. Attachment listing is
// best effort.
func (s *Service) Get(ctx context.Context, origin SourceOrigin, id uuid.UUID) (*Occurrence, error) {
	o, err := s.load(ctx, origin, id)
	if err != nil {
		return nil, err
	}
	if s.attachments != nil {
		list, err := s.attachments.List(ctx, origin.Table(), id)
		if err != nil {
			s.logger.Warn().Err(err).Str("occurrence_id", id.String()).Msg("list attachments")
		} else {
			o.Attachments = list
		}
	}
	return o, nil
}

func (s *Service) load(ctx context.Context, origin SourceOrigin, id uuid.UUID) (*Occurrence, error) {
	if origin.Table() == "" {
		return nil, &UnknownOriginError{OriginTable: string(origin)}
	}
	raw, err := s.repo.GetRaw(ctx, origin, id)
	if err != nil {
		return nil, err
	}
	o := Normalize(raw)
	return &o, nil
}

// History returns the status changes of one occurrence, oldest first.
func (s *Service) History(ctx context.Context, origin SourceOrigin, id uuid.UUID) ([]*StatusChange, error) {
	if _, err := s.load(ctx, origin, id); err != nil {
		return nil, err
	}
	return s.repo.ListStatusHistory(ctx, origin, id)
}

// ValidateOutcome runs the compliance check for a proposal without saving.
func (s *Service) ValidateOutcome(ctx context.Context, origin SourceOrigin, id uuid.UUID, p OutcomeProposal) (ValidationResult, error) {
	o, err := s.load(ctx, origin, id)
	if err != nil {
		return ValidationResult{}, err
	}
	return s.rules.ProposeOutcome(p, o.ExternalNotification, o.Capa), nil
}

// -- Intake --

const protocolAttempts = 3

// Register stores a new raw record in the family table of origin with status
// registrada and returns it normalized.
func (s *Service) Register(ctx context.Context, origin SourceOrigin, req IntakeRequest, actor Actor) (*Occurrence, error) {
	if origin.Table() == "" {
		return nil, &UnknownOriginError{OriginTable: string(origin)}
	}
	if len(req.Payload) == 0 {
		return nil, &ValidationError{Violations: []Violation{{
			Code:    ViolationInvalidIntake,
			Field:   "payload",
			Message: "intake payload is empty",
		}}}
	}

	createdBy := actor.ID
	if createdBy == "" {
		createdBy = scalarString(req.Payload["criado_por"])
	}
	if createdBy == "" {
		createdBy = "anonimo"
	}

	now := s.clock()
	rec := NewRecord{
		ID:          uuid.New(),
		Status:      defaultNativeStatus(origin, StatusRegistrada),
		Description: intakeDescription(req.Payload),
		CreatedBy:   createdBy,
		CreatedAt:   now,
		Payload:     req.Payload,
	}

	var err error
	for attempt := 0; attempt < protocolAttempts; attempt++ {
		rec.Protocol = NewProtocol(origin, now)
		if err = s.repo.InsertRaw(ctx, origin, rec); !errors.Is(err, ErrDuplicateProtocol) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("register occurrence: %w", err)
	}

	s.logger.Info().
		Str("occurrence_id", rec.ID.String()).
		Str("protocol", rec.Protocol).
		Str("origin", string(origin)).
		Msg("occurrence registered")
	return s.load(ctx, origin, rec.ID)
}

// NewProtocol returns <PREFIX>-YYYYMMDD-XXXXXX for origin.
func NewProtocol(origin SourceOrigin, at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return protocolPrefixes[origin] + "-" + at.Format("20060102") + "-" + suffix
}

func intakeDescription(payload map[string]any) string {
	for _, k := range []string{"descricao", "relato", "mensagem", "texto", "descricao_evento", "motivo_revisao"} {
		if v := scalarString(payload[k]); v != "" {
			return v
		}
	}
	return ""
}

// -- Guarded mutations --

// mutate loads o, applies fn, re-checks compliance when o is already
// concluded, and saves. Edits of a concluded occurrence re-run the
// post-commit pipeline.
func (s *Service) mutate(ctx context.Context, origin SourceOrigin, id uuid.UUID, actor Actor, expectedVersion int, fn func(o *Occurrence) error) (*MutationResult, error) {
	if err := s.authorize(actor); err != nil {
		return nil, err
	}
	o, err := s.load(ctx, origin, id)
	if err != nil {
		return nil, err
	}
	if o.Status == StatusImprocedente {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, o.Status)
	}
	if err := fn(o); err != nil {
		return nil, err
	}
	if o.Status == StatusConcluida {
		if v := s.rules.CheckStaged(o); !v.OK() {
			return nil, v.Err()
		}
	}
	if err := s.repo.Save(ctx, o, nil, expectedVersion); err != nil {
		return nil, fmt.Errorf("save occurrence: %w", err)
	}

	res := &MutationResult{Occurrence: o}
	if o.Status == StatusConcluida {
		s.afterCommit(ctx, EventUpdated, o, res)
	}
	return res, nil
}

// SetTriage records the severity classification. Triaging a medical-review
// request also forwards it to the reviewer workflow.
func (s *Service) SetTriage(ctx context.Context, origin SourceOrigin, id uuid.UUID, class string, actor Actor, expectedVersion int) (*MutationResult, error) {
	if err := s.authorize(actor); err != nil {
		return nil, err
	}
	c, err := ParseTriage(class)
	if err != nil {
		return nil, err
	}
	res, err := s.mutate(ctx, origin, id, actor, expectedVersion, func(o *Occurrence) error {
		return ApplyTriage(o, c)
	})
	if err != nil {
		return nil, err
	}

	o := res.Occurrence
	if o.RequiresTriage() && s.forwarder != nil {
		if err := s.forwarder.ForwardForReview(ctx, o); err != nil {
			s.logger.Warn().Err(err).
				Str("occurrence_id", o.ID.String()).
				Str("protocol", o.Protocol).
				Msg("forward for review failed")
		}
	}
	return res, nil
}

// ProposeOutcome validates and stages an outcome. Nothing is written unless
// every rule passes.
func (s *Service) ProposeOutcome(ctx context.Context, origin SourceOrigin, id uuid.UUID, p OutcomeProposal, actor Actor, expectedVersion int) (*MutationResult, error) {
	return s.mutate(ctx, origin, id, actor, expectedVersion, func(o *Occurrence) error {
		if v := s.rules.ProposeOutcome(p, o.ExternalNotification, o.Capa); !v.OK() {
			return v.Err()
		}
		o.Outcome = BuildOutcome(p, actor.ID, s.clock())
		return nil
	})
}

// SetExternalNotification replaces the regulatory notification record. A
// nil notification clears it.
func (s *Service) SetExternalNotification(ctx context.Context, origin SourceOrigin, id uuid.UUID, n *ExternalNotification, actor Actor, expectedVersion int) (*MutationResult, error) {
	return s.mutate(ctx, origin, id, actor, expectedVersion, func(o *Occurrence) error {
		if n != nil {
			n.Agency = strings.TrimSpace(n.Agency)
			n.Responsible = strings.TrimSpace(n.Responsible)
		}
		o.ExternalNotification = n
		return nil
	})
}

// AddCapa appends a corrective or preventive action.
func (s *Service) AddCapa(ctx context.Context, origin SourceOrigin, id uuid.UUID, action CapaAction, actor Actor, expectedVersion int) (*MutationResult, error) {
	if err := validateCapa(action); err != nil {
		return nil, err
	}
	return s.mutate(ctx, origin, id, actor, expectedVersion, func(o *Occurrence) error {
		o.Capa = append(o.Capa, normalizeCapa(action))
		return nil
	})
}

// UpdateCapa replaces the action at index.
func (s *Service) UpdateCapa(ctx context.Context, origin SourceOrigin, id uuid.UUID, index int, action CapaAction, actor Actor, expectedVersion int) (*MutationResult, error) {
	if err := validateCapa(action); err != nil {
		return nil, err
	}
	return s.mutate(ctx, origin, id, actor, expectedVersion, func(o *Occurrence) error {
		if index < 0 || index >= len(o.Capa) {
			return &ValidationError{Violations: []Violation{{
				Code:    ViolationInvalidCapa,
				Field:   "index",
				Message: fmt.Sprintf("no corrective action at position %d", index),
			}}}
		}
		o.Capa[index] = normalizeCapa(action)
		return nil
	})
}

func validateCapa(a CapaAction) error {
	if strings.TrimSpace(a.Action) == "" {
		return &ValidationError{Violations: []Violation{{
			Code:    ViolationInvalidCapa,
			Field:   "action",
			Message: "action description is required",
		}}}
	}
	return nil
}

func normalizeCapa(a CapaAction) CapaAction {
	a.Action = strings.TrimSpace(a.Action)
	a.Responsible = strings.TrimSpace(a.Responsible)
	if a.Status == "" {
		a.Status = "pendente"
	}
	return a
}

// Transition moves the occurrence to another lifecycle state. Concluding
// requires triage where the subtype demands it and a compliant staged
// outcome; on success the post-commit pipeline runs.
func (s *Service) Transition(ctx context.Context, origin SourceOrigin, id uuid.UUID, req TransitionRequest, actor Actor, expectedVersion int) (*MutationResult, error) {
	if err := s.authorize(actor); err != nil {
		return nil, err
	}
	o, err := s.load(ctx, origin, id)
	if err != nil {
		return nil, err
	}
	target, native, err := ResolveTarget(o, req.Status)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(o.Status, target); err != nil {
		return nil, err
	}
	if target == StatusConcluida {
		if v := ConclusionViolations(s.rules, o); len(v) > 0 {
			return nil, &ValidationError{Violations: v}
		}
	}

	from := o.NativeStatus
	o.Status = target
	o.NativeStatus = native
	change := &StatusChange{
		Origin:       o.Origin,
		OccurrenceID: o.ID,
		From:         from,
		To:           native,
		ChangedBy:    actor.ID,
		ChangedAt:    s.clock(),
		Reason:       req.Reason,
	}
	if err := s.repo.Save(ctx, o, change, expectedVersion); err != nil {
		return nil, fmt.Errorf("save transition: %w", err)
	}

	s.logger.Info().
		Str("occurrence_id", o.ID.String()).
		Str("protocol", o.Protocol).
		Str("from", from).
		Str("to", native).
		Str("actor", actor.ID).
		Msg("occurrence status changed")

	res := &MutationResult{Occurrence: o}
	if target == StatusConcluida {
		s.afterCommit(ctx, EventConcluded, o, res)
	}
	return res, nil
}

// -- Attachments --

// UploadAttachment binds a file to the record of originTable. The table is
// checked before anything else happens.
func (s *Service) UploadAttachment(ctx context.Context, originTable string, id uuid.UUID, up Upload, actor Actor) (*Attachment, error) {
	if _, err := ResolveForeignKey(originTable); err != nil {
		return nil, err
	}
	if err := s.authorize(actor); err != nil {
		return nil, err
	}
	origin, _ := ParseOrigin(originTable)
	if _, err := s.load(ctx, origin, id); err != nil {
		return nil, err
	}
	return s.attachments.Bind(ctx, originTable, id, up, actor.ID)
}

// ListAttachments returns the files of one record with signed URLs.
func (s *Service) ListAttachments(ctx context.Context, originTable string, id uuid.UUID) ([]*Attachment, error) {
	return s.attachments.List(ctx, originTable, id)
}

func (s *Service) afterCommit(ctx context.Context, event string, o *Occurrence, res *MutationResult) {
	if s.dispatcher == nil {
		return
	}
	rep := s.dispatcher.Dispatch(ctx, event, o)
	res.SnapshotURL = rep.SnapshotURL
	res.Warnings = append(res.Warnings, rep.Warnings...)
}
