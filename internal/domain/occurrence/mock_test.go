package occurrence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// -- Mock Repository --

type mockRepo struct {
	mu          sync.Mutex
	rows        map[SourceOrigin]map[uuid.UUID]map[string]any
	history     []*StatusChange
	attachments map[string][]*Attachment
	insertErr   error
	attachErr   error
	saveCalls   int
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		rows:        make(map[SourceOrigin]map[uuid.UUID]map[string]any),
		attachments: make(map[string][]*Attachment),
	}
}

// seed stores a raw row and returns its id.
func (m *mockRepo) seed(origin SourceOrigin, fields map[string]any) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	if raw, ok := fields["id"].(string); ok {
		id = uuid.MustParse(raw)
	}
	fields["id"] = id.String()
	if _, ok := fields["versao"]; !ok {
		fields["versao"] = 1
	}
	if _, ok := fields["created_at"]; !ok {
		fields["created_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if m.rows[origin] == nil {
		m.rows[origin] = make(map[uuid.UUID]map[string]any)
	}
	m.rows[origin][id] = fields
	return id
}

func copyFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (m *mockRepo) ListRaw(_ context.Context) ([]RawRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RawRecord
	for _, origin := range Origins {
		for _, f := range m.rows[origin] {
			out = append(out, RawRecord{Origin: origin, Fields: copyFields(f)})
		}
	}
	return out, nil
}

func (m *mockRepo) GetRaw(_ context.Context, origin SourceOrigin, id uuid.UUID) (RawRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.rows[origin][id]
	if !ok {
		return RawRecord{}, ErrNotFound
	}
	return RawRecord{Origin: origin, Fields: copyFields(f)}, nil
}

func (m *mockRepo) InsertRaw(_ context.Context, origin SourceOrigin, rec NewRecord) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	fields := map[string]any{
		"protocolo":  rec.Protocol,
		"status":     rec.Status,
		"descricao":  rec.Description,
		"dados":      rec.Payload,
		"criado_por": rec.CreatedBy,
		"created_at": rec.CreatedAt.Format(time.RFC3339Nano),
		"id":         rec.ID.String(),
	}
	m.seed(origin, fields)
	return nil
}

func (m *mockRepo) Save(_ context.Context, o *Occurrence, change *StatusChange, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCalls++
	f, ok := m.rows[o.Origin][o.ID]
	if !ok {
		return ErrNotFound
	}
	current, _ := f["versao"].(int)
	if expectedVersion > 0 && expectedVersion != current {
		return ErrVersionConflict
	}
	cols, err := encodeSaved(o)
	if err != nil {
		return err
	}
	f["status"] = cols.status
	f["triagem"] = nil
	if cols.triage != nil {
		f["triagem"] = *cols.triage
	}
	f["desfecho"] = nil
	if cols.outcome != nil {
		f["desfecho"] = *cols.outcome
	}
	f["notificacao_externa"] = nil
	if cols.notification != nil {
		f["notificacao_externa"] = *cols.notification
	}
	f["acoes_capa"] = cols.capa
	f["versao"] = current + 1
	now := time.Now().UTC()
	f["updated_at"] = now.Format(time.RFC3339Nano)
	o.Version = current + 1
	o.UpdatedAt = now
	if change != nil {
		m.history = append(m.history, change)
	}
	return nil
}

func (m *mockRepo) ListStatusHistory(_ context.Context, origin SourceOrigin, id uuid.UUID) ([]*StatusChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*StatusChange{}
	for _, h := range m.history {
		if h.Origin == origin && h.OccurrenceID == id {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *mockRepo) InsertAttachment(_ context.Context, fkColumn string, a *Attachment) error {
	if m.attachErr != nil {
		return m.attachErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fkColumn + "/" + a.OriginID.String()
	m.attachments[key] = append(m.attachments[key], a)
	return nil
}

func (m *mockRepo) ListAttachments(_ context.Context, fkColumn string, originID uuid.UUID) ([]*Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Attachment{}
	for _, a := range m.attachments[fkColumn+"/"+originID.String()] {
		c := *a
		out = append(out, &c)
	}
	return out, nil
}

func (m *mockRepo) rowStatus(origin SourceOrigin, id uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, _ := m.rows[origin][id]["status"].(string)
	return s
}

// -- Mock collaborators --

type mockObjects struct {
	mu       sync.Mutex
	objects  map[string][]byte
	putErr   error
	signErr  error
	puts     int
	deletes  []string
	signings int
}

func newMockObjects() *mockObjects {
	return &mockObjects{objects: make(map[string][]byte)}
}

func (m *mockObjects) Put(_ context.Context, path string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.putErr != nil {
		return m.putErr
	}
	m.objects[path] = data
	return nil
}

func (m *mockObjects) CreateSignedURL(_ context.Context, path string, _ time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signings++
	if m.signErr != nil {
		return "", m.signErr
	}
	return "https://files.test/" + path + "?token=x", nil
}

func (m *mockObjects) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, path)
	delete(m.objects, path)
	return nil
}

func (m *mockObjects) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts + len(m.deletes) + m.signings
}

type mockSnapshots struct {
	mu    sync.Mutex
	keys  []string
	taken []Snapshot
	err   error
}

func (m *mockSnapshots) GenerateSnapshot(_ context.Context, key string, snapshot any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	if s, ok := snapshot.(Snapshot); ok {
		m.taken = append(m.taken, s)
	}
	if m.err != nil {
		return "", m.err
	}
	return "https://docs.test/" + key + ".pdf", nil
}

func (m *mockSnapshots) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

type publishedEvent struct {
	eventType  string
	resourceID string
	tenantID   string
	payload    map[string]any
}

type mockNotifier struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (m *mockNotifier) Publish(_ context.Context, eventType, resourceID, tenantID string, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, publishedEvent{eventType, resourceID, tenantID, payload})
	return m.err
}

func (m *mockNotifier) published() []publishedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]publishedEvent(nil), m.events...)
}

type mockForwarder struct {
	forwarded []uuid.UUID
	err       error
}

func (m *mockForwarder) ForwardForReview(_ context.Context, o *Occurrence) error {
	m.forwarded = append(m.forwarded, o.ID)
	return m.err
}

// -- Fixture --

type fixture struct {
	repo      *mockRepo
	objects   *mockObjects
	snapshots *mockSnapshots
	notifier  *mockNotifier
	forwarder *mockForwarder
	svc       *Service
	dispatch  *Dispatcher
}

func newFixture() *fixture {
	f := &fixture{
		repo:      newMockRepo(),
		objects:   newMockObjects(),
		snapshots: &mockSnapshots{},
		notifier:  &mockNotifier{},
		forwarder: &mockForwarder{},
	}
	logger := zerolog.Nop()
	rules := DefaultRules()
	f.dispatch = NewDispatcher(rules, f.snapshots, f.notifier, logger)
	binder := NewAttachmentBinder(f.objects, f.repo, time.Hour, logger)
	f.svc = NewService(f.repo, rules, binder, f.dispatch, logger, WithReviewForwarder(f.forwarder))
	return f
}

var (
	admin    = Actor{ID: "admin-1", Roles: []string{"admin"}}
	quality  = Actor{ID: "qm-1", Roles: []string{"quality_manager"}}
	reporter = Actor{ID: "nurse-1", Roles: []string{"nurse"}}
)

var errBoom = errors.New("boom")

func mustDate(s string) *time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(fmt.Sprintf("bad date %s", s))
	}
	return &t
}
