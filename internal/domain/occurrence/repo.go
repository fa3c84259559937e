package occurrence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NewRecord is an intake row for one family table. Payload is kept as the
// record's free-form data.
type NewRecord struct {
	ID          uuid.UUID
	Protocol    string
	Status      string
	Description string
	CreatedBy   string
	CreatedAt   time.Time
	Payload     map[string]any
}

// Repository is the store behind the engine. Implementations read each family
// table as raw rows; normalization happens in the adapters.
type Repository interface {
	AttachmentStore

	ListRaw(ctx context.Context) ([]RawRecord, error)
	GetRaw(ctx context.Context, origin SourceOrigin, id uuid.UUID) (RawRecord, error)
	InsertRaw(ctx context.Context, origin SourceOrigin, rec NewRecord) error

	// Save writes the mutable field groups of o (status, triage, outcome,
	// notification, CAPA) and, when change is not nil, appends it to the
	// status history in the same transaction. A non-zero expectedVersion must
	// match the stored version or ErrVersionConflict is returned. On success
	// o.Version and o.UpdatedAt carry the stored values.
	Save(ctx context.Context, o *Occurrence, change *StatusChange, expectedVersion int) error

	ListStatusHistory(ctx context.Context, origin SourceOrigin, id uuid.UUID) ([]*StatusChange, error)
}

// savedColumns are the values Save writes, encoded once for every store.
type savedColumns struct {
	status       string
	triage       *string
	outcome      *string
	notification *string
	capa         string
}

func encodeSaved(o *Occurrence) (savedColumns, error) {
	cols := savedColumns{status: o.NativeStatus}
	if o.Triage != nil {
		t := string(*o.Triage)
		cols.triage = &t
	}
	var err error
	if o.Outcome != nil {
		if cols.outcome, err = jsonText(o.Outcome); err != nil {
			return cols, err
		}
	}
	if o.ExternalNotification != nil {
		if cols.notification, err = jsonText(o.ExternalNotification); err != nil {
			return cols, err
		}
	}
	capa := o.Capa
	if capa == nil {
		capa = []CapaAction{}
	}
	s, err := jsonText(capa)
	if err != nil {
		return cols, err
	}
	cols.capa = *s
	return cols, nil
}

func jsonText(v any) (*string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}
