package occurrence

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// attachmentForeignKeys maps each family table to its column on the
// attachment table.
var attachmentForeignKeys = map[string]string{
	"ocorrencias_administrativas": "ocorrencia_administrativa_id",
	"ocorrencias_enfermagem":      "ocorrencia_enfermagem_id",
	"revisoes_laudo":              "revisao_laudo_id",
	"relatos_livres":              "relato_livre_id",
	"relatos_paciente":            "relato_paciente_id",
}

// ResolveForeignKey returns the attachment column for originTable. It touches
// no external system.
func ResolveForeignKey(originTable string) (string, error) {
	col, ok := attachmentForeignKeys[originTable]
	if !ok {
		return "", &UnknownOriginError{OriginTable: originTable}
	}
	return col, nil
}

// ObjectStore holds attachment bytes.
type ObjectStore interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	CreateSignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, path string) error
}

// AttachmentStore persists attachment rows.
type AttachmentStore interface {
	InsertAttachment(ctx context.Context, fkColumn string, a *Attachment) error
	ListAttachments(ctx context.Context, fkColumn string, originID uuid.UUID) ([]*Attachment, error)
}

// Upload is a file received from a caller.
type Upload struct {
	FileName    string
	ContentType string
	Data        []byte
}

// AttachmentBinder stores a file and binds it to its source record.
type AttachmentBinder struct {
	objects ObjectStore
	rows    AttachmentStore
	urlTTL  time.Duration
	logger  zerolog.Logger
}

func NewAttachmentBinder(objects ObjectStore, rows AttachmentStore, urlTTL time.Duration, logger zerolog.Logger) *AttachmentBinder {
	if urlTTL <= 0 {
		urlTTL = time.Hour
	}
	return &AttachmentBinder{objects: objects, rows: rows, urlTTL: urlTTL, logger: logger}
}

// Bind uploads the bytes, then inserts the row. When the insert fails the
// uploaded object is deleted and *UploadPartialFailure is returned.
func (b *AttachmentBinder) Bind(ctx context.Context, originTable string, originID uuid.UUID, up Upload, uploadedBy string) (*Attachment, error) {
	fk, err := ResolveForeignKey(originTable)
	if err != nil {
		return nil, err
	}
	name := sanitizeFileName(up.FileName)
	if name == "" || len(up.Data) == 0 {
		return nil, &ValidationError{Violations: []Violation{{
			Code:    ViolationInvalidAttachment,
			Field:   "file",
			Message: "a non-empty file with a name is required",
		}}}
	}
	contentType := up.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	path := ObjectPath(originTable, originID, name)
	if err := b.objects.Put(ctx, path, up.Data, contentType); err != nil {
		return nil, &ExternalServiceError{Service: "object store", Err: err}
	}

	a := &Attachment{
		ID:          uuid.New(),
		OriginTable: originTable,
		OriginID:    originID,
		FileName:    name,
		FileType:    contentType,
		FileSize:    int64(len(up.Data)),
		StoragePath: path,
		UploadedBy:  uploadedBy,
		UploadedAt:  nowUTC(),
	}
	if err := b.rows.InsertAttachment(ctx, fk, a); err != nil {
		cleanupErr := b.objects.Delete(context.WithoutCancel(ctx), path)
		ev := b.logger.Error().Err(err).Str("path", path).Str("origin_table", originTable)
		if cleanupErr != nil {
			ev = ev.AnErr("cleanup_error", cleanupErr)
		}
		ev.Msg("attachment row insert failed, stored object removed")
		return nil, &UploadPartialFailure{Path: path, Err: err, CleanupErr: cleanupErr}
	}
	return a, nil
}

// List returns the attachments of one record with signed download URLs. A
// URL that cannot be signed is left empty.
func (b *AttachmentBinder) List(ctx context.Context, originTable string, originID uuid.UUID) ([]*Attachment, error) {
	fk, err := ResolveForeignKey(originTable)
	if err != nil {
		return nil, err
	}
	list, err := b.rows.ListAttachments(ctx, fk, originID)
	if err != nil {
		return nil, err
	}
	for _, a := range list {
		url, err := b.objects.CreateSignedURL(ctx, a.StoragePath, b.urlTTL)
		if err != nil {
			b.logger.Warn().Err(err).Str("path", a.StoragePath).Msg("sign attachment url")
			continue
		}
		a.URL = url
	}
	return list, nil
}

// ObjectPath is <origin_table>/<origin_id>/<uuid>-<file>.
func ObjectPath(originTable string, originID uuid.UUID, fileName string) string {
	return originTable + "/" + originID.String() + "/" + uuid.NewString() + "-" + fileName
}

func sanitizeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	if name == "." || name == "/" {
		return ""
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
