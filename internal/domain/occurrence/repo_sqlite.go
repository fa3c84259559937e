package occurrence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// familyRow is the shape of every family table in the local store. The
// PostgreSQL schema carries extra legacy columns the adapters also read.
type familyRow struct {
	ID                 string  `gorm:"column:id;primaryKey;type:text"`
	Protocolo          string  `gorm:"column:protocolo;type:text;not null"`
	Status             string  `gorm:"column:status;type:text;not null"`
	Descricao          string  `gorm:"column:descricao;type:text"`
	Triagem            *string `gorm:"column:triagem;type:text"`
	Desfecho           *string `gorm:"column:desfecho;type:text"`
	NotificacaoExterna *string `gorm:"column:notificacao_externa;type:text"`
	AcoesCapa          string  `gorm:"column:acoes_capa;type:text;not null;default:'[]'"`
	Dados              string  `gorm:"column:dados;type:text;not null;default:'{}'"`
	Versao             int     `gorm:"column:versao;not null;default:1"`
	CriadoPor          string  `gorm:"column:criado_por;type:text"`
	CreatedAt          string  `gorm:"column:created_at;type:text;not null"`
	UpdatedAt          string  `gorm:"column:updated_at;type:text;not null"`
}

type attachmentRow struct {
	ID                         string  `gorm:"column:id;primaryKey;type:text"`
	OcorrenciaAdministrativaID *string `gorm:"column:ocorrencia_administrativa_id;type:text;index"`
	OcorrenciaEnfermagemID     *string `gorm:"column:ocorrencia_enfermagem_id;type:text;index"`
	RevisaoLaudoID             *string `gorm:"column:revisao_laudo_id;type:text;index"`
	RelatoLivreID              *string `gorm:"column:relato_livre_id;type:text;index"`
	RelatoPacienteID           *string `gorm:"column:relato_paciente_id;type:text;index"`
	OrigemTabela               string  `gorm:"column:origem_tabela;type:text;not null"`
	NomeArquivo                string  `gorm:"column:nome_arquivo;type:text;not null"`
	TipoArquivo                string  `gorm:"column:tipo_arquivo;type:text;not null"`
	TamanhoArquivo             int64   `gorm:"column:tamanho_arquivo;not null"`
	CaminhoStorage             string  `gorm:"column:caminho_storage;type:text;not null"`
	EnviadoPor                 string  `gorm:"column:enviado_por;type:text"`
	EnviadoEm                  string  `gorm:"column:enviado_em;type:text;not null"`
}

func (attachmentRow) TableName() string { return "anexos_ocorrencia" }

type statusHistoryRow struct {
	ID             string  `gorm:"column:id;primaryKey;type:text"`
	OrigemTabela   string  `gorm:"column:origem_tabela;type:text;not null;index:idx_historico_status_ocorrencia"`
	OcorrenciaID   string  `gorm:"column:ocorrencia_id;type:text;not null;index:idx_historico_status_ocorrencia"`
	StatusAnterior string  `gorm:"column:status_anterior;type:text;not null"`
	StatusNovo     string  `gorm:"column:status_novo;type:text;not null"`
	AlteradoPor    string  `gorm:"column:alterado_por;type:text;not null"`
	AlteradoEm     string  `gorm:"column:alterado_em;type:text;not null"`
	Motivo         *string `gorm:"column:motivo;type:text"`
}

func (statusHistoryRow) TableName() string { return "historico_status" }

type repoSQLite struct{ db *gorm.DB }

// NewRepoSQLite returns the gorm-backed local store, creating its tables.
// It serves a single tenant.
func NewRepoSQLite(ctx context.Context, db *gorm.DB) (Repository, error) {
	r := &repoSQLite{db: db}
	if err := r.migrate(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *repoSQLite) migrate(ctx context.Context) error {
	db := r.db.WithContext(ctx)
	for _, origin := range Origins {
		table := origin.Table()
		if err := db.Table(table).AutoMigrate(&familyRow{}); err != nil {
			return fmt.Errorf("migrate %s: %w", table, err)
		}
		// Index names are per database, so they are created by hand to keep
		// them distinct across the five tables.
		if err := db.Exec(fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_protocolo ON %s (protocolo)`, table, table)).Error; err != nil {
			return fmt.Errorf("index %s: %w", table, err)
		}
	}
	if err := db.AutoMigrate(&attachmentRow{}, &statusHistoryRow{}); err != nil {
		return fmt.Errorf("migrate attachments and history: %w", err)
	}
	return nil
}

func (r *repoSQLite) ListRaw(ctx context.Context) ([]RawRecord, error) {
	var out []RawRecord
	for _, origin := range Origins {
		var rows []familyRow
		if err := r.db.WithContext(ctx).Table(origin.Table()).Order("created_at desc").Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("list %s: %w", origin.Table(), err)
		}
		for _, row := range rows {
			out = append(out, row.raw(origin))
		}
	}
	return out, nil
}

func (r *repoSQLite) GetRaw(ctx context.Context, origin SourceOrigin, id uuid.UUID) (RawRecord, error) {
	table := origin.Table()
	if table == "" {
		return RawRecord{}, &UnknownOriginError{OriginTable: string(origin)}
	}
	var row familyRow
	err := r.db.WithContext(ctx).Table(table).Where("id = ?", id.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RawRecord{}, ErrNotFound
	}
	if err != nil {
		return RawRecord{}, err
	}
	return row.raw(origin), nil
}

func (r *repoSQLite) InsertRaw(ctx context.Context, origin SourceOrigin, rec NewRecord) error {
	table := origin.Table()
	if table == "" {
		return &UnknownOriginError{OriginTable: string(origin)}
	}
	payload, err := jsonText(rec.Payload)
	if err != nil {
		return fmt.Errorf("encode intake payload: %w", err)
	}
	at := rec.CreatedAt.UTC().Format(time.RFC3339Nano)
	row := familyRow{
		ID:        rec.ID.String(),
		Protocolo: rec.Protocol,
		Status:    rec.Status,
		Descricao: rec.Description,
		AcoesCapa: "[]",
		Dados:     *payload,
		Versao:    1,
		CriadoPor: rec.CreatedBy,
		CreatedAt: at,
		UpdatedAt: at,
	}
	err = r.db.WithContext(ctx).Table(table).Create(&row).Error
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateProtocol
	}
	return err
}

func (r *repoSQLite) Save(ctx context.Context, o *Occurrence, change *StatusChange, expectedVersion int) error {
	table := o.Origin.Table()
	if table == "" {
		return &UnknownOriginError{OriginTable: string(o.Origin)}
	}
	cols, err := encodeSaved(o)
	if err != nil {
		return fmt.Errorf("encode occurrence: %w", err)
	}
	id := o.ID.String()
	now := nowUTC()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Table(table).Where("id = ?", id)
		if expectedVersion > 0 {
			q = q.Where("versao = ?", expectedVersion)
		}
		res := q.Updates(map[string]any{
			"status":              cols.status,
			"triagem":             cols.triage,
			"desfecho":            cols.outcome,
			"notificacao_externa": cols.notification,
			"acoes_capa":          cols.capa,
			"versao":              gorm.Expr("versao + 1"),
			"updated_at":          now.Format(time.RFC3339Nano),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Table(table).Where("id = ?", id).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return ErrVersionConflict
			}
			return ErrNotFound
		}

		var stored familyRow
		if err := tx.Table(table).Select("versao").Where("id = ?", id).Take(&stored).Error; err != nil {
			return err
		}
		o.Version = stored.Versao
		o.UpdatedAt = now

		if change == nil {
			return nil
		}
		if change.ID == uuid.Nil {
			change.ID = uuid.New()
		}
		return tx.Create(&statusHistoryRow{
			ID:             change.ID.String(),
			OrigemTabela:   table,
			OcorrenciaID:   change.OccurrenceID.String(),
			StatusAnterior: change.From,
			StatusNovo:     change.To,
			AlteradoPor:    change.ChangedBy,
			AlteradoEm:     change.ChangedAt.UTC().Format(time.RFC3339Nano),
			Motivo:         change.Reason,
		}).Error
	})
}

func (r *repoSQLite) ListStatusHistory(ctx context.Context, origin SourceOrigin, id uuid.UUID) ([]*StatusChange, error) {
	var rows []statusHistoryRow
	if err := r.db.WithContext(ctx).
		Where("origem_tabela = ? AND ocorrencia_id = ?", origin.Table(), id.String()).
		Order("alterado_em asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	items := make([]*StatusChange, 0, len(rows))
	for _, row := range rows {
		sc := &StatusChange{
			ID:           parseUUID(row.ID),
			Origin:       origin,
			OccurrenceID: parseUUID(row.OcorrenciaID),
			From:         row.StatusAnterior,
			To:           row.StatusNovo,
			ChangedBy:    row.AlteradoPor,
			ChangedAt:    parseStoredTime(row.AlteradoEm),
			Reason:       row.Motivo,
		}
		items = append(items, sc)
	}
	return items, nil
}

func (r *repoSQLite) InsertAttachment(ctx context.Context, fkColumn string, a *Attachment) error {
	row := attachmentRow{
		ID:             a.ID.String(),
		OrigemTabela:   a.OriginTable,
		NomeArquivo:    a.FileName,
		TipoArquivo:    a.FileType,
		TamanhoArquivo: a.FileSize,
		CaminhoStorage: a.StoragePath,
		EnviadoPor:     a.UploadedBy,
		EnviadoEm:      a.UploadedAt.UTC().Format(time.RFC3339Nano),
	}
	parent := a.OriginID.String()
	switch fkColumn {
	case "ocorrencia_administrativa_id":
		row.OcorrenciaAdministrativaID = &parent
	case "ocorrencia_enfermagem_id":
		row.OcorrenciaEnfermagemID = &parent
	case "revisao_laudo_id":
		row.RevisaoLaudoID = &parent
	case "relato_livre_id":
		row.RelatoLivreID = &parent
	case "relato_paciente_id":
		row.RelatoPacienteID = &parent
	default:
		return &UnknownOriginError{OriginTable: a.OriginTable}
	}

	// The parent must exist; sqlite does not enforce the reference here.
	var count int64
	if err := r.db.WithContext(ctx).Table(a.OriginTable).Where("id = ?", parent).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

func (r *repoSQLite) ListAttachments(ctx context.Context, fkColumn string, originID uuid.UUID) ([]*Attachment, error) {
	if !knownForeignKey(fkColumn) {
		return nil, &UnknownOriginError{OriginTable: fkColumn}
	}
	var rows []attachmentRow
	if err := r.db.WithContext(ctx).
		Where(fkColumn+" = ?", originID.String()).
		Order("enviado_em asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	items := make([]*Attachment, 0, len(rows))
	for _, row := range rows {
		items = append(items, &Attachment{
			ID:          parseUUID(row.ID),
			OriginTable: row.OrigemTabela,
			OriginID:    originID,
			FileName:    row.NomeArquivo,
			FileType:    row.TipoArquivo,
			FileSize:    row.TamanhoArquivo,
			StoragePath: row.CaminhoStorage,
			UploadedBy:  row.EnviadoPor,
			UploadedAt:  parseStoredTime(row.EnviadoEm),
		})
	}
	return items, nil
}

func (row familyRow) raw(origin SourceOrigin) RawRecord {
	fields := map[string]any{
		"id":         row.ID,
		"protocolo":  row.Protocolo,
		"status":     row.Status,
		"descricao":  row.Descricao,
		"acoes_capa": row.AcoesCapa,
		"dados":      row.Dados,
		"versao":     row.Versao,
		"criado_por": row.CriadoPor,
		"created_at": row.CreatedAt,
		"updated_at": row.UpdatedAt,
	}
	if row.Triagem != nil {
		fields["triagem"] = *row.Triagem
	}
	if row.Desfecho != nil {
		fields["desfecho"] = *row.Desfecho
	}
	if row.NotificacaoExterna != nil {
		fields["notificacao_externa"] = *row.NotificacaoExterna
	}
	return RawRecord{Origin: origin, Fields: fields}
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func parseUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}

func parseStoredTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
