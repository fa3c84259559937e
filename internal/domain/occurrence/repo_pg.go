package occurrence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/radiologia/ocorrencias/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns the PostgreSQL store. Tenant isolation comes from the
// search_path of the request connection.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *repoPG) ListRaw(ctx context.Context) ([]RawRecord, error) {
	var out []RawRecord
	for _, origin := range Origins {
		rows, err := r.conn(ctx).Query(ctx, `SELECT to_jsonb(t) FROM `+origin.Table()+` t ORDER BY created_at DESC`)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", origin.Table(), err)
		}
		for rows.Next() {
			rec, err := scanRaw(origin, rows)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s: %w", origin.Table(), err)
			}
			out = append(out, rec)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate %s: %w", origin.Table(), err)
		}
	}
	return out, nil
}

func (r *repoPG) GetRaw(ctx context.Context, origin SourceOrigin, id uuid.UUID) (RawRecord, error) {
	table := origin.Table()
	if table == "" {
		return RawRecord{}, &UnknownOriginError{OriginTable: string(origin)}
	}
	rec, err := scanRaw(origin, r.conn(ctx).QueryRow(ctx, `SELECT to_jsonb(t) FROM `+table+` t WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return RawRecord{}, ErrNotFound
	}
	return rec, err
}

func scanRaw(origin SourceOrigin, row pgx.Row) (RawRecord, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		return RawRecord{}, err
	}
	fields := map[string]any{}
	if err := json.Unmarshal(doc, &fields); err != nil {
		return RawRecord{}, err
	}
	return RawRecord{Origin: origin, Fields: fields}, nil
}

func (r *repoPG) InsertRaw(ctx context.Context, origin SourceOrigin, rec NewRecord) error {
	table := origin.Table()
	if table == "" {
		return &UnknownOriginError{OriginTable: string(origin)}
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("encode intake payload: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO `+table+` (id, protocolo, status, descricao, dados, acoes_capa, versao, criado_por, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, '[]'::jsonb, 1, $6, $7, $7)`,
		rec.ID, rec.Protocol, rec.Status, rec.Description, string(payload), rec.CreatedBy, rec.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateProtocol
	}
	return err
}

func (r *repoPG) Save(ctx context.Context, o *Occurrence, change *StatusChange, expectedVersion int) error {
	table := o.Origin.Table()
	if table == "" {
		return &UnknownOriginError{OriginTable: string(o.Origin)}
	}
	cols, err := encodeSaved(o)
	if err != nil {
		return fmt.Errorf("encode occurrence: %w", err)
	}

	tx, err := r.conn(ctx).Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `UPDATE ` + table + ` SET status = $2, triagem = $3, desfecho = $4::jsonb,
			notificacao_externa = $5::jsonb, acoes_capa = $6::jsonb,
			versao = versao + 1, updated_at = NOW()
		WHERE id = $1`
	args := []interface{}{o.ID, cols.status, cols.triage, cols.outcome, cols.notification, cols.capa}
	if expectedVersion > 0 {
		query += ` AND versao = $7`
		args = append(args, expectedVersion)
	}
	query += ` RETURNING versao, updated_at`

	if err := tx.QueryRow(ctx, query, args...).Scan(&o.Version, &o.UpdatedAt); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrVersionConflict
		}
		return ErrNotFound
	}

	if change != nil {
		if change.ID == uuid.Nil {
			change.ID = uuid.New()
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO historico_status (id, origem_tabela, ocorrencia_id, status_anterior, status_novo, alterado_por, alterado_em, motivo)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			change.ID, table, change.OccurrenceID, change.From, change.To, change.ChangedBy, change.ChangedAt, change.Reason); err != nil {
			return fmt.Errorf("record status change: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (r *repoPG) ListStatusHistory(ctx context.Context, origin SourceOrigin, id uuid.UUID) ([]*StatusChange, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, ocorrencia_id, status_anterior, status_novo, alterado_por, alterado_em, motivo
		FROM historico_status WHERE origem_tabela = $1 AND ocorrencia_id = $2
		ORDER BY alterado_em`, origin.Table(), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*StatusChange{}
	for rows.Next() {
		sc := &StatusChange{Origin: origin}
		if err := rows.Scan(&sc.ID, &sc.OccurrenceID, &sc.From, &sc.To, &sc.ChangedBy, &sc.ChangedAt, &sc.Reason); err != nil {
			return nil, err
		}
		items = append(items, sc)
	}
	return items, rows.Err()
}

func (r *repoPG) InsertAttachment(ctx context.Context, fkColumn string, a *Attachment) error {
	if !knownForeignKey(fkColumn) {
		return &UnknownOriginError{OriginTable: a.OriginTable}
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO anexos_ocorrencia (id, `+fkColumn+`, origem_tabela, nome_arquivo, tipo_arquivo, tamanho_arquivo, caminho_storage, enviado_por, enviado_em)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.OriginID, a.OriginTable, a.FileName, a.FileType, a.FileSize, a.StoragePath, a.UploadedBy, a.UploadedAt)
	return err
}

func (r *repoPG) ListAttachments(ctx context.Context, fkColumn string, originID uuid.UUID) ([]*Attachment, error) {
	if !knownForeignKey(fkColumn) {
		return nil, &UnknownOriginError{OriginTable: fkColumn}
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, `+fkColumn+`, origem_tabela, nome_arquivo, tipo_arquivo, tamanho_arquivo, caminho_storage, enviado_por, enviado_em
		FROM anexos_ocorrencia WHERE `+fkColumn+` = $1 ORDER BY enviado_em`, originID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*Attachment{}
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.OriginID, &a.OriginTable, &a.FileName, &a.FileType, &a.FileSize, &a.StoragePath, &a.UploadedBy, &a.UploadedAt); err != nil {
			return nil, err
		}
		items = append(items, &a)
	}
	return items, rows.Err()
}

// knownForeignKey guards the column names interpolated into SQL.
func knownForeignKey(col string) bool {
	for _, c := range attachmentForeignKeys {
		if c == col {
			return true
		}
	}
	return false
}
