package occurrence

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RawRecord is one row of a family table as a column -> value map. Origin
// is the tag that selects the adapter.
type RawRecord struct {
	Origin SourceOrigin
	Fields map[string]any

	rowOnly bool
}

// columns returns a view of r that resolves keys against the row only,
// never against the intake payload.
func (r RawRecord) columns() RawRecord {
	r.rowOnly = true
	return r
}

type adapterFunc func(r RawRecord) Occurrence

// adapters is the static dispatch table from origin to adapter. Call sites
// never branch on the origin themselves.
var adapters = map[SourceOrigin]adapterFunc{
	OriginAdministrative: adaptAdministrative,
	OriginNursing:        adaptNursing,
	OriginMedicalReview:  adaptMedicalReview,
	OriginFreeForm:       adaptFreeForm,
	OriginPatient:        adaptPatient,
}

// Normalize maps a raw record onto the canonical Occurrence. It never fails:
// missing display strings become "-" and missing structured fields stay nil.
func Normalize(r RawRecord) Occurrence {
	var o Occurrence
	if adapt, ok := adapters[r.Origin]; ok {
		o = adapt(r)
	} else {
		o = baseOccurrence(r)
		o.Type = r.columns().display("tipo")
		o.Subtype = r.display("subtipo")
		o.Patient = Patient{FullName: "-", RecordNumber: "-", Phone: "-", Unit: "-", ExamType: "-"}
		o.ExamID = "-"
		o.Description = describe(r.str("descricao"))
		o.CreatedBy = r.display("criado_por")
	}
	o.searchText = buildSearchText(&o)
	return o
}

// Each candidate list below is tried in order; the first non-empty value wins.
// A dotted key walks into nested JSON (either a decoded object or a string
// holding a serialized object, as intake forms store them).

func adaptAdministrative(r RawRecord) Occurrence {
	o := baseOccurrence(r)
	o.Type = normalizeCode(r.columns().str("tipo", "categoria"), TypeAdministrativa)
	o.Subtype = r.display("subtipo", "subcategoria", "dados.subtipo")
	o.Patient = Patient{
		FullName:     r.display("paciente_nome", "nome_paciente", "dados.paciente.nome", "dados.nome_paciente"),
		RecordNumber: r.display("paciente_id", "prontuario", "dados.paciente.prontuario"),
		BirthDate:    r.timeOf("paciente_nascimento", "data_nascimento", "dados.paciente.nascimento"),
		Phone:        r.display("paciente_telefone", "telefone", "dados.paciente.telefone"),
		Unit:         r.display("unidade", "setor", "dados.unidade"),
		ExamType:     r.display("tipo_exame", "exame", "dados.tipo_exame"),
		EventAt:      r.timeOf("data_ocorrencia", "data_evento", "dados.data_ocorrencia"),
	}
	o.ExamID = r.display("numero_exame", "dados.numero_exame")
	o.Description = describe(r.str("descricao", "relato", "dados.descricao"))
	o.CreatedBy = r.display("criado_por", "registrado_por", "usuario_id")
	setDetail(&o, "setor_origem", r.str("setor_origem", "dados.setor_origem"))
	setDetail(&o, "setor_notificado", r.str("setor_notificado", "dados.setor_notificado"))
	return o
}

func adaptNursing(r RawRecord) Occurrence {
	o := baseOccurrence(r)
	o.Type = normalizeCode(r.columns().str("tipo"), TypeAssistencial)
	o.Subtype = normalizeCode(r.str("subtipo"), SubtypeNursing)
	o.Patient = Patient{
		FullName:     r.display("nome_paciente", "paciente", "dados.paciente_nome", "dados.paciente.nome"),
		RecordNumber: r.display("prontuario", "registro_paciente", "dados.prontuario"),
		BirthDate:    r.timeOf("data_nascimento", "dados.data_nascimento"),
		Phone:        r.display("telefone_paciente", "dados.telefone"),
		Unit:         r.display("setor", "unidade", "dados.setor"),
		ExamType:     r.display("procedimento", "tipo_exame", "dados.procedimento"),
		EventAt:      r.timeOf("data_hora_evento", "data_evento", "dados.data_hora"),
	}
	o.ExamID = r.display("numero_exame", "dados.numero_exame")
	o.Description = describe(r.str("descricao_evento", "descricao", "dados.descricao"))
	o.CreatedBy = r.display("enfermeiro_responsavel", "criado_por", "dados.responsavel")
	setDetail(&o, "categoria_evento", r.str("categoria_evento", "dados.categoria"))
	setDetail(&o, "grau_dano", r.str("grau_dano", "dados.grau_dano"))
	return o
}

func adaptMedicalReview(r RawRecord) Occurrence {
	o := baseOccurrence(r)
	o.Type = normalizeCode(r.columns().str("tipo"), TypeAssistencial)
	o.Subtype = SubtypeMedicalReview
	o.Patient = Patient{
		FullName:     r.display("paciente_nome", "nome_paciente", "dados.paciente.nome", "dados.paciente"),
		RecordNumber: r.display("paciente_id", "prontuario", "dados.paciente_id"),
		BirthDate:    r.timeOf("data_nascimento", "dados.data_nascimento"),
		Phone:        r.display("telefone", "dados.telefone"),
		Unit:         r.display("unidade", "dados.unidade"),
		ExamType:     r.display("modalidade", "tipo_exame", "dados.modalidade"),
		EventAt:      r.timeOf("data_exame", "data_laudo", "dados.data_exame"),
	}
	o.ExamID = r.display("numero_exame", "accession_number", "dados.exame_id")
	o.Description = describe(r.str("motivo_revisao", "descricao", "observacoes", "dados.motivo"))
	o.CreatedBy = r.display("solicitante", "criado_por", "dados.solicitante")
	setDetail(&o, "medico_laudo", r.str("medico_laudo", "medico_responsavel", "dados.medico_laudo"))
	setDetail(&o, "medico_revisor", r.str("medico_revisor", "revisor", "dados.medico_revisor"))
	setDetail(&o, "tipo_discrepancia", r.str("tipo_discrepancia", "dados.tipo_discrepancia"))
	return o
}

func adaptFreeForm(r RawRecord) Occurrence {
	o := baseOccurrence(r)
	o.Type = normalizeCode(r.columns().str("tipo", "categoria"), TypeAdministrativa)
	o.Subtype = normalizeCode(r.str("subtipo"), SubtypeFreeForm)
	o.Patient = Patient{
		FullName:     r.display("envolvido", "paciente_nome", "descricao.paciente", "dados.paciente"),
		RecordNumber: r.display("prontuario", "descricao.prontuario", "dados.prontuario"),
		BirthDate:    r.timeOf("data_nascimento", "descricao.data_nascimento"),
		Phone:        r.display("telefone", "descricao.telefone", "dados.telefone"),
		Unit:         r.display("setor", "local", "descricao.setor"),
		ExamType:     r.display("tipo_exame", "descricao.exame"),
		EventAt:      r.timeOf("data_ocorrencia", "descricao.data", "dados.data"),
	}
	o.ExamID = r.display("numero_exame", "descricao.numero_exame")
	o.Description = describe(r.str("relato", "texto", "descricao"))
	o.CreatedBy = r.display("autor", "criado_por", "dados.autor")
	if r.boolOf("anonimo", "dados.anonimo") {
		o.CreatedBy = "anonimo"
	}
	setDetail(&o, "local", r.str("local", "descricao.local"))
	return o
}

func adaptPatient(r RawRecord) Occurrence {
	o := baseOccurrence(r)
	o.Type = normalizeCode(r.columns().str("tipo"), TypePaciente)
	o.Subtype = normalizeCode(r.str("categoria", "assunto", "dados.categoria"), SubtypePatient)
	o.Patient = Patient{
		FullName:     r.display("nome", "nome_completo", "dados.nome", "dados.paciente.nome"),
		RecordNumber: r.display("prontuario", "documento", "dados.prontuario"),
		BirthDate:    r.timeOf("data_nascimento", "dados.data_nascimento"),
		Phone:        r.display("telefone", "celular", "dados.contato.telefone"),
		Unit:         r.display("unidade", "dados.unidade"),
		ExamType:     r.display("exame_realizado", "tipo_exame", "dados.exame"),
		EventAt:      r.timeOf("data_atendimento", "dados.data_atendimento"),
	}
	o.ExamID = r.display("numero_exame", "dados.numero_exame")
	o.Description = describe(r.str("mensagem", "relato", "descricao", "dados.mensagem"))
	o.CreatedBy = r.str("criado_por", "email", "dados.contato.email")
	if o.CreatedBy == "" {
		o.CreatedBy = "paciente"
	}
	setDetail(&o, "canal", r.str("canal", "dados.canal"))
	setDetail(&o, "email", r.str("email", "dados.contato.email"))
	return o
}

// baseOccurrence resolves the columns every family shares. Identity, status
// and the compliance groups come from the row alone; the intake payload
// cannot set them.
func baseOccurrence(r RawRecord) Occurrence {
	cols := r.columns()
	o := Occurrence{
		ID:                   cols.uuidOf("id"),
		Protocol:             cols.display("protocolo", "numero_protocolo", "protocol"),
		Origin:               r.Origin,
		NativeStatus:         cols.str("status", "situacao"),
		Triage:               cols.triage(),
		Outcome:              cols.outcome(),
		ExternalNotification: cols.notification(),
		Capa:                 cols.capa(),
		Version:              cols.intOf("versao", "version"),
		Details:              map[string]string{},
	}
	if o.NativeStatus == "" {
		o.NativeStatus = defaultNativeStatus(r.Origin, StatusRegistrada)
	}
	o.Status = CanonicalStatus(r.Origin, o.NativeStatus)
	if t := r.timeOf("created_at", "criado_em", "data_registro"); t != nil {
		o.CreatedAt = *t
	}
	if t := r.timeOf("updated_at", "atualizado_em"); t != nil {
		o.UpdatedAt = *t
	} else {
		o.UpdatedAt = o.CreatedAt
	}
	return o
}

func (r RawRecord) triage() *TriageClass {
	s := r.str("triagem", "classificacao", "classificacao_risco")
	if s == "" {
		return nil
	}
	c, err := ParseTriage(s)
	if err != nil {
		return nil
	}
	return &c
}

func (r RawRecord) outcome() *Outcome {
	if v, ok := r.value("desfecho"); ok {
		var o Outcome
		if decodeJSON(v, &o) && len(o.Types) > 0 {
			if o.Principal == "" {
				o.Principal = o.Types[0]
			}
			return &o
		}
	}
	// legacy flat columns
	types := r.strList("tipos_desfecho", "desfecho_tipos")
	if len(types) == 0 {
		if single := r.str("desfecho_tipo", "tipo_desfecho"); single != "" {
			types = []string{single}
		}
	}
	if len(types) == 0 {
		return nil
	}
	o := &Outcome{
		Types:         types,
		Justification: r.str("justificativa_desfecho", "justificativa"),
		Principal:     r.str("desfecho_principal"),
		DecidedBy:     r.str("desfecho_por"),
		DecidedAt:     r.timeOf("desfecho_em"),
	}
	if o.Principal == "" {
		o.Principal = types[0]
	}
	return o
}

func (r RawRecord) notification() *ExternalNotification {
	if v, ok := r.value("notificacao_externa"); ok {
		var n ExternalNotification
		if decodeJSON(v, &n) && (n.Agency != "" || n.Responsible != "" || n.Date != nil) {
			return &n
		}
	}
	n := ExternalNotification{
		Agency:      r.str("orgao_notificado", "notificacao_orgao"),
		Date:        r.timeOf("data_notificacao", "notificacao_data"),
		Responsible: r.str("responsavel_notificacao", "notificacao_responsavel"),
	}
	if n.Agency == "" && n.Responsible == "" && n.Date == nil {
		return nil
	}
	return &n
}

func (r RawRecord) capa() []CapaAction {
	for _, key := range []string{"acoes_capa", "capa"} {
		v, ok := r.value(key)
		if !ok {
			continue
		}
		var list []CapaAction
		if decodeJSON(v, &list) && list != nil {
			return list
		}
	}
	return []CapaAction{}
}

// value walks a dotted path through the record. Unless r is a columns view,
// a plain key missing from the row is looked up in the intake payload kept
// under "dados".
func (r RawRecord) value(path string) (any, bool) {
	if v, ok := r.walk(path); ok {
		return v, true
	}
	if r.rowOnly || strings.Contains(path, ".") {
		return nil, false
	}
	return r.walk("dados." + path)
}

func (r RawRecord) walk(path string) (any, bool) {
	var cur any = r.Fields
	for _, seg := range strings.Split(path, ".") {
		m, ok := asObject(cur)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok || v == nil {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func (r RawRecord) str(keys ...string) string {
	for _, k := range keys {
		v, ok := r.value(k)
		if !ok {
			continue
		}
		if s := scalarString(v); s != "" {
			return s
		}
	}
	return ""
}

func (r RawRecord) display(keys ...string) string {
	if s := r.str(keys...); s != "" {
		return s
	}
	return "-"
}

func (r RawRecord) strList(keys ...string) []string {
	for _, k := range keys {
		v, ok := r.value(k)
		if !ok {
			continue
		}
		var out []string
		switch t := v.(type) {
		case []any:
			for _, item := range t {
				if s := scalarString(item); s != "" {
					out = append(out, s)
				}
			}
		case []string:
			for _, s := range t {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		case string:
			s := strings.TrimSpace(t)
			if strings.HasPrefix(s, "[") {
				var list []string
				if json.Unmarshal([]byte(s), &list) == nil {
					out = list
				}
			} else {
				for _, part := range strings.Split(s, ",") {
					if part = strings.TrimSpace(part); part != "" {
						out = append(out, part)
					}
				}
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006 15:04",
	"02/01/2006",
}

func (r RawRecord) timeOf(keys ...string) *time.Time {
	for _, k := range keys {
		v, ok := r.value(k)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case time.Time:
			if !t.IsZero() {
				tt := t
				return &tt
			}
		case *time.Time:
			if t != nil && !t.IsZero() {
				tt := *t
				return &tt
			}
		case string:
			s := strings.TrimSpace(t)
			for _, layout := range timeLayouts {
				if tt, err := time.Parse(layout, s); err == nil {
					return &tt
				}
			}
		}
	}
	return nil
}

func (r RawRecord) intOf(keys ...string) int {
	for _, k := range keys {
		v, ok := r.value(k)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case int:
			return t
		case int32:
			return int(t)
		case int64:
			return int(t)
		case float64:
			return int(t)
		case json.Number:
			if n, err := t.Int64(); err == nil {
				return int(n)
			}
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
				return n
			}
		}
	}
	return 0
}

func (r RawRecord) boolOf(keys ...string) bool {
	for _, k := range keys {
		v, ok := r.value(k)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case bool:
			return t
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil {
				return b
			}
		}
	}
	return false
}

func (r RawRecord) uuidOf(keys ...string) uuid.UUID {
	for _, k := range keys {
		v, ok := r.value(k)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case uuid.UUID:
			return t
		case [16]byte:
			return uuid.UUID(t)
		case string:
			if id, err := uuid.Parse(strings.TrimSpace(t)); err == nil {
				return id
			}
		}
	}
	return uuid.Nil
}

// asObject returns v as a JSON object, decoding it when v is a serialized
// object.
func asObject(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case string:
		return decodeObject([]byte(t))
	case []byte:
		return decodeObject(t)
	case json.RawMessage:
		return decodeObject(t)
	}
	return nil, false
}

func decodeObject(b []byte) (map[string]any, bool) {
	s := strings.TrimSpace(string(b))
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, false
	}
	return m, true
}

// decodeJSON fills dst from either a serialized payload or an already decoded
// value. It reports false instead of failing.
func decodeJSON(v any, dst any) bool {
	var b []byte
	switch t := v.(type) {
	case string:
		b = []byte(t)
	case []byte:
		b = t
	case json.RawMessage:
		b = t
	default:
		var err error
		if b, err = json.Marshal(v); err != nil {
			return false
		}
	}
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		return false
	}
	return json.Unmarshal([]byte(s), dst) == nil
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int, int32, int64, json.Number:
		return fmt.Sprint(t)
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.Format(time.RFC3339)
	case uuid.UUID:
		return t.String()
	}
	return ""
}

// describe returns readable text for a description column. Intake forms may
// store a JSON payload there instead of plain text.
func describe(raw string) string {
	if raw == "" {
		return "-"
	}
	m, ok := decodeObject([]byte(raw))
	if !ok {
		return raw
	}
	for _, k := range []string{"relato", "descricao", "texto", "mensagem", "observacoes"} {
		if s := scalarString(m[k]); s != "" {
			return s
		}
	}
	return raw
}

func normalizeCode(s, fallback string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return fallback
	}
	return s
}

func setDetail(o *Occurrence, key, value string) {
	if value != "" {
		o.Details[key] = value
	}
}

func buildSearchText(o *Occurrence) string {
	parts := []string{o.Protocol, o.Patient.FullName, o.Description, o.ExamID}
	keys := make([]string, 0, len(o.Details))
	for k := range o.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, o.Details[k])
	}
	kept := parts[:0]
	for _, p := range parts {
		if p != "" && p != "-" {
			kept = append(kept, p)
		}
	}
	return strings.ToLower(strings.Join(kept, " "))
}
