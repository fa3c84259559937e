package occurrence

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SourceOrigin identifies the physical record family an occurrence was
// normalized from.
type SourceOrigin string

const (
	OriginAdministrative SourceOrigin = "administrative"
	OriginNursing        SourceOrigin = "nursing"
	OriginMedicalReview  SourceOrigin = "medical_review"
	OriginFreeForm       SourceOrigin = "free_form"
	OriginPatient        SourceOrigin = "patient"
)

// Origins lists every known family in the order the unified view reads them.
var Origins = []SourceOrigin{
	OriginAdministrative,
	OriginNursing,
	OriginMedicalReview,
	OriginFreeForm,
	OriginPatient,
}

// originTables maps each family to the table that stores it.
var originTables = map[SourceOrigin]string{
	OriginAdministrative: "ocorrencias_administrativas",
	OriginNursing:        "ocorrencias_enfermagem",
	OriginMedicalReview:  "revisoes_laudo",
	OriginFreeForm:       "relatos_livres",
	OriginPatient:        "relatos_paciente",
}

// protocolPrefixes keeps protocols unique across the five tables of a tenant.
var protocolPrefixes = map[SourceOrigin]string{
	OriginAdministrative: "ADM",
	OriginNursing:        "ENF",
	OriginMedicalReview:  "RVL",
	OriginFreeForm:       "REL",
	OriginPatient:        "PAC",
}

// ParseOrigin accepts either the origin name or its table name.
func ParseOrigin(s string) (SourceOrigin, bool) {
	o := SourceOrigin(s)
	if _, ok := originTables[o]; ok {
		return o, true
	}
	for origin, table := range originTables {
		if table == s {
			return origin, true
		}
	}
	return "", false
}

// Table returns the family table, or "" for an unknown origin.
func (o SourceOrigin) Table() string { return originTables[o] }

// Status is the canonical lifecycle state.
type Status string

const (
	StatusRegistrada      Status = "registrada"
	StatusEmTriagem       Status = "em_triagem"
	StatusEmAnalise       Status = "em_analise"
	StatusAcaoEmAndamento Status = "acao_em_andamento"
	StatusConcluida       Status = "concluida"
	StatusImprocedente    Status = "improcedente"

	// StatusDesconhecido marks a stored value outside every vocabulary. No
	// transition leaves it.
	StatusDesconhecido Status = "desconhecido"
)

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusConcluida || s == StatusImprocedente
}

// TriageClass is the severity classification. The classes are nominal and
// carry no ordering.
type TriageClass string

const (
	TriageCircunstanciaRisco TriageClass = "circunstancia_risco"
	TriageNearMiss           TriageClass = "near_miss"
	TriageIncidenteSemDano   TriageClass = "incidente_sem_dano"
	TriageEventoAdverso      TriageClass = "evento_adverso"
	TriageEventoSentinela    TriageClass = "evento_sentinela"
)

// Well-known type and subtype values.
const (
	TypeTecnica        = "tecnica"
	TypeAdministrativa = "administrativa"
	TypeAssistencial   = "assistencial"
	TypePaciente       = "paciente"

	SubtypeMedicalReview = "revisao_laudo"
	SubtypeNursing       = "enfermagem"
	SubtypeFreeForm      = "relato_livre"
	SubtypePatient       = "relato_paciente"
)

// Patient holds the optional, subtype-dependent patient data.
type Patient struct {
	FullName     string     `json:"full_name"`
	RecordNumber string     `json:"record_number"`
	BirthDate    *time.Time `json:"birth_date,omitempty"`
	Phone        string     `json:"phone"`
	Unit         string     `json:"unit"`
	ExamType     string     `json:"exam_type"`
	EventAt      *time.Time `json:"event_at,omitempty"`
}

// Outcome is the resolution classification staged for an occurrence.
type Outcome struct {
	Types         []string   `json:"types"`
	Justification string     `json:"justification"`
	Principal     string     `json:"principal"`
	DecidedBy     string     `json:"decided_by"`
	DecidedAt     *time.Time `json:"decided_at,omitempty"`
}

// ExternalNotification records a report filed with an outside regulatory body.
type ExternalNotification struct {
	Agency      string     `json:"agency"`
	Date        *time.Time `json:"date,omitempty"`
	Responsible string     `json:"responsible"`
}

// Complete reports whether every field needed for compliance is filled.
func (n *ExternalNotification) Complete() bool {
	if n == nil {
		return false
	}
	return strings.TrimSpace(n.Agency) != "" && n.Date != nil && !n.Date.IsZero() && strings.TrimSpace(n.Responsible) != ""
}

// CapaAction is one corrective or preventive action.
type CapaAction struct {
	Action      string     `json:"action"`
	Responsible string     `json:"responsible"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Status      string     `json:"status"`
}

// Attachment is a file bound to one source record.
type Attachment struct {
	ID          uuid.UUID `json:"id"`
	OriginTable string    `json:"origin_table"`
	OriginID    uuid.UUID `json:"origin_id"`
	FileName    string    `json:"file_name"`
	FileType    string    `json:"file_type"`
	FileSize    int64     `json:"file_size"`
	StoragePath string    `json:"storage_path"`
	UploadedBy  string    `json:"uploaded_by"`
	UploadedAt  time.Time `json:"uploaded_at"`
	URL         string    `json:"url,omitempty"`
}

// Occurrence is the canonical incident record produced from any of the five
// source shapes.
type Occurrence struct {
	ID                   uuid.UUID             `json:"id"`
	Protocol             string                `json:"protocol"`
	Origin               SourceOrigin          `json:"source_origin"`
	Type                 string                `json:"type"`
	Subtype              string                `json:"subtype"`
	Status               Status                `json:"status"`
	NativeStatus         string                `json:"native_status"`
	Triage               *TriageClass          `json:"triage,omitempty"`
	Outcome              *Outcome              `json:"outcome,omitempty"`
	Patient              Patient               `json:"patient"`
	ExamID               string                `json:"exam_id"`
	Description          string                `json:"description"`
	Details              map[string]string     `json:"details,omitempty"`
	ExternalNotification *ExternalNotification `json:"external_notification,omitempty"`
	Capa                 []CapaAction          `json:"capa"`
	Attachments          []*Attachment         `json:"attachments,omitempty"`
	CreatedBy            string                `json:"created_by"`
	CreatedAt            time.Time             `json:"created_at"`
	UpdatedAt            time.Time             `json:"updated_at"`
	Version              int                   `json:"version"`

	searchText string
}

// RequiresTriage reports whether the occurrence needs a triage before it can
// be concluded.
func (o *Occurrence) RequiresTriage() bool {
	return o.Subtype == SubtypeMedicalReview
}

// SearchText is the lower-cased text the free-text filter matches against.
func (o *Occurrence) SearchText() string { return o.searchText }

// StatusChange is one row of the status history.
type StatusChange struct {
	ID           uuid.UUID    `json:"id"`
	Origin       SourceOrigin `json:"source_origin"`
	OccurrenceID uuid.UUID    `json:"occurrence_id"`
	From         string       `json:"from"`
	To           string       `json:"to"`
	ChangedBy    string       `json:"changed_by"`
	ChangedAt    time.Time    `json:"changed_at"`
	Reason       *string      `json:"reason,omitempty"`
}
