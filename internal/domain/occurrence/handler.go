package occurrence

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/radiologia/ocorrencias/internal/platform/auth"
	"github.com/radiologia/ocorrencias/internal/platform/versioning"
	"github.com/radiologia/ocorrencias/pkg/pagination"
)

// DefaultMaxUploadBytes bounds one attachment upload.
const DefaultMaxUploadBytes = 20 << 20

type Handler struct {
	svc       *Service
	maxUpload int64
}

func NewHandler(svc *Service, maxUpload int64) *Handler {
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}
	return &Handler{svc: svc, maxUpload: maxUpload}
}

// RegisterRoutes mounts the occurrence API. Reads are open to every
// authenticated user; the service decides who may mutate. intake wraps the
// producer endpoint only (rate limiting).
func (h *Handler) RegisterRoutes(api *echo.Group, intake ...echo.MiddlewareFunc) {
	api.GET("/occurrences", h.ListOccurrences)
	api.GET("/occurrences/:origin/:id", h.GetOccurrence)
	api.GET("/occurrences/:origin/:id/history", h.GetStatusHistory)
	api.GET("/occurrences/:origin/:id/attachments", h.ListAttachments)
	api.POST("/occurrences/:origin/:id/outcome/validate", h.ValidateOutcome)
	api.GET("/outcome-rules", h.ListOutcomeRules)
	api.GET("/vocabulary", h.GetVocabulary)

	// Intake producers push raw records for any family.
	api.POST("/occurrences/intake/:origin", h.RegisterOccurrence, intake...)

	api.PUT("/occurrences/:origin/:id/triage", h.SetTriage)
	api.PUT("/occurrences/:origin/:id/outcome", h.ProposeOutcome)
	api.PUT("/occurrences/:origin/:id/notification", h.SetExternalNotification)
	api.POST("/occurrences/:origin/:id/capa", h.AddCapa)
	api.PUT("/occurrences/:origin/:id/capa/:index", h.UpdateCapa)
	api.POST("/occurrences/:origin/:id/transitions", h.Transition)
	api.POST("/occurrences/:origin/:id/attachments", h.UploadAttachment)
}

// -- Reads --

func (h *Handler) ListOccurrences(c echo.Context) error {
	criteria, err := criteriaFromQuery(c)
	if err != nil {
		return err
	}
	items, err := h.svc.List(c.Request().Context(), criteria)
	if err != nil {
		return httpError(err)
	}
	pg := pagination.FromContext(c)
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Page(items, pg), len(items), pg.Limit, pg.Offset))
}

func criteriaFromQuery(c echo.Context) (Criteria, error) {
	cr := Criteria{
		Text:                      c.QueryParam("q"),
		Type:                      c.QueryParam("type"),
		Status:                    c.QueryParam("status"),
		Triage:                    TriageClass(strings.ToLower(strings.TrimSpace(c.QueryParam("triage")))),
		PatientIDSubstring:        c.QueryParam("patient_id"),
		ProtocolOrExamIDSubstring: c.QueryParam("protocol"),
	}
	var err error
	if cr.From, err = parseDateParam(c.QueryParam("from")); err != nil {
		return cr, echo.NewHTTPError(http.StatusBadRequest, "invalid from: "+err.Error())
	}
	if cr.To, err = parseDateParam(c.QueryParam("to")); err != nil {
		return cr, echo.NewHTTPError(http.StatusBadRequest, "invalid to: "+err.Error())
	}
	return cr, nil
}

func (h *Handler) GetOccurrence(c echo.Context) error {
	origin, id, err := occurrenceKey(c)
	if err != nil {
		return err
	}
	o, err := h.svc.Get(c.Request().Context(), origin, id)
	if err != nil {
		return httpError(err)
	}
	if versioning.NotModified(c, o.Version) {
		return c.NoContent(http.StatusNotModified)
	}
	versioning.SetVersionHeaders(c, o.Version, o.UpdatedAt.UTC().Format(http.TimeFormat))
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) GetStatusHistory(c echo.Context) error {
	origin, id, err := occurrenceKey(c)
	if err != nil {
		return err
	}
	items, err := h.svc.History(c.Request().Context(), origin, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListAttachments(c echo.Context) error {
	table, id, err := attachmentKey(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListAttachments(c.Request().Context(), table, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ValidateOutcome(c echo.Context) error {
	origin, id, err := occurrenceKey(c)
	if err != nil {
		return err
	}
	var p OutcomeProposal
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.ValidateOutcome(c.Request().Context(), origin, id, p)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ListOutcomeRules(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Rules().Rules())
}

// GetVocabulary lists the closed value sets a client needs to build forms.
func (h *Handler) GetVocabulary(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"statuses":       Statuses(),
		"triage_classes": TriageClasses(),
		"origins":        Origins,
		"outcomes":       h.svc.Rules().Rules(),
	})
}

// -- Intake --

func (h *Handler) RegisterOccurrence(c echo.Context) error {
	origin, ok := ParseOrigin(c.Param("origin"))
	if !ok {
		return httpError(&UnknownOriginError{OriginTable: c.Param("origin")})
	}
	payload := map[string]any{}
	if err := json.NewDecoder(c.Request().Body).Decode(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body: "+err.Error())
	}
	o, err := h.svc.Register(c.Request().Context(), origin, IntakeRequest{Payload: payload}, actorFrom(c))
	if err != nil {
		return httpError(err)
	}
	versioning.SetVersionHeaders(c, o.Version, "")
	return c.JSON(http.StatusCreated, o)
}

// -- Guarded mutations --

type triageRequest struct {
	Triage string `json:"triage"`
}

func (h *Handler) SetTriage(c echo.Context) error {
	origin, id, version, err := mutationKey(c)
	if err != nil {
		return err
	}
	var req triageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.SetTriage(c.Request().Context(), origin, id, req.Triage, actorFrom(c), version)
	return respondMutation(c, res, err)
}

func (h *Handler) ProposeOutcome(c echo.Context) error {
	origin, id, version, err := mutationKey(c)
	if err != nil {
		return err
	}
	var p OutcomeProposal
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.ProposeOutcome(c.Request().Context(), origin, id, p, actorFrom(c), version)
	return respondMutation(c, res, err)
}

type notificationRequest struct {
	Agency      string `json:"agency"`
	Date        string `json:"date"`
	Responsible string `json:"responsible"`
	Clear       bool   `json:"clear"`
}

func (h *Handler) SetExternalNotification(c echo.Context) error {
	origin, id, version, err := mutationKey(c)
	if err != nil {
		return err
	}
	var req notificationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var n *ExternalNotification
	if !req.Clear {
		date, err := parseDateParam(req.Date)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid date: "+err.Error())
		}
		n = &ExternalNotification{Agency: req.Agency, Date: date, Responsible: req.Responsible}
	}
	res, err := h.svc.SetExternalNotification(c.Request().Context(), origin, id, n, actorFrom(c), version)
	return respondMutation(c, res, err)
}

type capaRequest struct {
	Action      string `json:"action"`
	Responsible string `json:"responsible"`
	Deadline    string `json:"deadline"`
	Status      string `json:"status"`
}

func (r capaRequest) toAction() (CapaAction, error) {
	deadline, err := parseDateParam(r.Deadline)
	if err != nil {
		return CapaAction{}, echo.NewHTTPError(http.StatusBadRequest, "invalid deadline: "+err.Error())
	}
	return CapaAction{Action: r.Action, Responsible: r.Responsible, Deadline: deadline, Status: r.Status}, nil
}

func (h *Handler) AddCapa(c echo.Context) error {
	origin, id, version, err := mutationKey(c)
	if err != nil {
		return err
	}
	var req capaRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	action, err := req.toAction()
	if err != nil {
		return err
	}
	res, err := h.svc.AddCapa(c.Request().Context(), origin, id, action, actorFrom(c), version)
	if err != nil {
		return httpError(err)
	}
	versioning.SetVersionHeaders(c, res.Occurrence.Version, "")
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) UpdateCapa(c echo.Context) error {
	origin, id, version, err := mutationKey(c)
	if err != nil {
		return err
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid index")
	}
	var req capaRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	action, err := req.toAction()
	if err != nil {
		return err
	}
	res, err := h.svc.UpdateCapa(c.Request().Context(), origin, id, index, action, actorFrom(c), version)
	return respondMutation(c, res, err)
}

func (h *Handler) Transition(c echo.Context) error {
	origin, id, version, err := mutationKey(c)
	if err != nil {
		return err
	}
	var req TransitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.Transition(c.Request().Context(), origin, id, req, actorFrom(c), version)
	return respondMutation(c, res, err)
}

func (h *Handler) UploadAttachment(c echo.Context) error {
	table, id, err := attachmentKey(c)
	if err != nil {
		return err
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	if fh.Size > h.maxUpload {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds %d bytes", h.maxUpload))
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, h.maxUpload+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if int64(len(data)) > h.maxUpload {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds %d bytes", h.maxUpload))
	}

	up := Upload{FileName: fh.Filename, ContentType: fh.Header.Get("Content-Type"), Data: data}
	a, err := h.svc.UploadAttachment(c.Request().Context(), table, id, up, actorFrom(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

// -- helpers --

func actorFrom(c echo.Context) Actor {
	ctx := c.Request().Context()
	return Actor{ID: auth.UserIDFromContext(ctx), Roles: auth.RolesFromContext(ctx)}
}

func occurrenceKey(c echo.Context) (SourceOrigin, uuid.UUID, error) {
	origin, ok := ParseOrigin(c.Param("origin"))
	if !ok {
		return "", uuid.Nil, httpError(&UnknownOriginError{OriginTable: c.Param("origin")})
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return "", uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return origin, id, nil
}

func mutationKey(c echo.Context) (SourceOrigin, uuid.UUID, int, error) {
	origin, id, err := occurrenceKey(c)
	if err != nil {
		return "", uuid.Nil, 0, err
	}
	version, err := versioning.IfMatch(c)
	if err != nil {
		return "", uuid.Nil, 0, err
	}
	return origin, id, version, nil
}

// attachmentKey keeps the raw table name so an unknown one reaches the
// foreign-key resolver untouched.
func attachmentKey(c echo.Context) (string, uuid.UUID, error) {
	table := c.Param("origin")
	if origin, ok := ParseOrigin(table); ok {
		table = origin.Table()
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return "", uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return table, id, nil
}

func respondMutation(c echo.Context, res *MutationResult, err error) error {
	if err != nil {
		return httpError(err)
	}
	versioning.SetVersionHeaders(c, res.Occurrence.Version, "")
	return c.JSON(http.StatusOK, res)
}

var dateLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

func parseDateParam(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("expected YYYY-MM-DD or RFC 3339, got %q", s)
}

// httpError maps engine errors to responses. Validation failures carry every
// violation so the caller can show them all at once.
func httpError(err error) error {
	var verr *ValidationError
	var uerr *UnknownOriginError
	var perr *UploadPartialFailure
	var serr *ExternalServiceError
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]interface{}{
			"message":    "validation failed",
			"violations": verr.Violations,
		})
	case errors.As(err, &uerr):
		return echo.NewHTTPError(http.StatusBadRequest, uerr.Error())
	case errors.As(err, &perr):
		return echo.NewHTTPError(http.StatusBadGateway, map[string]interface{}{
			"message": "attachment upload failed",
			"path":    perr.Path,
			"cleaned": perr.CleanupErr == nil,
		})
	case errors.As(err, &serr):
		return echo.NewHTTPError(http.StatusBadGateway, serr.Error())
	case errors.Is(err, ErrUnauthorized):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrTerminal), errors.Is(err, ErrDuplicateProtocol):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
