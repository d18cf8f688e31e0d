package recon

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/recon/pkg/fhirmodels"
)

// Handler exposes the reconciliation operations over HTTP.
type Handler struct {
	svc *Service
}

// NewHandler creates a reconciliation handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the reconciliation endpoints on a route group.
//
//	POST /Patient/:id/$deduplicate       - Report duplicate clusters within a compartment
//	POST /Patient/:id/$reconcile         - Classify incoming records against a compartment
//	POST /Patient/:id/$remove-matches    - Fold exact duplicates and stamp surviving primaries
//	POST /:type/$reconcile-resource      - Reconcile a single record
//	POST /:type/$replace-duplicate       - Fold a known duplicate into a primary
//	POST /$mark-mismatch                 - Mark two records as never-match
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/Patient/:id/$deduplicate", h.Deduplicate)
	g.POST("/Patient/:id/$reconcile", h.Reconcile)
	g.POST("/Patient/:id/$remove-matches", h.RemoveMatches)
	g.POST("/:type/$reconcile-resource", h.ReconcileResource)
	g.POST("/:type/$replace-duplicate", h.ReplaceDuplicate)
	g.POST("/$mark-mismatch", h.MarkMismatch)
}

// Deduplicate handles POST /fhir/Patient/:id/$deduplicate.
func (h *Handler) Deduplicate(c echo.Context) error {
	id := c.Param("id")
	result, err := h.svc.Deduplicate(c.Request().Context(), id)
	if err != nil {
		return outcomeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// Reconcile handles POST /fhir/Patient/:id/$reconcile. The body is either a
// collection Bundle or a JSON array of records. The response classifies each
// record without writing anything; accepted matches go through
// $replace-duplicate.
func (h *Handler) Reconcile(c echo.Context) error {
	id := c.Param("id")

	incoming, err := bindIncoming(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest,
			NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, err.Error()))
	}
	if len(incoming) == 0 {
		return c.JSON(http.StatusBadRequest,
			NewOperationOutcome(IssueSeverityError, IssueTypeRequired, "no records to reconcile"))
	}

	result, err := h.svc.Reconcile(c.Request().Context(), id, incoming)
	if err != nil {
		return outcomeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// RemoveMatches handles POST /fhir/Patient/:id/$remove-matches.
func (h *Handler) RemoveMatches(c echo.Context) error {
	id := c.Param("id")
	result, err := h.svc.RemoveMatches(c.Request().Context(), id)
	if err != nil {
		return outcomeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// ReconcileResource handles POST /fhir/:type/$reconcile-resource. The body
// is a single record; the "patient" query parameter scopes the candidate
// search.
func (h *Handler) ReconcileResource(c echo.Context) error {
	var res Resource
	if err := c.Bind(&res); err != nil {
		return c.JSON(http.StatusBadRequest,
			NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, "malformed record body"))
	}
	if res.Type() == "" || res.Type() != c.Param("type") {
		return c.JSON(http.StatusBadRequest,
			NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, "record type does not match URL"))
	}

	cl, err := h.svc.ReconcileResource(c.Request().Context(), res, c.QueryParam("patient"))
	if err != nil {
		return outcomeError(c, err)
	}
	return c.JSON(http.StatusOK, cl)
}

type replaceRequest struct {
	Duplicate string `json:"duplicate"`
	Primary   string `json:"primary"`
}

// ReplaceDuplicate handles POST /fhir/:type/$replace-duplicate with a body
// of {"duplicate": "Type/id", "primary": "Type/id"}.
func (h *Handler) ReplaceDuplicate(c echo.Context) error {
	var req replaceRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest,
			NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, "malformed request body"))
	}
	typ := c.Param("type")
	if !strings.HasPrefix(req.Duplicate, typ+"/") || !strings.HasPrefix(req.Primary, typ+"/") {
		return c.JSON(http.StatusBadRequest,
			NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, "references must match the URL type"))
	}

	if err := h.svc.ReplaceDuplicate(c.Request().Context(), req.Duplicate, req.Primary); err != nil {
		return outcomeError(c, err)
	}
	return c.JSON(http.StatusOK,
		NewOperationOutcome(IssueSeverityInformation, IssueTypeDuplicate, "duplicate replaced"))
}

type mismatchRequest struct {
	RecordA string `json:"recordA"`
	RecordB string `json:"recordB"`
}

// MarkMismatch handles POST /fhir/$mark-mismatch with a body of
// {"recordA": "Type/id", "recordB": "Type/id"}.
func (h *Handler) MarkMismatch(c echo.Context) error {
	var req mismatchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest,
			NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, "malformed request body"))
	}
	if req.RecordA == "" || req.RecordB == "" {
		return c.JSON(http.StatusBadRequest,
			NewOperationOutcome(IssueSeverityError, IssueTypeRequired, "recordA and recordB are required"))
	}

	if err := h.svc.MarkMismatch(c.Request().Context(), req.RecordA, req.RecordB); err != nil {
		return outcomeError(c, err)
	}
	return c.JSON(http.StatusOK,
		NewOperationOutcome(IssueSeverityInformation, IssueTypeProcessing, "mismatch recorded"))
}

// bindIncoming accepts either a collection Bundle or a bare JSON array of
// records.
func bindIncoming(c echo.Context) ([]Resource, error) {
	var body interface{}
	if err := c.Bind(&body); err != nil {
		return nil, errors.New("malformed request body")
	}

	switch v := body.(type) {
	case []interface{}:
		return toResources(v)
	case map[string]interface{}:
		if v["resourceType"] != fhirmodels.TypeBundle {
			return nil, errors.New("body must be a Bundle or an array of records")
		}
		entries, _ := v["entry"].([]interface{})
		var raw []interface{}
		for _, e := range entries {
			em, ok := e.(map[string]interface{})
			if !ok {
				continue
			}
			if res, ok := em["resource"]; ok {
				raw = append(raw, res)
			}
		}
		return toResources(raw)
	}
	return nil, errors.New("body must be a Bundle or an array of records")
}

func toResources(raw []interface{}) ([]Resource, error) {
	out := make([]Resource, 0, len(raw))
	for _, r := range raw {
		m, ok := r.(map[string]interface{})
		if !ok {
			return nil, errors.New("entries must be objects")
		}
		res := Resource(m)
		if res.Type() == "" {
			return nil, errors.New("entries must carry a resourceType")
		}
		out = append(out, res)
	}
	return out, nil
}

func outcomeError(c echo.Context, err error) error {
	if errors.Is(err, ErrNotFound) {
		return c.JSON(http.StatusNotFound,
			NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, err.Error()))
	}
	return c.JSON(http.StatusInternalServerError,
		NewOperationOutcome(IssueSeverityError, IssueTypeException, err.Error()))
}
