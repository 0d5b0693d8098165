package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/agricert-api/internal/dto"
	"github.com/noah-isme/agricert-api/internal/middleware"
	"github.com/noah-isme/agricert-api/internal/models"
	appErrors "github.com/noah-isme/agricert-api/pkg/errors"
	"github.com/noah-isme/agricert-api/pkg/response"
)

type certificationService interface {
	Create(ctx context.Context, actor models.Actor, req dto.CreateRequestRequest) (*dto.RequestView, error)
	Get(ctx context.Context, actor models.Actor, id string) (*dto.RequestView, error)
	List(ctx context.Context, actor models.Actor, query dto.RequestQuery) ([]dto.RequestView, *models.Pagination, error)
	Queue(ctx context.Context, actor models.Actor, page, pageSize int) ([]dto.RequestView, *models.Pagination, error)
	Transition(ctx context.Context, actor models.Actor, id string, req dto.TransitionRequest) (*dto.TransitionResponse, error)
	History(ctx context.Context, actor models.Actor, id string) (*dto.HistoryResponse, error)
	HistoryCSV(ctx context.Context, actor models.Actor, id string) ([]byte, error)
	HistoryPDF(ctx context.Context, actor models.Actor, id string) ([]byte, error)
}

// CertificationHandler exposes certification request endpoints.
type CertificationHandler struct {
	service certificationService
}

// NewCertificationHandler constructs the handler.
func NewCertificationHandler(service certificationService) *CertificationHandler {
	return &CertificationHandler{service: service}
}

// Create godoc
// @Summary Submit a certification request
// @Description Requester submits product details and all checkpoint answers. Evidence must be attached where the checkpoint requires it.
// @Tags Certification
// @Accept json
// @Produce json
// @Param payload body dto.CreateRequestRequest true "Request payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /certification/requests [post]
func (h *CertificationHandler) Create(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.CreateRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid request payload"))
		return
	}

	view, err := h.service.Create(c.Request.Context(), actor, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, view)
}

// Get godoc
// @Summary Get a certification request
// @Tags Certification
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /certification/requests/{id} [get]
func (h *CertificationHandler) Get(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	view, err := h.service.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, view, nil)
}

// List godoc
// @Summary List certification requests
// @Description Results are scoped by the caller's role
// @Tags Certification
// @Produce json
// @Param status query string false "Comma separated statuses"
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /certification/requests [get]
func (h *CertificationHandler) List(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	page, size := pageParams(c)
	query := dto.RequestQuery{Page: page, PageSize: size}
	for _, raw := range c.QueryArray("status") {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				query.Status = append(query.Status, models.RequestStatus(strings.ToLower(part)))
			}
		}
	}

	views, pagination, err := h.service.List(c.Request.Context(), actor, query)
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetMeta(c, "role", actor.Role)
	response.JSON(c, http.StatusOK, views, pagination, middleware.ExtractMeta(c))
}

// Queue godoc
// @Summary List the caller's work queue
// @Description Requesters get their own requests, inspectors the inspection queue, issuers requests awaiting certification
// @Tags Certification
// @Produce json
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /certification/farmer/requests [get]
// @Router /certification/inspection/requests [get]
// @Router /certification/issuer/requests [get]
func (h *CertificationHandler) Queue(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	page, size := pageParams(c)
	views, pagination, err := h.service.Queue(c.Request.Context(), actor, page, size)
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetMeta(c, "role", actor.Role)
	response.JSON(c, http.StatusOK, views, pagination, middleware.ExtractMeta(c))
}

// Transition godoc
// @Summary Apply a lifecycle action
// @Description Moves the request to the action's target status if the caller's role permits it
// @Tags Certification
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body dto.TransitionRequest true "Transition payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /certification/requests/{id}/transitions [post]
func (h *CertificationHandler) Transition(c *gin.Context) {
	var req dto.TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid transition payload"))
		return
	}
	h.transition(c, req)
}

// StartInspection godoc
// @Summary Start inspecting a request
// @Tags Certification
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /certification/inspect/{id}/status [patch]
func (h *CertificationHandler) StartInspection(c *gin.Context) {
	h.action(c, models.ActionStart)
}

// Decide godoc
// @Summary Approve or reject an inspected request
// @Tags Certification
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body dto.InspectionDecisionRequest true "Decision"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /certification/inspect/{id} [post]
func (h *CertificationHandler) Decide(c *gin.Context) {
	var req dto.InspectionDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Approved == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "approved is required"))
		return
	}
	action := models.ActionReject
	if *req.Approved {
		action = models.ActionApprove
	}
	h.transition(c, dto.TransitionRequest{Action: action, ExpectedVersion: req.ExpectedVersion})
}

// Certify godoc
// @Summary Certify an approved request
// @Description Anchors the request on the ledger and marks it certified
// @Tags Certification
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /certification/certify/{id} [post]
func (h *CertificationHandler) Certify(c *gin.Context) {
	h.action(c, models.ActionCertify)
}

// Revert godoc
// @Summary Revert a request
// @Tags Certification
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /certification/revert/{id} [post]
func (h *CertificationHandler) Revert(c *gin.Context) {
	h.action(c, models.ActionRevert)
}

// History godoc
// @Summary Transition history of a request
// @Description Returns the digest-chained transition trail. Use format=csv or format=pdf for a download.
// @Tags Certification
// @Produce json
// @Produce text/csv
// @Produce application/pdf
// @Param id path string true "Request ID"
// @Param format query string false "json, csv or pdf"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /certification/requests/{id}/history [get]
func (h *CertificationHandler) History(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	id := c.Param("id")
	switch strings.ToLower(c.Query("format")) {
	case "csv":
		data, err := h.service.HistoryCSV(c.Request.Context(), actor, id)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Attachment(c, fmt.Sprintf("history-%s.csv", id), "text/csv", data)
		return
	case "pdf":
		data, err := h.service.HistoryPDF(c.Request.Context(), actor, id)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Attachment(c, fmt.Sprintf("history-%s.pdf", id), "application/pdf", data)
		return
	}

	history, err := h.service.History(c.Request.Context(), actor, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, history, nil)
}

// action runs a fixed action. A JSON body, when sent, may carry expected_version.
func (h *CertificationHandler) action(c *gin.Context, action models.Action) {
	req := dto.TransitionRequest{Action: action}
	if c.Request.ContentLength > 0 {
		var body struct {
			ExpectedVersion *int64 `json:"expected_version"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid transition payload"))
			return
		}
		req.ExpectedVersion = body.ExpectedVersion
	}
	h.transition(c, req)
}

func (h *CertificationHandler) transition(c *gin.Context, req dto.TransitionRequest) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	result, err := h.service.Transition(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}
