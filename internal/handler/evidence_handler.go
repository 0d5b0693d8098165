package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/agricert-api/internal/dto"
	"github.com/noah-isme/agricert-api/internal/models"
	"github.com/noah-isme/agricert-api/internal/service"
	appErrors "github.com/noah-isme/agricert-api/pkg/errors"
	"github.com/noah-isme/agricert-api/pkg/response"
)

type evidenceService interface {
	Upload(ctx context.Context, actor models.Actor, req dto.UploadEvidenceRequest, file service.EvidenceFile) (*models.EvidenceUpload, error)
	Delete(ctx context.Context, actor models.Actor, req dto.DeleteEvidenceRequest) error
	DownloadURL(ctx context.Context, actor models.Actor, id string) (string, time.Time, error)
	Download(ctx context.Context, token string) (*service.EvidenceDownload, error)
}

// EvidenceHandler manages checkpoint evidence uploads and downloads.
type EvidenceHandler struct {
	service evidenceService
}

// NewEvidenceHandler constructs the handler.
func NewEvidenceHandler(service evidenceService) *EvidenceHandler {
	return &EvidenceHandler{service: service}
}

// Upload godoc
// @Summary Upload checkpoint evidence
// @Description Stores a photo, video or PDF and returns the evidence URI to submit with the checkpoint
// @Tags Evidence
// @Accept multipart/form-data
// @Produce json
// @Param checkpoint_index formData int true "Checkpoint index (1-20)"
// @Param file formData file true "Evidence file"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /certification/upload/checkpoint [post]
func (h *EvidenceHandler) Upload(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.UploadEvidenceRequest
	if err := c.ShouldBind(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "checkpoint_index is required"))
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "file is required"))
		return
	}
	src, err := fileHeader.Open()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open file"))
		return
	}
	defer src.Close()

	upload, err := h.service.Upload(c.Request.Context(), actor, req, service.EvidenceFile{
		Filename: fileHeader.Filename,
		Size:     fileHeader.Size,
		Content:  src,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, upload)
}

// Delete godoc
// @Summary Delete unattached evidence
// @Tags Evidence
// @Accept json
// @Produce json
// @Param payload body dto.DeleteEvidenceRequest true "Evidence id or uri"
// @Success 204
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /certification/delete-media [post]
func (h *EvidenceHandler) Delete(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.DeleteEvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid delete payload"))
		return
	}
	if err := h.service.Delete(c.Request.Context(), actor, req); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Link godoc
// @Summary Redirect to a fresh signed evidence link
// @Tags Evidence
// @Param id path string true "Evidence ID"
// @Success 302
// @Failure 404 {object} response.Envelope
// @Router /certification/evidence/{id} [get]
func (h *EvidenceHandler) Link(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	url, _, err := h.service.DownloadURL(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Redirect(http.StatusFound, url)
}

// Download godoc
// @Summary Download evidence via signed token
// @Tags Evidence
// @Produce octet-stream
// @Param token path string true "Signed token"
// @Success 200 {file} binary
// @Failure 403 {object} response.Envelope
// @Router /evidence/{token} [get]
func (h *EvidenceHandler) Download(c *gin.Context) {
	token := strings.TrimSpace(c.Param("token"))
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token is required"))
		return
	}
	result, err := h.service.Download(c.Request.Context(), token)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer result.File.Close() //nolint:errcheck
	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=\"%s\"", result.Filename))
	c.Header("Cache-Control", "private, max-age=60")
	c.DataFromReader(http.StatusOK, result.SizeBytes, result.MimeType, result.File, nil)
}
