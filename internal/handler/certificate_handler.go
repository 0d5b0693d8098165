package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/agricert-api/internal/models"
	"github.com/noah-isme/agricert-api/internal/service"
	"github.com/noah-isme/agricert-api/pkg/response"
)

type certificateService interface {
	Details(ctx context.Context, requestID string) (*models.CertificateDetails, error)
	PDF(ctx context.Context, requestID string) (*service.CertificateFile, error)
}

// CertificateHandler serves issued certificates. Certificates are public so verify links work
// without an account.
type CertificateHandler struct {
	service certificateService
}

// NewCertificateHandler constructs the handler.
func NewCertificateHandler(service certificateService) *CertificateHandler {
	return &CertificateHandler{service: service}
}

// Details godoc
// @Summary Certificate details
// @Description Ordered certificate fields; each field carries its display kind
// @Tags Certificates
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /certification/certificates/{id} [get]
func (h *CertificateHandler) Details(c *gin.Context) {
	details, err := h.service.Details(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, details, nil)
}

// PDF godoc
// @Summary Download certificate PDF
// @Tags Certificates
// @Produce application/pdf
// @Param id path string true "Request ID"
// @Success 200 {file} binary
// @Failure 404 {object} response.Envelope
// @Router /certification/certificates/{id}/pdf [get]
func (h *CertificateHandler) PDF(c *gin.Context) {
	out, err := h.service.PDF(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	defer out.File.Close() //nolint:errcheck
	info, err := out.File.Stat()
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", out.Filename))
	c.DataFromReader(http.StatusOK, info.Size(), "application/pdf", out.File, nil)
}
