package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-attendance-sync/internal/middleware"
	"github.com/noah-isme/sma-attendance-sync/internal/service"
	appErrors "github.com/noah-isme/sma-attendance-sync/pkg/errors"
	"github.com/noah-isme/sma-attendance-sync/pkg/response"
)

type captureService interface {
	Open(req service.OpenSessionRequest) (*service.CaptureSessionInfo, error)
	Scan(ctx context.Context, id string, payloads []string) ([]service.ScanOutcome, error)
	Get(id string) (*service.CaptureSessionInfo, error)
	List() []service.CaptureSessionInfo
	Close(id string) error
}

// CaptureHandler exposes capture session endpoints used by scanning kiosks.
type CaptureHandler struct {
	service captureService
}

// NewCaptureHandler constructs the handler.
func NewCaptureHandler(svc captureService) *CaptureHandler {
	return &CaptureHandler{service: svc}
}

type scanRequest struct {
	Payload  string   `json:"payload"`
	Payloads []string `json:"payloads"`
}

// Open godoc
// @Summary Open a capture session
// @Tags Capture
// @Accept json
// @Produce json
// @Param payload body service.OpenSessionRequest true "Session options"
// @Success 201 {object} response.Envelope
// @Router /capture/sessions [post]
func (h *CaptureHandler) Open(c *gin.Context) {
	var req service.OpenSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Validation(err))
		return
	}
	if claims, ok := middleware.Claims(c); ok {
		req.OpenedBy = claims.UserID
	}
	info, err := h.service.Open(req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, info)
}

// List godoc
// @Summary List open capture sessions
// @Tags Capture
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /capture/sessions [get]
func (h *CaptureHandler) List(c *gin.Context) {
	response.JSON(c, http.StatusOK, h.service.List(), nil)
}

// Get godoc
// @Summary Describe a capture session
// @Tags Capture
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Router /capture/sessions/{id} [get]
func (h *CaptureHandler) Get(c *gin.Context) {
	info, err := h.service.Get(c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, info, nil)
}

// Scan godoc
// @Summary Submit the barcodes of one frame
// @Description Rejected scans are reported per barcode and never fail the request.
// @Tags Capture
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body scanRequest true "Raw barcode payloads"
// @Success 200 {object} response.Envelope
// @Router /capture/sessions/{id}/scans [post]
func (h *CaptureHandler) Scan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Validation(err))
		return
	}
	payloads := req.Payloads
	if strings.TrimSpace(req.Payload) != "" {
		payloads = append([]string{req.Payload}, payloads...)
	}
	if len(payloads) == 0 {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "payload or payloads required"))
		return
	}
	outcomes, err := h.service.Scan(c.Request.Context(), c.Param("id"), payloads)
	if err != nil {
		response.Error(c, err)
		return
	}
	accepted := 0
	for _, o := range outcomes {
		if o.Accepted {
			accepted++
		}
	}
	response.JSON(c, http.StatusOK, outcomes, nil, map[string]interface{}{"accepted": accepted})
}

// Close godoc
// @Summary Close a capture session
// @Tags Capture
// @Param id path string true "Session ID"
// @Success 204
// @Router /capture/sessions/{id} [delete]
func (h *CaptureHandler) Close(c *gin.Context) {
	if err := h.service.Close(c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
