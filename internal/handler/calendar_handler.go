package handler

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-attendance-sync/internal/models"
	"github.com/noah-isme/sma-attendance-sync/internal/service"
	appErrors "github.com/noah-isme/sma-attendance-sync/pkg/errors"
	"github.com/noah-isme/sma-attendance-sync/pkg/response"
)

const maxCalendarUpload = 2 << 20

type calendarService interface {
	Import(ctx context.Context, csvText, schoolYear string) (*service.CalendarImportResult, error)
	Period(ctx context.Context, schoolYear string) (*models.SchoolPeriod, error)
	Events(ctx context.Context, from, to *time.Time) ([]models.SchoolEvent, error)
}

// CalendarHandler exposes calendar import and read endpoints.
type CalendarHandler struct {
	service calendarService
}

// NewCalendarHandler constructs the handler.
func NewCalendarHandler(svc calendarService) *CalendarHandler {
	return &CalendarHandler{service: svc}
}

// Import godoc
// @Summary Import calendar events and quarter boundaries from CSV
// @Description Accepts a text/csv body or a multipart "file" field. Event rows replace the stored event set; period rows patch the school period.
// @Tags Calendar
// @Accept text/csv
// @Accept mpfd
// @Produce json
// @Param school_year query string false "School year; defaults to the year containing the earliest period date in the file, else the current one"
// @Success 200 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /calendar/import [post]
func (h *CalendarHandler) Import(c *gin.Context) {
	csvText, err := readCalendarUpload(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	result, err := h.service.Import(c.Request.Context(), csvText, c.Query("school_year"))
	if err != nil {
		if result != nil {
			response.ErrorWithData(c, err, result)
			return
		}
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Period godoc
// @Summary Quarter boundaries for a school year
// @Tags Calendar
// @Produce json
// @Param school_year query string false "School year, defaults to the current one"
// @Success 200 {object} response.Envelope
// @Router /calendar/period [get]
func (h *CalendarHandler) Period(c *gin.Context) {
	period, err := h.service.Period(c.Request.Context(), c.Query("school_year"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, period, nil)
}

// Events godoc
// @Summary Calendar events
// @Tags Calendar
// @Produce json
// @Param from query string false "From date (YYYY-MM-DD)"
// @Param to query string false "To date (YYYY-MM-DD)"
// @Success 200 {object} response.Envelope
// @Router /calendar/events [get]
func (h *CalendarHandler) Events(c *gin.Context) {
	from, err := parseDateParam(c.Query("from"))
	if err != nil {
		response.Error(c, err)
		return
	}
	to, err := parseDateParam(c.Query("to"))
	if err != nil {
		response.Error(c, err)
		return
	}
	events, err := h.service.Events(c.Request.Context(), from, to)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, events, nil)
}

func readCalendarUpload(c *gin.Context) (string, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		header, err := c.FormFile("file")
		if err != nil {
			return "", appErrors.Clone(appErrors.ErrValidation, "file field required")
		}
		if header.Size > maxCalendarUpload {
			return "", appErrors.Clone(appErrors.ErrValidation, "calendar file too large")
		}
		f, err := header.Open()
		if err != nil {
			return "", appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "cannot read upload")
		}
		defer f.Close()
		raw, err := io.ReadAll(io.LimitReader(f, maxCalendarUpload))
		if err != nil {
			return "", appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "cannot read upload")
		}
		return string(raw), nil
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCalendarUpload+1))
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "cannot read body")
	}
	if len(raw) > maxCalendarUpload {
		return "", appErrors.Clone(appErrors.ErrValidation, "calendar file too large")
	}
	if strings.TrimSpace(string(raw)) == "" {
		return "", appErrors.Clone(appErrors.ErrValidation, "empty calendar file")
	}
	return string(raw), nil
}
