package handler

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-attendance-sync/internal/models"
	"github.com/noah-isme/sma-attendance-sync/internal/service"
	appErrors "github.com/noah-isme/sma-attendance-sync/pkg/errors"
)

type calendarServiceMock struct {
	csvText    string
	schoolYear string
	importErr  error
}

func (m *calendarServiceMock) Import(ctx context.Context, csvText, schoolYear string) (*service.CalendarImportResult, error) {
	m.csvText = csvText
	m.schoolYear = schoolYear
	if m.importErr != nil {
		return &service.CalendarImportResult{StatusText: "Import Failed: no valid rows found"}, m.importErr
	}
	return &service.CalendarImportResult{SchoolYear: "2024-2025", StatusText: "Import Successful: 1 events."}, nil
}

func (m *calendarServiceMock) Period(ctx context.Context, schoolYear string) (*models.SchoolPeriod, error) {
	return nil, appErrors.Clone(appErrors.ErrNotFound, "school period not configured")
}

func (m *calendarServiceMock) Events(ctx context.Context, from, to *time.Time) ([]models.SchoolEvent, error) {
	return []models.SchoolEvent{{ID: "e1", Title: "Christmas"}}, nil
}

func TestCalendarHandlerImportRawBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mock := &calendarServiceMock{}
	handler := NewCalendarHandler(mock)

	csv := "2024-12-25,Christmas,,holiday\n"
	c, w := newGinContext(http.MethodPost, "/calendar/import?school_year=2024-2025", []byte(csv))
	c.Request.Header.Set("Content-Type", "text/csv")
	handler.Import(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, csv, mock.csvText)
	assert.Equal(t, "2024-2025", mock.schoolYear)
	assert.Contains(t, w.Body.String(), "Import Successful: 1 events.")
}

func TestCalendarHandlerImportMultipart(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mock := &calendarServiceMock{}
	handler := NewCalendarHandler(mock)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "calendar.csv")
	require.NoError(t, err)
	_, _ = part.Write([]byte("2024-08-01,First Quarter - Start,,Period\n"))
	require.NoError(t, writer.Close())

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/calendar/import", body)
	c.Request.Header.Set("Content-Type", writer.FormDataContentType())
	handler.Import(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(mock.csvText, "2024-08-01"))
}

func TestCalendarHandlerImportFailureCarriesReport(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewCalendarHandler(&calendarServiceMock{importErr: appErrors.Clone(appErrors.ErrImportFailed, "no valid rows found")})

	c, w := newGinContext(http.MethodPost, "/calendar/import", []byte("junk"))
	c.Request.Header.Set("Content-Type", "text/csv")
	handler.Import(c)

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "Import Failed: no valid rows found")
}

func TestCalendarHandlerImportEmptyBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mock := &calendarServiceMock{}
	handler := NewCalendarHandler(mock)

	c, w := newGinContext(http.MethodPost, "/calendar/import", []byte("  \n"))
	c.Request.Header.Set("Content-Type", "text/csv")
	handler.Import(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, mock.csvText)
}

func TestCalendarHandlerPeriodNotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewCalendarHandler(&calendarServiceMock{})

	c, w := newGinContext(http.MethodGet, "/calendar/period", nil)
	handler.Period(c)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCalendarHandlerEvents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewCalendarHandler(&calendarServiceMock{})

	c, w := newGinContext(http.MethodGet, "/calendar/events?from=2024-12-01", nil)
	handler.Events(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Christmas")
}
