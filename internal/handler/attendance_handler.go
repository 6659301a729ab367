package handler

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-attendance-sync/internal/models"
	"github.com/noah-isme/sma-attendance-sync/internal/service"
	appErrors "github.com/noah-isme/sma-attendance-sync/pkg/errors"
	"github.com/noah-isme/sma-attendance-sync/pkg/response"
)

type attendanceService interface {
	RecordRequest(ctx context.Context, req service.RecordAttendanceRequest) (*models.AttendanceEvent, error)
	BulkRecord(ctx context.Context, req service.BulkRecordRequest) (*models.BulkRecordResult, error)
	HistoryPage(ctx context.Context, filter models.AttendanceFilter) ([]models.AttendanceEvent, *models.Pagination, error)
	CurrentStatus(ctx context.Context, studentID, attendanceContext string, at time.Time) (*models.AttendanceEvent, error)
	Delete(ctx context.Context, id string) error
	Wipe(ctx context.Context) (int64, error)
	RegisterStudents(ctx context.Context, req service.RegisterStudentsRequest) (int, error)
	Students(ctx context.Context, activeOnly bool) ([]models.Student, error)
}

type exportService interface {
	ExportAttendance(ctx context.Context, req service.AttendanceExportRequest) (*service.ExportResult, error)
	OpenExport(token string) (*os.File, string, string, error)
}

// AttendanceHandler exposes ledger, roster and export endpoints.
type AttendanceHandler struct {
	attendance attendanceService
	exports    exportService
}

// NewAttendanceHandler constructs the handler.
func NewAttendanceHandler(attendance attendanceService, exports exportService) *AttendanceHandler {
	return &AttendanceHandler{attendance: attendance, exports: exports}
}

// Record godoc
// @Summary Record attendance for one student
// @Description A later write for the same student, context and day replaces the earlier one.
// @Tags Attendance
// @Accept json
// @Produce json
// @Param payload body service.RecordAttendanceRequest true "Attendance entry"
// @Success 201 {object} response.Envelope
// @Router /attendance [post]
func (h *AttendanceHandler) Record(c *gin.Context) {
	var req service.RecordAttendanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Validation(err))
		return
	}
	event, err := h.attendance.RecordRequest(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, event)
}

// BulkRecord godoc
// @Summary Record the same status for many students
// @Tags Attendance
// @Accept json
// @Produce json
// @Param payload body service.BulkRecordRequest true "Bulk entry"
// @Success 200 {object} response.Envelope
// @Router /attendance/bulk [post]
func (h *AttendanceHandler) BulkRecord(c *gin.Context) {
	var req service.BulkRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Validation(err))
		return
	}
	result, err := h.attendance.BulkRecord(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// History godoc
// @Summary Attendance history, most recent first
// @Tags Attendance
// @Produce json
// @Param context query string false "Class or session context"
// @Param student_id query string false "Student ID"
// @Param from query string false "From date (YYYY-MM-DD)"
// @Param to query string false "To date (YYYY-MM-DD)"
// @Param limit query int false "Page size"
// @Param page query int false "Page number"
// @Success 200 {object} response.Envelope
// @Router /attendance/history [get]
func (h *AttendanceHandler) History(c *gin.Context) {
	filter, err := historyFilter(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	events, page, err := h.attendance.HistoryPage(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, events, page, map[string]interface{}{"count": len(events)})
}

// Current godoc
// @Summary Current status of a student for a day
// @Tags Attendance
// @Produce json
// @Param student_id query string true "Student ID"
// @Param context query string true "Class or session context"
// @Param date query string false "Day (YYYY-MM-DD), defaults to today"
// @Success 200 {object} response.Envelope
// @Router /attendance/current [get]
func (h *AttendanceHandler) Current(c *gin.Context) {
	studentID := c.Query("student_id")
	attendanceContext := c.Query("context")
	if studentID == "" || attendanceContext == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "student_id and context required"))
		return
	}
	at := time.Now()
	day, err := parseDateParam(c.Query("date"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if day != nil {
		// noon keeps the day stable across school timezones
		at = day.Add(12 * time.Hour)
	}
	event, err := h.attendance.CurrentStatus(c.Request.Context(), studentID, attendanceContext, at)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, event, nil)
}

// Delete godoc
// @Summary Delete one attendance event
// @Tags Attendance
// @Param id path string true "Event ID"
// @Success 204
// @Router /attendance/{id} [delete]
func (h *AttendanceHandler) Delete(c *gin.Context) {
	if err := h.attendance.Delete(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Wipe godoc
// @Summary Delete every attendance event
// @Tags Attendance
// @Produce json
// @Param confirm query bool true "Must be true"
// @Success 200 {object} response.Envelope
// @Router /attendance [delete]
func (h *AttendanceHandler) Wipe(c *gin.Context) {
	if confirm, _ := strconv.ParseBool(c.Query("confirm")); !confirm {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "confirm=true required"))
		return
	}
	n, err := h.attendance.Wipe(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"deleted": n}, nil)
}

// RegisterStudents godoc
// @Summary Register or update roster entries
// @Tags Students
// @Accept json
// @Produce json
// @Param payload body service.RegisterStudentsRequest true "Students"
// @Success 200 {object} response.Envelope
// @Router /students [post]
func (h *AttendanceHandler) RegisterStudents(c *gin.Context) {
	var req service.RegisterStudentsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Validation(err))
		return
	}
	n, err := h.attendance.RegisterStudents(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"registered": n}, nil)
}

// Students godoc
// @Summary List the roster
// @Tags Students
// @Produce json
// @Param active query bool false "Only active students"
// @Success 200 {object} response.Envelope
// @Router /students [get]
func (h *AttendanceHandler) Students(c *gin.Context) {
	activeOnly, _ := strconv.ParseBool(c.DefaultQuery("active", "true"))
	students, err := h.attendance.Students(c.Request.Context(), activeOnly)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, students, nil)
}

// Export godoc
// @Summary Export attendance grouped by semester
// @Tags Attendance
// @Produce json
// @Param context query string false "Class or session context"
// @Param format query string false "csv or pdf"
// @Param school_year query string false "School year, e.g. 2024-2025"
// @Param from query string false "From date (YYYY-MM-DD)"
// @Param to query string false "To date (YYYY-MM-DD)"
// @Success 201 {object} response.Envelope
// @Router /attendance/export [get]
func (h *AttendanceHandler) Export(c *gin.Context) {
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
	req := service.AttendanceExportRequest{
		Context:    c.Query("context"),
		Format:     c.Query("format"),
		SchoolYear: c.Query("school_year"),
		From:       from,
		To:         to,
	}
	result, err := h.exports.ExportAttendance(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// Download godoc
// @Summary Download a generated export
// @Tags Attendance
// @Produce octet-stream
// @Param token path string true "Signed export token"
// @Success 200 {file} file
// @Router /exports/{token} [get]
func (h *AttendanceHandler) Download(c *gin.Context) {
	file, filename, contentType, err := h.exports.OpenExport(c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read export"))
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))
	c.DataFromReader(http.StatusOK, info.Size(), contentType, file, nil)
}

func historyFilter(c *gin.Context) (models.AttendanceFilter, error) {
	filter := models.AttendanceFilter{
		Context:   c.Query("context"),
		StudentID: c.Query("student_id"),
		Limit:     parseQueryInt(c, "limit", 0),
		Page:      parseQueryInt(c, "page", 1),
	}
	from, err := parseDateParam(c.Query("from"))
	if err != nil {
		return filter, err
	}
	to, err := parseDateParam(c.Query("to"))
	if err != nil {
		return filter, err
	}
	filter.From = from
	filter.To = to
	return filter, nil
}

func parseDateParam(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "invalid date, expected YYYY-MM-DD")
	}
	return &parsed, nil
}

func parseQueryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return val
}
