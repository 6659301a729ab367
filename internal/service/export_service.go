package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-attendance-sync/internal/models"
	appErrors "github.com/noah-isme/sma-attendance-sync/pkg/errors"
	"github.com/noah-isme/sma-attendance-sync/pkg/export"
	"github.com/noah-isme/sma-attendance-sync/pkg/storage"
)

const unassignedSemester = "Outside Semesters"

type historyReader interface {
	History(ctx context.Context, filter models.AttendanceFilter) ([]models.AttendanceEvent, error)
}

type periodReader interface {
	Period(ctx context.Context, schoolYear string) (*models.SchoolPeriod, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

type renderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
	ContentType() string
	Extension() string
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	APIPrefix string
	ResultTTL time.Duration
}

// AttendanceExportRequest selects the rows of an export.
type AttendanceExportRequest struct {
	Context    string     `form:"context"`
	Format     string     `form:"format"`
	SchoolYear string     `form:"school_year"`
	From       *time.Time `form:"-"`
	To         *time.Time `form:"-"`
}

// ExportResult captures successful generation metadata.
type ExportResult struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	Format    string    `json:"format"`
	Rows      int       `json:"rows"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExportService renders attendance history grouped by senior-high semester and stores the file
// behind a signed download token.
type ExportService struct {
	ledger    historyReader
	periods   periodReader
	storage   fileStorage
	renderers map[string]renderer
	signer    *storage.DownloadSigner
	logger    *zap.Logger
	cfg       ExportConfig
}

// NewExportService constructs an ExportService.
func NewExportService(ledger historyReader, periods periodReader, files fileStorage, signer *storage.DownloadSigner, cfg ExportConfig, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	csvExporter := &export.CSVExporter{BOM: true}
	pdfExporter := export.NewPDFExporter()
	return &ExportService{
		ledger:  ledger,
		periods: periods,
		storage: files,
		renderers: map[string]renderer{
			csvExporter.Extension(): csvExporter,
			pdfExporter.Extension(): pdfExporter,
		},
		signer: signer,
		logger: logger,
		cfg:    cfg,
	}
}

// ExportAttendance renders and stores an attendance export.
func (s *ExportService) ExportAttendance(ctx context.Context, req AttendanceExportRequest) (*ExportResult, error) {
	format := strings.ToLower(strings.TrimSpace(req.Format))
	if format == "" {
		format = "csv"
	}
	r, ok := s.renderers[format]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %q", req.Format))
	}

	events, err := s.ledger.History(ctx, models.AttendanceFilter{Context: req.Context, From: req.From, To: req.To, Limit: 5000})
	if err != nil {
		return nil, err
	}

	period, err := s.periods.Period(ctx, req.SchoolYear)
	if err != nil && !errors.Is(err, appErrors.ErrNotFound) {
		return nil, err
	}

	dataset := BuildAttendanceDataset(events, period)
	title := "Attendance"
	if req.Context != "" {
		title = "Attendance - " + req.Context
	}
	payload, err := r.Render(dataset, title)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
	}

	id := uuid.NewString()
	filename := fmt.Sprintf("attendance_%s_%s.%s", sanitizeFilename(req.Context), time.Now().UTC().Format("20060102_150405"), r.Extension())
	relPath, err := s.storage.Save(filename, payload)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store export")
	}
	token, expiresAt, err := s.signer.Sign(id, relPath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign export")
	}

	prefix := strings.TrimRight(s.cfg.APIPrefix, "/")
	if prefix == "" {
		prefix = "/api/v1"
	}
	s.logger.Info("attendance export generated", zap.String("export_id", id), zap.String("format", format), zap.Int("rows", len(dataset.Rows)))
	return &ExportResult{
		ID:        id,
		Token:     token,
		URL:       fmt.Sprintf("%s/exports/%s", prefix, token),
		Format:    format,
		Rows:      len(dataset.Rows),
		ExpiresAt: expiresAt,
	}, nil
}

// OpenExport resolves a download token to the stored file and its content type.
func (s *ExportService) OpenExport(token string) (*os.File, string, string, error) {
	_, relPath, _, err := s.signer.Verify(token)
	if err != nil {
		return nil, "", "", appErrors.Wrap(err, appErrors.ErrForbidden.Code, appErrors.ErrForbidden.Status, "invalid or expired export link")
	}
	f, err := s.storage.Open(relPath)
	if err != nil {
		return nil, "", "", appErrors.Wrap(err, appErrors.ErrNotFound.Code, appErrors.ErrNotFound.Status, "export not found")
	}
	contentType := "application/octet-stream"
	if r, ok := s.renderers[strings.TrimPrefix(filepath.Ext(relPath), ".")]; ok {
		contentType = r.ContentType()
	}
	return f, filepath.Base(relPath), contentType, nil
}

// Cleanup removes files older than ttl (defaults to configured ResultTTL when ttl <= 0).
func (s *ExportService) Cleanup(ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		ttl = s.cfg.ResultTTL
	}
	return s.storage.CleanupOlderThan(ttl)
}

// BuildAttendanceDataset orders events by semester then day and labels each row with its semester.
func BuildAttendanceDataset(events []models.AttendanceEvent, period *models.SchoolPeriod) export.Dataset {
	headers := []string{"Semester", "Date", "Student ID", "Context", "Status", "Recorded At", "Synced"}
	order := map[string]int{unassignedSemester: 99}
	if period != nil {
		for i, sem := range period.Semesters() {
			order[sem.Name] = i
		}
	}

	type keyed struct {
		semester string
		event    models.AttendanceEvent
	}
	items := make([]keyed, 0, len(events))
	for _, event := range events {
		semester := unassignedSemester
		if period != nil {
			if name := period.SemesterFor(event.Day); name != "" {
				semester = name
			}
		}
		items = append(items, keyed{semester: semester, event: event})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if order[items[i].semester] != order[items[j].semester] {
			return order[items[i].semester] < order[items[j].semester]
		}
		if !items[i].event.Day.Equal(items[j].event.Day) {
			return items[i].event.Day.Before(items[j].event.Day)
		}
		return items[i].event.StudentID < items[j].event.StudentID
	})

	rows := make([]map[string]string, 0, len(items))
	for _, item := range items {
		synced := "no"
		if item.event.Synced {
			synced = "yes"
		}
		rows = append(rows, map[string]string{
			"Semester":    item.semester,
			"Date":        item.event.Day.Format("2006-01-02"),
			"Student ID":  item.event.StudentID,
			"Context":     item.event.Context,
			"Status":      string(item.event.Status),
			"Recorded At": item.event.RecordedAt.UTC().Format(time.RFC3339),
			"Synced":      synced,
		})
	}
	return export.Dataset{Headers: headers, Rows: rows, GroupBy: "Semester"}
}

func sanitizeFilename(raw string) string {
	if raw == "" {
		return "all"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".", "__", "_")
	result := replacer.Replace(raw)
	if len(result) > 100 {
		return result[:100]
	}
	return result
}
