package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-attendance-sync/internal/models"
	"github.com/noah-isme/sma-attendance-sync/internal/repository"
	appErrors "github.com/noah-isme/sma-attendance-sync/pkg/errors"
)

const calendarCachePattern = "calendar:*"

type calendarRepository interface {
	GetPeriod(ctx context.Context, schoolYear string) (*models.SchoolPeriod, error)
	ListEvents(ctx context.Context, from, to *time.Time) ([]models.SchoolEvent, error)
	Import(ctx context.Context, schoolYear string, merge repository.CalendarMerge) error
}

// CalendarService applies CSV imports and serves the period and event read models.
type CalendarService struct {
	repo     calendarRepository
	cache    *ReadCache
	metrics  *MetricsService
	logger   *zap.Logger
	location *time.Location
	now      func() time.Time
}

// NewCalendarService constructs the service. cache and metrics may be nil.
func NewCalendarService(repo calendarRepository, cache *ReadCache, metrics *MetricsService, loc *time.Location, logger *zap.Logger) *CalendarService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &CalendarService{repo: repo, cache: cache, metrics: metrics, logger: logger, location: loc, now: time.Now}
}

// CalendarImportResult is returned to callers after an import attempt.
type CalendarImportResult struct {
	SchoolYear string               `json:"school_year"`
	StatusText string               `json:"status_text"`
	Report     models.ImportReport  `json:"report"`
	Period     *models.SchoolPeriod `json:"period,omitempty"`
}

// SchoolYearFor names the school year containing t, e.g. "2024-2025" from June 2024 to May 2025.
func SchoolYearFor(t time.Time) string {
	year := t.Year()
	if t.Month() < time.June {
		year--
	}
	return fmt.Sprintf("%d-%d", year, year+1)
}

var errNoValidRows = errors.New("no valid rows found")

// Import merges csvText into the period for schoolYear and, when the file holds event rows,
// replaces the stored event set. Both writes share one transaction, and the merge starts from the
// period as stored at that moment. Without schoolYear the year is the one containing the file's
// earliest period date, or the current one when the file sets no period dates.
func (s *CalendarService) Import(ctx context.Context, csvText, schoolYear string) (*CalendarImportResult, error) {
	schoolYear = strings.TrimSpace(schoolYear)
	if schoolYear == "" {
		schoolYear = s.importSchoolYear(csvText)
	}

	var (
		report  models.ImportReport
		merged  models.SchoolPeriod
		current *models.SchoolPeriod
	)
	err := s.repo.Import(ctx, schoolYear, func(existing *models.SchoolPeriod) (repository.CalendarChanges, error) {
		period, events, rep := MergeCalendar(csvText, existing)
		period.SchoolYear = schoolYear
		report, merged, current = rep, period, existing
		if rep.Imported == 0 {
			return repository.CalendarChanges{}, errNoValidRows
		}
		changes := repository.CalendarChanges{Events: events, ReplaceEvents: rep.EventsFound > 0}
		if rep.PeriodTouched {
			changes.Period = &merged
		}
		return changes, nil
	})
	s.metrics.RecordImport(report)

	result := &CalendarImportResult{SchoolYear: schoolYear, Report: report, StatusText: report.StatusText()}
	if errors.Is(err, errNoValidRows) {
		return result, appErrors.Clone(appErrors.ErrImportFailed, errNoValidRows.Error())
	}
	if err != nil {
		result.StatusText = models.ImportFailedText("could not save calendar")
		return result, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save calendar import")
	}
	if report.PeriodTouched {
		result.Period = &merged
	} else {
		result.Period = current
	}

	if err := s.cache.Invalidate(ctx, calendarCachePattern); err != nil {
		s.logger.Warn("calendar cache invalidation failed", zap.Error(err))
	}
	s.logger.Info("calendar imported",
		zap.String("school_year", schoolYear),
		zap.Int("imported", report.Imported),
		zap.Int("skipped", report.Skipped),
		zap.Int("events", report.EventsFound),
		zap.Bool("period_touched", report.PeriodTouched))
	return result, nil
}

func (s *CalendarService) importSchoolYear(csvText string) string {
	preview, _, report := MergeCalendar(csvText, nil)
	if report.PeriodTouched {
		if earliest := preview.Earliest(); earliest != nil {
			return SchoolYearFor(*earliest)
		}
	}
	return SchoolYearFor(s.now().In(s.location))
}

// Period returns the period for schoolYear, the current one when empty.
func (s *CalendarService) Period(ctx context.Context, schoolYear string) (*models.SchoolPeriod, error) {
	if schoolYear == "" {
		schoolYear = SchoolYearFor(s.now().In(s.location))
	}
	return readThrough(ctx, s.cache, "calendar:period:"+schoolYear, func(ctx context.Context) (*models.SchoolPeriod, error) {
		period, err := s.repo.GetPeriod(ctx, schoolYear)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, appErrors.Clone(appErrors.ErrNotFound, "school period not configured")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load school period")
		}
		return period, nil
	})
}

// Events lists calendar events within the optional range.
func (s *CalendarService) Events(ctx context.Context, from, to *time.Time) ([]models.SchoolEvent, error) {
	key := fmt.Sprintf("calendar:events:%s:%s", dateKey(from), dateKey(to))
	return readThrough(ctx, s.cache, key, func(ctx context.Context) ([]models.SchoolEvent, error) {
		events, err := s.repo.ListEvents(ctx, from, to)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list calendar events")
		}
		if events == nil {
			events = []models.SchoolEvent{}
		}
		return events, nil
	})
}

func dateKey(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02")
}
