package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-attendance-sync/internal/models"
	"github.com/noah-isme/sma-attendance-sync/internal/repository"
	appErrors "github.com/noah-isme/sma-attendance-sync/pkg/errors"
)

type calendarRepoStub struct {
	mu       sync.Mutex
	periods  map[string]models.SchoolPeriod
	events   []models.SchoolEvent
	applied  []repository.CalendarChanges
	years    []string
	applyErr error
	reads    int
}

func newCalendarRepoStub() *calendarRepoStub {
	return &calendarRepoStub{periods: make(map[string]models.SchoolPeriod)}
}

func (r *calendarRepoStub) GetPeriod(ctx context.Context, schoolYear string) (*models.SchoolPeriod, error) {
	r.reads++
	p, ok := r.periods[schoolYear]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &p, nil
}

func (r *calendarRepoStub) ListEvents(ctx context.Context, from, to *time.Time) ([]models.SchoolEvent, error) {
	r.reads++
	return append([]models.SchoolEvent(nil), r.events...), nil
}

func (r *calendarRepoStub) Import(ctx context.Context, schoolYear string, merge repository.CalendarMerge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.years = append(r.years, schoolYear)
	var existing *models.SchoolPeriod
	if p, ok := r.periods[schoolYear]; ok {
		existing = &p
	}
	changes, err := merge(existing)
	if err != nil {
		return err
	}
	if r.applyErr != nil {
		return r.applyErr
	}
	r.applied = append(r.applied, changes)
	if changes.Period != nil {
		r.periods[schoolYear] = *changes.Period
	}
	if changes.ReplaceEvents {
		r.events = append([]models.SchoolEvent(nil), changes.Events...)
	}
	return nil
}

type memoryCache struct {
	mu    sync.Mutex
	items map[string][]byte
}

func newMemoryCache() *memoryCache {
	return &memoryCache{items: make(map[string][]byte)}
}

func (c *memoryCache) Get(ctx context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.items[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (c *memoryCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = raw
	return nil
}

func (c *memoryCache) DeleteByPattern(ctx context.Context, pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	for key := range c.items {
		if strings.HasPrefix(key, prefix) {
			delete(c.items, key)
		}
	}
	return nil
}

func newCalendarServiceForTest(repo *calendarRepoStub, cache *ReadCache) *CalendarService {
	svc := NewCalendarService(repo, cache, NewMetricsService(), time.UTC, nil)
	svc.now = func() time.Time { return time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC) }
	return svc
}

func TestSchoolYearFor(t *testing.T) {
	assert.Equal(t, "2024-2025", SchoolYearFor(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2024-2025", SchoolYearFor(time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2023-2024", SchoolYearFor(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)))
}

func TestCalendarServiceReplacesEventsAndPatchesPeriod(t *testing.T) {
	repo := newCalendarRepoStub()
	svc := newCalendarServiceForTest(repo, nil)
	ctx := context.Background()

	fileA := "Date,Title,Description,Type\n" +
		"2024-08-01,First Quarter - Start,,Period\n" +
		"2024-11-01,All Saints Day,,holiday\n" +
		"2024-12-25,Christmas,,holiday\n"
	result, err := svc.Import(ctx, fileA, "")
	require.NoError(t, err)
	assert.Equal(t, "2024-2025", result.SchoolYear)
	assert.Equal(t, "Import Successful: 2 events.", result.StatusText)

	fileB := "2025-02-25,EDSA Anniversary,,holiday\n"
	result, err = svc.Import(ctx, fileB, "")
	require.NoError(t, err)
	assert.Equal(t, "Import Successful: 1 events.", result.StatusText)

	require.Len(t, repo.events, 1)
	assert.Equal(t, "EDSA Anniversary", repo.events[0].Title)

	period := repo.periods["2024-2025"]
	require.NotNil(t, period.JHSQ1Start)
	assert.Equal(t, time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC), *period.JHSQ1Start)
	require.NotNil(t, result.Period)
	assert.Equal(t, period.JHSQ1Start, result.Period.JHSQ1Start)

	require.Len(t, repo.applied, 2)
	assert.Nil(t, repo.applied[1].Period)
}

func TestCalendarServicePeriodOnlyImportKeepsEvents(t *testing.T) {
	repo := newCalendarRepoStub()
	repo.events = []models.SchoolEvent{{ID: "e1", Title: "Founders Day"}}
	svc := newCalendarServiceForTest(repo, nil)

	result, err := svc.Import(context.Background(), "2024-10-11,First Quarter - End,,Period", "2024-2025")
	require.NoError(t, err)
	assert.Equal(t, "Import Successful: 0 events.", result.StatusText)

	require.Len(t, repo.applied, 1)
	assert.False(t, repo.applied[0].ReplaceEvents)
	assert.Len(t, repo.events, 1)
}

func TestCalendarServiceImportWithNoValidRows(t *testing.T) {
	repo := newCalendarRepoStub()
	svc := newCalendarServiceForTest(repo, nil)

	result, err := svc.Import(context.Background(), "garbage\n2024-99-99,x,y\n", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrImportFailed))
	require.NotNil(t, result)
	assert.Equal(t, "Import Failed: no valid rows found", result.StatusText)
	assert.Equal(t, 2, result.Report.Skipped)
	assert.Empty(t, repo.applied)
}

func TestCalendarServiceImportStorageFailure(t *testing.T) {
	repo := newCalendarRepoStub()
	repo.applyErr = errors.New("tx aborted")
	svc := newCalendarServiceForTest(repo, nil)

	result, err := svc.Import(context.Background(), "2024-12-25,Christmas,,holiday", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrInternal))
	assert.Equal(t, "Import Failed: could not save calendar", result.StatusText)
}

func TestCalendarServicePeriodNotFound(t *testing.T) {
	svc := newCalendarServiceForTest(newCalendarRepoStub(), nil)

	_, err := svc.Period(context.Background(), "")
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
}

func TestCalendarServiceCachesAndInvalidates(t *testing.T) {
	repo := newCalendarRepoStub()
	repo.events = []models.SchoolEvent{{ID: "e1", Title: "Founders Day"}}
	cache := NewReadCache(newMemoryCache(), nil, time.Minute, true, nil)
	svc := newCalendarServiceForTest(repo, cache)
	ctx := context.Background()

	events, err := svc.Events(ctx, nil, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	_, err = svc.Events(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.reads)

	_, err = svc.Import(ctx, "2024-12-25,Christmas,,holiday", "")
	require.NoError(t, err)

	events, err = svc.Events(ctx, nil, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Christmas", events[0].Title)
}

func TestCalendarServiceConcurrentImportsKeepBothBoundaries(t *testing.T) {
	repo := newCalendarRepoStub()
	svc := newCalendarServiceForTest(repo, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, row := range []string{"2024-08-01,First Quarter - Start,,Period", "2024-10-14,Second Quarter - Start,,Period"} {
		wg.Add(1)
		go func(row string) {
			defer wg.Done()
			_, err := svc.Import(ctx, row, "2024-2025")
			assert.NoError(t, err)
		}(row)
	}
	wg.Wait()

	period := repo.periods["2024-2025"]
	require.NotNil(t, period.JHSQ1Start)
	require.NotNil(t, period.JHSQ2Start)
	assert.Equal(t, time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC), *period.JHSQ1Start)
	assert.Equal(t, time.Date(2024, 10, 14, 0, 0, 0, 0, time.UTC), *period.JHSQ2Start)
}

func TestCalendarServiceImportUsesYearOfPeriodDates(t *testing.T) {
	repo := newCalendarRepoStub()
	svc := newCalendarServiceForTest(repo, nil)
	svc.now = func() time.Time { return time.Date(2025, 5, 10, 8, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	result, err := svc.Import(ctx, "2025-08-04,First Quarter - Start,,Period\n2025-12-25,Christmas,,holiday\n", "")
	require.NoError(t, err)
	assert.Equal(t, "2025-2026", result.SchoolYear)
	assert.Contains(t, repo.periods, "2025-2026")
	assert.NotContains(t, repo.periods, "2024-2025")

	result, err = svc.Import(ctx, "2025-05-20,Recognition Day,,activity", "")
	require.NoError(t, err)
	assert.Equal(t, "2024-2025", result.SchoolYear)
	assert.Equal(t, []string{"2025-2026", "2024-2025"}, repo.years)
}
