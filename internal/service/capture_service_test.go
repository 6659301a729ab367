package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-attendance-sync/internal/models"
	appErrors "github.com/noah-isme/sma-attendance-sync/pkg/errors"
)

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *steppingClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newCaptureServiceForTest(t *testing.T) (*CaptureService, *AttendanceService, *MetricsService, *steppingClock) {
	t.Helper()
	attendance, _, _ := newAttendanceServiceForTest(t, time.UTC)
	metrics := NewMetricsService()
	clock := &steppingClock{now: time.Date(2024, 8, 12, 7, 0, 0, 0, time.UTC)}
	svc := NewCaptureService(context.Background(), attendance, nil, metrics, CaptureDefaults{}, nil)
	svc.now = clock.Now
	t.Cleanup(svc.Shutdown)
	return svc, attendance, metrics, clock
}

func TestCaptureServiceScanRecordsAttendance(t *testing.T) {
	svc, attendance, metrics, clock := newCaptureServiceForTest(t)
	ctx := context.Background()

	info, err := svc.Open(OpenSessionRequest{Context: "Homeroom 10-A", OpenedBy: "teacher-7"})
	require.NoError(t, err)
	assert.Equal(t, "teacher-7", info.OpenedBy)
	assert.EqualValues(t, 1500, info.CooldownMillis)
	assert.EqualValues(t, 60, info.ValiditySecs)

	outcomes, err := svc.Scan(ctx, info.ID, []string{`{"t":"student","i":"S-1"}`})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Accepted)
	require.NotNil(t, outcomes[0].Event)
	assert.Equal(t, models.AttendanceStatusPresent, outcomes[0].Event.Status)

	outcomes, err = svc.Scan(ctx, info.ID, []string{"S-2"})
	require.NoError(t, err)
	assert.False(t, outcomes[0].Accepted)
	assert.Equal(t, "too_soon", outcomes[0].Reason)

	clock.Advance(2 * time.Second)
	outcomes, err = svc.Scan(ctx, info.ID, []string{"S-2"})
	require.NoError(t, err)
	assert.True(t, outcomes[0].Accepted)

	current, err := attendance.CurrentStatus(ctx, "S-1", "Homeroom 10-A", clock.Now())
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceStatusPresent, current.Status)

	snap := metrics.Snapshot()
	assert.EqualValues(t, 2, snap.ScansAccepted)
	assert.EqualValues(t, 1, snap.ScansRejected)

	got, err := svc.Get(info.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, got.Processed)
	require.NotNil(t, got.LastAcceptedAt)
}

func TestCaptureServiceRotatingPayloadWindow(t *testing.T) {
	svc, _, _, clock := newCaptureServiceForTest(t)
	ctx := context.Background()
	info, err := svc.Open(OpenSessionRequest{Context: "Gate"})
	require.NoError(t, err)

	now := clock.Now().UnixMilli()
	outcomes, err := svc.Scan(ctx, info.ID, []string{fmt.Sprintf(`{"i":"S001","ts":%d}`, now-70000)})
	require.NoError(t, err)
	assert.Equal(t, "stale", outcomes[0].Reason)

	outcomes, err = svc.Scan(ctx, info.ID, []string{fmt.Sprintf(`{"i":"S001","ts":%d}`, now-30000)})
	require.NoError(t, err)
	assert.True(t, outcomes[0].Accepted)
}

func TestCaptureServiceLateAfter(t *testing.T) {
	svc, _, _, clock := newCaptureServiceForTest(t)
	lateAfter := clock.Now().Add(-time.Minute)
	info, err := svc.Open(OpenSessionRequest{Context: "Homeroom", LateAfter: &lateAfter})
	require.NoError(t, err)

	outcomes, err := svc.Scan(context.Background(), info.ID, []string{"S-1"})
	require.NoError(t, err)
	require.NotNil(t, outcomes[0].Event)
	assert.Equal(t, models.AttendanceStatusLate, outcomes[0].Event.Status)
}

func TestCaptureServiceCloseRejectsFurtherScans(t *testing.T) {
	svc, _, _, _ := newCaptureServiceForTest(t)
	info, err := svc.Open(OpenSessionRequest{Context: "Homeroom"})
	require.NoError(t, err)

	require.NoError(t, svc.Close(info.ID))
	_, err = svc.Scan(context.Background(), info.ID, []string{"S-1"})
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
	assert.ErrorIs(t, svc.Close(info.ID), appErrors.ErrNotFound)
}

func TestCaptureServiceOpenValidation(t *testing.T) {
	svc, _, _, _ := newCaptureServiceForTest(t)

	_, err := svc.Open(OpenSessionRequest{Context: "  "})
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	cases := map[string]OpenSessionRequest{
		"Context":         {Context: strings.Repeat("x", 129)},
		"CooldownMillis":  {Context: "Homeroom", CooldownMillis: 60001},
		"ValiditySeconds": {Context: "Homeroom", ValiditySeconds: 1 << 40},
	}
	for field, req := range cases {
		_, err := svc.Open(req)
		require.ErrorIs(t, err, appErrors.ErrValidation, field)
		var appErr *appErrors.Error
		require.ErrorAs(t, err, &appErr)
		assert.Contains(t, appErr.Details, field)
	}
	_, err = svc.Open(OpenSessionRequest{Context: "Homeroom", CooldownMillis: -1})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
	assert.Empty(t, svc.List())
}

func TestCaptureServiceCloseIdle(t *testing.T) {
	svc, _, _, clock := newCaptureServiceForTest(t)
	stale, err := svc.Open(OpenSessionRequest{Context: "A"})
	require.NoError(t, err)
	clock.Advance(10 * time.Minute)
	fresh, err := svc.Open(OpenSessionRequest{Context: "B"})
	require.NoError(t, err)

	assert.Equal(t, 1, svc.CloseIdle(5*time.Minute))

	_, err = svc.Get(stale.ID)
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
	_, err = svc.Get(fresh.ID)
	assert.NoError(t, err)
	assert.Len(t, svc.List(), 1)
}

func TestCaptureServiceCloseIdleUsesConfiguredTimeout(t *testing.T) {
	svc, _, _, clock := newCaptureServiceForTest(t)
	_, err := svc.Open(OpenSessionRequest{Context: "A"})
	require.NoError(t, err)

	clock.Advance(29 * time.Minute)
	assert.Zero(t, svc.CloseIdle(0))
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, svc.CloseIdle(0))
	assert.Empty(t, svc.List())
}
