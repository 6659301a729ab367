package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-attendance-sync/internal/models"
)

// closeNotifyingRecorder satisfies http.CloseNotifier, which gin's Stream requires.
type closeNotifyingRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func (r *closeNotifyingRecorder) CloseNotify() <-chan bool { return r.closed }

type syncServiceMock struct {
	snapshot   models.SyncSnapshot
	loading    bool
	forced     bool
	waited     bool
	asyncCalls int
}

func (m *syncServiceMock) Snapshot() models.SyncSnapshot { return m.snapshot }

func (m *syncServiceMock) Refresh(ctx context.Context, force bool) (models.SyncState, bool) {
	m.waited = true
	m.forced = force
	if m.loading && !force {
		return m.snapshot.State, false
	}
	m.snapshot.State = models.SyncState{Phase: models.SyncPhaseSuccess}
	return m.snapshot.State, true
}

func (m *syncServiceMock) RefreshAsync(ctx context.Context, force bool) bool {
	m.asyncCalls++
	m.forced = force
	return !m.loading || force
}

func (m *syncServiceMock) Subscribe() (<-chan models.SyncSnapshot, func()) {
	ch := make(chan models.SyncSnapshot, 1)
	ch <- m.snapshot
	close(ch)
	return ch, func() {}
}

func TestSyncHandlerStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mock := &syncServiceMock{snapshot: models.SyncSnapshot{
		State:         models.SyncState{Phase: models.SyncPhaseIdle},
		UnsyncedCount: 3,
		StatusText:    "3 records pending upload",
	}}
	handler := NewSyncHandler(context.Background(), mock)

	c, w := newGinContext(http.MethodGet, "/sync/status", nil)
	handler.Status(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"unsynced_count":3`)
	assert.Contains(t, w.Body.String(), "3 records pending upload")
}

func TestSyncHandlerRefreshAsync(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mock := &syncServiceMock{}
	handler := NewSyncHandler(context.Background(), mock)

	c, w := newGinContext(http.MethodPost, "/sync/refresh", nil)
	handler.Refresh(c)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, mock.asyncCalls)
	assert.False(t, mock.waited)
}

func TestSyncHandlerRefreshIgnoredWhileLoading(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mock := &syncServiceMock{loading: true, snapshot: models.SyncSnapshot{State: models.SyncState{Phase: models.SyncPhaseLoading}}}
	handler := NewSyncHandler(context.Background(), mock)

	c, w := newGinContext(http.MethodPost, "/sync/refresh", nil)
	handler.Refresh(c)

	require.Equal(t, http.StatusOK, w.Code)
	env := decodeEnvelope(t, w)
	assert.Equal(t, false, env.Meta["started"])
}

func TestSyncHandlerRefreshForceAndWait(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mock := &syncServiceMock{loading: true}
	handler := NewSyncHandler(context.Background(), mock)

	c, w := newGinContext(http.MethodPost, "/sync/refresh?force=true&wait=true", nil)
	handler.Refresh(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, mock.waited)
	assert.True(t, mock.forced)
	assert.Contains(t, w.Body.String(), `"phase":"success"`)
}

func TestSyncHandlerStreamWritesSnapshot(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mock := &syncServiceMock{snapshot: models.SyncSnapshot{State: models.SyncState{Phase: models.SyncPhaseIdle}, UnsyncedCount: 1}}
	handler := NewSyncHandler(context.Background(), mock)

	w := &closeNotifyingRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool)}
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/sync/stream", nil)
	handler.Stream(c)

	assert.Contains(t, w.Body.String(), "event:sync")
	assert.Contains(t, w.Body.String(), `"unsynced_count":1`)
}
