package capture

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-attendance-sync/internal/models"
)

var gateBase = time.Date(2024, 8, 5, 7, 30, 0, 0, time.UTC)

func payloadAt(id string, ts time.Time) string {
	return fmt.Sprintf(`{"t":"student","i":"%s","ts":%d}`, id, ts.UnixMilli())
}

func TestAcceptCooldown(t *testing.T) {
	session := Open(SessionOptions{Context: "homeroom"})

	first := Accept("S001", gateBase, session)
	require.True(t, first.Accepted)
	assert.Equal(t, "S001", first.SubjectID)

	second := Accept("S002", gateBase.Add(DefaultCooldown-time.Millisecond), session)
	assert.False(t, second.Accepted)
	assert.Equal(t, ReasonTooSoon, second.Reason)

	third := Accept("S002", gateBase.Add(DefaultCooldown), session)
	assert.True(t, third.Accepted)

	last, ok := session.LastAcceptedAt()
	require.True(t, ok)
	assert.True(t, last.Equal(gateBase.Add(DefaultCooldown)))
}

func TestAcceptRejectedScanDoesNotMoveCooldown(t *testing.T) {
	session := Open(SessionOptions{Context: "homeroom"})
	require.True(t, Accept("S001", gateBase, session).Accepted)

	assert.False(t, Accept("S002", gateBase.Add(time.Second), session).Accepted)
	assert.True(t, Accept("S002", gateBase.Add(1600*time.Millisecond), session).Accepted)
}

func TestAcceptStaleRegardlessOfCooldown(t *testing.T) {
	session := Open(SessionOptions{Context: "homeroom"})
	require.True(t, Accept("S001", gateBase, session).Accepted)

	inCooldown := Accept(payloadAt("S002", gateBase.Add(-2*time.Minute)), gateBase.Add(100*time.Millisecond), session)
	assert.False(t, inCooldown.Accepted)
	assert.Equal(t, ReasonStale, inCooldown.Reason)

	afterCooldown := Accept(payloadAt("S002", gateBase.Add(-2*time.Minute)), gateBase.Add(5*time.Second), session)
	assert.Equal(t, ReasonStale, afterCooldown.Reason)

	// stale rejections leave the cooldown untouched
	last, _ := session.LastAcceptedAt()
	assert.True(t, last.Equal(gateBase))
}

func TestAcceptValidityWindow(t *testing.T) {
	now := gateBase

	stale := Accept(payloadAt("S001", now.Add(-70*time.Second)), now, Open(SessionOptions{}))
	assert.False(t, stale.Accepted)
	assert.Equal(t, ReasonStale, stale.Reason)

	fresh := Accept(payloadAt("S001", now.Add(-30*time.Second)), now, Open(SessionOptions{}))
	assert.True(t, fresh.Accepted)
	assert.Equal(t, "S001", fresh.SubjectID)

	future := Accept(payloadAt("S001", now.Add(90*time.Second)), now, Open(SessionOptions{}))
	assert.Equal(t, ReasonStale, future.Reason)

	edge := Accept(payloadAt("S001", now.Add(-DefaultValidityWindow)), now, Open(SessionOptions{}))
	assert.True(t, edge.Accepted)
}

func TestAcceptCustomWindows(t *testing.T) {
	session := Open(SessionOptions{Cooldown: 200 * time.Millisecond, ValidityWindow: 5 * time.Second})

	assert.Equal(t, ReasonStale, Accept(payloadAt("S001", gateBase.Add(-6*time.Second)), gateBase, session).Reason)
	require.True(t, Accept(payloadAt("S001", gateBase.Add(-4*time.Second)), gateBase, session).Accepted)
	assert.True(t, Accept("S002", gateBase.Add(200*time.Millisecond), session).Accepted)
}

func TestAcceptEmptyAndClosed(t *testing.T) {
	session := Open(SessionOptions{})
	assert.Equal(t, ReasonEmpty, Accept("  ", gateBase, session).Reason)
	assert.Equal(t, ReasonClosed, Accept("S001", gateBase, nil).Reason)

	session.Close()
	assert.True(t, session.Closed())
	assert.Equal(t, ReasonClosed, Accept("S001", gateBase, session).Reason)
}

func TestAcceptClockGoingBackwards(t *testing.T) {
	session := Open(SessionOptions{})
	require.True(t, Accept("S001", gateBase, session).Accepted)
	assert.Equal(t, ReasonTooSoon, Accept("S002", gateBase.Add(-time.Second), session).Reason)
}

func TestAcceptConcurrentCallersSingleWinner(t *testing.T) {
	session := Open(SessionOptions{})
	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			now := gateBase.Add(time.Duration(i) * time.Millisecond)
			if Accept(fmt.Sprintf("S%03d", i), now, session).Accepted {
				accepted.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
}

func TestSessionStatusAt(t *testing.T) {
	lateAfter := gateBase.Add(15 * time.Minute)
	session := Open(SessionOptions{LateAfter: &lateAfter})

	assert.Equal(t, models.AttendanceStatusPresent, session.StatusAt(gateBase))
	assert.Equal(t, models.AttendanceStatusLate, session.StatusAt(gateBase.Add(16*time.Minute)))
	assert.Equal(t, models.AttendanceStatusPresent, Open(SessionOptions{}).StatusAt(gateBase.Add(time.Hour)))
}

func TestAcceptExtremeTimestampsAreStale(t *testing.T) {
	for _, raw := range []string{
		`{"i":"S001","ts":9223372036854775807}`,
		`{"i":"S001","ts":-9223372036854775808}`,
		`{"i":"S001","ts":1e300}`,
	} {
		d := Accept(raw, gateBase, Open(SessionOptions{}))
		assert.Equal(t, ReasonStale, d.Reason, raw)
	}
}
