package request

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xypriss/xypriss/xyerrors"
)

func newTestManager(cfg Config, onSlow func(StageEvent)) *Manager {
	return New(cfg, onSlow)
}

func TestAdmit_AllowsUnderCaps(t *testing.T) {
	t.Parallel()

	m := newTestManager(Config{GlobalConcurrency: 4, PerIPConcurrency: 4}, nil)
	r := httptest.NewRequest("GET", "/widgets", nil)
	r.RemoteAddr = "10.0.0.1:5555"

	release, err := m.Admit(r)
	require.NoError(t, err)
	require.NotNil(t, release)
	release()
}

func TestAdmit_RejectsAtGlobalCap(t *testing.T) {
	t.Parallel()

	m := newTestManager(Config{GlobalConcurrency: 1, PerIPConcurrency: 100}, nil)

	r1 := httptest.NewRequest("GET", "/widgets", nil)
	r1.RemoteAddr = "10.0.0.1:5555"
	release, err := m.Admit(r1)
	require.NoError(t, err)
	defer release()

	r2 := httptest.NewRequest("GET", "/widgets", nil)
	r2.RemoteAddr = "10.0.0.2:5555"
	_, err = m.Admit(r2)
	require.Error(t, err)
	assert.Equal(t, xyerrors.KindCapacity, xyerrors.KindOf(err))
}

func TestAdmit_RejectsAtPerIPCap(t *testing.T) {
	t.Parallel()

	m := newTestManager(Config{GlobalConcurrency: 100, PerIPConcurrency: 1}, nil)

	r1 := httptest.NewRequest("GET", "/widgets", nil)
	r1.RemoteAddr = "10.0.0.1:5555"
	release, err := m.Admit(r1)
	require.NoError(t, err)
	defer release()

	r2 := httptest.NewRequest("GET", "/widgets", nil)
	r2.RemoteAddr = "10.0.0.1:6666"
	_, err = m.Admit(r2)
	require.Error(t, err)
	assert.Equal(t, xyerrors.KindCapacity, xyerrors.KindOf(err))
}

func TestAdmit_ReleaseFreesSlotForReuse(t *testing.T) {
	t.Parallel()

	m := newTestManager(Config{GlobalConcurrency: 1, PerIPConcurrency: 1}, nil)
	r := httptest.NewRequest("GET", "/widgets", nil)
	r.RemoteAddr = "10.0.0.1:5555"

	release, err := m.Admit(r)
	require.NoError(t, err)
	release()

	release2, err := m.Admit(r)
	require.NoError(t, err)
	release2()
}

func TestCheckPayload_RejectsOversizeBody(t *testing.T) {
	t.Parallel()

	m := newTestManager(Config{MaxBodyBytes: 10}, nil)
	r := httptest.NewRequest("POST", "/widgets", nil)
	r.ContentLength = 11

	err := m.CheckPayload(r)
	require.Error(t, err)
	assert.Equal(t, xyerrors.KindValidation, xyerrors.KindOf(err))
}

func TestCheckPayload_RejectsOverlongURL(t *testing.T) {
	t.Parallel()

	m := newTestManager(Config{MaxURLLength: 5}, nil)
	r := httptest.NewRequest("GET", "/widgets/abcdefgh", nil)

	err := m.CheckPayload(r)
	require.Error(t, err)
	assert.Equal(t, xyerrors.KindValidation, xyerrors.KindOf(err))
}

func TestCheckPayload_AllowsWithinLimits(t *testing.T) {
	t.Parallel()

	m := newTestManager(Config{MaxBodyBytes: 1024, MaxURLLength: 1024}, nil)
	r := httptest.NewRequest("GET", "/widgets", nil)
	r.ContentLength = 10

	require.NoError(t, m.CheckPayload(r))
}

func TestTimeoutFor_FallsBackToDefault(t *testing.T) {
	t.Parallel()

	m := newTestManager(Config{DefaultTimeout: 5 * time.Second}, nil)
	assert.Equal(t, 5*time.Second, m.timeoutFor("GET", "/unconfigured"))
}

func TestTimeoutFor_UsesRouteOverride(t *testing.T) {
	t.Parallel()

	m := newTestManager(Config{
		DefaultTimeout: 5 * time.Second,
		RouteTimeouts:  map[string]time.Duration{"GET /slow": 60 * time.Second},
	}, nil)
	assert.Equal(t, 60*time.Second, m.timeoutFor("GET", "/slow"))
}

func TestWithTimeout_BoundsContext(t *testing.T) {
	t.Parallel()

	m := newTestManager(Config{DefaultTimeout: 10 * time.Millisecond}, nil)
	ctx, cancel := m.WithTimeout(context.Background(), "GET", "/slow")
	defer cancel()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context did not time out")
	}
}

func TestTracker_ReportsSlowStage(t *testing.T) {
	t.Parallel()

	var events []StageEvent
	m := newTestManager(Config{SlowStageThreshold: 5 * time.Millisecond}, func(e StageEvent) {
		events = append(events, e)
	})

	tr := m.StartTracking("GET", "/widgets")
	time.Sleep(10 * time.Millisecond)
	tr.Mark(StageRouted)

	require.Len(t, events, 1)
	assert.Equal(t, StageRouted, events[0].Stage)
}

func TestTracker_DoesNotReportFastStage(t *testing.T) {
	t.Parallel()

	var events []StageEvent
	m := newTestManager(Config{SlowStageThreshold: time.Second}, func(e StageEvent) {
		events = append(events, e)
	})

	tr := m.StartTracking("GET", "/widgets")
	tr.Mark(StageRouted)

	assert.Empty(t, events)
}

func TestQualityGate_AllowsByDefault(t *testing.T) {
	t.Parallel()

	g := newQualityGate()
	assert.True(t, g.allow())
}

func TestQualityGate_SheddingBlocksAdmit(t *testing.T) {
	t.Parallel()

	m := newTestManager(Config{GlobalConcurrency: 10, PerIPConcurrency: 10}, nil)
	m.quality.ewma = 1.0

	r := httptest.NewRequest("GET", "/widgets", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	_, err := m.Admit(r)
	require.Error(t, err)
	assert.Equal(t, xyerrors.KindCapacity, xyerrors.KindOf(err))
}
