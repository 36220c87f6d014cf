package cluster

import (
	"net/http/httptest"
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func aliveWorker(id int) *Worker {
	w := NewWorker(id, 9000+id)
	w.mu.Lock()
	w.state = WorkerStateRunning
	w.mu.Unlock()
	return w
}

// fakeCmd fabricates an *exec.Cmd carrying only a PID, for tests that
// exercise PID-based tie-breaking without spawning a real process.
func fakeCmd(pid int) *exec.Cmd {
	return &exec.Cmd{Process: &os.Process{Pid: pid}}
}

func TestNewBalancer_UnknownStrategy(t *testing.T) {
	t.Parallel()

	_, err := NewBalancer("made-up")
	require.Error(t, err)
}

func TestRoundRobinBalancer_CyclesWorkers(t *testing.T) {
	t.Parallel()

	b, err := NewBalancer("round-robin")
	require.NoError(t, err)

	workers := []*Worker{aliveWorker(0), aliveWorker(1)}
	req := httptest.NewRequest("GET", "/", nil)

	first := b.Select(workers, req)
	second := b.Select(workers, req)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestWeightedLeastConnBalancer_PicksFewestActivePerWeight(t *testing.T) {
	t.Parallel()

	b, err := NewBalancer("weighted-least-connections")
	require.NoError(t, err)

	busy := aliveWorker(0)
	idle := aliveWorker(1)
	busy.incActive()
	busy.incActive()

	req := httptest.NewRequest("GET", "/", nil)
	got := b.Select([]*Worker{busy, idle}, req)
	assert.Equal(t, idle.ID, got.ID)
}

func TestWeightedLeastConnBalancer_TiesBreakByLowerPID(t *testing.T) {
	t.Parallel()

	b, err := NewBalancer("weighted-least-connections")
	require.NoError(t, err)

	a := aliveWorker(0)
	c := aliveWorker(1)
	a.cmd = fakeCmd(500)
	c.cmd = fakeCmd(100)

	req := httptest.NewRequest("GET", "/", nil)
	got := b.Select([]*Worker{a, c}, req)
	assert.Equal(t, c.ID, got.ID)
}

func TestWeightedLeastConnBalancer_HeavierWeightAbsorbsMoreLoad(t *testing.T) {
	t.Parallel()

	light := aliveWorker(0)
	heavy := aliveWorker(1)
	heavy.Weight = 4
	light.incActive()
	heavy.incActive()
	heavy.incActive()
	heavy.incActive()

	b, err := NewBalancer("weighted-least-connections")
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/", nil)
	got := b.Select([]*Worker{light, heavy}, req)
	assert.Equal(t, heavy.ID, got.ID)
}

func TestSelectAlive_ReturnsNilWhenNoneAlive(t *testing.T) {
	t.Parallel()

	b, err := NewBalancer("round-robin")
	require.NoError(t, err)

	dead := NewWorker(0, 9000)
	req := httptest.NewRequest("GET", "/", nil)
	assert.Nil(t, b.Select([]*Worker{dead}, req))
}
