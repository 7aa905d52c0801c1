package timesync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectorbus/ibus/internal/config/logger"
	"github.com/vectorbus/ibus/internal/ibus/model"
)

// harness wires two Schedulers directly to each other's PeerNextTask,
// skipping the wire entirely, to exercise the grant condition in
// isolation.
type harness struct {
	mu      sync.Mutex
	a, b    *Scheduler
	aSteps  []time.Duration
	bSteps  []time.Duration
}

func newHarness(t *testing.T, periodA, periodB time.Duration) *harness {
	h := &harness{}

	h.a = New("A", periodA, func(now, dur time.Duration) {
		h.mu.Lock()
		h.aSteps = append(h.aSteps, now)
		h.mu.Unlock()
	}, func(n model.NextSimTask) { h.b.PeerNextTask("A", n) }, logger.NoOp())

	h.b = New("B", periodB, func(now, dur time.Duration) {
		h.mu.Lock()
		h.bSteps = append(h.bSteps, now)
		h.mu.Unlock()
	}, func(n model.NextSimTask) { h.a.PeerNextTask("B", n) }, logger.NoOp())

	h.a.SetPeers([]string{"B"})
	h.b.SetPeers([]string{"A"})

	return h
}

func TestScheduler_DeterministicInterleavingSamePeriod(t *testing.T) {
	h := newHarness(t, time.Millisecond, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); h.a.Run(ctx) }()
	go func() { defer wg.Done(); h.b.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()

	require.NotEmpty(t, h.aSteps)
	require.NotEmpty(t, h.bSteps)

	// Neither side may run more than one step ahead of the other: the
	// grant condition forbids myNextTask.timePoint from exceeding the
	// peer's last reported timePoint.
	n := len(h.aSteps)
	if len(h.bSteps) < n {
		n = len(h.bSteps)
	}
	for i := 0; i < n; i++ {
		diff := h.aSteps[i] - h.bSteps[i]
		if diff < 0 {
			diff = -diff
		}
		assert.LessOrEqual(t, diff, time.Millisecond)
	}
}

func TestScheduler_DifferentPeriodsStillInterleaveCorrectly(t *testing.T) {
	h := newHarness(t, time.Millisecond, 2*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); h.a.Run(ctx) }()
	go func() { defer wg.Done(); h.b.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()

	require.NotEmpty(t, h.aSteps)
	require.NotEmpty(t, h.bSteps)

	// A (1ms period) should advance roughly twice as many steps as B
	// (2ms period) over the same wall-clock window, since B's grant
	// condition never lets it race more than one of its own steps ahead.
	assert.GreaterOrEqual(t, len(h.aSteps), len(h.bSteps))
}

func TestScheduler_AsyncModeWaitsForCompleteSimulationTask(t *testing.T) {
	var mu sync.Mutex
	executions := 0

	s := New("Async", time.Millisecond, func(now, dur time.Duration) {
		mu.Lock()
		executions++
		mu.Unlock()
	}, func(model.NextSimTask) {}, logger.NoOp())
	s.SetAsync(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	// Give the scheduler a moment to run the first task and wait.
	time.Sleep(20 * time.Millisecond)

	// It must not have advanced past the first step yet.
	mu.Lock()
	assert.Equal(t, 1, executions)
	mu.Unlock()

	select {
	case <-done:
		t.Fatal("scheduler exited before CompleteSimulationTask")
	default:
	}

	s.CompleteSimulationTask()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return executions >= 2
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestWatchDog_SoftTimeoutFiresBeforeHard(t *testing.T) {
	var softFired, hardFired bool
	var mu sync.Mutex

	w := NewWatchDog(10*time.Millisecond, 40*time.Millisecond, logger.NoOp())
	w.OnSoftTimeout(func(time.Duration) { mu.Lock(); softFired = true; mu.Unlock() })
	w.OnHardTimeout(func(time.Duration) { mu.Lock(); hardFired = true; mu.Unlock() })

	w.Arm()
	time.Sleep(25 * time.Millisecond)

	mu.Lock()
	assert.True(t, softFired)
	assert.False(t, hardFired)
	mu.Unlock()

	w.Disarm()
}

func TestWatchDog_DisarmBeforeSoftTimeoutPreventsEscalation(t *testing.T) {
	var fired bool
	var mu sync.Mutex

	w := NewWatchDog(30*time.Millisecond, 60*time.Millisecond, logger.NoOp())
	w.OnSoftTimeout(func(time.Duration) { mu.Lock(); fired = true; mu.Unlock() })

	w.Arm()
	w.Disarm()

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, fired)
}
