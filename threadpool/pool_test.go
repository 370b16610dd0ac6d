package threadpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoolSubmitRunsTask(t *testing.T) {
	p, err := New(Config{MinCoreThread: 2, MaxThread: 2})
	require.NoError(t, err)
	defer p.Shutdown()

	var ran atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	p.Submit(func() {
		ran.Store(true)
		wg.Done()
	})

	waitOrFail(t, &wg, time.Second)
	require.True(t, ran.Load())
}

func TestPoolEnqueueTaskReturnsValueAndError(t *testing.T) {
	p, err := New(Config{MinCoreThread: 1, MaxThread: 1})
	require.NoError(t, err)
	defer p.Shutdown()

	fut := p.EnqueueTask(func() (interface{}, error) {
		return 42, nil
	})
	val, err := fut.Get()
	require.NoError(t, err)
	require.Equal(t, 42, val)
}

func TestPoolEnqueueTaskRecoversPanic(t *testing.T) {
	p, err := New(Config{MinCoreThread: 1, MaxThread: 1})
	require.NoError(t, err)
	defer p.Shutdown()

	fut := p.EnqueueTask(func() (interface{}, error) {
		panic("boom")
	})
	_, err = fut.Get()
	require.Error(t, err)
}

func TestPoolRejectsInvalidBounds(t *testing.T) {
	_, err := New(Config{MinCoreThread: 4, MaxThread: 2})
	require.Error(t, err)
}

func TestPoolShutdownIsIdempotentAndDrainsWorkers(t *testing.T) {
	p, err := New(Config{MinCoreThread: 3, MaxThread: 3})
	require.NoError(t, err)

	p.Shutdown()
	p.Shutdown() // must not block or panic

	require.Equal(t, 0, p.liveWorkers())
}

func TestPoolAdjustGrowsUnderHighLoadWithBacklog(t *testing.T) {
	p, err := New(Config{MinCoreThread: 1, MaxThread: 4, VerifyCount: 1})
	require.NoError(t, err)
	defer p.Shutdown()

	// Simulate sustained backlog by holding the queue non-empty across
	// every verify tick.
	p.queueMu.Lock()
	p.tasks.Add(task{fn: func() {}})
	p.tasks.Add(task{fn: func() {}})
	p.queueMu.Unlock()

	before := p.liveWorkers()
	for i := 0; i < 3; i++ {
		p.adjust(95)
	}
	require.Greater(t, p.liveWorkers(), before)
}

func TestPoolAdjustGrowsAtMidBandLoadNotOnlyAboveThird(t *testing.T) {
	p, err := New(Config{MinCoreThread: 1, MaxThread: 4, VerifyCount: 1})
	require.NoError(t, err)
	defer p.Shutdown()

	p.queueMu.Lock()
	p.tasks.Add(task{fn: func() {}})
	p.tasks.Add(task{fn: func() {}})
	p.queueMu.Unlock()

	before := p.liveWorkers()
	// 65% sits in the 50-70 band: high under curThreshold=thresholdFirst
	// (50). Re-deriving the threshold from each sample would put 65 in the
	// thresholdSecond (70) band every tick and make "high" false forever,
	// pinning growth to loads >=90 regardless of backlog.
	for i := 0; i < 3; i++ {
		p.adjust(65)
	}
	require.Greater(t, p.liveWorkers(), before)
}

func TestPoolAdjustThresholdIsStickyAcrossTicks(t *testing.T) {
	p, err := New(Config{MinCoreThread: 1, MaxThread: 4, VerifyCount: 1})
	require.NoError(t, err)
	defer p.Shutdown()

	require.Equal(t, thresholdFirst, p.curThreshold)
	p.adjust(65) // high, but no backlog, so neither grow nor shrink fires
	require.Equal(t, thresholdFirst, p.curThreshold)
}

func TestPoolAdjustShrinksUnderLowLoadWithEmptyQueue(t *testing.T) {
	p, err := New(Config{MinCoreThread: 1, MaxThread: 4, VerifyCount: 1})
	require.NoError(t, err)
	defer p.Shutdown()

	p.spawnWorker()
	p.spawnWorker()
	// let the extra workers settle into EMPTY before the shrink decision
	time.Sleep(20 * time.Millisecond)

	before := p.liveWorkers()
	for i := 0; i < 3; i++ {
		p.adjust(10)
	}
	require.LessOrEqual(t, p.liveWorkers(), before)
	require.GreaterOrEqual(t, p.liveWorkers(), p.cfg.MinCoreThread)
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for task")
	}
}
