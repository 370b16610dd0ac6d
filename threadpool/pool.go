// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package threadpool implements a CPU-load-aware elastic worker pool: a
// fixed core of goroutines that grows toward a ceiling under backlog and
// high CPU load, and shrinks back toward the core once the backlog drains
// and load is low, with hysteresis to avoid flapping.
package threadpool

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/pkg/errors"
)

// threshold is one of three CPU-percent bands the monitor compares the
// current load against.
type threshold int

const (
	thresholdFirst  threshold = 50
	thresholdSecond threshold = 70
	thresholdThird  threshold = 90
)

type workerStat uint8

const (
	statEmpty workerStat = iota
	statActive
	statDead
)

// Config bounds and tunes the pool's elastic sizing.
type Config struct {
	MinCoreThread     int
	MaxThread         int
	StartMonitorTimer bool
	MonitorPeriod     int64 // microseconds, matching the source's unit
	VerifyCount       uint8
}

// DefaultConfig mirrors the original source's GlobalThreadPoolConfig:
// a single core thread, one per CPU as ceiling, monitor off by default.
func DefaultConfig(numCPU int) Config {
	return Config{
		MinCoreThread:     1,
		MaxThread:         numCPU,
		StartMonitorTimer: false,
		MonitorPeriod:     30000,
		VerifyCount:       3,
	}
}

type task struct {
	fn func()
}

// Pool is a dynamically sized worker pool executing opaque closures,
// elastically sized against a CPU-load monitor.
type Pool struct {
	cfg Config

	queueMu sync.Mutex
	cond    *sync.Cond
	tasks   *queue.Queue

	workersMu sync.Mutex
	workers   map[uint64]*worker
	nextID    uint64

	timer *Timer
	prev  cpuSample

	curThreshold threshold
	countGrow    uint8
	countShrink  uint8

	stop atomic.Bool
}

type worker struct {
	id     uint64
	status atomic.Uint32 // workerStat
	done   chan struct{}
}

// New validates cfg and starts the core workers (and the monitor, if
// configured). Violating min/max bounds is a ConfigError, surfaced at
// construction rather than discovered mid-run.
func New(cfg Config) (*Pool, error) {
	if cfg.MinCoreThread < 1 || cfg.MaxThread < cfg.MinCoreThread {
		return nil, errors.Errorf("threadpool: invalid bounds min=%d max=%d", cfg.MinCoreThread, cfg.MaxThread)
	}
	p := &Pool{
		cfg:          cfg,
		tasks:        queue.New(),
		workers:      make(map[uint64]*worker),
		curThreshold: thresholdFirst,
	}
	p.cond = sync.NewCond(&p.queueMu)

	for i := 0; i < cfg.MinCoreThread; i++ {
		p.spawnWorker()
	}

	if sample, err := readCPUStats(); err == nil {
		p.prev = sample
	}

	if cfg.StartMonitorTimer && cfg.MinCoreThread < cfg.MaxThread {
		p.timer = NewTimer(microseconds(cfg.MonitorPeriod), p.monitor)
		go p.timer.Start()
	}

	return p, nil
}

// Global returns a lazily constructed, process-wide default pool sized to
// GOMAXPROCS, a convenience factory around the explicit-construction path.
func Global() *Pool {
	globalOnce.Do(func() {
		p, err := New(DefaultConfig(defaultParallelism()))
		if err != nil {
			// DefaultConfig's bounds are always valid; this would be a
			// programming error, not a runtime condition to recover from.
			panic(err)
		}
		globalPool = p
	})
	return globalPool
}

var (
	globalOnce sync.Once
	globalPool *Pool
)

// EnqueueTask binds fn into a nullary callable, pushes it onto the FIFO
// task queue, and returns a Future the caller can block on.
func (p *Pool) EnqueueTask(fn func() (interface{}, error)) *Future {
	fut := newFuture()
	t := task{fn: func() {
		defer func() {
			if r := recover(); r != nil {
				fut.complete(nil, errors.Errorf("threadpool: task panicked: %v", r))
			}
		}()
		val, err := fn()
		fut.complete(val, err)
	}}
	p.push(t)
	return fut
}

// Submit is EnqueueTask's fire-and-forget counterpart for void tasks: the
// reactor's per-event and per-slave-dispatcher work doesn't need a Future.
func (p *Pool) Submit(fn func()) {
	p.push(task{fn: func() {
		defer func() { _ = recover() }()
		fn()
	}})
}

func (p *Pool) push(t task) {
	p.queueMu.Lock()
	p.tasks.Add(t)
	p.queueMu.Unlock()
	p.cond.Signal()
}

func (p *Pool) spawnWorker() {
	p.workersMu.Lock()
	id := p.nextID
	p.nextID++
	w := &worker{id: id, done: make(chan struct{})}
	w.status.Store(uint32(statActive))
	p.workers[id] = w
	p.workersMu.Unlock()

	go p.runWorker(w)
}

func (p *Pool) runWorker(w *worker) {
	defer close(w.done)
	for {
		p.queueMu.Lock()
		for !p.stop.Load() && p.tasks.Length() == 0 && workerStat(w.status.Load()) != statDead {
			w.status.Store(uint32(statEmpty))
			p.cond.Wait()
		}
		if workerStat(w.status.Load()) == statDead {
			p.queueMu.Unlock()
			return
		}
		if p.stop.Load() && p.tasks.Length() == 0 {
			p.queueMu.Unlock()
			return
		}
		t := p.tasks.Peek().(task)
		p.tasks.Remove()
		w.status.Store(uint32(statActive))
		p.queueMu.Unlock()

		t.fn()
	}
}

// liveWorkers counts workers that are not DEAD.
func (p *Pool) liveWorkers() int {
	p.workersMu.Lock()
	defer p.workersMu.Unlock()
	n := 0
	for _, w := range p.workers {
		if workerStat(w.status.Load()) != statDead {
			n++
		}
	}
	return n
}

// monitor runs on the Timer's goroutine every MonitorPeriod. It samples
// /proc/stat fresh each tick, computes the load delta, and decides
// whether to grow or shrink the pool, gated by VerifyCount consecutive
// agreeing ticks (hysteresis, to avoid flapping).
func (p *Pool) monitor() {
	sample, err := readCPUStats()
	if err != nil {
		return
	}
	idleDelta := sample.idle - p.prev.idle
	totalDelta := sample.total - p.prev.total
	p.prev = sample
	if totalDelta <= 0 {
		return
	}
	percent := (1.0 - float64(idleDelta)/float64(totalDelta)) * 100.0
	p.adjust(percent)
}

// raiseThreshold moves the pool's comparator up one band after a grow
// fires, so the next grow needs a correspondingly higher load.
func raiseThreshold(t threshold) threshold {
	switch t {
	case thresholdFirst:
		return thresholdSecond
	default:
		return thresholdThird
	}
}

// lowerThreshold moves the comparator down one band after a shrink
// fires, so the next shrink needs a correspondingly lower load.
func lowerThreshold(t threshold) threshold {
	switch t {
	case thresholdThird:
		return thresholdSecond
	default:
		return thresholdFirst
	}
}

// adjust implements the redesigned grow/shrink semantics called for in
// DESIGN NOTES: grow when load is HIGH (at or above the current
// threshold) and the queue has backlog; shrink when load is LOW (below
// the threshold) and the queue is empty. Both require VerifyCount
// consecutive agreeing ticks before acting. curThreshold is sticky
// across ticks — it only moves when a grow or shrink decision actually
// fires — so the three bands in {FIRST, SECOND, THIRD} gate successive
// resizes instead of being re-derived from the sample under test, which
// would make the top band the only one ever reachable.
func (p *Pool) adjust(percent float64) {
	p.queueMu.Lock()
	backlog := p.tasks.Length() > 0
	p.queueMu.Unlock()

	high := percent >= float64(p.curThreshold)

	switch {
	case high && backlog:
		p.countShrink = 0
		p.countGrow++
		if p.countGrow >= p.cfg.VerifyCount && p.liveWorkers() < p.cfg.MaxThread {
			p.spawnWorker()
			p.countGrow = 0
			p.curThreshold = raiseThreshold(p.curThreshold)
		}
	case !high && !backlog:
		p.countGrow = 0
		p.countShrink++
		if p.countShrink >= p.cfg.VerifyCount && p.liveWorkers() > p.cfg.MinCoreThread {
			p.countShrink = 0
			p.killIdleWorkers()
			p.curThreshold = lowerThreshold(p.curThreshold)
		}
	default:
		p.countGrow = 0
		p.countShrink = 0
	}
}

// killIdleWorkers marks EMPTY workers DEAD and wakes everyone so the dead
// ones exit at their next wake-up, bounded so the pool never drops below
// MinCoreThread.
func (p *Pool) killIdleWorkers() {
	p.queueMu.Lock()
	p.workersMu.Lock()
	live := 0
	for _, w := range p.workers {
		if workerStat(w.status.Load()) != statDead {
			live++
		}
	}
	var toKill []*worker
	for _, w := range p.workers {
		if live-len(toKill) <= p.cfg.MinCoreThread {
			break
		}
		if workerStat(w.status.Load()) == statEmpty {
			toKill = append(toKill, w)
		}
	}
	for _, w := range toKill {
		w.status.Store(uint32(statDead))
	}
	p.workersMu.Unlock()
	p.cond.Broadcast()
	p.queueMu.Unlock()

	for _, w := range toKill {
		<-w.done
		p.workersMu.Lock()
		delete(p.workers, w.id)
		p.workersMu.Unlock()
	}
}

// Shutdown stops the monitor, drops pending tasks, marks every worker
// DEAD, and waits for them all to exit. Idempotent.
func (p *Pool) Shutdown() {
	if p.stop.Swap(true) {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}

	p.queueMu.Lock()
	p.tasks = queue.New()
	p.workersMu.Lock()
	workers := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		w.status.Store(uint32(statDead))
		workers = append(workers, w)
	}
	p.workersMu.Unlock()
	p.cond.Broadcast()
	p.queueMu.Unlock()

	for _, w := range workers {
		<-w.done
	}
}
