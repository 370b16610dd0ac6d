// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package notify coalesces per-connection readiness into at-most-one
// in-flight user handler per descriptor, while still recording that more
// data arrived while a handler was running.
package notify

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/andypan-reactor/evreactor/reactor"
	"github.com/andypan-reactor/evreactor/threadpool"
)

// State is one of the three coalescing states a pending fd can be in.
type State uint8

const (
	// One means no further handler submission is needed until new data
	// arrives; the fd's backlog has been fully handed off.
	One State = iota + 1
	// More means a handler should run for this fd at least once more.
	More
	// MorePlus means data arrived again while a handler was already
	// scheduled; the fd needs a rerun after that one completes.
	MorePlus
)

// Center is the coalescing layer sitting between Channel's per-read
// notifications and the pool's task submission. It is wired to a single
// Dispatcher via SetDataReadyNotify/SetClosedNotify, so only one Center
// per process is meaningful — constructing a second one is legal but its
// hooks will shadow the first's.
type Center struct {
	dispatcher *reactor.Dispatcher
	pool       *threadpool.Pool

	mu      sync.Mutex
	pending map[int]State

	barrier atomic.Bool
}

// New builds a Center over dispatcher and installs itself as the
// Dispatcher's Channel-level hooks.
func New(dispatcher *reactor.Dispatcher) *Center {
	c := &Center{
		dispatcher: dispatcher,
		pool:       dispatcher.GetThreadPool(),
		pending:    make(map[int]State),
	}
	reactor.SetDataReadyNotify(c.NotifyDataReady)
	reactor.SetClosedNotify(c.NotifyClose)
	return c
}

// lock acquires the fast-path spin lock used for the two hot paths
// (NotifyDataReady's bump and HandleReadyData's downgrade), mirroring the
// original's atomic-bool "_barrier" spin instead of a second mutex. Reads
// and writes of the map under the barrier still require the caller to
// also have looked up or produced a safe reference, since the map itself
// is protected by mu for insert/delete; the barrier only orders the
// state-value bump relative to concurrent bumps.
func (c *Center) lock() {
	tries := 0
	for !c.barrier.CompareAndSwap(false, true) {
		tries++
		if tries >= 3 {
			runtime.Gosched()
			tries = 0
		}
	}
}

func (c *Center) unlock() {
	c.barrier.Store(false)
}

// NotifyDataReady records that fd has data to hand to a user handler. A
// never-seen fd is inserted as More, matching the documented convention
// (not One) so its first HandleReadyData pass always fires. A fd already
// pending is bumped: More becomes MorePlus (a handler is already
// scheduled and missed this arrival), One becomes More. The read of the
// current state and the write of the new one happen under one
// continuously held lock, so a concurrent HandleReadyData downgrade (or
// a second concurrent NotifyDataReady for the same fd) can't interleave
// between them and clobber the result.
func (c *Center) NotifyDataReady(fd int) {
	c.lock()
	c.mu.Lock()
	switch st, ok := c.pending[fd]; {
	case !ok:
		c.pending[fd] = More
	case st == More:
		c.pending[fd] = MorePlus
	case st == One:
		c.pending[fd] = More
	}
	c.mu.Unlock()
	c.unlock()
}

// NotifyClose drops fd from the pending set once its Channel has closed.
func (c *Center) NotifyClose(fd int) {
	c.mu.Lock()
	delete(c.pending, fd)
	c.mu.Unlock()
}

// NotifyResponseReady looks up fd's Channel and hands data to its send
// buffer, arming write-readiness. A no-op if the Channel is gone.
func (c *Center) NotifyResponseReady(fd int, data []byte) {
	ch := c.dispatcher.GetChannel(fd)
	if ch == nil {
		return
	}
	ch.NotifyWriteEvent(data)
}

// Handler is the user callback HandleReadyData invokes once per eligible
// fd, receiving the fd and whatever bytes had accumulated since the last
// call.
type Handler func(fd int, data []byte)

// HandleReadyData snapshots the pending set, and for every fd whose state
// is not One, submits a pool task running fn with that fd's accumulated
// data, then downgrades the fd's state (MorePlus->More, More->One). fds
// already at One are left untouched — their backlog was already handed
// off. Returns the Futures for every task submitted, so a caller that
// cares can wait for this round to drain. If nothing was submittable,
// yields once to avoid a tight spin from the caller's poll loop.
func (c *Center) HandleReadyData(fn Handler) []*threadpool.Future {
	c.mu.Lock()
	snapshot := make(map[int]State, len(c.pending))
	for fd, st := range c.pending {
		snapshot[fd] = st
	}
	c.mu.Unlock()

	results := make([]*threadpool.Future, 0, len(snapshot))
	submitted := false

	for fd, st := range snapshot {
		if st == One {
			continue
		}
		channel := c.dispatcher.GetChannel(fd)
		if channel == nil {
			continue
		}

		submitted = true
		data := channel.GetReceivedData()
		fut := c.pool.EnqueueTask(func() (interface{}, error) {
			fn(fd, data)
			return nil, nil
		})
		results = append(results, fut)

		c.lock()
		c.mu.Lock()
		if cur, ok := c.pending[fd]; ok {
			switch cur {
			case MorePlus:
				c.pending[fd] = More
			case More:
				c.pending[fd] = One
			}
		}
		c.mu.Unlock()
		c.unlock()
	}

	if !submitted {
		runtime.Gosched()
	}
	return results
}
