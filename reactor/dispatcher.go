// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package reactor

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/andypan-reactor/evreactor/threadpool"
)

// Logger matches the narrow shape the reactor calls through: a single
// Printf-style sink. Structured logging, rotation, and sinks live outside
// this package.
type Logger interface {
	Printf(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Printf(string, ...interface{}) {}

// channelRegistry is the process-wide descriptor->Channel map, shared
// across every Dispatcher in the process so the NotificationCenter can
// look up any channel regardless of which Dispatcher accepted it.
type channelRegistry struct {
	mu sync.Mutex
	m  map[int]*Channel
}

func newChannelRegistry() *channelRegistry {
	return &channelRegistry{m: make(map[int]*Channel)}
}

func (r *channelRegistry) get(fd int) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m[fd]
}

func (r *channelRegistry) put(fd int, c *Channel) {
	r.mu.Lock()
	r.m[fd] = c
	r.mu.Unlock()
}

func (r *channelRegistry) remove(fd int) {
	r.mu.Lock()
	delete(r.m, fd)
	r.mu.Unlock()
}

// sharedChannels is the process-wide registry, matching the original's
// static member. Every Dispatcher built by NewDispatcher uses it, and
// slaves share their master's registry.
var sharedChannels = newChannelRegistry()

// Dispatcher owns the demultiplexer, the handler map, the listening
// descriptor, the pool, a set of optional slave dispatchers, and the
// pending-functor queue. Dispatch is its main event loop.
type Dispatcher struct {
	stop        atomic.Bool
	enableSlave bool
	masterFd    int

	demux *Demultiplexer
	pool  *threadpool.Pool
	log   Logger

	handlersMu sync.Mutex
	handlers   map[int]Handler

	channels *channelRegistry

	slavesMu sync.Mutex
	slaves   []*Dispatcher
	nextSlave int

	pendingMu sync.Mutex
	pending   []func()

	waitToRemoveMu sync.Mutex
	waitToRemove   []int
}

// NewDispatcher constructs a Dispatcher backed by pool, using the shared
// process-wide channel registry.
func NewDispatcher(pool *threadpool.Pool, log Logger) (*Dispatcher, error) {
	demux, err := NewDemultiplexer()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = noopLogger{}
	}
	return &Dispatcher{
		demux:    demux,
		pool:     pool,
		log:      log,
		handlers: make(map[int]Handler),
		channels: sharedChannels,
	}, nil
}

// SetMasterFD installs the listening descriptor, switches it to
// non-blocking mode (AcceptHandler accepts until EAGAIN), and registers
// its AcceptHandler.
func (d *Dispatcher) SetMasterFD(fd int) error {
	if fd < 0 {
		return nil
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return errors.Wrap(err, "set master fd non-blocking")
	}
	d.masterFd = fd
	return d.RegisterHandler(fd, NewAcceptHandler(fd, d.log.Printf))
}

// RegisterHandler registers fd with the demultiplexer, records its
// handler, and installs the handler's Channel (if it has one) in the
// channel registry, the counterpart of what RemoveHandler removes.
func (d *Dispatcher) RegisterHandler(fd int, h Handler) error {
	if d.stopped() || fd < 0 {
		return ErrShutdown
	}
	if err := d.demux.RegisterFd(fd); err != nil {
		return err
	}
	d.handlersMu.Lock()
	d.handlers[fd] = h
	d.handlersMu.Unlock()
	if c := h.GetChannel(); c != nil {
		d.channels.put(fd, c)
	}
	return nil
}

// RemoveHandler removes fd's handler and channel, if any.
func (d *Dispatcher) RemoveHandler(fd int) {
	if fd < 0 {
		return
	}
	if c := d.channels.get(fd); c != nil {
		c.Inactive()
		d.channels.remove(fd)
	}
	d.handlersMu.Lock()
	delete(d.handlers, fd)
	d.handlersMu.Unlock()
}

// EnableSlave turns slave-dispatcher mode on or off.
func (d *Dispatcher) EnableSlave(b bool) {
	if d.stopped() {
		return
	}
	d.enableSlave = b
}

// AddSlaveDispatcher spins up n additional Dispatchers, each running
// Dispatch on a pool worker, implementing the one-acceptor/N-I/O-loop
// pattern.
func (d *Dispatcher) AddSlaveDispatcher(n int) error {
	if d.stopped() || !d.enableSlave {
		return nil
	}
	for i := 0; i < n; i++ {
		slave, err := NewDispatcher(d.pool, d.log)
		if err != nil {
			return err
		}
		slave.channels = d.channels
		d.slavesMu.Lock()
		d.slaves = append(d.slaves, slave)
		d.slavesMu.Unlock()
		d.pool.Submit(slave.Dispatch)
	}
	return nil
}

// GetDemultiplexer exposes the underlying Demultiplexer, or nil once
// stopped.
func (d *Dispatcher) GetDemultiplexer() *Demultiplexer {
	if d.stopped() {
		return nil
	}
	return d.demux
}

// GetChannel looks up fd in the process-wide channel registry.
func (d *Dispatcher) GetChannel(fd int) *Channel {
	return d.channels.get(fd)
}

// GetThreadPool returns the shared pool this Dispatcher submits tasks to.
func (d *Dispatcher) GetThreadPool() *threadpool.Pool { return d.pool }

// AddPendingFunctor enqueues fn to run on the reactor thread at the end of
// the next event-loop iteration. In slave mode it forwards to one slave,
// chosen round-robin.
func (d *Dispatcher) AddPendingFunctor(fn func()) {
	if !d.enableSlave {
		d.pendingMu.Lock()
		d.pending = append(d.pending, fn)
		d.pendingMu.Unlock()
		return
	}
	slave := d.pickSlave()
	if slave != nil {
		slave.AddPendingFunctor(fn)
	}
}

func (d *Dispatcher) pickSlave() *Dispatcher {
	d.slavesMu.Lock()
	defer d.slavesMu.Unlock()
	if len(d.slaves) == 0 {
		return nil
	}
	s := d.slaves[d.nextSlave%len(d.slaves)]
	d.nextSlave++
	return s
}

func (d *Dispatcher) stopped() bool {
	return d.stop.Load()
}

// Dispatch is the main event loop: wait for readiness, route events, then
// drain the pending-functor queue, once per iteration.
func (d *Dispatcher) Dispatch() {
	for !d.stop.Load() {
		events, err := d.demux.WaitForEvents()
		if err != nil {
			d.log.Printf("demultiplexer wait failed: %v", err)
			continue
		}
		if len(events) == 0 {
			continue
		}
		for _, ev := range events {
			d.handleOneEvent(ev)
		}
		d.drainPending()
	}
}

func (d *Dispatcher) handleOneEvent(ev Event) {
	d.handlersMu.Lock()
	h, ok := d.handlers[ev.Fd]
	d.handlersMu.Unlock()
	if !ok {
		return
	}

	if ev.Fd == d.masterFd {
		acceptor := h.(*AcceptHandler)
		acceptor.HandleEvent(ev.Events)
		for _, fd := range acceptor.Accepted() {
			d.HandleNewConnection(fd)
		}
	} else {
		d.pool.Submit(func() { h.HandleEvent(ev.Events) })
	}

	d.HandleUnexpected(ev.Fd, ev.Events)
}

// HandleNewConnection wires a freshly accepted fd into an EventsHandler
// and Channel, installs the Channel into the process-wide registry, and
// registers the handler on this Dispatcher or, in slave mode, on a slave
// chosen round-robin.
func (d *Dispatcher) HandleNewConnection(fd int) {
	// The Channel borrows the demultiplexer of the Dispatcher the fd is
	// registered on, so its write-interest toggles reach the right epoll.
	target := d
	if d.enableSlave {
		if slave := d.pickSlave(); slave != nil {
			target = slave
		}
	}
	channel := NewChannel(fd, target.demux)
	handler := NewEventsHandler(channel)
	d.channels.put(fd, channel)

	if err := target.RegisterHandler(fd, handler); err != nil {
		d.log.Printf("failed to register handler for fd %d: %v", fd, err)
	}
}

// HandleUnexpected cleans up on hangup/error: removes the handler and the
// fd's demultiplexer registration, closes the fd, and either removes the
// Channel from the registry (if one is registered for fd) or appends fd
// to waitToRemove. Nothing in this package reads waitToRemove back.
func (d *Dispatcher) HandleUnexpected(fd int, events uint32) {
	if events&(unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) == 0 {
		return
	}
	d.handlersMu.Lock()
	delete(d.handlers, fd)
	d.handlersMu.Unlock()
	_ = d.demux.RemoveFd(fd)

	if ip, port, err := peerHostInfo(fd); err == nil && port != 0 {
		d.log.Printf("closed accepted connection: fd=%d ip=%s port=%d", fd, ip, port)
	}
	_ = unix.Close(fd)

	if c := d.channels.get(fd); c != nil {
		c.Inactive()
		d.channels.remove(fd)
		c.Release()
	} else {
		d.waitToRemoveMu.Lock()
		d.waitToRemove = append(d.waitToRemove, fd)
		d.waitToRemoveMu.Unlock()
	}
}

func (d *Dispatcher) drainPending() {
	d.pendingMu.Lock()
	fns := d.pending
	d.pending = nil
	d.pendingMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Shutdown stops the event loop, closes every handler's descriptor, clears
// handler and channel state, shuts down slaves and the pool (master
// only), and closes the demultiplexer. Idempotent.
func (d *Dispatcher) Shutdown() error {
	if d.stop.Swap(true) {
		return nil
	}

	d.handlersMu.Lock()
	for fd := range d.handlers {
		if c := d.channels.get(fd); c != nil {
			c.Inactive()
			d.channels.remove(fd)
			c.Release()
		}
		_ = unix.Close(fd)
	}
	d.handlers = make(map[int]Handler)
	d.handlersMu.Unlock()

	d.slavesMu.Lock()
	slaves := d.slaves
	d.slaves = nil
	d.slavesMu.Unlock()
	if d.enableSlave {
		for _, s := range slaves {
			_ = s.Shutdown()
		}
	}

	if d.masterFd != 0 {
		d.pool.Shutdown()
	}

	return errors.Wrap(d.demux.Shutdown(), "dispatcher shutdown")
}
