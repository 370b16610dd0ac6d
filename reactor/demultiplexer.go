// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package reactor

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/andypan-reactor/evreactor/internal/netpoll"
)

// Event is one readiness notification from WaitForEvents.
type Event struct {
	Fd     int
	Events uint32
}

// Demultiplexer is a thin wrapper over the kernel's edge-triggered
// readiness mechanism. It is thread-compatible, not thread-safe: the
// Dispatcher is its sole caller and serializes register/modify/remove
// itself.
type Demultiplexer struct {
	poller   *netpoll.Poller
	list     *netpoll.EventList
	once     sync.Once
	closed   bool
}

// NewDemultiplexer allocates the underlying epoll instance.
func NewDemultiplexer() (*Demultiplexer, error) {
	p, err := netpoll.Open()
	if err != nil {
		return nil, errors.Wrap(ErrResourceExhausted, err.Error())
	}
	return &Demultiplexer{
		poller: p,
		list:   netpoll.NewEventList(netpoll.InitEvents),
	}, nil
}

// RegisterFd adds fd with the default interest (edge-triggered read plus
// hangup/error), or the explicit events mask if one is given.
func (d *Demultiplexer) RegisterFd(fd int, events ...uint32) error {
	mask := netpoll.DefaultEvents
	if len(events) > 0 {
		mask = events[0]
	}
	return d.poller.Add(fd, mask)
}

// ModifyEvent changes fd's interest mask.
func (d *Demultiplexer) ModifyEvent(fd int, events uint32) error {
	return d.poller.Modify(fd, events)
}

// RemoveFd drops fd from the interest set.
func (d *Demultiplexer) RemoveFd(fd int) error {
	return d.poller.Delete(fd)
}

// WaitForEvents blocks indefinitely until at least one descriptor is
// ready. It may return a zero-length, nil-error result under signal
// interruption; callers must retry.
func (d *Demultiplexer) WaitForEvents() ([]Event, error) {
	n, err := d.poller.Wait(d.list)
	if err != nil {
		return nil, err
	}
	events := make([]Event, n)
	for i := 0; i < n; i++ {
		fd, mask := d.list.Index(i)
		events[i] = Event{Fd: fd, Events: mask}
	}
	if n == d.list.Len() {
		d.list.Grow()
	}
	return events, nil
}

// Shutdown closes the readiness descriptor. Idempotent.
func (d *Demultiplexer) Shutdown() error {
	var err error
	d.once.Do(func() {
		d.closed = true
		err = d.poller.Close()
	})
	return err
}
