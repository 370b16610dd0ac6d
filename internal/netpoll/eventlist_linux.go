// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package netpoll

import "golang.org/x/sys/unix"

// InitEvents is the initial capacity of an EventList, matching the
// Dispatcher's default 512-entry readiness buffer.
const InitEvents = 512

// EventList is a growable buffer of epoll_event structs, reused across
// Poller.Wait calls to avoid per-iteration allocation.
type EventList struct {
	size   int
	events []unix.EpollEvent
}

// NewEventList allocates a list with the given initial capacity.
func NewEventList(size int) *EventList {
	if size <= 0 {
		size = InitEvents
	}
	return &EventList{size: size, events: make([]unix.EpollEvent, size)}
}

// Grow doubles the list's capacity. Callers call this when Wait reports a
// count equal to the current capacity, meaning more events might be
// pending than the buffer could hold in one shot.
func (el *EventList) Grow() {
	el.size <<= 1
	el.events = make([]unix.EpollEvent, el.size)
}

// Len reports the current capacity.
func (el *EventList) Len() int { return el.size }

// Index returns the fd and event mask of the i'th ready event from the
// most recent Wait call.
func (el *EventList) Index(i int) (fd int, events uint32) {
	ev := el.events[i]
	return int(ev.Fd), ev.Events
}
