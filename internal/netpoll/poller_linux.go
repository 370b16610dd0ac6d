// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux

// Package netpoll wraps the kernel's edge-triggered readiness mechanism
// (epoll) behind a minimal register/modify/remove/wait surface.
package netpoll

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Event masks. ErrEvents are folded into every registration so hangup and
// error conditions are always visible regardless of read/write interest.
const (
	ErrEvents uint32 = unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLRDHUP
	OutEvents uint32 = ErrEvents | unix.EPOLLOUT
	InEvents  uint32 = ErrEvents | unix.EPOLLIN
	// DefaultEvents is edge-triggered read + hangup + error, the interest
	// set every fd is registered with unless the caller asks otherwise.
	DefaultEvents uint32 = unix.EPOLLET | InEvents
)

// Poller is a thin, thread-compatible wrapper over one epoll instance.
// Callers must serialize Add/Modify/Delete themselves; Wait is the only
// method meant to be called from a dedicated reactor goroutine.
type Poller struct {
	fd int
}

// Open allocates a new epoll instance.
func Open() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	return &Poller{fd: fd}, nil
}

// Add registers fd for the given interest mask.
func (p *Poller) Add(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return errors.Wrapf(unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev), "epoll_ctl add fd=%d", fd)
}

// Modify changes the interest mask for an already-registered fd.
func (p *Poller) Modify(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return errors.Wrapf(unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &ev), "epoll_ctl mod fd=%d", fd)
}

// Delete removes fd from the interest set.
func (p *Poller) Delete(fd int) error {
	return errors.Wrapf(unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil), "epoll_ctl del fd=%d", fd)
}

// Wait blocks indefinitely until at least one descriptor is ready, filling
// the caller-owned event list. A zero return with a nil error means the
// wait was interrupted by a signal; the caller must retry.
func (p *Poller) Wait(list *EventList) (int, error) {
	n, err := unix.EpollWait(p.fd, list.events, -1)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, errors.Wrap(err, "epoll_wait")
	}
	return n, nil
}

// Close shuts down the epoll instance. Idempotent.
func (p *Poller) Close() error {
	if p.fd < 0 {
		return nil
	}
	fd := p.fd
	p.fd = -1
	return unix.Close(fd)
}
