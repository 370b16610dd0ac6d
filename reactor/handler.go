// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Handler is a tagged variant: either an AcceptHandler bound to the
// listening descriptor, or an EventsHandler bound to a connection's
// Channel. HandleEvent translates a raw readiness bitmask into the
// matching Channel operation.
type Handler interface {
	HandleEvent(events uint32)
	SetChannel(c *Channel)
	GetChannel() *Channel
}

// AcceptHandler accepts new connections off the listening descriptor. On
// read-readiness it loops accept until EAGAIN, per the recommendation to
// avoid stalling accepts under a connect burst in edge-triggered mode.
type AcceptHandler struct {
	master   int
	accepted []int
	logger   func(format string, args ...interface{})
}

// NewAcceptHandler binds an AcceptHandler to the listening fd.
func NewAcceptHandler(masterFd int, logf func(format string, args ...interface{})) *AcceptHandler {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &AcceptHandler{master: masterFd, logger: logf}
}

// HandleEvent accepts every pending connection, sets each non-blocking,
// and records it for HandleNewConnection to pick up.
func (h *AcceptHandler) HandleEvent(events uint32) {
	h.accepted = h.accepted[:0]
	if events&unix.EPOLLIN == 0 {
		return
	}
	for {
		nfd, _, err := unix.Accept(h.master)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK && err != unix.EINTR {
				h.logger("accept failed on master fd %d: %v", h.master, err)
			}
			return
		}
		if err := unix.SetNonblock(nfd, true); err != nil {
			h.logger("failed to set fd %d non-blocking: %v", nfd, err)
			unix.Close(nfd)
			continue
		}
		ip, port, _ := peerHostInfo(nfd)
		h.logger("accepted new connection: fd=%d ip=%s port=%d", nfd, ip, port)
		h.accepted = append(h.accepted, nfd)
	}
}

// Accepted returns every fd accepted by the most recent HandleEvent call.
func (h *AcceptHandler) Accepted() []int { return h.accepted }

func (h *AcceptHandler) SetChannel(*Channel) {}
func (h *AcceptHandler) GetChannel() *Channel { return nil }

// EventsHandler routes readiness events into Channel operations.
// Exactly one branch is taken per call: hangup/error takes precedence,
// then read, then write.
type EventsHandler struct {
	channel *Channel
}

// NewEventsHandler creates an EventsHandler bound to channel.
func NewEventsHandler(channel *Channel) *EventsHandler {
	return &EventsHandler{channel: channel}
}

func (h *EventsHandler) HandleEvent(events uint32) {
	c := h.channel
	if c == nil || !c.Active() {
		return
	}
	switch {
	case events&(unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0:
		c.DisableSend()
		c.DisableReceive()
	case events&unix.EPOLLIN != 0:
		c.Read()
	case events&unix.EPOLLOUT != 0:
		c.Write()
	}
}

func (h *EventsHandler) SetChannel(c *Channel)  { h.channel = c }
func (h *EventsHandler) GetChannel() *Channel   { return h.channel }

// peerHostInfo resolves fd's remote IPv4 address and port for logging.
func peerHostInfo(fd int) (ip string, port uint16, err error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return "", 0, err
	}
	v4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return "", 0, fmt.Errorf("unsupported sockaddr type %T", sa)
	}
	return fmt.Sprintf("%d.%d.%d.%d", v4.Addr[0], v4.Addr[1], v4.Addr[2], v4.Addr[3]), uint16(v4.Port), nil
}
