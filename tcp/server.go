// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux

// Package tcp provides the raw listening-socket façade the reactor binds
// its master fd to: a thin, explicit wrapper over the syscalls a TCP
// listener needs, deliberately not net.Listener, since the reactor wants
// direct control of SO_REUSEADDR/SO_REUSEPORT, TCP_NODELAY, and
// non-blocking mode before the fd is ever registered with epoll.
package tcp

import (
	"net"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/andypan-reactor/evreactor/reactor"
)

// Server is a listening TCP socket. Not safe for concurrent use: the
// access flag and fd are read and written without synchronization, so
// calls (Accept and Shutdown included) must not overlap. Only the
// accepted-fd set has its own mutex.
type Server struct {
	fd     int
	access bool
	addr   reactor.Address

	saveAccepted bool
	acceptedMu   sync.Mutex
	accepted     map[int]struct{}
}

// New returns an unopened Server; call Init before Bind/Listen/Accept.
func New() *Server {
	return &Server{accepted: make(map[int]struct{})}
}

// Init opens the listening socket. Calling it twice without an
// intervening Shutdown returns an error rather than leaking the first fd.
func (s *Server) Init() error {
	if s.access {
		return errors.New("tcp: server already initialized")
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return errors.Wrap(err, "tcp: socket")
	}
	s.fd = fd
	s.access = true
	return nil
}

// GetFd returns the listening descriptor.
func (s *Server) GetFd() int { return s.fd }

// Address returns the bound address.
func (s *Server) Address() reactor.Address { return s.addr }

// Bind binds the socket to addr.
func (s *Server) Bind(addr reactor.Address) error {
	if !s.access {
		return reactor.ErrConfig
	}
	sa := &unix.SockaddrInet4{Port: int(addr.Port())}
	ip4, err := parseIPv4(addr.IP())
	if err != nil {
		return errors.Wrap(err, "tcp: bind")
	}
	sa.Addr = ip4
	if err := unix.Bind(s.fd, sa); err != nil {
		return errors.Wrap(err, "tcp: bind")
	}
	s.addr = addr
	return nil
}

// Listen marks the socket passive with backlog n, defaulting to 512 to
// match the source's default argument.
func (s *Server) Listen(n int) error {
	if !s.access {
		return reactor.ErrConfig
	}
	if n <= 0 {
		n = 512
	}
	return errors.Wrap(unix.Listen(s.fd, n), "tcp: listen")
}

// Accept accepts one connection, sets it non-blocking (the reactor's
// Channel assumes this), and, if AutoSaveAcceptedFD is enabled, tracks it
// for cleanup on Shutdown.
func (s *Server) Accept() (int, error) {
	if !s.access {
		return -1, reactor.ErrConfig
	}
	nfd, _, err := unix.Accept(s.fd)
	if err != nil {
		return -1, err
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		_ = unix.Close(nfd)
		return -1, errors.Wrap(err, "tcp: set nonblocking")
	}
	if s.saveAccepted {
		s.acceptedMu.Lock()
		s.accepted[nfd] = struct{}{}
		s.acceptedMu.Unlock()
	}
	return nfd, nil
}

// ReuseAddress toggles SO_REUSEADDR and SO_REUSEPORT together, matching
// the source's combined flag.
func (s *Server) ReuseAddress(enable bool) error {
	if !s.access {
		return reactor.ErrConfig
	}
	v := 0
	if enable {
		v = 1
	}
	if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, v); err != nil {
		return errors.Wrap(err, "tcp: SO_REUSEADDR")
	}
	return errors.Wrap(unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, v), "tcp: SO_REUSEPORT")
}

// DisableNagle toggles TCP_NODELAY.
func (s *Server) DisableNagle(enable bool) error {
	if !s.access {
		return reactor.ErrConfig
	}
	v := 0
	if enable {
		v = 1
	}
	return errors.Wrap(unix.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v), "tcp: TCP_NODELAY")
}

// AutoSaveAcceptedFD turns accepted-fd tracking on or off. Enabling it
// after accepting connections only affects future Accept calls.
func (s *Server) AutoSaveAcceptedFD(enable bool) {
	s.saveAccepted = enable
}

// Shutdown closes the listening socket and every tracked accepted fd.
// Idempotent; the access flag is cleared (not set, unlike the source it's
// grounded on) so a second call is a no-op rather than re-entering the
// close path.
func (s *Server) Shutdown() error {
	if !s.access {
		return nil
	}
	s.access = false
	err := unix.Close(s.fd)

	s.acceptedMu.Lock()
	for fd := range s.accepted {
		_ = unix.Close(fd)
	}
	s.accepted = make(map[int]struct{})
	s.acceptedMu.Unlock()

	return errors.Wrap(err, "tcp: shutdown")
}

func parseIPv4(ip string) ([4]byte, error) {
	var out [4]byte
	parsed := net.ParseIP(ip)
	v4 := parsed.To4()
	if v4 == nil {
		return out, errors.Errorf("tcp: invalid IPv4 address %q", ip)
	}
	copy(out[:], v4)
	return out, nil
}
