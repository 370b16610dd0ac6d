// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package tcp

import (
	"fmt"
	"net"

	"github.com/libp2p/go-reuseport"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/andypan-reactor/evreactor/reactor"
)

// ListenReusable opens a SO_REUSEPORT listener via go-reuseport and
// extracts its raw, non-blocking fd, for deployments that run several
// independent processes sharing one port instead of the in-process
// master/slave dispatcher pattern Server/Accept implements. The returned
// Server's fd is already non-blocking, so its Accept returns EAGAIN
// instead of waiting when no connection is pending. ReuseAddress and
// Listen need not be called on it, since go-reuseport already configured
// both; calling them re-applies the socket options and backlog.
func ListenReusable(addr reactor.Address) (*Server, error) {
	ln, err := reuseport.Listen("tcp", fmt.Sprintf("%s:%d", addr.IP(), addr.Port()))
	if err != nil {
		return nil, errors.Wrap(err, "tcp: reuseport listen")
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, errors.New("tcp: reuseport listener is not TCP")
	}
	rawConn, err := tcpLn.SyscallConn()
	if err != nil {
		tcpLn.Close()
		return nil, errors.Wrap(err, "tcp: reuseport raw conn")
	}

	var fd int
	var dupErr error
	if err := rawConn.Control(func(sysfd uintptr) {
		fd, dupErr = unix.Dup(int(sysfd))
	}); err != nil {
		tcpLn.Close()
		return nil, errors.Wrap(err, "tcp: reuseport control")
	}
	// The net.TCPListener stays responsible for the original descriptor;
	// the dup is what the reactor registers with epoll. Both must close
	// independently for the kernel socket to actually release.
	tcpLn.Close()
	if dupErr != nil {
		return nil, errors.Wrap(dupErr, "tcp: dup reuseport fd")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "tcp: set nonblocking")
	}

	return &Server{
		fd:       fd,
		access:   true,
		addr:     addr,
		accepted: make(map[int]struct{}),
	}, nil
}
