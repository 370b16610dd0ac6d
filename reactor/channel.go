// Copyright 2019 Andy Pan. All rights reserved.
// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package reactor

import (
	"sync"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"
)

// DataReadyNotify fires once per Read invocation that accumulated at
// least one byte. ClosedNotify fires exactly once when the peer closes.
type DataReadyNotify func(fd int)
type ClosedNotify func(fd int)

// ReceiveCB and SendCB are process-wide tracing hooks, independent of any
// single Channel.
type ReceiveCB func(fd, receivedBytes int, err error, data []byte)
type SendCB func(fd, sentBytes int, err error, data []byte)

var (
	globalMu          sync.RWMutex
	dataReadyNotify   DataReadyNotify
	closedNotify      ClosedNotify
	globalReceivedCb  ReceiveCB
	globalSentCb      SendCB
)

// SetDataReadyNotify installs the process-wide data-ready hook. The
// NotificationCenter is the only intended caller.
func SetDataReadyNotify(fn DataReadyNotify) {
	globalMu.Lock()
	dataReadyNotify = fn
	globalMu.Unlock()
}

// SetClosedNotify installs the process-wide closed hook.
func SetClosedNotify(fn ClosedNotify) {
	globalMu.Lock()
	closedNotify = fn
	globalMu.Unlock()
}

// SetGlobalReceiveCallback installs a process-wide observer called after
// every Read on an active Channel, including one that ends in a peer
// close or a read error.
func SetGlobalReceiveCallback(fn ReceiveCB) {
	globalMu.Lock()
	globalReceivedCb = fn
	globalMu.Unlock()
}

// SetGlobalSendCallback installs a process-wide observer for every Write.
func SetGlobalSendCallback(fn SendCB) {
	globalMu.Lock()
	globalSentCb = fn
	globalMu.Unlock()
}

func fireDataReady(fd int) {
	globalMu.RLock()
	fn := dataReadyNotify
	globalMu.RUnlock()
	if fn != nil {
		fn(fd)
	}
}

func fireClosed(fd int) {
	globalMu.RLock()
	fn := closedNotify
	globalMu.RUnlock()
	if fn != nil {
		fn(fd)
	}
}

func fireReceived(fd, n int, err error, data []byte) {
	globalMu.RLock()
	fn := globalReceivedCb
	globalMu.RUnlock()
	if fn != nil {
		fn(fd, n, err, data)
	}
}

func fireSent(fd, n int, err error, data []byte) {
	globalMu.RLock()
	fn := globalSentCb
	globalMu.RUnlock()
	if fn != nil {
		fn(fd, n, err, data)
	}
}

// Channel is the per-connection byte-oriented state: partial receive and
// send buffers plus the readiness-driven read/write state machine. Once
// active becomes false it never becomes true again; every operation on an
// inactive Channel is a no-op.
type Channel struct {
	fd            int
	demultiplexer *Demultiplexer

	activeMu sync.RWMutex
	active   bool

	recvMu sync.Mutex
	recv   *bytebufferpool.ByteBuffer

	sendMu     sync.Mutex
	send       *bytebufferpool.ByteBuffer
	writeArmed bool
}

// NewChannel wraps an already non-blocking, already-accepted socket fd.
// demux is borrowed for the Channel's entire lifetime, which is strictly
// shorter than its owning Dispatcher's.
func NewChannel(fd int, demux *Demultiplexer) *Channel {
	return &Channel{
		fd:            fd,
		demultiplexer: demux,
		active:        fd > 0,
		recv:          bytebufferpool.Get(),
		send:          bytebufferpool.Get(),
	}
}

// GetHandle returns the underlying fd.
func (c *Channel) GetHandle() int { return c.fd }

// Active reports whether the Channel still accepts operations.
func (c *Channel) Active() bool {
	c.activeMu.RLock()
	defer c.activeMu.RUnlock()
	return c.active
}

// Inactive permanently disables the Channel.
func (c *Channel) Inactive() {
	c.activeMu.Lock()
	c.active = false
	c.activeMu.Unlock()
}

// Read drains the socket into the receive buffer until the kernel returns
// <=0, per the edge-triggered "read until EAGAIN" contract. A 0-byte read
// means the peer closed: both halves are shut down and ClosedNotify fires
// exactly once. Any error besides EAGAIN/EWOULDBLOCK/EINTR is treated the
// same way. Otherwise, DataReadyNotify fires if any bytes were read this
// call.
func (c *Channel) Read() {
	if !c.Active() {
		return
	}

	var buf [4096]byte
	var total int
	var closedByPeer bool
	var permErr error

	c.recvMu.Lock()
	for {
		n, err := unix.Read(c.fd, buf[:])
		if n > 0 {
			c.recv.Write(buf[:n])
			total += n
			continue
		}
		if n == 0 {
			closedByPeer = true
			break
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			break
		}
		permErr = err
		break
	}
	data := append([]byte(nil), c.recv.B...)
	c.recvMu.Unlock()

	fireReceived(c.fd, total, permErr, data)

	if closedByPeer || permErr != nil {
		c.DisableReceive()
		c.DisableSend()
		c.Inactive()
		fireClosed(c.fd)
		return
	}

	if total > 0 {
		fireDataReady(c.fd)
	}
}

// Write sends the buffered outbound bytes in one kernel call under the
// send mutex. When the buffer empties, write-interest is cleared on the
// demultiplexer so the reactor stops busy-waking on writability.
func (c *Channel) Write() {
	if !c.Active() {
		return
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if len(c.send.B) == 0 {
		c.disarmWriteLocked()
		return
	}

	n, err := unix.Write(c.fd, c.send.B)
	if n > 0 {
		fireSent(c.fd, n, nil, c.send.B[:n])
		remaining := append([]byte(nil), c.send.B[n:]...)
		c.send.Reset()
		c.send.Write(remaining)
	}
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		c.sendMu.Unlock()
		c.DisableSend()
		c.sendMu.Lock()
		return
	}
	if len(c.send.B) == 0 {
		c.disarmWriteLocked()
	}
}

func (c *Channel) disarmWriteLocked() {
	if c.demultiplexer != nil && c.writeArmed {
		c.writeArmed = false
		_ = c.demultiplexer.ModifyEvent(c.fd, defaultReadMask())
	}
}

// NotifyWriteEvent appends data to the send buffer and arms write
// readiness on the demultiplexer so Write will be invoked once the socket
// can accept more bytes.
func (c *Channel) NotifyWriteEvent(data []byte) {
	if !c.Active() {
		return
	}
	c.sendMu.Lock()
	c.send.Write(data)
	armed := c.writeArmed
	if !armed {
		c.writeArmed = true
	}
	c.sendMu.Unlock()

	if !armed && c.demultiplexer != nil {
		_ = c.demultiplexer.ModifyEvent(c.fd, defaultReadWriteMask())
	}
}

// GetReceivedData atomically swaps out every accumulated receive byte and
// resets the counter. Returns nil when nothing is pending.
func (c *Channel) GetReceivedData() []byte {
	if !c.Active() {
		return nil
	}
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	if len(c.recv.B) == 0 {
		return nil
	}
	out := append([]byte(nil), c.recv.B...)
	c.recv.Reset()
	return out
}

// DisableReceive performs a half-shutdown of the read side. Idempotent.
func (c *Channel) DisableReceive() {
	if !c.Active() {
		return
	}
	_ = unix.Shutdown(c.fd, unix.SHUT_RD)
}

// DisableSend performs a half-shutdown of the write side. Idempotent.
func (c *Channel) DisableSend() {
	if !c.Active() {
		return
	}
	_ = unix.Shutdown(c.fd, unix.SHUT_WR)
}

// Release returns the Channel's pooled buffers. Call only after the
// Channel has been removed from every map that could still reach it.
func (c *Channel) Release() {
	c.recvMu.Lock()
	recv := c.recv
	c.recv = nil
	c.recvMu.Unlock()

	c.sendMu.Lock()
	send := c.send
	c.send = nil
	c.sendMu.Unlock()

	if recv != nil {
		bytebufferpool.Put(recv)
	}
	if send != nil {
		bytebufferpool.Put(send)
	}
}

func defaultReadMask() uint32 {
	return unix.EPOLLET | unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLERR
}

func defaultReadWriteMask() uint32 {
	return defaultReadMask() | unix.EPOLLOUT
}
