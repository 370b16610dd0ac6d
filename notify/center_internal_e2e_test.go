//go:build linux

package notify

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/andypan-reactor/evreactor/reactor"
	"github.com/andypan-reactor/evreactor/tcp"
	"github.com/andypan-reactor/evreactor/threadpool"
)

// ephemeralTestAddr recovers the OS-assigned port after binding to 0.
func ephemeralTestAddr(t *testing.T, fd int) string {
	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	v4, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)
	return fmt.Sprintf("%d.%d.%d.%d:%d", v4.Addr[0], v4.Addr[1], v4.Addr[2], v4.Addr[3], v4.Port)
}

// pendingState is a white-box peek at c.pending, used only by tests that
// need to observe the coalescing state machine mid-transition rather than
// just its externally visible effect on HandleReadyData.
func pendingState(c *Center, fd int) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.pending[fd]
	return st, ok
}

func waitForPendingState(t *testing.T, c *Center, fd int, want State, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if st, ok := pendingState(c, fd); ok && st == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	st, ok := pendingState(c, fd)
	t.Fatalf("timed out waiting for fd %d to reach state %d; last observed state=%d ok=%v", fd, want, st, ok)
}

// TestCenterReachesMorePlusOverRealLoopbackConnection drives scenario S3
// end to end: a real tcp.Server accepts a real client connection, a real
// Dispatcher runs its own event loop goroutine and calls Channel.Read on
// every EPOLLIN edge, and two back-to-back writes from the client --
// with no HandleReadyData drain in between -- must walk the fd through
// every state HandleReadyData's downgrade path can see: unseen->More
// (first write), More->MorePlus (second write arrives before anything
// drains), then MorePlus->More->One as HandleReadyData drains it twice.
// This is the exact sequence the NotifyDataReady upgrade race could
// corrupt: a concurrent downgrade interleaving between its read of the
// current state and its write of the bumped one.
func TestCenterReachesMorePlusOverRealLoopbackConnection(t *testing.T) {
	srv := tcp.New()
	require.NoError(t, srv.Init())
	require.NoError(t, srv.ReuseAddress(true))
	require.NoError(t, srv.Bind(reactor.NewAddress("127.0.0.1", 0)))
	require.NoError(t, srv.Listen(16))
	t.Cleanup(func() { _ = srv.Shutdown() })

	laddr := ephemeralTestAddr(t, srv.GetFd())

	pool, err := threadpool.New(threadpool.Config{MinCoreThread: 2, MaxThread: 4})
	require.NoError(t, err)

	dispatcher, err := reactor.NewDispatcher(pool, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dispatcher.Shutdown() })
	require.NoError(t, dispatcher.SetMasterFD(srv.GetFd()))

	center := New(dispatcher)

	go dispatcher.Dispatch()

	conn, err := net.DialTimeout("tcp4", laddr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	_, err = conn.Write([]byte("first"))
	require.NoError(t, err)

	fd := waitForAnyPendingFd(t, center, 2*time.Second)
	waitForPendingState(t, center, fd, More, time.Second)

	_, err = conn.Write([]byte("second"))
	require.NoError(t, err)
	waitForPendingState(t, center, fd, MorePlus, time.Second)

	futures := center.HandleReadyData(func(int, []byte) {})
	require.Len(t, futures, 1)
	futures[0].Get()
	waitForPendingState(t, center, fd, More, time.Second)

	futures = center.HandleReadyData(func(int, []byte) {})
	require.Len(t, futures, 1)
	futures[0].Get()
	waitForPendingState(t, center, fd, One, time.Second)
}

func waitForAnyPendingFd(t *testing.T, c *Center, timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for fd := range c.pending {
			c.mu.Unlock()
			return fd
		}
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for any fd to become pending")
	return -1
}
