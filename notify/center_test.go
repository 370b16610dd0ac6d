//go:build linux

package notify_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/andypan-reactor/evreactor/notify"
	"github.com/andypan-reactor/evreactor/reactor"
	"github.com/andypan-reactor/evreactor/threadpool"
)

func newTestDispatcher(t *testing.T) *reactor.Dispatcher {
	pool, err := threadpool.New(threadpool.Config{MinCoreThread: 2, MaxThread: 2})
	require.NoError(t, err)
	t.Cleanup(pool.Shutdown)

	d, err := reactor.NewDispatcher(pool, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Shutdown() })
	return d
}

func socketpair(t *testing.T) (a, b int) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestCenterNewFdStartsAtMoreAndFiresOnFirstPoll(t *testing.T) {
	d := newTestDispatcher(t)
	center := notify.New(d)

	a, b := socketpair(t)
	ch := reactor.NewChannel(a, d.GetDemultiplexer())
	require.NoError(t, d.RegisterHandler(a, reactor.NewEventsHandler(ch)))

	_, err := unix.Write(b, []byte("ping"))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	ch.Read() // fires DataReadyNotify -> Center.NotifyDataReady(a)

	var mu sync.Mutex
	var got []byte
	futures := center.HandleReadyData(func(fd int, data []byte) {
		mu.Lock()
		got = append([]byte{}, data...)
		mu.Unlock()
	})
	require.Len(t, futures, 1)
	for _, f := range futures {
		f.Get()
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "ping", string(got))
}

func TestCenterCloseRemovesPendingEntry(t *testing.T) {
	d := newTestDispatcher(t)
	center := notify.New(d)

	a, _ := socketpair(t)
	ch := reactor.NewChannel(a, d.GetDemultiplexer())
	require.NoError(t, d.RegisterHandler(a, reactor.NewEventsHandler(ch)))
	center.NotifyDataReady(a)
	center.NotifyClose(a)

	// a has a registered Channel, so a pending entry left behind by
	// NotifyClose would be submitted here.
	require.Empty(t, center.HandleReadyData(func(int, []byte) {}))

	// NotifyClose on an fd that was never tracked must not panic.
	center.NotifyClose(999999)
}

func TestCenterResponseReadyIsNoOpWithoutChannel(t *testing.T) {
	d := newTestDispatcher(t)
	center := notify.New(d)

	center.NotifyResponseReady(123456, []byte("x")) // must not panic
}
