// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux

// Command echo-server wires the reactor, a thread pool, a notification
// center, and a tcp.Server together into a minimal length-prefixed echo
// service, demonstrating how the pieces in this module compose.
package main

import (
	"flag"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"github.com/andypan-reactor/evreactor/codec"
	"github.com/andypan-reactor/evreactor/notify"
	"github.com/andypan-reactor/evreactor/reactor"
	"github.com/andypan-reactor/evreactor/rlog"
	"github.com/andypan-reactor/evreactor/tcp"
	"github.com/andypan-reactor/evreactor/threadpool"
)

func main() {
	host := flag.String("host", "0.0.0.0", "listen address")
	port := flag.Uint("port", 9000, "listen port")
	slaves := flag.Int("slaves", 4, "number of slave dispatchers")
	flag.Parse()

	log := rlog.Default()

	srv := tcp.New()
	if err := srv.Init(); err != nil {
		log.Errorf("init: %v", err)
		os.Exit(1)
	}
	if err := srv.ReuseAddress(true); err != nil {
		log.Errorf("reuse address: %v", err)
		os.Exit(1)
	}
	addr := reactor.NewAddress(*host, uint16(*port))
	if err := srv.Bind(addr); err != nil {
		log.Errorf("bind: %v", err)
		os.Exit(1)
	}
	if err := srv.Listen(512); err != nil {
		log.Errorf("listen: %v", err)
		os.Exit(1)
	}
	srv.AutoSaveAcceptedFD(true)

	// Each slave dispatcher holds one pool worker for its whole event loop,
	// so the pool gets that many workers on top of the default ones that
	// run I/O events and echo handlers.
	cfg := threadpool.DefaultConfig(runtime.GOMAXPROCS(0))
	cfg.MinCoreThread += *slaves
	cfg.MaxThread += *slaves
	pool, err := threadpool.New(cfg)
	if err != nil {
		log.Errorf("thread pool: %v", err)
		os.Exit(1)
	}
	dispatcher, err := reactor.NewDispatcherWithOptions(pool,
		reactor.WithLogger(log),
		reactor.WithMulticore(true),
		reactor.WithNumEventLoop(*slaves),
	)
	if err != nil {
		log.Errorf("new dispatcher: %v", err)
		os.Exit(1)
	}
	if err := dispatcher.SetMasterFD(srv.GetFd()); err != nil {
		log.Errorf("set master fd: %v", err)
		os.Exit(1)
	}

	center := notify.New(dispatcher)
	frameCodec := codec.LengthFieldCodec{}

	stop := make(chan struct{})
	go pollLoop(center, frameCodec, log, stop)

	go dispatcher.Dispatch()

	log.Printf("echo-server listening on %s", addr.String())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	close(stop)
	if err := dispatcher.Shutdown(); err != nil {
		log.Errorf("dispatcher shutdown: %v", err)
	}
	if err := srv.Shutdown(); err != nil {
		log.Errorf("server shutdown: %v", err)
	}
}

// pollLoop repeatedly drains the notification center's pending fds,
// decoding complete frames and echoing each one back to its sender. This
// stands in for the user EventHandler.React callback the reactor would
// otherwise call directly.
//
// Each HandleReadyData call hands over only the bytes accumulated since
// the last drain, and Decode can leave an incomplete trailing frame
// behind when a header+payload spans two reads. remainders carries that
// leftover forward per fd so it gets prepended the next time this fd's
// handler runs, instead of being dropped and desyncing the stream.
// Center guarantees at most one in-flight handler per fd, so concurrent
// callbacks for different fds only ever race on the map itself.
func pollLoop(center *notify.Center, c codec.LengthFieldCodec, log *rlog.Logger, stop <-chan struct{}) {
	var remaindersMu sync.Mutex
	remainders := make(map[int][]byte)

	for {
		select {
		case <-stop:
			return
		default:
		}
		center.HandleReadyData(func(fd int, data []byte) {
			remaindersMu.Lock()
			buf := append(remainders[fd], data...)
			delete(remainders, fd)
			remaindersMu.Unlock()

			frames, remainder, err := c.Decode(buf)
			if err != nil {
				log.WithFd(fd).Errorf("decode: %v", err)
				return
			}
			if len(remainder) > 0 {
				remaindersMu.Lock()
				remainders[fd] = append([]byte(nil), remainder...)
				remaindersMu.Unlock()
			}
			for _, frame := range frames {
				out, err := c.Encode(frame)
				if err != nil {
					log.WithFd(fd).Errorf("encode: %v", err)
					continue
				}
				center.NotifyResponseReady(fd, out)
			}
		})
	}
}
