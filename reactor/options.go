// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package reactor

import "github.com/andypan-reactor/evreactor/threadpool"

// Options bundles the knobs NewDispatcherWithOptions takes, following the
// teacher's functional-options idiom (a plain struct populated through
// With* constructors) rather than a flag- or file-backed config layer:
// the reactor core has no persistent state to load.
type Options struct {
	NumEventLoop int
	Multicore    bool
	Logger       Logger
}

// Option mutates an Options in place.
type Option func(*Options)

// WithNumEventLoop sets how many slave dispatchers AddSlaveDispatcher
// spins up when Multicore is enabled.
func WithNumEventLoop(n int) Option {
	return func(o *Options) { o.NumEventLoop = n }
}

// WithMulticore toggles slave-dispatcher mode.
func WithMulticore(enabled bool) Option {
	return func(o *Options) { o.Multicore = enabled }
}

// WithLogger installs a Logger other than the no-op default.
func WithLogger(l Logger) Option {
	return func(o *Options) { o.Logger = l }
}

func loadOptions(opts ...Option) *Options {
	o := &Options{NumEventLoop: 1}
	for _, fn := range opts {
		fn(o)
	}
	return o
}

// NewDispatcherWithOptions builds and fully wires a Dispatcher: the
// explicit constructor (NewDispatcher) plus whatever the Options ask for
// (slave mode and its fan-out count, a non-default Logger), so callers
// that want the teacher's single-call setup don't have to sequence
// EnableSlave/AddSlaveDispatcher by hand.
func NewDispatcherWithOptions(pool *threadpool.Pool, opts ...Option) (*Dispatcher, error) {
	o := loadOptions(opts...)
	d, err := NewDispatcher(pool, o.Logger)
	if err != nil {
		return nil, err
	}
	if o.Multicore {
		d.EnableSlave(true)
		if err := d.AddSlaveDispatcher(o.NumEventLoop); err != nil {
			return nil, err
		}
	}
	return d, nil
}
