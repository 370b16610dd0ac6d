// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package rlog adapts github.com/rs/zerolog to the narrow Printf-style
// sink the reactor package logs through.
package rlog

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger, satisfying reactor.Logger's single
// Printf method while still exposing the underlying structured logger
// for callers that want fields instead of a formatted string.
type Logger struct {
	Z zerolog.Logger
}

// New builds a Logger writing to w at the given minimum level. It always
// wraps w in zerolog's ConsoleWriter, whatever kind of writer w is, so
// the output is human-readable rather than JSON.
func New(w io.Writer, level zerolog.Level) *Logger {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	z := zerolog.New(cw).Level(level).With().Timestamp().Logger()
	return &Logger{Z: z}
}

// Default returns a console logger at Info level, writing to stderr.
func Default() *Logger {
	return New(os.Stderr, zerolog.InfoLevel)
}

// Printf formats args per format and emits it at Info level. Arguments
// ending in an error (the common %v: err pattern in this codebase) still
// render fine since zerolog.Event.Msg takes a plain string.
func (l *Logger) Printf(format string, args ...interface{}) {
	l.Z.Info().Msg(fmt.Sprintf(format, args...))
}

// Errorf is Printf's Error-level counterpart, used by callers that want
// to distinguish severity rather than rely on message content.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Z.Error().Msg(fmt.Sprintf(format, args...))
}

// WithFd returns a child logger annotating every subsequent entry with
// fd, useful for following one connection's lifecycle across accept,
// read, write, and close log lines.
func (l *Logger) WithFd(fd int) *Logger {
	return &Logger{Z: l.Z.With().Int("fd", fd).Logger()}
}
