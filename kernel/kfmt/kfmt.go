// Package kfmt implements the kernel's log writer. Output produced before a
// sink is attached lands in a small ring buffer and is replayed once
// SetOutputSink is called, so that early boot messages are not lost.
// Messages follow the "[module] text" convention.
package kfmt

import (
	"fmt"
	"io"

	"gokern/kernel/sync"
)

// Level controls which log calls produce output. Printf always prints;
// Debugf and Tracef are filtered against the active level.
type Level uint8

const (
	// LevelTrace enables all output including per-switch tracing.
	LevelTrace Level = iota
	// LevelDebug enables scheduler lifecycle messages.
	LevelDebug
	// LevelInfo restricts output to unconditional messages.
	LevelInfo
)

var (
	lock sync.Spinlock

	level = LevelInfo

	// earlyPrintBuffer stores output produced before a sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is where log output goes. While nil, output is captured by
	// the earlyPrintBuffer instead.
	outputSink io.Writer
)

// SetOutputSink sets the target for log output to w and replays any data
// accumulated in the early boot buffer to it.
func SetOutputSink(w io.Writer) {
	lock.Acquire()
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
	lock.Release()
}

// GetOutputSink returns the currently attached sink, or nil if output still
// goes to the early boot buffer.
func GetOutputSink() io.Writer {
	lock.Acquire()
	w := outputSink
	lock.Release()
	return w
}

// SetLevel sets the active log level.
func SetLevel(l Level) {
	lock.Acquire()
	level = l
	lock.Release()
}

// ParseLevel maps a config string to a Level; unknown strings select
// LevelInfo.
func ParseLevel(s string) Level {
	switch s {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// Printf formats and writes a message to the active sink, or to the early
// boot buffer if no sink is attached yet.
func Printf(format string, args ...interface{}) {
	lock.Acquire()
	doWrite(format, args...)
	lock.Release()
}

// Debugf behaves like Printf but only produces output at LevelDebug or
// below.
func Debugf(format string, args ...interface{}) {
	lock.Acquire()
	if level <= LevelDebug {
		doWrite(format, args...)
	}
	lock.Release()
}

// Tracef behaves like Printf but only produces output at LevelTrace.
func Tracef(format string, args ...interface{}) {
	lock.Acquire()
	if level <= LevelTrace {
		doWrite(format, args...)
	}
	lock.Release()
}

// Fprintf writes a formatted message to the given writer, bypassing the
// sink. Used for building prefixed sub-writers.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, format, args...)
}

// doWrite must be called with the package lock held.
func doWrite(format string, args ...interface{}) {
	if outputSink != nil {
		fmt.Fprintf(outputSink, format, args...)
		return
	}
	fmt.Fprintf(&earlyPrintBuffer, format, args...)
}
