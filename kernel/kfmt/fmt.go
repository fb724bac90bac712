// Package kfmt implements the kernel console: formatted output to a
// replaceable sink, an early buffer for output produced before a sink is
// attached and the kernel panic banner.
package kfmt

import (
	"fmt"
	"io"

	"kernvm/kernel/sync"
)

var (
	// earlyPrintBuffer keeps Printf output produced while no sink is
	// attached.
	earlyPrintBuffer ringBuffer

	// outputSink is the io.Writer where Printf sends its output. If set to
	// nil, output is redirected to earlyPrintBuffer.
	outputSink io.Writer

	// sinkLock serializes writers so that lines printed by concurrent
	// faulting threads do not interleave mid-line.
	sinkLock sync.Spinlock
)

// SetOutputSink sets the default target for calls to Printf to w and flushes
// any data accumulated in the early print buffer to it.
func SetOutputSink(w io.Writer) {
	sinkLock.Acquire()
	defer sinkLock.Release()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the currently attached sink or nil if output is
// being buffered.
func GetOutputSink() io.Writer {
	sinkLock.Acquire()
	defer sinkLock.Release()
	return outputSink
}

// Printf formats according to a format specifier and writes to the active
// output sink. The supported verbs are those of the fmt package.
func Printf(format string, args ...interface{}) {
	sinkLock.Acquire()
	defer sinkLock.Release()

	if outputSink == nil {
		fmt.Fprintf(&earlyPrintBuffer, format, args...)
		return
	}
	fmt.Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer. A nil writer sends the output to the same place
// Printf would.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	if w == nil {
		Printf(format, args...)
		return
	}
	fmt.Fprintf(w, format, args...)
}

// consoleWriter sends writes wherever Printf output would go.
type consoleWriter struct{}

func (consoleWriter) Write(p []byte) (int, error) {
	sinkLock.Acquire()
	defer sinkLock.Release()

	if outputSink == nil {
		return earlyPrintBuffer.Write(p)
	}
	return outputSink.Write(p)
}

// Console is an io.Writer for the active output sink. Unlike the value
// returned by GetOutputSink it is never nil and follows later calls to
// SetOutputSink.
var Console io.Writer = consoleWriter{}
