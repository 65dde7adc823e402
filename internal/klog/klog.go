// Package klog is the kernel's single logging chokepoint. It follows the
// teacher's habit of plain fmt.Printf logging (mem.Phys_init,
// dmap.Dmap_init both fmt.Printf straight to the console) but routes
// through one bio.LogSink so both a framebuffer console and a serial port
// receive every line, with an ANSI colour escape per severity as spec.md
// §6 requires.
package klog

import (
	"fmt"
	"sync"

	"novakern/internal/bio"
	"novakern/internal/cpu"
)

// Level is a log severity.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Fatal
)

var colour = map[Level]string{
	Debug: "\x1b[90m",
	Info:  "\x1b[37m",
	Warn:  "\x1b[33m",
	Fatal: "\x1b[31m",
}

const reset = "\x1b[0m"

var (
	mu   sync.Mutex
	sink bio.MultiSink
)

// AddSink registers a destination for log lines (a framebuffer console or
// a serial port). Safe to call before or after logging starts.
func AddSink(s bio.LogSink) { sink.Add(s) }

func logf(lvl Level, format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()
	line := fmt.Sprintf(format, args...)
	fmt.Fprintf(&sink, "%s%s%s\n", colour[lvl], bio.Sanitize([]byte(line)), reset)
}

// Debugf logs a debug-level line.
func Debugf(format string, args ...any) { logf(Debug, format, args...) }

// Infof logs an info-level line.
func Infof(format string, args ...any) { logf(Info, format, args...) }

// Warnf logs a warning-level line.
func Warnf(format string, args ...any) { logf(Warn, format, args...) }

// Write forwards p to every sink after passing it through bio.Sanitize,
// without a severity colour or added newline. This is the path
// internal/syscall's write() implementation uses to forward a user
// task's stdout/stderr bytes: they are not a kernel diagnostic line and
// should not be wrapped in one.
func Write(p []byte) {
	mu.Lock()
	defer mu.Unlock()
	sink.Write([]byte(bio.Sanitize(p)))
}

// Fatalf logs a fatal diagnostic to both sinks and halts the machine. It
// never returns, matching the boot-failure propagation policy in
// spec.md §7: boot-time failures in the core are fatal because no user
// program has run yet and the kernel cannot provide service.
func Fatalf(format string, args ...any) {
	logf(Fatal, format, args...)
	cpu.Cli()
	for {
		cpu.Halt()
	}
}
