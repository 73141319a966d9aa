// Package telelog is the thin logging wrapper used across this module. It
// follows the teacher's convention of calling the standard library's log
// package directly with a component prefix (see cleaner.go's
// "Cleaner started. Retention: %v, Interval: %v" style) rather than adopting
// a structured logging façade — the public logging façade is explicitly
// out of scope per spec.md §1, and nothing else in the retrieved pack's own
// code reaches for zap/zerolog for plain lifecycle logging.
package telelog

import (
	"log"
	"os"
)

// Logger prefixes every line with a component tag, matching the
// "[component] message" shape the reference CLI already uses for its own
// startup/shutdown banners.
type Logger struct {
	prefix string
	std    *log.Logger
}

// New returns a Logger tagging every line with component.
func New(component string) *Logger {
	return &Logger{
		prefix: "[" + component + "] ",
		std:    log.New(os.Stderr, "", log.LstdFlags),
	}
}

func (l *Logger) Printf(format string, args ...interface{}) {
	l.std.Printf(l.prefix+format, args...)
}

func (l *Logger) Println(args ...interface{}) {
	l.std.Println(append([]interface{}{l.prefix}, args...)...)
}
