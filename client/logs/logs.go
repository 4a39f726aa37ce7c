// Package logs exposes info, warning and error loggers.
package logs

import (
	"io"
	"log"
	"os"
)

var (
	// Info logs normal events.
	Info *log.Logger
	// Warn logs unusual but recoverable events.
	Warn *log.Logger
	// Err logs failures.
	Err *log.Logger
)

func init() {
	Init(os.Stderr, log.LstdFlags)
}

// Init initializes the loggers with the given sink and flags.
func Init(out io.Writer, flags int) {
	Info = log.New(out, "I ", flags)
	Warn = log.New(out, "W ", flags)
	Err = log.New(out, "E ", flags)
}
