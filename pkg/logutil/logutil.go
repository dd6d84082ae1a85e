// Package logutil provides a registry of loggers that share one output.
//
// The output is discarded by default; pass -log to direct it to a file.
package logutil

import (
	"io"
	"log"
	"os"
	"sync"
)

var (
	mu      sync.Mutex
	out     io.Writer = io.Discard
	loggers []*log.Logger
)

// GetLogger returns a logger with the given prefix, writing to the shared
// output. Loggers obtained before a SetOutput call are redirected too.
func GetLogger(prefix string) *log.Logger {
	mu.Lock()
	defer mu.Unlock()
	logger := log.New(out, prefix, log.LstdFlags)
	loggers = append(loggers, logger)
	return logger
}

// SetOutput redirects the output of all loggers, current and future, to w.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	for _, logger := range loggers {
		logger.SetOutput(w)
	}
}

// SetOutputFile redirects the output of all loggers to the named file,
// creating it if necessary. An empty name means discarding the output.
func SetOutputFile(fname string) error {
	if fname == "" {
		SetOutput(io.Discard)
		return nil
	}
	file, err := os.OpenFile(fname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	SetOutput(file)
	return nil
}
