// Package log provides the small logging backend shared by the
// transport, dispatch, client, and server packages. It wraps
// gopkg.in/op/go-logging.v1 behind a minimal Backend so callers never
// import the logging library directly.
package log

import (
	"io"
	"os"

	logging "gopkg.in/op/go-logging.v1"
)

// Backend owns one logging.Logger per named subsystem, all sharing the
// same output and format.
type Backend struct {
	backend logging.LeveledBackend
}

// New constructs a Backend writing to w at the given minimum level
// ("DEBUG", "INFO", "NOTICE", "WARNING", "ERROR", "CRITICAL"). A nil w
// defaults to os.Stderr.
func New(w io.Writer, level string) (*Backend, error) {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := logging.LogLevel(level)
	if err != nil {
		return nil, err
	}
	fmt := logging.MustStringFormatter(
		"%{time:15:04:05.000} %{level:.4s} %{module}: %{message}",
	)
	base := logging.NewLogBackend(w, "", 0)
	formatted := logging.NewBackendFormatter(base, fmt)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(lvl, "")
	return &Backend{backend: leveled}, nil
}

// NewDiscard returns a Backend that drops every log line; useful in
// tests that only care about behavior, not log output.
func NewDiscard() *Backend {
	b, err := New(io.Discard, "CRITICAL")
	if err != nil {
		panic(err)
	}
	return b
}

// GetLogger returns a named logger drawing on this Backend's level and
// output, the same pattern the reference stack uses for its per-module
// loggers (e.g. "client_socket", "client").
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b.backend)
	return l
}
