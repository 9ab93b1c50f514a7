// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

type Options struct {
	Level  string // trace|debug|info|warn|error
	Format string // text|json
	File   string // log file path; empty logs to stdout only
	// Out replaces stdout; tests use it.
	Out io.Writer
}

// New returns a configured logger and a close func for the optional log
// file. Unknown levels fall back to info.
func New(opts Options) (*logrus.Logger, func() error, error) {
	l := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.EqualFold(opts.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	closeFn := func() error { return nil }
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", opts.File, err)
		}
		out = io.MultiWriter(f, out)
		closeFn = f.Close
	}
	l.SetOutput(out)

	return l, closeFn, nil
}
