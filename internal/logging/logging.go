// Package logging builds the *log.Logger values handed to each component.
//
// Every component logs through its own bracketed prefix. When a log file is
// configured all of them share one rotating writer; otherwise they write to
// stderr.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures log output.
type Options struct {
	// File is the log file path. Empty means stderr.
	File string

	// MaxSizeMB is the size in megabytes at which the file is rotated.
	MaxSizeMB int

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int

	// MaxAgeDays is the number of days rotated files are kept.
	MaxAgeDays int
}

// DefaultOptions returns sensible defaults
func DefaultOptions() Options {
	return Options{MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 28}
}

// Factory hands out prefixed loggers sharing one writer.
type Factory struct {
	out    io.Writer
	closer io.Closer
	once   sync.Once
}

// NewFactory opens the output described by opts.
func NewFactory(opts Options) *Factory {
	if opts.File == "" {
		return &Factory{out: os.Stderr}
	}

	defaults := DefaultOptions()
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = defaults.MaxSizeMB
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = defaults.MaxBackups
	}
	if opts.MaxAgeDays <= 0 {
		opts.MaxAgeDays = defaults.MaxAgeDays
	}

	rotating := &lumberjack.Logger{
		Filename:   filepath.Clean(opts.File),
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	return &Factory{out: rotating, closer: rotating}
}

// Writer returns the shared output.
func (f *Factory) Writer() io.Writer {
	return f.out
}

// New returns a logger writing with prefix, e.g. "[sync] ".
func (f *Factory) New(prefix string) *log.Logger {
	return log.New(f.out, prefix, log.LstdFlags)
}

// Close closes the log file, if any.
func (f *Factory) Close() error {
	var err error
	f.once.Do(func() {
		if f.closer != nil {
			err = f.closer.Close()
		}
	})
	return err
}
