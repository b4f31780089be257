package config

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOutput returns where component loggers write: a rotating file when
// log.file is set, stderr otherwise. Close it on exit.
func (c LogConfig) LogOutput() io.WriteCloser {
	if c.File == "" {
		return nopCloser{os.Stderr}
	}
	_ = os.MkdirAll(filepath.Dir(c.File), 0755)
	return &lumberjack.Logger{
		Filename:   c.File,
		MaxSize:    c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAgeDays,
		Compress:   true,
	}
}

// NewLogger creates a component logger such as "[engine] " on out.
func NewLogger(out io.Writer, prefix string) *log.Logger {
	return log.New(out, prefix, log.LstdFlags)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
