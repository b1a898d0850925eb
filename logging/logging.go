// Package logging sets up the structured loggers used across the stack:
// console output for interactive runs, dated log directories with timed
// rotation for long captures.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// NowString returns the timestamp suffix used in log file names.
func NowString() string {
	return time.Now().Format("20060102_1504")
}

// DatedDir ensures a per-day directory under base and returns its path.
func DatedDir(base string) (string, error) {
	now := time.Now()
	dir := filepath.Join(base, fmt.Sprintf("%d_%02d_%02d", now.Year(), now.Month(), now.Day()))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create log directory: %w", err)
	}
	return dir, nil
}

// Console returns a human readable logger at the given level.
func Console(level zerolog.Level) zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// swappableWriter lets the rotation goroutine replace the underlying file
// without touching the logger.
type swappableWriter struct {
	mu sync.Mutex
	w  io.WriteCloser
}

func (s *swappableWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return len(p), nil
	}
	return s.w.Write(p)
}

func (s *swappableWriter) swap(w io.WriteCloser) {
	s.mu.Lock()
	old := s.w
	s.w = w
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

func (s *swappableWriter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	err := s.w.Close()
	s.w = nil
	return err
}

func openLogFile(base, name string) (*os.File, error) {
	dir, err := DatedDir(base)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s%s.log", name, NowString()))
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
}

// NewFileLogger writes JSON logs to a timestamped file in a dated directory.
func NewFileLogger(base, name string, level zerolog.Level) (zerolog.Logger, io.Closer, error) {
	f, err := openLogFile(base, name)
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	sw := &swappableWriter{w: f}
	return zerolog.New(sw).Level(level).With().Timestamp().Logger(), sw, nil
}

// NewRotatingLogger is NewFileLogger with a fresh file every interval. The
// returned stop function closes the current file and ends rotation.
func NewRotatingLogger(base, name string, level zerolog.Level, interval time.Duration) (zerolog.Logger, func(), error) {
	f, err := openLogFile(base, name)
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	sw := &swappableWriter{w: f}
	logger := zerolog.New(sw).Level(level).With().Timestamp().Logger()

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				next, err := openLogFile(base, name)
				if err != nil {
					logger.Error().Err(err).Msg("log rotation failed, keeping current file")
					continue
				}
				sw.swap(next)
			}
		}
	}()
	stop := func() {
		close(done)
		sw.Close()
	}
	return logger, stop, nil
}
