package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

var (
	mu   sync.Mutex
	log  *logrus.Logger
	file *os.File
)

// Options selects where log output goes
type Options struct {
	Level   string
	File    string
	Console bool
	JSON    bool
}

// Init replaces the process logger. An unknown level falls back to info.
func Init(opts Options) error {
	l := logrus.New()

	lvl, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if opts.JSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	var writers []io.Writer
	if opts.Console {
		writers = append(writers, os.Stderr)
	}

	var f *os.File
	if opts.File != "" {
		path := expandHome(opts.File)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return errors.Wrapf(err, "creating log directory for %s", path)
		}
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrapf(err, "opening log file %s", path)
		}
		writers = append(writers, f)
	}

	switch len(writers) {
	case 0:
		l.SetOutput(io.Discard)
	case 1:
		l.SetOutput(writers[0])
	default:
		l.SetOutput(io.MultiWriter(writers...))
	}

	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		file.Close()
	}
	log, file = l, f
	return nil
}

// Close flushes and closes the log file, if any
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	if log != nil {
		log.SetOutput(os.Stderr)
	}
	return err
}

// Get returns the logger instance
func Get() *logrus.Logger {
	mu.Lock()
	defer mu.Unlock()
	if log == nil {
		log = logrus.New()
	}
	return log
}

// WithComponent returns an entry tagged with the subsystem name
func WithComponent(name string) *logrus.Entry {
	return Get().WithField("component", name)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// Convenience functions
func Debugf(format string, args ...interface{}) {
	Get().Debugf(format, args...)
}

func Infof(format string, args ...interface{}) {
	Get().Infof(format, args...)
}

func Warnf(format string, args ...interface{}) {
	Get().Warnf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	Get().Errorf(format, args...)
}
