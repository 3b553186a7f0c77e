// Package logging provides one logrus logger per subsystem, each line prefixed
// with a short subsystem tag.
package logging

import (
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	Main      = "MA"
	Sync      = "SY"
	Send      = "SE"
	Gateway   = "GW"
	Transport = "TR"
	DB        = "DB"
	API       = "AP"
	Audit     = "AU"
)

var allPrefixes = []string{Main, Sync, Send, Gateway, Transport, DB, API, Audit}

// PrefixFormatter prepends a fixed prefix to every formatted entry.
type PrefixFormatter struct {
	formatter logrus.Formatter
	prefix    []byte
}

func NewPrefixFormatter(prefix string) *PrefixFormatter {
	formatter := &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
		DisableColors:   strings.Contains(runtime.GOOS, "windows"),
	}
	return &PrefixFormatter{
		formatter: formatter,
		prefix:    []byte(fmt.Sprintf("%s:\t", prefix)),
	}
}

func (f *PrefixFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	text, err := f.formatter.Format(entry)
	if err != nil {
		return nil, err
	}
	return append(f.prefix, text...), nil
}

var (
	mu      sync.RWMutex
	loggers = make(map[string]*logrus.Logger)
)

// ParseLevel maps a config string to a logrus level; info is the default.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	}
	return logrus.InfoLevel
}

// Init (re)creates every subsystem logger at the given level.
func Init(level string) {
	mu.Lock()
	defer mu.Unlock()
	for _, prefix := range allPrefixes {
		l := logrus.New()
		l.Level = ParseLevel(level)
		l.Formatter = NewPrefixFormatter(prefix)
		loggers[prefix] = l
	}
}

// SetOutput redirects every logger, mostly for tests.
func SetOutput(w io.Writer) {
	mu.RLock()
	defer mu.RUnlock()
	for _, l := range loggers {
		l.SetOutput(w)
	}
}

// Logger returns the logger for a subsystem prefix. Loggers are created lazily
// at info level if Init has not run.
func Logger(prefix string) *logrus.Logger {
	mu.RLock()
	l, ok := loggers[prefix]
	mu.RUnlock()
	if ok {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[prefix]; ok {
		return l
	}
	l = logrus.New()
	l.Formatter = NewPrefixFormatter(prefix)
	loggers[prefix] = l
	return l
}
