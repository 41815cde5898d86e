// Package logging configures the process-wide logrus logger.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects level and destination.
type Options struct {
	Debug bool
	Quiet bool
	// File, when set, receives logs through a rotating writer instead of Output.
	File   string
	Output io.Writer
}

// LogFormatter renders "[time] [level] message key=value ...".
type LogFormatter struct{}

// Format implements logrus.Formatter.
func (m *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	var buffer *bytes.Buffer
	if entry.Buffer != nil {
		buffer = entry.Buffer
	} else {
		buffer = &bytes.Buffer{}
	}

	timestamp := entry.Time.Format("2006-01-02 15:04:05")
	message := strings.TrimRight(entry.Message, "\r\n")
	fmt.Fprintf(buffer, "[%s] [%s] %s", timestamp, entry.Level, message)

	if len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k := range entry.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(buffer, " %s=%v", k, entry.Data[k])
		}
	}
	buffer.WriteByte('\n')
	return buffer.Bytes(), nil
}

// Setup installs the formatter, level and output. The returned closer flushes
// the rotating file writer, if any.
func Setup(opts Options) (io.Closer, error) {
	log.SetFormatter(&LogFormatter{})

	switch {
	case opts.Debug:
		log.SetLevel(log.DebugLevel)
	case opts.Quiet:
		log.SetLevel(log.WarnLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o700); err != nil {
			return nil, fmt.Errorf("logging: create log dir failed: %w", err)
		}
		writer := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     14,
		}
		log.SetOutput(writer)
		return writer, nil
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	log.SetOutput(out)
	return nopCloser{}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// TokenSummary describes a secret without revealing it.
func TokenSummary(token string) string {
	if token == "" {
		return "absent"
	}
	return fmt.Sprintf("len=%d", len(token))
}
