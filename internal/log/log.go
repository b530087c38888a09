package log

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

var (
	outputMu sync.RWMutex
	output   io.Writer = os.Stderr
	jsonOut  bool
)

// Init initializes the global logger
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	outputMu.Lock()
	output = out
	jsonOut = cfg.JSONOutput
	outputMu.Unlock()

	Logger = newLogger(out, cfg.JSONOutput)
}

func newLogger(out io.Writer, json bool) zerolog.Logger {
	if json {
		return zerolog.New(out).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    true,
	}).With().Timestamp().Logger()
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// ForTask builds the logger handed to a single task. Labels become fields on
// every event, and any stop word is replaced with "***" before the line is
// written, so tokens passed in task parameters never reach the log sink.
func ForTask(hostname string, labels map[string]string, stopWords []string) zerolog.Logger {
	outputMu.RLock()
	out, json := output, jsonOut
	outputMu.RUnlock()

	words := make([]string, 0, len(stopWords))
	for _, w := range stopWords {
		if strings.TrimSpace(w) != "" {
			words = append(words, w)
		}
	}
	if len(words) > 0 {
		out = &maskingWriter{out: out, replacer: newMaskReplacer(words)}
	}

	ctx := newLogger(out, json).With().Str("hostname", hostname)
	for k, v := range labels {
		ctx = ctx.Str(k, v)
	}
	return ctx.Logger()
}

// newMaskReplacer matches each word both as written and in its JSON-escaped
// form, since JSON output escapes quotes and backslashes before the writer
// sees the line.
func newMaskReplacer(words []string) *strings.Replacer {
	pairs := make([]string, 0, len(words)*4)
	for _, w := range words {
		if escaped := jsonEscape(w); escaped != w {
			pairs = append(pairs, escaped, "***")
		}
		pairs = append(pairs, w, "***")
	}
	return strings.NewReplacer(pairs...)
}

func jsonEscape(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return s
	}
	out := strings.TrimSuffix(buf.String(), "\n")
	return out[1 : len(out)-1]
}

// maskingWriter rewrites each formatted event before handing it on.
type maskingWriter struct {
	out      io.Writer
	replacer *strings.Replacer
}

func (w *maskingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.out, w.replacer.Replace(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Info logs msg on the global logger.
func Info(msg string) {
	Logger.Info().Msg(msg)
}

// Warn logs msg on the global logger.
func Warn(msg string) {
	Logger.Warn().Msg(msg)
}
