// Package logging provides the leveled structured logger shared by the
// engine subsystems. Output is JSON by default so the dashboard collector can
// ingest it; text output is kept for local runs.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a config string to a Level. Unknown strings map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// Config holds logger configuration.
type Config struct {
	Level      string
	Output     string // "stdout", "stderr", or a file path
	Component  string
	JSONFormat bool
}

type entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger is a leveled logger with component tagging and key-value fields.
type Logger struct {
	mu        sync.Mutex
	out       io.Writer
	level     Level
	component string
	fields    map[string]interface{}
	json      bool
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// New creates a logger from config.
func New(cfg *Config) *Logger {
	var out io.Writer = os.Stdout
	switch cfg.Output {
	case "", "stdout":
	case "stderr":
		out = os.Stderr
	default:
		if f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
			out = f
		}
	}
	return &Logger{
		out:       out,
		level:     ParseLevel(cfg.Level),
		component: cfg.Component,
		json:      cfg.JSONFormat,
		fields:    map[string]interface{}{},
	}
}

// Default returns the process-wide logger.
func Default() *Logger {
	once.Do(func() {
		if defaultLogger == nil {
			defaultLogger = New(&Config{Level: "INFO", Component: "engine", JSONFormat: true})
		}
	})
	return defaultLogger
}

// SetDefault replaces the process-wide logger. Call before Default is used.
func SetDefault(l *Logger) { defaultLogger = l }

// WithComponent returns a child logger tagged with component.
func (l *Logger) WithComponent(component string) *Logger {
	c := l.clone()
	c.component = component
	return c
}

// WithField returns a child logger carrying an extra field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	c := l.clone()
	c.fields[key] = value
	return c
}

func (l *Logger) clone() *Logger {
	fields := make(map[string]interface{}, len(l.fields))
	for k, v := range l.fields {
		fields[k] = v
	}
	return &Logger{out: l.out, level: l.level, component: l.component, fields: fields, json: l.json}
}

// log accepts alternating key-value args after the message.
func (l *Logger) log(level Level, msg string, kv ...interface{}) {
	if level < l.level {
		return
	}

	e := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Message:   msg,
		Component: l.component,
	}
	if len(l.fields) > 0 || len(kv) > 0 {
		e.Fields = make(map[string]interface{}, len(l.fields)+len(kv)/2)
		for k, v := range l.fields {
			e.Fields[k] = v
		}
		for i := 0; i+1 < len(kv); i += 2 {
			key, ok := kv[i].(string)
			if !ok {
				continue
			}
			if err, isErr := kv[i+1].(error); isErr && err != nil {
				e.Fields[key] = err.Error()
			} else {
				e.Fields[key] = kv[i+1]
			}
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.json {
		data, _ := json.Marshal(e)
		fmt.Fprintln(l.out, string(data))
		return
	}
	l.writeText(e)
}

func (l *Logger) writeText(e entry) {
	var b strings.Builder
	b.WriteString(e.Timestamp[:19])
	fmt.Fprintf(&b, " [%-5s] ", e.Level)
	if e.Component != "" {
		fmt.Fprintf(&b, "[%s] ", e.Component)
	}
	b.WriteString(e.Message)
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" |")
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, e.Fields[k])
		}
	}
	fmt.Fprintln(l.out, b.String())
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.log(DEBUG, msg, kv...) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.log(INFO, msg, kv...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.log(WARN, msg, kv...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.log(ERROR, msg, kv...) }

// Fatal logs and exits with status 1.
func (l *Logger) Fatal(msg string, kv ...interface{}) {
	l.log(FATAL, msg, kv...)
	os.Exit(1)
}

// Package-level helpers on the default logger.

func Debug(msg string, kv ...interface{}) { Default().Debug(msg, kv...) }
func Info(msg string, kv ...interface{})  { Default().Info(msg, kv...) }
func Warn(msg string, kv ...interface{})  { Default().Warn(msg, kv...) }
func Error(msg string, kv ...interface{}) { Default().Error(msg, kv...) }
func Fatal(msg string, kv ...interface{}) { Default().Fatal(msg, kv...) }

// WithComponent returns a child of the default logger.
func WithComponent(component string) *Logger { return Default().WithComponent(component) }
