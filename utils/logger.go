/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package utils

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

type Logger = logrus.Logger

const defaultTimestampFormat = "2006-01-02 15:04:05.000"

var (
	loggerRegistryMu sync.RWMutex
	loggerRegistry             = map[string]*logrus.Logger{}
	defaultLevel               = ParseLogLevel(EnvDefaultString("LOG_LEVEL", "info"))
	consoleLogFormat           = EnvDefaultString("CONSOLE_LOG_FORMAT", "text")
	consoleOutput    io.Writer = os.Stdout
)

// NewLogger returns the named logger, creating and registering it on first
// use. Loggers created later pick up the configured level and format.
func NewLogger(name string) *logrus.Logger {
	loggerRegistryMu.Lock()
	defer loggerRegistryMu.Unlock()
	if l, ok := loggerRegistry[name]; ok {
		return l
	}
	l := logrus.New()
	l.SetOutput(consoleOutput)
	l.SetLevel(defaultLevel)
	l.SetReportCaller(true)
	l.SetFormatter(newFormatter(name, consoleLogFormat))
	loggerRegistry[name] = l
	return l
}

func newFormatter(name, format string) logrus.Formatter {
	if format == "json" {
		return &JSONLogFormatter{LoggerName: name, TimestampFormat: defaultTimestampFormat}
	}
	return &Log4jColorFormatter{
		LoggerName:      name,
		TimestampFormat: defaultTimestampFormat,
		NameWidth:       10,
		Color:           true,
	}
}

// ParseLogLevel maps a level name to a logrus level, defaulting to info.
func ParseLogLevel(s string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}

// ConfigureLogLevel sets the level of every registered logger and of the
// loggers created afterwards.
func ConfigureLogLevel(levelStr string) {
	lvl := ParseLogLevel(levelStr)
	loggerRegistryMu.Lock()
	defer loggerRegistryMu.Unlock()
	defaultLevel = lvl
	for _, l := range loggerRegistry {
		l.SetLevel(lvl)
	}
}

// ConfigureConsoleLogFormat switches every logger between "text" and "json".
func ConfigureConsoleLogFormat(format string) {
	f := "text"
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		f = "json"
	}
	loggerRegistryMu.Lock()
	defer loggerRegistryMu.Unlock()
	consoleLogFormat = f
	for name, l := range loggerRegistry {
		l.SetFormatter(newFormatter(name, f))
	}
}

// ConfigureOutput redirects every logger to w.
func ConfigureOutput(w io.Writer) {
	loggerRegistryMu.Lock()
	defer loggerRegistryMu.Unlock()
	consoleOutput = w
	for _, l := range loggerRegistry {
		l.SetOutput(w)
	}
}

// SetLoggerLevel changes the level of a single named logger. It returns false
// when no logger with that name exists.
func SetLoggerLevel(name string, lvlStr string) bool {
	loggerRegistryMu.RLock()
	l, ok := loggerRegistry[name]
	loggerRegistryMu.RUnlock()
	if !ok {
		return false
	}
	l.SetLevel(ParseLogLevel(lvlStr))
	return true
}

// Log4jColorFormatter renders entries as
// "time LEVEL pid --- [name] file:line : message k=v ...".
type Log4jColorFormatter struct {
	LoggerName      string
	TimestampFormat string
	NameWidth       int
	Color           bool
}

func (f *Log4jColorFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	ts := entry.Time.Format(orDefault(f.TimestampFormat))
	lvl := fmt.Sprintf("%7s", strings.ToUpper(entry.Level.String()))
	name := fmt.Sprintf("%*s", f.NameWidth, limitRunes(f.LoggerName, f.NameWidth))
	caller := ""
	if entry.Caller != nil {
		caller = fmt.Sprintf(" %s:%d", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}
	if f.Color {
		lvl = colorLevel(lvl, entry.Level)
		name = colorWrap(name, ansiCyan)
		caller = colorWrap(caller, ansiFaint)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %-6d --- [%s]%s : %s", ts, lvl, os.Getpid(), name, caller, entry.Message)
	for _, k := range sortedFieldKeys(entry.Data) {
		fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
	}
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

// JSONLogFormatter renders one JSON object per entry.
type JSONLogFormatter struct {
	LoggerName      string
	TimestampFormat string
}

func (f *JSONLogFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	rec := struct {
		Time    string         `json:"time"`
		Level   string         `json:"level"`
		Logger  string         `json:"logger"`
		Caller  string         `json:"caller,omitempty"`
		Message string         `json:"message"`
		Fields  map[string]any `json:"fields,omitempty"`
	}{
		Time:    entry.Time.Format(orDefault(f.TimestampFormat)),
		Level:   entry.Level.String(),
		Logger:  f.LoggerName,
		Message: entry.Message,
	}
	if entry.Caller != nil {
		rec.Caller = fmt.Sprintf("%s:%d", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}
	if len(entry.Data) > 0 {
		rec.Fields = make(map[string]any, len(entry.Data))
		for k, v := range entry.Data {
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			rec.Fields[k] = v
		}
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

const (
	ansiReset   = "\x1b[0m"
	ansiFaint   = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiYellow  = "\x1b[33m"
	ansiGreen   = "\x1b[32m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

func colorWrap(s, code string) string { return code + s + ansiReset }

func colorLevel(s string, level logrus.Level) string {
	switch level {
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return colorWrap(s, ansiRed)
	case logrus.WarnLevel:
		return colorWrap(s, ansiYellow)
	case logrus.InfoLevel:
		return colorWrap(s, ansiGreen)
	case logrus.DebugLevel:
		return colorWrap(s, ansiBlue)
	default:
		return colorWrap(s, ansiMagenta)
	}
}

func orDefault(format string) string {
	if format == "" {
		return defaultTimestampFormat
	}
	return format
}

func limitRunes(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n])
}

func sortedFieldKeys(data logrus.Fields) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
