/*************************************************************************
 * Copyright 2026 FlowForge, Inc. All rights reserved.
 * Contact: <oss@flowforge.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package logging is the daemon's leveled, structured-data logger. It
// follows the same KV-param-over-a-level convention as the ingester
// framework this daemon is descended from: a message plus a set of
// rfc5424.SDParam key/value pairs, rendered as one line per call.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
)

// Level orders log severity; a Logger discards anything below its
// configured level.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	CRITICAL
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
	case CRITICAL:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a CLI/config string onto a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "CRITICAL", "FATAL":
		return CRITICAL
	default:
		return INFO
	}
}

// KV builds one structured-data field for a log call. Grounded on the
// ingester framework's log.KV helper.
func KV(name string, value interface{}) rfc5424.SDParam {
	return rfc5424.SDParam{Name: name, Value: fmt.Sprint(value)}
}

// KVErr builds the conventional "error" field from an error value.
func KVErr(err error) rfc5424.SDParam {
	return KV("error", err)
}

// Logger writes leveled, KV-annotated lines to an underlying writer. It is
// safe for concurrent use by every probe's receive loop and the capture
// engine's close paths.
type Logger struct {
	mu  sync.Mutex
	w   io.Writer
	lvl Level
}

// New wraps w (typically a log file or stderr) at the given minimum level.
func New(w io.Writer, lvl Level) *Logger {
	return &Logger{w: w, lvl: lvl}
}

// NewFile opens (or creates) path in append mode and wraps it.
func NewFile(path string, lvl Level) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("logging: open %s: %w", path, err)
	}
	return New(f, lvl), nil
}

func (l *Logger) log(lvl Level, msg string, sds []rfc5424.SDParam) {
	if lvl < l.lvl {
		return
	}
	var b strings.Builder
	b.WriteString(time.Now().UTC().Format(time.RFC3339Nano))
	b.WriteByte(' ')
	b.WriteString(lvl.String())
	b.WriteByte(' ')
	b.WriteString(msg)
	for _, sd := range sds {
		fmt.Fprintf(&b, " %s=%q", sd.Name, sd.Value)
	}
	b.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	io.WriteString(l.w, b.String())
}

func (l *Logger) Debug(msg string, sds ...rfc5424.SDParam)    { l.log(DEBUG, msg, sds) }
func (l *Logger) Info(msg string, sds ...rfc5424.SDParam)     { l.log(INFO, msg, sds) }
func (l *Logger) Warn(msg string, sds ...rfc5424.SDParam)     { l.log(WARN, msg, sds) }
func (l *Logger) Error(msg string, sds ...rfc5424.SDParam)    { l.log(ERROR, msg, sds) }
func (l *Logger) Critical(msg string, sds ...rfc5424.SDParam) { l.log(CRITICAL, msg, sds) }

// Close releases the underlying writer if it is closable.
func (l *Logger) Close() error {
	if c, ok := l.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
