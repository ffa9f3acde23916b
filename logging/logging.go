// Package logging provides a session-scoped logger that both forwards to
// glog and captures a slice of its own output for later inspection.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package logging

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/teris-io/shortid"
)

// defaultCap bounds the in-memory ring buffer so a long-lived session does
// not grow without limit.
const defaultCap = 16 << 20 // 16 MiB

var (
	sidOnce sync.Once
	sid     *shortid.Shortid
)

func sessionID() string {
	sidOnce.Do(func() {
		var err error
		sid, err = shortid.New(1, shortid.DefaultABC, uint64(time.Now().UnixNano()))
		if err != nil {
			sid = nil
		}
	})
	if sid == nil {
		return fmt.Sprintf("sess%d", time.Now().UnixNano())
	}
	id, err := sid.Generate()
	if err != nil {
		return fmt.Sprintf("sess%d", time.Now().UnixNano())
	}
	return id
}

// Logger captures timestamped records into an in-memory ring buffer (for
// Catalog.SessionLog) while also forwarding to glog for operational
// visibility. One Logger is created per Catalog session.
type Logger struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	cap     int
	id      string
	started time.Time
}

// New creates a Logger tagged with a fresh, human-readable session id.
func New() *Logger {
	return &Logger{cap: defaultCap, id: sessionID(), started: time.Now()}
}

// SessionID returns the short, human-readable id assigned to this session.
func (l *Logger) SessionID() string { return l.id }

// StartedAt returns when this logger (and therefore this catalog session)
// began.
func (l *Logger) StartedAt() time.Time { return l.started }

func (l *Logger) record(level, format string, args ...interface{}) {
	line := fmt.Sprintf("%s [%s] %s %s\n",
		time.Now().Format("2006-01-02T15:04:05.000Z07:00"), l.id, level, fmt.Sprintf(format, args...))
	l.mu.Lock()
	l.buf.WriteString(line)
	if l.buf.Len() > l.cap {
		excess := l.buf.Len() - l.cap
		l.buf.Next(excess)
	}
	l.mu.Unlock()
}

// Info logs at informational level.
func (l *Logger) Info(format string, args ...interface{}) {
	l.record("INFO", format, args...)
	if glog.V(2) {
		glog.InfoDepth(1, fmt.Sprintf(format, args...))
	}
}

// Warn logs a recoverable problem (an isolated driver failure, a fallen-back
// stream link, ...).
func (l *Logger) Warn(format string, args ...interface{}) {
	l.record("WARN", format, args...)
	glog.WarningDepth(1, fmt.Sprintf(format, args...))
}

// Error logs a terminal problem.
func (l *Logger) Error(format string, args ...interface{}) {
	l.record("ERROR", format, args...)
	glog.ErrorDepth(1, fmt.Sprintf(format, args...))
}

// Read returns everything captured since the logger was created.
func (l *Logger) Read() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

// Since returns the captured lines whose timestamp is at or after t, minus a
// small clock-skew pad, mirroring Catalog.session_log's "since session_time".
func (l *Logger) Since(t time.Time) string {
	pad := t.Add(-2 * time.Second).Format("2006-01-02T15:04:05.000Z07:00")
	full := l.Read()
	lines := bytes.Split([]byte(full), []byte("\n"))
	var out bytes.Buffer
	for _, line := range lines {
		if len(line) < len(pad) {
			continue
		}
		if string(line[:len(pad)]) >= pad {
			out.Write(line)
			out.WriteByte('\n')
		}
	}
	return out.String()
}
