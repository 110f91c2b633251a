// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ProbeChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ProbeChain. If not, see <http://www.gnu.org/licenses/>.

// Package log provides the leveled, structured logger used across the
// runtime's subsystems (scheduler, collector, interpreter). It mirrors the
// shape of go-probe's own logger: a small set of levels, key-value context,
// and colorized terminal output when standard error is a tty.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level orders log records from most to least verbose.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelCrit
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERRO"
	case LevelCrit:
		return "CRIT"
	default:
		return "????"
	}
}

var levelColor = map[Level]*color.Color{
	LevelDebug: color.New(color.FgWhite),
	LevelInfo:  color.New(color.FgGreen),
	LevelWarn:  color.New(color.FgYellow),
	LevelError: color.New(color.FgRed),
	LevelCrit:  color.New(color.FgHiRed, color.Bold),
}

// Logger is a leveled logger carrying a fixed set of key-value fields,
// inherited by every record it emits and by any child created With.
type Logger struct {
	mu     *sync.Mutex
	out    io.Writer
	color  bool
	min    Level
	fields []interface{}
}

// Root is the process-wide default logger. Subsystems call log.Info/Debug/...
// directly rather than threading a Logger through every call, matching the
// package-level logging convention used throughout go-probe.
var Root = New()

// New constructs a Logger writing to stderr, auto-detecting color support.
func New(fields ...interface{}) *Logger {
	useColor := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	return &Logger{
		mu:     new(sync.Mutex),
		out:    colorable.NewColorableStderr(),
		color:  useColor,
		min:    LevelInfo,
		fields: fields,
	}
}

// SetOutput redirects where records are written, primarily for tests.
func (l *Logger) SetOutput(w io.Writer) { l.mu.Lock(); defer l.mu.Unlock(); l.out = w }

// SetLevel sets the minimum level that will be emitted.
func (l *Logger) SetLevel(lvl Level) { l.mu.Lock(); defer l.mu.Unlock(); l.min = lvl }

// With returns a child logger that always includes the given key-value pairs.
func (l *Logger) With(fields ...interface{}) *Logger {
	merged := append(append([]interface{}{}, l.fields...), fields...)
	return &Logger{mu: l.mu, out: l.out, color: l.color, min: l.min, fields: merged}
}

func (l *Logger) log(lvl Level, msg string, ctx []interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lvl < l.min {
		return
	}
	ts := time.Now().Format("2006-01-02T15:04:05-0700")
	line := fmt.Sprintf("%s[%s] %s", ts, lvl, msg)
	all := append(append([]interface{}{}, l.fields...), ctx...)
	for i := 0; i+1 < len(all); i += 2 {
		line += fmt.Sprintf(" %v=%v", all[i], all[i+1])
	}
	if lvl == LevelCrit {
		line += fmt.Sprintf(" stack=%v", stack.Trace().TrimRuntime())
	}
	if l.color {
		if c, ok := levelColor[lvl]; ok {
			line = c.Sprint(line)
		}
	}
	fmt.Fprintln(l.out, line)
}

func (l *Logger) Debug(msg string, ctx ...interface{}) { l.log(LevelDebug, msg, ctx) }
func (l *Logger) Info(msg string, ctx ...interface{})  { l.log(LevelInfo, msg, ctx) }
func (l *Logger) Warn(msg string, ctx ...interface{})  { l.log(LevelWarn, msg, ctx) }
func (l *Logger) Error(msg string, ctx ...interface{}) { l.log(LevelError, msg, ctx) }
func (l *Logger) Crit(msg string, ctx ...interface{})  { l.log(LevelCrit, msg, ctx) }

func Debug(msg string, ctx ...interface{}) { Root.Debug(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { Root.Info(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { Root.Warn(msg, ctx...) }
func Error(msg string, ctx ...interface{}) { Root.Error(msg, ctx...) }
func Crit(msg string, ctx ...interface{})  { Root.Crit(msg, ctx...) }
