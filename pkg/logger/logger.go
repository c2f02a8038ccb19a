// Copyright (C) 2025 Josh Simonot
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

type Logger struct {
	prefix string
}

var (
	mu           sync.RWMutex
	baseLogger   = log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds)
	logFile      *os.File
	debugEnabled = os.Getenv("DEBUG") != ""
)

// Init sends log output to stdout and the file at logPath. The parent
// directory is created if needed. Loggers created before Init follow the
// new destination.
func Init(logPath string) error {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logFile.Close()
	}
	logFile = f
	baseLogger = newBaseLogger(io.MultiWriter(os.Stdout, logFile))
	return nil
}

// SetOutput redirects all loggers to w. Mostly useful in tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	baseLogger = newBaseLogger(w)
	mu.Unlock()
}

// Close cleans up the log file (call on shutdown)
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	baseLogger = newBaseLogger(os.Stdout)
}

// EnableDebug dynamically turns debug logging on/off
func EnableDebug(on bool) {
	mu.Lock()
	debugEnabled = on
	mu.Unlock()
}

// IsDebug returns current debug state
func IsDebug() bool {
	mu.RLock()
	defer mu.RUnlock()
	return debugEnabled
}

func New(prefix string) *Logger {
	return &Logger{prefix: prefix}
}

func (l *Logger) Info(fmtstr string, v ...any) {
	l.output("INFO", fmt.Sprintf(fmtstr, v...))
}

func (l *Logger) Warn(fmtstr string, v ...any) {
	l.output("WARN", fmt.Sprintf(fmtstr, v...))
}

func (l *Logger) Error(fmtstr string, v ...any) {
	formatted := fmt.Sprintf(fmtstr, v...)
	if _, file, line, ok := runtime.Caller(1); ok {
		formatted = fmt.Sprintf("(%s:%d) %s", filepath.Base(file), line, formatted)
	}
	l.output("ERROR", formatted)
}

func (l *Logger) Fatal(fmtstr string, v ...any) {
	formatted := fmt.Sprintf(fmtstr, v...)
	if _, file, line, ok := runtime.Caller(1); ok {
		l.output("FATAL", fmt.Sprintf("(%s:%d) %s", filepath.Base(file), line, formatted))
	} else {
		l.output("FATAL", formatted)
	}
	panic(formatted)
}

func (l *Logger) Debug(fmtstr string, v ...any) {
	if !IsDebug() {
		return
	}
	l.output("DEBUG", fmt.Sprintf(fmtstr, v...))
}

func (l *Logger) output(level, msg string) {
	mu.RLock()
	b := baseLogger
	mu.RUnlock()
	b.Printf("[%s] %s: %s", l.prefix, level, msg)
}

func newBaseLogger(w io.Writer) *log.Logger {
	return log.New(w, "", log.LstdFlags|log.Lmicroseconds)
}
