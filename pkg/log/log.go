// Copyright 2026 The Iceflow Authors, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// A Logger provides leveled printf-style logging for one subsystem.
// The function fields must be safe for concurrent use and do not require
// a trailing newline in the format. A nil level is silent.
type Logger struct {
	subsystem string
	out       io.Writer

	Verbosef func(format string, args ...any)
	Infof    func(format string, args ...any)
	Warningf func(format string, args ...any)
	Errorf   func(format string, args ...any)
}

// Log levels for use with NewLogger.
const (
	LevelSilent  = iota // no logging
	LevelVerbose        // debug logging
	LevelInfo
	LevelWarning
	LevelError
)

// ParseLevel maps a level name to its numeric value. Unknown names are
// silent.
func ParseLevel(level string) int {
	switch strings.ToLower(level) {
	case "verbose", "debug":
		return LevelVerbose
	case "info":
		return LevelInfo
	case "warning", "warn":
		return LevelWarning
	case "error":
		return LevelError
	default:
		return LevelSilent
	}
}

// DiscardLogf discards logged lines.
func DiscardLogf(format string, args ...any) {}

// NewLogger constructs a Logger writing to stdout for the given subsystem,
// logging at the specified level and above.
func NewLogger(level int, subsystem string) *Logger {
	return NewLoggerTo(os.Stdout, level, subsystem)
}

// NewLoggerTo is NewLogger with an explicit destination.
func NewLoggerTo(w io.Writer, level int, subsystem string) *Logger {
	logger := &Logger{subsystem: subsystem, out: w}
	logger.SetLevel(level)
	return logger
}

func (logger *Logger) logf(prefix string) func(string, ...any) {
	tag := fmt.Sprintf("[%s] %s: ", logger.subsystem, prefix)
	return log.New(logger.out, tag, log.Ldate|log.Ltime).Printf
}

// SetLevel reconfigures the level functions so that only messages at the
// given level and above are emitted.
func (logger *Logger) SetLevel(level int) *Logger {
	logger.Verbosef = DiscardLogf
	logger.Infof = DiscardLogf
	logger.Warningf = DiscardLogf
	logger.Errorf = DiscardLogf

	switch level {
	case LevelVerbose:
		logger.Verbosef = logger.logf("DEBUG")
		fallthrough
	case LevelInfo:
		logger.Infof = logger.logf("INFO")
		fallthrough
	case LevelWarning:
		logger.Warningf = logger.logf("WARNING")
		fallthrough
	case LevelError:
		logger.Errorf = logger.logf("ERROR")
	}

	return logger
}
