// Playhouse - Streaming Play-Event Warehouse ETL
// Copyright 2026 The Playhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/groovelab/playhouse

package logging

import (
	"strings"

	"github.com/rs/zerolog"
)

// BadgerLogger adapts zerolog to the printf-style Logger interface BadgerDB
// expects, so checkpoint store internals surface in the process log instead
// of being discarded. Badger is verbose at its info level (compactions,
// value-log GC), so those lines map down to debug.
type BadgerLogger struct {
	logger zerolog.Logger
}

// NewBadgerLogger creates a BadgerLogger backed by the global logger.
func NewBadgerLogger() *BadgerLogger {
	return &BadgerLogger{
		logger: With().Str("component", "checkpoint").Logger(),
	}
}

// NewBadgerLoggerWithLogger creates a BadgerLogger with a specific zerolog
// logger. Useful for capturing output in tests.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewBadgerLoggerWithLogger(logger zerolog.Logger) *BadgerLogger {
	return &BadgerLogger{
		logger: logger.With().Str("component", "checkpoint").Logger(),
	}
}

// Errorf logs at error level.
func (l *BadgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(trimNewline(format), args...)
}

// Warningf logs at warn level.
func (l *BadgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(trimNewline(format), args...)
}

// Infof logs at debug level. Badger's info output is operational chatter,
// not run progress.
func (l *BadgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Msgf(trimNewline(format), args...)
}

// Debugf logs at trace level.
func (l *BadgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace().Msgf(trimNewline(format), args...)
}

// trimNewline strips the trailing newline Badger puts in its format
// strings; zerolog emits one record per event already.
func trimNewline(format string) string {
	return strings.TrimRight(format, "\n")
}
