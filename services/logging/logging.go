// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the structured loggers handed to every component.
//
// There is no process-wide debug switch: each component receives a logger at
// construction and debug output is decided by the configuration it was built
// with.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
)

// Format selects the slog handler.
type Format string

const (
	// FormatAuto picks text on a terminal and JSON otherwise.
	FormatAuto Format = ""
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config holds logger configuration.
type Config struct {
	// Debug enables debug-level records.
	Debug bool

	// Format is the handler format. Default: FormatAuto.
	Format Format

	// Output is "stdout", "stderr" (default) or a file path.
	Output string

	// Component is attached to every record as the "component" attribute.
	Component string
}

// New creates a logger for the given configuration.
//
// Description:
//
//	Resolves the output writer, selects a text or JSON handler and attaches
//	the plugin-wide attributes. With FormatAuto the handler is text when the
//	output is a terminal (detected with go-isatty) and JSON otherwise, which
//	keeps build logs machine readable in CI.
//
// Outputs:
//
//	*slog.Logger - Never nil on success.
//	io.Closer - Closes the log file. A no-op for stderr and stdout. The
//	            caller owns it and closes it once the logger is done.
//	error - Non-nil if the output file cannot be opened.
func New(cfg Config) (*slog.Logger, io.Closer, error) {
	writer, isTerminal, err := openOutput(cfg.Output)
	if err != nil {
		return nil, nil, err
	}
	closer := io.Closer(nopCloser{})
	if f, ok := writer.(*os.File); ok && f != os.Stderr && f != os.Stdout {
		closer = f
	}
	return newWithWriter(cfg, writer, isTerminal), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewWithWriter creates a logger writing to w. Used by tests and by callers
// that already own an output stream.
func NewWithWriter(cfg Config, w io.Writer) *slog.Logger {
	return newWithWriter(cfg, w, false)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Level returns the slog level for the debug flag.
func Level(debug bool) slog.Level {
	if debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func newWithWriter(cfg Config, w io.Writer, isTerminal bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: Level(cfg.Debug)}

	format := cfg.Format
	if format == FormatAuto {
		if isTerminal {
			format = FormatText
		} else {
			format = FormatJSON
		}
	}

	var handler slog.Handler
	if format == FormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler).With(slog.String("plugin", "@bugpilot/plugin-nextjs"))
	if cfg.Component != "" {
		logger = logger.With(slog.String("component", cfg.Component))
	}
	return logger
}

func openOutput(output string) (io.Writer, bool, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, isatty.IsTerminal(os.Stderr.Fd()), nil
	case "stdout":
		return os.Stdout, isatty.IsTerminal(os.Stdout.Fd()), nil
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return nil, false, fmt.Errorf("creating log directory: %w", err)
	}
	file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("opening log file: %w", err)
	}
	return file, false, nil
}
