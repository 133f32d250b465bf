// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging builds the zap logger shared by polaris components.
//
// The REPL owns the terminal, so logs default to a file in the config
// directory. Set the file to "stderr" to log to the terminal instead.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/okemovail/polaris/internal/config"
)

// Stderr selects terminal output in place of a file path.
const Stderr = "stderr"

// DefaultFileName is the log file created in the config directory.
const DefaultFileName = "polaris.log"

// ParseLevel converts a config level name to a zap level.
func ParseLevel(level string) (zapcore.Level, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return l, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return l, nil
}

// New builds a logger from cfg. Call Sync before exit.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.Sampling = nil
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if !cfg.JSON {
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	output, err := resolveOutput(cfg.File)
	if err != nil {
		return nil, err
	}
	zcfg.OutputPaths = []string{output}
	zcfg.ErrorOutputPaths = []string{output}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// resolveOutput returns a zap sink path, creating the parent directory of a
// log file.
func resolveOutput(file string) (string, error) {
	if strings.EqualFold(file, Stderr) {
		return Stderr, nil
	}
	if file == "" {
		dir, err := config.ConfigDir()
		if err != nil {
			return "", err
		}
		file = filepath.Join(dir, DefaultFileName)
	}
	if err := os.MkdirAll(filepath.Dir(file), 0700); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}
	return file, nil
}
