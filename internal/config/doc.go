// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for polaris.
//
// Supports TOML, YAML and JSON configuration files, with sensible defaults,
// environment variable overrides, and validation.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - BackendConfig: Inference target, endpoints and transport tuning
//   - ChatConfig: Message limits, markers and failure policies
//   - TimeoutsConfig: Connect, stream and feedback timeouts
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Command-line flags (applied by the caller)
//   - Environment variables (POLARIS_*)
//   - ~/.polaris/config.toml, config.yaml or config.json (first found)
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	target := cfg.Backend.Target
//
// Watch reloads the file when it changes on disk.
package config
