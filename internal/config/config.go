// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/okemovail/polaris/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete polaris configuration.
type Config struct {
	Backend  BackendConfig  `toml:"backend" yaml:"backend" json:"backend"`
	Chat     ChatConfig     `toml:"chat" yaml:"chat" json:"chat"`
	Timeouts TimeoutsConfig `toml:"timeouts" yaml:"timeouts" json:"timeouts"`
	Storage  StorageConfig  `toml:"storage" yaml:"storage" json:"storage"`
	Logging  LoggingConfig  `toml:"logging" yaml:"logging" json:"logging"`
	UI       UIConfig       `toml:"ui" yaml:"ui" json:"ui"`
}

// BackendConfig describes the inference service.
type BackendConfig struct {
	// Target is a hosted space id ("owner/space") or an app URL.
	Target string `toml:"target" yaml:"target" json:"target"`

	// Token is sent as a bearer token for private spaces.
	Token string `toml:"token" yaml:"token" json:"token"`

	ChatEndpoint     string `toml:"chat_endpoint" yaml:"chat_endpoint" json:"chat_endpoint"`
	FeedbackEndpoint string `toml:"feedback_endpoint" yaml:"feedback_endpoint" json:"feedback_endpoint"`

	// HistoryFormat is "pairs" or "messages".
	HistoryFormat string `toml:"history_format" yaml:"history_format" json:"history_format"`

	// SendSampling appends temperature and max tokens to chat calls.
	SendSampling bool `toml:"send_sampling" yaml:"send_sampling" json:"send_sampling"`

	RequestsPerMinute int `toml:"requests_per_minute" yaml:"requests_per_minute" json:"requests_per_minute"`
	ConnectAttempts   int `toml:"connect_attempts" yaml:"connect_attempts" json:"connect_attempts"`
	RetryBackoffMs    int `toml:"retry_backoff_ms" yaml:"retry_backoff_ms" json:"retry_backoff_ms"`
}

// ChatConfig contains session behaviour settings.
type ChatConfig struct {
	MaxChars         int    `toml:"max_chars" yaml:"max_chars" json:"max_chars"`
	UseThought       *bool  `toml:"use_thought" yaml:"use_thought" json:"use_thought"`
	WebSearchToken   string `toml:"web_search_token" yaml:"web_search_token" json:"web_search_token"`
	ErrorPlaceholder string `toml:"error_placeholder" yaml:"error_placeholder" json:"error_placeholder"`

	// FailurePolicy is "settle" or "rollback".
	FailurePolicy string `toml:"failure_policy" yaml:"failure_policy" json:"failure_policy"`

	// RegeneratePolicy is "truncate" or "in_place".
	RegeneratePolicy string `toml:"regenerate_policy" yaml:"regenerate_policy" json:"regenerate_policy"`
}

// TimeoutsConfig holds timeouts in seconds. Zero disables a timeout.
type TimeoutsConfig struct {
	ConnectSecs  int `toml:"connect_secs" yaml:"connect_secs" json:"connect_secs"`
	StreamSecs   int `toml:"stream_secs" yaml:"stream_secs" json:"stream_secs"`
	FeedbackSecs int `toml:"feedback_secs" yaml:"feedback_secs" json:"feedback_secs"`
}

// StorageConfig locates the local database.
type StorageConfig struct {
	Path        string `toml:"path" yaml:"path" json:"path"`
	MaxSessions int    `toml:"max_sessions" yaml:"max_sessions" json:"max_sessions"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level string `toml:"level" yaml:"level" json:"level"`
	JSON  bool   `toml:"json" yaml:"json" json:"json"`

	// File receives log output. Empty logs to <config dir>/polaris.log;
	// "stderr" logs to the terminal.
	File string `toml:"file" yaml:"file" json:"file"`
}

// UIConfig contains terminal output settings.
type UIConfig struct {
	// Markdown is "auto", "always" or "never".
	Markdown    string `toml:"markdown" yaml:"markdown" json:"markdown"`
	ShowThought *bool  `toml:"show_thought" yaml:"show_thought" json:"show_thought"`
	Theme       string `toml:"theme" yaml:"theme" json:"theme"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a configuration with all defaults.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			Target:            "ar12c/okemo2",
			ChatEndpoint:      "/chat",
			FeedbackEndpoint:  "/feedback",
			HistoryFormat:     "pairs",
			RequestsPerMinute: 30,
			ConnectAttempts:   2,
			RetryBackoffMs:    2000,
		},
		Chat: ChatConfig{
			MaxChars:         4000,
			UseThought:       boolPtr(true),
			WebSearchToken:   "[WEB_SEARCH]",
			ErrorPlaceholder: "[Error: the response could not be completed. Please try again.]",
			FailurePolicy:    "settle",
			RegeneratePolicy: "truncate",
		},
		Timeouts: TimeoutsConfig{
			ConnectSecs:  30,
			StreamSecs:   120,
			FeedbackSecs: 30,
		},
		Storage: StorageConfig{
			MaxSessions: 100,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		UI: UIConfig{
			Markdown:    "auto",
			ShowThought: boolPtr(true),
			Theme:       "dark",
		},
	}
}

func boolPtr(b bool) *bool { return &b }

// UseThought reports whether the model is asked for a reasoning span.
func (c *Config) UseThought() bool {
	return c.Chat.UseThought == nil || *c.Chat.UseThought
}

// ShowThought reports whether reasoning spans are printed.
func (c *Config) ShowThought() bool {
	return c.UI.ShowThought == nil || *c.UI.ShowThought
}

// ConnectTimeout returns the connect timeout.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Timeouts.ConnectSecs) * time.Second
}

// StreamTimeout returns the per-unit stream timeout.
func (c *Config) StreamTimeout() time.Duration {
	return time.Duration(c.Timeouts.StreamSecs) * time.Second
}

// FeedbackTimeout returns the feedback timeout.
func (c *Config) FeedbackTimeout() time.Duration {
	return time.Duration(c.Timeouts.FeedbackSecs) * time.Second
}

// RetryBackoff returns the first connect retry delay.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Backend.RetryBackoffMs) * time.Millisecond
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// configFiles are searched in order; the first that exists wins.
var configFiles = []string{"config.toml", "config.yaml", "config.yml", "config.json"}

// ConfigDir returns the polaris configuration directory path. POLARIS_HOME
// overrides the default ~/.polaris.
func ConfigDir() (string, error) {
	if dir := os.Getenv("POLARIS_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".polaris"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// FindConfigFile returns the first existing config file, or "" if none.
func FindConfigFile() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	for _, name := range configFiles {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// ensureSecurePermissions tightens config files to 0600; they may hold a token.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads the first config file found in the config directory, falling
// back to defaults. Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := FindConfigFile()
	if err != nil {
		return nil, err
	}
	if path == "" {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		cfg.SetDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from a specific file with full
// validation. The format follows the file extension; anything else is TOML.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if err := ensureSecurePermissions(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = LoadJSON(cfg, path)
	case ".yaml", ".yml":
		err = LoadYAML(cfg, path)
	default:
		err = LoadTOML(cfg, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file over cfg.
func LoadTOML(cfg *Config, path string) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// LoadYAML decodes a YAML file over cfg.
func LoadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read YAML file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode YAML file: %w", err)
	}
	return nil
}

// LoadJSON decodes a JSON file over cfg.
func LoadJSON(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// SetDefaults fills empty fields with defaults. Timeouts are left alone
// because zero disables them.
func (c *Config) SetDefaults() {
	d := Default()

	if c.Backend.Target == "" {
		c.Backend.Target = d.Backend.Target
	}
	if c.Backend.ChatEndpoint == "" {
		c.Backend.ChatEndpoint = d.Backend.ChatEndpoint
	}
	if c.Backend.FeedbackEndpoint == "" {
		c.Backend.FeedbackEndpoint = d.Backend.FeedbackEndpoint
	}
	if c.Backend.HistoryFormat == "" {
		c.Backend.HistoryFormat = d.Backend.HistoryFormat
	}
	if c.Backend.ConnectAttempts == 0 {
		c.Backend.ConnectAttempts = d.Backend.ConnectAttempts
	}

	if c.Chat.MaxChars == 0 {
		c.Chat.MaxChars = d.Chat.MaxChars
	}
	if c.Chat.UseThought == nil {
		c.Chat.UseThought = d.Chat.UseThought
	}
	if c.Chat.ErrorPlaceholder == "" {
		c.Chat.ErrorPlaceholder = d.Chat.ErrorPlaceholder
	}
	if c.Chat.FailurePolicy == "" {
		c.Chat.FailurePolicy = d.Chat.FailurePolicy
	}
	if c.Chat.RegeneratePolicy == "" {
		c.Chat.RegeneratePolicy = d.Chat.RegeneratePolicy
	}

	if c.Storage.Path == "" {
		if dir, err := ConfigDir(); err == nil {
			c.Storage.Path = filepath.Join(dir, "polaris.db")
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}

	if c.UI.Markdown == "" {
		c.UI.Markdown = d.UI.Markdown
	}
	if c.UI.ShowThought == nil {
		c.UI.ShowThought = d.UI.ShowThought
	}
	if c.UI.Theme == "" {
		c.UI.Theme = d.UI.Theme
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes the configuration atomically with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# polaris configuration file\n")
	buf.WriteString("# Generated by polaris - edit with care\n\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns all problems found.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(c.Backend.Target) == "" {
		add("backend.target", "must not be empty")
	}
	if !oneOf(c.Backend.HistoryFormat, "pairs", "messages") {
		add("backend.history_format", "invalid format '%s', must be one of: pairs, messages", c.Backend.HistoryFormat)
	}
	if c.Backend.RequestsPerMinute < 0 {
		add("backend.requests_per_minute", "must not be negative")
	}
	if c.Backend.ConnectAttempts < 1 || c.Backend.ConnectAttempts > 10 {
		add("backend.connect_attempts", "must be between 1 and 10, got %d", c.Backend.ConnectAttempts)
	}
	if c.Backend.RetryBackoffMs < 0 {
		add("backend.retry_backoff_ms", "must not be negative")
	}

	if c.Chat.MaxChars < 1 {
		add("chat.max_chars", "must be positive, got %d", c.Chat.MaxChars)
	}
	if !oneOf(c.Chat.FailurePolicy, "settle", "rollback") {
		add("chat.failure_policy", "invalid policy '%s', must be one of: settle, rollback", c.Chat.FailurePolicy)
	}
	if !oneOf(c.Chat.RegeneratePolicy, "truncate", "in_place") {
		add("chat.regenerate_policy", "invalid policy '%s', must be one of: truncate, in_place", c.Chat.RegeneratePolicy)
	}

	if c.Timeouts.ConnectSecs < 0 {
		add("timeouts.connect_secs", "must not be negative")
	}
	if c.Timeouts.StreamSecs < 0 {
		add("timeouts.stream_secs", "must not be negative")
	}
	if c.Timeouts.FeedbackSecs < 0 {
		add("timeouts.feedback_secs", "must not be negative")
	}

	if c.Storage.MaxSessions < 0 {
		add("storage.max_sessions", "must not be negative")
	}

	if !oneOf(strings.ToLower(c.Logging.Level), "debug", "info", "warn", "error") {
		add("logging.level", "invalid level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	if !oneOf(c.UI.Markdown, "auto", "always", "never") {
		add("ui.markdown", "invalid mode '%s', must be one of: auto, always, never", c.UI.Markdown)
	}
	if !oneOf(c.UI.Theme, "dark", "light", "notty") {
		add("ui.theme", "invalid theme '%s', must be one of: dark, light, notty", c.UI.Theme)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides:
//   - POLARIS_TARGET: overrides backend.target
//   - POLARIS_TOKEN (or HF_TOKEN): overrides backend.token
//   - POLARIS_LOG_LEVEL: overrides logging.level
//   - POLARIS_DATA_DIR: places the database in this directory
//   - POLARIS_MAX_CHARS: overrides chat.max_chars
func (c *Config) ApplyEnvOverrides() {
	if target := os.Getenv("POLARIS_TARGET"); target != "" {
		c.Backend.Target = target
	}

	if token := os.Getenv("HF_TOKEN"); token != "" {
		c.Backend.Token = token
	}
	if token := os.Getenv("POLARIS_TOKEN"); token != "" {
		c.Backend.Token = token
	}

	if level := os.Getenv("POLARIS_LOG_LEVEL"); level != "" {
		c.Logging.Level = strings.ToLower(level)
	}

	if dir := os.Getenv("POLARIS_DATA_DIR"); dir != "" {
		c.Storage.Path = filepath.Join(dir, "polaris.db")
	}

	if max := os.Getenv("POLARIS_MAX_CHARS"); max != "" {
		if n, err := strconv.Atoi(max); err == nil {
			c.Chat.MaxChars = n
		}
	}
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a value by its dotted TOML key (e.g. "chat.max_chars").
func (c *Config) Get(key string) (any, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			return nil, nil
		}
		return field.Elem().Interface(), nil
	}
	return field.Interface(), nil
}

// Set parses value into the field addressed by key. Section structs cannot
// be set as a whole.
func (c *Config) Set(key, value string) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}

	target := field
	if field.Kind() == reflect.Ptr {
		target = reflect.New(field.Type().Elem()).Elem()
	}

	switch target.Kind() {
	case reflect.String:
		target.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: expected a boolean, got %q", key, value)
		}
		target.SetBool(b)
	case reflect.Int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: expected an integer, got %q", key, value)
		}
		target.SetInt(int64(n))
	default:
		return fmt.Errorf("%s: cannot be set directly", key)
	}

	if field.Kind() == reflect.Ptr {
		field.Set(target.Addr())
	}
	return nil
}

// lookup walks the struct by toml tag names.
func (c *Config) lookup(key string) (reflect.Value, error) {
	parts := strings.Split(strings.TrimSpace(key), ".")
	if len(parts) == 0 || parts[0] == "" {
		return reflect.Value{}, errors.New("empty key")
	}

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		if v.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a section", strings.Join(parts[:i], "."))
		}
		next, ok := fieldByTag(v, part)
		if !ok {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		v = next
	}
	return v, nil
}

func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if strings.EqualFold(t.Field(i).Tag.Get("toml"), name) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// GetAllKeys returns every settable dotted key.
func GetAllKeys() []string {
	var keys []string
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		section := t.Field(i)
		for j := 0; j < section.Type.NumField(); j++ {
			keys = append(keys, section.Tag.Get("toml")+"."+section.Type.Field(j).Tag.Get("toml"))
		}
	}
	return keys
}

// =============================================================================
// CLONE AND DISPLAY
// =============================================================================

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Chat.UseThought != nil {
		clone.Chat.UseThought = boolPtr(*c.Chat.UseThought)
	}
	if c.UI.ShowThought != nil {
		clone.UI.ShowThought = boolPtr(*c.UI.ShowThought)
	}
	return &clone
}

// String renders the configuration as TOML with the token redacted.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.Backend.Token != "" {
		safe.Backend.Token = "[REDACTED]"
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(safe); err != nil {
		return err.Error()
	}
	return buf.String()
}
