// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the calomr CLI configuration.
//
// # Description
//
// The configuration lives in a YAML file, ~/.calomr/config.yaml unless a
// path is given, and is created with defaults on first use. Values are
// resolved in three layers: defaults, then the file, then environment
// variables. Invalid values are replaced by their defaults with a warning
// rather than failing startup.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var configValidate = validator.New()

// DefaultPath returns ~/.calomr/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".calomr", "config.yaml"), nil
}

// Load reads the configuration at path, or DefaultPath when path is empty.
//
// # Description
//
// A missing file is created from DefaultConfig. Keys absent from the file
// keep their default values. Environment overrides are applied after the
// file, then every field is validated and corrected.
//
// # Outputs
//
//   - CalomrConfig: Fully resolved configuration.
//   - error: Non-nil when the file cannot be created, read or parsed.
func Load(path string) (CalomrConfig, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return CalomrConfig{}, err
		}
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		slog.Info("First run detected, creating config", "path", path)
		if err := createDefault(path); err != nil {
			return CalomrConfig{}, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return CalomrConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return CalomrConfig{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	applyEnvOverrides(&cfg, os.Getenv)
	return Validate(cfg), nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// applyEnvOverrides layers environment variables over the file values.
func applyEnvOverrides(cfg *CalomrConfig, getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	set(&cfg.Store.Backend, "CALOMR_STORE_BACKEND")
	set(&cfg.Store.BadgerPath, "CALOMR_BADGER_PATH")
	set(&cfg.Store.WeaviateURL, "WEAVIATE_SERVICE_URL")
	set(&cfg.Embedding.URL, "EMBEDDING_SERVICE_URL")
	set(&cfg.Server.OTelEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	set(&cfg.Logging.Level, "CALOMR_LOG_LEVEL")

	set(&cfg.Influx.URL, "INFLUXDB_URL")
	set(&cfg.Influx.Token, "INFLUXDB_TOKEN")
	set(&cfg.Influx.Org, "INFLUXDB_ORG")
	set(&cfg.Influx.Bucket, "INFLUXDB_BUCKET")

	switch cfg.LLM.Backend {
	case "groq":
		set(&cfg.LLM.APIKey, "GROQ_API_KEY")
	case "openai":
		set(&cfg.LLM.APIKey, "OPENAI_API_KEY")
	}
	if cfg.Embedding.Backend == "openai" {
		set(&cfg.Embedding.APIKey, "OPENAI_API_KEY")
	}

	if v := getenv("CALOMR_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("Ignoring invalid CALOMR_PORT", "value", v)
		} else {
			cfg.Server.Port = port
		}
	}
}

// Validate checks every field and replaces invalid values with defaults.
func Validate(cfg CalomrConfig) CalomrConfig {
	err := configValidate.Struct(cfg)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return cfg
	}

	defaults := DefaultConfig()
	for _, fe := range verrs {
		if !resetField(&cfg, defaults, fe.StructNamespace()) {
			slog.Warn("Invalid config value could not be corrected", "field", fe.Namespace(), "rule", fe.Tag())
			continue
		}
		slog.Warn("Invalid config value, using default",
			"field", fe.Namespace(), "provided", fe.Value(), "rule", fe.Tag())
	}
	return cfg
}

// resetField copies the field at namespace ("CalomrConfig.Retrieval.TopK")
// from defaults into cfg. An element error ("Server.AllowedOrigins[1]")
// resets the whole collection.
func resetField(cfg *CalomrConfig, defaults CalomrConfig, namespace string) bool {
	parts := strings.Split(namespace, ".")
	if len(parts) < 2 {
		return false
	}
	dst := reflect.ValueOf(cfg).Elem()
	src := reflect.ValueOf(defaults)
	for _, name := range parts[1:] {
		if i := strings.IndexByte(name, '['); i >= 0 {
			name = name[:i]
		}
		dst = dst.FieldByName(name)
		src = src.FieldByName(name)
		if !dst.IsValid() || !src.IsValid() {
			return false
		}
	}
	if !dst.CanSet() {
		return false
	}
	dst.Set(src)
	return true
}
