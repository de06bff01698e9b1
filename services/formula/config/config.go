// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the formula service configuration from YAML.
//
// A compiled-in default document keeps the service runnable with zero
// external files; a user-supplied file replaces the whole document.
package config

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/tideline/pkg/logging"
)

//go:embed defaults.yaml
var defaultConfigYAML []byte

// Size and depth limits enforced at load time.
const (
	// MaxYAMLFileSize caps configuration files at 1MB.
	MaxYAMLFileSize = 1024 * 1024

	// MaxWorkers caps the evaluation pool; larger values buy nothing on
	// an embedded store.
	MaxWorkers = 256

	// MaxExpansionDepth caps registration.max_depth.
	MaxExpansionDepth = 1024
)

// Evaluation controls the per-call evaluator.
type Evaluation struct {
	// Workers bounds the I/O pool of one evaluation.
	Workers int `yaml:"workers"`
}

// Registration controls formula registration guards.
type Registration struct {
	// RejectUnknown fails registration of formulas referencing series
	// that do not exist yet.
	RejectUnknown bool `yaml:"reject_unknown"`

	// MaxDepth bounds chained formula references.
	MaxDepth int `yaml:"max_depth"`

	// MaxFormulaSize bounds formula text in bytes.
	MaxFormulaSize int `yaml:"max_formula_size"`
}

// Storage controls the embedded store.
type Storage struct {
	Path       string `yaml:"path"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// Logging controls the service logger.
type Logging struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Dir enables file logging alongside stderr.
	Dir string `yaml:"dir"`

	// JSON switches stderr output to JSON.
	JSON bool `yaml:"json"`
}

// Config is the whole formula service configuration document.
type Config struct {
	Evaluation   Evaluation   `yaml:"evaluation"`
	Registration Registration `yaml:"registration"`
	Storage      Storage      `yaml:"storage"`
	Logging      Logging      `yaml:"logging"`
}

// Default returns the compiled-in configuration.
func Default() (*Config, error) {
	return parse(defaultConfigYAML)
}

// Load reads a configuration file. An empty path returns the compiled-in
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default()
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > MaxYAMLFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)",
			info.Size(), MaxYAMLFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the document for values the service cannot run with.
func (c *Config) Validate() error {
	if c.Evaluation.Workers < 1 {
		return fmt.Errorf("evaluation.workers must be >= 1, got %d", c.Evaluation.Workers)
	}
	if c.Evaluation.Workers > MaxWorkers {
		return fmt.Errorf("evaluation.workers must be <= %d, got %d", MaxWorkers, c.Evaluation.Workers)
	}
	if c.Registration.MaxDepth < 1 || c.Registration.MaxDepth > MaxExpansionDepth {
		return fmt.Errorf("registration.max_depth must be in [1, %d], got %d",
			MaxExpansionDepth, c.Registration.MaxDepth)
	}
	if c.Registration.MaxFormulaSize < 1 {
		return fmt.Errorf("registration.max_formula_size must be >= 1, got %d",
			c.Registration.MaxFormulaSize)
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required when storage.in_memory is false")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}
