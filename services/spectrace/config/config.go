// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the per-repository .spectrace.yaml file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/AleutianAI/spectrace/services/spectrace/graph"
	"github.com/AleutianAI/spectrace/services/spectrace/refresh"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up in a repository root.
const FileName = ".spectrace.yaml"

// ErrInvalidConfig is returned when a configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// configValidate is the validator instance for configuration structs.
// Initialized in init() with custom validators.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	_ = configValidate.RegisterValidation("nodekind", validateNodeKind)
}

// validateNodeKind accepts node kind names understood by graph.ParseNodeKind.
func validateNodeKind(fl validator.FieldLevel) bool {
	_, err := graph.ParseNodeKind(fl.Field().String())
	return err == nil
}

// Config is the spectrace configuration for one repository.
type Config struct {
	// Sources selects the input files.
	Sources SourcesConfig `yaml:"sources"`

	// Graph configures identifiers, hashing and roots.
	Graph GraphConfig `yaml:"graph"`

	// Rollup configures the metrics rollup.
	Rollup RollupConfig `yaml:"rollup"`

	// Hierarchy maps a requirement level to the levels it may implement or
	// refine. Levels without an entry are unrestricted.
	Hierarchy map[string][]string `yaml:"hierarchy,omitempty"`

	// Watch configures watch mode.
	Watch WatchConfig `yaml:"watch"`
}

// SourcesConfig holds doublestar globs relative to the repository root.
type SourcesConfig struct {
	Spec []string `yaml:"spec" validate:"required,min=1,dive,required"`
	Test []string `yaml:"test" validate:"dive,required"`
	Code []string `yaml:"code" validate:"dive,required"`
}

// GraphConfig mirrors graph.GraphOptions.
type GraphConfig struct {
	IDPrefix      string   `yaml:"id_prefix" validate:"required"`
	HashAlgorithm string   `yaml:"hash_algorithm" validate:"required,oneof=sha256 blake3"`
	HashLength    int      `yaml:"hash_length" validate:"gte=4,lte=64"`
	RootKinds     []string `yaml:"root_kinds" validate:"dive,nodekind"`
	RootLevels    []string `yaml:"root_levels,omitempty" validate:"dive,required"`
	CacheSize     int      `yaml:"resolve_cache_size" validate:"gte=0"`
}

// RollupConfig mirrors graph.RollupOptions.
type RollupConfig struct {
	ExcludedStatuses []string `yaml:"excluded_statuses"`
}

// WatchConfig configures the file watcher and automatic refresh.
type WatchConfig struct {
	// Debounce is the quiet period before a batch of file events is
	// delivered.
	Debounce time.Duration `yaml:"debounce" validate:"gte=0"`

	// RefreshInterval is the minimum time between automatic refreshes.
	RefreshInterval time.Duration `yaml:"refresh_interval" validate:"gt=0"`

	// MetricsAddr is the listen address for /metrics; empty disables it.
	MetricsAddr string `yaml:"metrics_addr,omitempty" validate:"omitempty,hostname_port"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	src := refresh.DefaultSources("")
	gopts := graph.DefaultGraphOptions()

	kinds := make([]string, len(gopts.RootKinds))
	for i, k := range gopts.RootKinds {
		kinds[i] = k.String()
	}

	return Config{
		Sources: SourcesConfig{
			Spec: src.SpecPatterns,
			Test: src.TestPatterns,
			Code: src.CodePatterns,
		},
		Graph: GraphConfig{
			IDPrefix:      gopts.IDPrefix,
			HashAlgorithm: string(gopts.HashAlgorithm),
			HashLength:    gopts.HashLength,
			RootKinds:     kinds,
			CacheSize:     gopts.ResolveCacheSize,
		},
		Rollup: RollupConfig{
			ExcludedStatuses: slices.Clone(graph.DefaultExcludedStatuses),
		},
		Watch: WatchConfig{
			Debounce:        300 * time.Millisecond,
			RefreshInterval: 2 * time.Second,
		},
	}
}

// Load reads and validates a configuration file. Keys missing from the file
// keep their default values.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads dir/.spectrace.yaml, or returns DefaultConfig when
// the file does not exist.
func LoadOrDefault(dir string) (Config, error) {
	path := filepath.Join(dir, FileName)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	return Load(path)
}

// Write saves cfg as YAML, creating parent directories.
func Write(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks struct constraints and source patterns.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.SourcesFor("").Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// SourcesFor returns the source patterns rooted at root.
func (c Config) SourcesFor(root string) refresh.Sources {
	return refresh.Sources{
		Root:         root,
		SpecPatterns: slices.Clone(c.Sources.Spec),
		TestPatterns: slices.Clone(c.Sources.Test),
		CodePatterns: slices.Clone(c.Sources.Code),
	}
}

// GraphOptions converts the graph section to graph options. The config is
// assumed valid; unknown root kinds are skipped.
func (c Config) GraphOptions() []graph.GraphOption {
	kinds := make([]graph.NodeKind, 0, len(c.Graph.RootKinds))
	for _, name := range c.Graph.RootKinds {
		if k, err := graph.ParseNodeKind(name); err == nil {
			kinds = append(kinds, k)
		}
	}
	opts := []graph.GraphOption{
		graph.WithIDPrefix(c.Graph.IDPrefix),
		graph.WithHashAlgorithm(graph.HashAlgorithm(c.Graph.HashAlgorithm), c.Graph.HashLength),
		graph.WithRootKinds(kinds...),
		graph.WithRootLevels(c.Graph.RootLevels...),
	}
	if c.Graph.CacheSize > 0 {
		opts = append(opts, graph.WithResolveCacheSize(c.Graph.CacheSize))
	}
	return opts
}

// RollupOptions converts the rollup section.
func (c Config) RollupOptions() graph.RollupOptions {
	return graph.RollupOptions{ExcludedStatuses: slices.Clone(c.Rollup.ExcludedStatuses)}
}

// ValidateOptions converts the hierarchy section.
func (c Config) ValidateOptions() graph.ValidateOptions {
	allowed := make(map[string][]string, len(c.Hierarchy))
	for level, parents := range c.Hierarchy {
		allowed[level] = slices.Clone(parents)
	}
	return graph.ValidateOptions{AllowedImplements: allowed}
}
