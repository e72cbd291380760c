// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads gild run configuration from YAML or JSONC.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/mknyszek/gild"
	"github.com/mknyszek/gild/gilder"
	"github.com/mknyszek/gild/internal/logio"
)

// Config is the configuration of a gild run.
type Config struct {
	Log struct {
		Level string `yaml:"level" json:"level"`
	} `yaml:"log" json:"log"`

	// Simulation is set when running against a simulator, where
	// hardware time does not track wall time.
	Simulation bool `yaml:"simulation" json:"simulation"`

	Ring gild.ConsumerOptions `yaml:"ring" json:"ring"`

	Gild Gild `yaml:"gild" json:"gild"`
}

// Gild configures reconciliation.
type Gild struct {
	Mode                   gilder.Mode `yaml:"mode" json:"mode"`
	Golden                 string      `yaml:"golden" json:"golden"`
	Output                 string      `yaml:"output" json:"output"`
	MinEvents              int         `yaml:"min_events" json:"min_events"`
	RequiredTimeoutMs      int64       `yaml:"required_timeout_ms" json:"required_timeout_ms"`
	PollIntervalMs         int64       `yaml:"poll_interval_ms" json:"poll_interval_ms"`
	TimeoutUnderSimulation bool        `yaml:"timeout_under_simulation" json:"timeout_under_simulation"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := new(Config)
	c.Log.Level = "info"
	c.Gild.Mode = gilder.ModeRequired
	c.Gild.RequiredTimeoutMs = gilder.DefaultRequiredTimeout.Milliseconds()
	c.Gild.PollIntervalMs = gilder.DefaultPollInterval.Milliseconds()
	return c
}

// Load reads a configuration file. Files ending in .json or .jsonc
// are parsed as JSON with comments; anything else as YAML. Unset
// fields keep their Default values.
func Load(path string) (*Config, error) {
	data, err := logio.ReadFile(path)
	if err != nil {
		return nil, err
	}
	name := path
	if logio.FormatOf(path) != logio.FormatPlain {
		name = strings.TrimSuffix(path, filepath.Ext(path))
	}
	ext := strings.ToLower(filepath.Ext(name))
	c, err := Parse(data, ext == ".json" || ext == ".jsonc")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse parses configuration data as JSONC or YAML.
func Parse(data []byte, isJSON bool) (*Config, error) {
	c := Default()
	if isJSON {
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(c); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Gild.MinEvents < 0 {
		return fmt.Errorf("gild.min_events must not be negative")
	}
	if c.Gild.RequiredTimeoutMs < 0 || c.Gild.PollIntervalMs < 0 {
		return fmt.Errorf("gild timeouts must not be negative")
	}
	return nil
}

// GilderOptions converts the gild section to gilder.Options.
func (c *Config) GilderOptions() gilder.Options {
	return gilder.Options{
		Mode:                   c.Gild.Mode,
		GoldenPath:             c.Gild.Golden,
		OutputPath:             c.Gild.Output,
		MinEvents:              c.Gild.MinEvents,
		RequiredTimeout:        time.Duration(c.Gild.RequiredTimeoutMs) * time.Millisecond,
		PollInterval:           time.Duration(c.Gild.PollIntervalMs) * time.Millisecond,
		Simulated:              c.Simulation,
		TimeoutUnderSimulation: c.Gild.TimeoutUnderSimulation,
	}
}
