// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the components-api settings from struct defaults, an
// optional YAML file and the environment.
package config

import (
	"fmt"
	"os"
	"strings"

	koanfyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix is the environment variable prefix. Double underscore separates
// nesting levels, so COMPONENTS_API__LOG_LEVEL maps to log_level.
const EnvPrefix = "COMPONENTS_API__"

// Load builds the settings with the following priority (highest wins):
// explicit CLI flags, environment variables, config file, defaults.
//
// If configPath is empty only defaults and the environment are used; a
// non-empty path that does not exist is an error.
func Load(configPath string, flags *pflag.FlagSet) (*Settings, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		if err := k.Load(file.Provider(configPath), koanfyaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(key, "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if flags != nil {
		var flagErr error
		flags.Visit(func(f *pflag.Flag) {
			if err := k.Set(f.Name, f.Value.String()); err != nil && flagErr == nil {
				flagErr = fmt.Errorf("flag %s: %w", f.Name, err)
			}
		})
		if flagErr != nil {
			return nil, flagErr
		}
	}

	settings := &Settings{}
	if err := k.Unmarshal("", settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}
