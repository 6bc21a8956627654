// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"
)

// Storage backend selectors.
const (
	StorageTypeMock       = "mock"
	StorageTypeKubernetes = "kubernetes"
)

// Runtime selectors.
const (
	RuntimeTypeToolforge = "toolforge"
)

// Settings holds every tunable of the components-api service.
type Settings struct {
	LogLevel string `koanf:"log_level"`
	Address  string `koanf:"address"`
	Port     int    `koanf:"port"`

	StorageType string `koanf:"storage_type"`
	RuntimeType string `koanf:"runtime_type"`

	ToolforgeAPIURL        string `koanf:"toolforge_api_url"`
	VerifyToolforgeAPICert bool   `koanf:"verify_toolforge_api_cert"`
	UserAgent              string `koanf:"user_agent"`

	// Namespace is the namespace the service itself runs in, used for its
	// client certificates.
	Namespace string `koanf:"namespace"`

	TokenLifetime          time.Duration `koanf:"token_lifetime"`
	MaxDeploymentsRetained int           `koanf:"max_deployments_retained"`
	BuildTimeout           time.Duration `koanf:"build_timeout"`
	MaxActiveDeployments   int           `koanf:"max_active_deployments"`
	DeploymentTimeout      time.Duration `koanf:"deployment_timeout"`
}

// Defaults returns the built-in settings, matching the production defaults
// of the service.
func Defaults() Settings {
	return Settings{
		LogLevel:               "info",
		Address:                "127.0.0.1",
		Port:                   8000,
		StorageType:            StorageTypeMock,
		RuntimeType:            RuntimeTypeToolforge,
		ToolforgeAPIURL:        "https://api.svc.tools.eqiad1.wikimedia.cloud",
		VerifyToolforgeAPICert: true,
		UserAgent:              "Toolforge components-api",
		Namespace:              "components-api",
		TokenLifetime:          365 * 24 * time.Hour,
		MaxDeploymentsRetained: 25,
		BuildTimeout:           30 * time.Minute,
		MaxActiveDeployments:   1,
		DeploymentTimeout:      time.Hour,
	}
}

// Validate checks cross-field consistency of the settings.
func (s *Settings) Validate() error {
	if _, err := ParseLogLevel(s.LogLevel); err != nil {
		return err
	}
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("invalid port %d", s.Port)
	}
	switch s.StorageType {
	case StorageTypeMock, StorageTypeKubernetes:
	default:
		return fmt.Errorf("invalid storage type: %s", s.StorageType)
	}
	if s.RuntimeType != RuntimeTypeToolforge {
		return fmt.Errorf("invalid runtime type: %s", s.RuntimeType)
	}
	if _, err := url.ParseRequestURI(s.ToolforgeAPIURL); err != nil {
		return fmt.Errorf("invalid toolforge_api_url: %w", err)
	}
	if s.MaxDeploymentsRetained < 1 {
		return fmt.Errorf("max_deployments_retained must be at least 1, got %d", s.MaxDeploymentsRetained)
	}
	if s.MaxActiveDeployments < 1 {
		return fmt.Errorf("max_active_deployments must be at least 1, got %d", s.MaxActiveDeployments)
	}
	if s.BuildTimeout <= 0 {
		return fmt.Errorf("build_timeout must be positive, got %s", s.BuildTimeout)
	}
	if s.DeploymentTimeout <= 0 {
		return fmt.Errorf("deployment_timeout must be positive, got %s", s.DeploymentTimeout)
	}
	return nil
}

// ParseLogLevel maps the log_level setting to a slog level.
func ParseLogLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return l, nil
}
