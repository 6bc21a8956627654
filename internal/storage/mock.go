// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	toolforgev1 "github.com/toolforge/components-api/api/v1"
)

// MockStorage is the in-memory backend, used in tests and local
// development.
type MockStorage struct {
	mu      sync.Mutex
	opts    Options
	logger  *slog.Logger
	configs map[string]*toolforgev1.ToolConfigSpec
	// deployments per tool, keyed by deploy id
	deployments map[string]map[string]*toolforgev1.ToolDeploymentSpec
	tokens      map[string]*toolforgev1.DeployTokenSpec
	envvars     map[string]map[string]string
}

var _ Interface = (*MockStorage)(nil)
var _ EnvvarMirror = (*MockStorage)(nil)

// NewMockStorage creates an empty in-memory store.
func NewMockStorage(opts Options, logger *slog.Logger) *MockStorage {
	return &MockStorage{
		opts:        opts,
		logger:      logger,
		configs:     make(map[string]*toolforgev1.ToolConfigSpec),
		deployments: make(map[string]map[string]*toolforgev1.ToolDeploymentSpec),
		tokens:      make(map[string]*toolforgev1.DeployTokenSpec),
		envvars:     make(map[string]map[string]string),
	}
}

// GetToolConfig implements Interface.
func (s *MockStorage) GetToolConfig(_ context.Context, tool string) (*toolforgev1.ToolConfigSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.configs[tool]
	if !ok {
		s.logger.Warn("No configuration found", "tool", tool)
		return nil, fmt.Errorf("no configuration found for tool %s: %w", tool, ErrNotFound)
	}
	return cfg.DeepCopy(), nil
}

// SetToolConfig implements Interface.
func (s *MockStorage) SetToolConfig(_ context.Context, tool string, cfg *toolforgev1.ToolConfigSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("Setting config", "tool", tool)
	s.configs[tool] = cfg.DeepCopy()
	return nil
}

// DeleteToolConfig implements Interface.
func (s *MockStorage) DeleteToolConfig(_ context.Context, tool string) (*toolforgev1.ToolConfigSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.configs[tool]
	if !ok {
		return nil, fmt.Errorf("no configuration found for tool %s: %w", tool, ErrNotFound)
	}
	delete(s.configs, tool)
	return cfg, nil
}

// CreateDeployment implements Interface.
func (s *MockStorage) CreateDeployment(_ context.Context, tool string, d *toolforgev1.ToolDeploymentSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	perTool := s.deployments[tool]
	if perTool == nil {
		perTool = make(map[string]*toolforgev1.ToolDeploymentSpec)
		s.deployments[tool] = perTool
	}
	if _, taken := perTool[d.DeployID]; taken {
		return fmt.Errorf("deployment %s for tool %s: %w", d.DeployID, tool, ErrAlreadyExists)
	}
	perTool[d.DeployID] = d.DeepCopy()

	all := make([]*toolforgev1.ToolDeploymentSpec, 0, len(perTool))
	for _, existing := range perTool {
		all = append(all, existing)
	}
	for _, victim := range retentionVictims(all, s.opts.MaxDeploymentsRetained) {
		s.logger.Info("Pruning retained deployment", "tool", tool, "deploy_id", victim)
		delete(perTool, victim)
	}
	return nil
}

// sweepLocked runs the timeout sweep over a tool's deployments. Callers
// hold the mutex.
func (s *MockStorage) sweepLocked(tool string) {
	now := s.opts.clock()()
	for _, d := range s.deployments[tool] {
		if needsTimeout(d, s.opts.DeploymentTimeout, now) {
			s.logger.Info("Sweeping timed out deployment", "tool", tool, "deploy_id", d.DeployID)
			markTimedOut(d, s.opts.DeploymentTimeout)
		}
	}
}

// GetDeployment implements Interface.
func (s *MockStorage) GetDeployment(_ context.Context, tool, deployID string) (*toolforgev1.ToolDeploymentSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked(tool)
	d, ok := s.deployments[tool][deployID]
	if !ok {
		return nil, fmt.Errorf("no deployment %s found for tool %s: %w", deployID, tool, ErrNotFound)
	}
	return d.DeepCopy(), nil
}

// ListDeployments implements Interface.
func (s *MockStorage) ListDeployments(_ context.Context, tool string) ([]*toolforgev1.ToolDeploymentSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked(tool)
	out := make([]*toolforgev1.ToolDeploymentSpec, 0, len(s.deployments[tool]))
	for _, d := range s.deployments[tool] {
		out = append(out, d.DeepCopy())
	}
	sortByCreation(out)
	return out, nil
}

// UpdateDeployment implements Interface.
func (s *MockStorage) UpdateDeployment(_ context.Context, tool string, d *toolforgev1.ToolDeploymentSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked(tool)
	perTool := s.deployments[tool]
	if perTool == nil {
		perTool = make(map[string]*toolforgev1.ToolDeploymentSpec)
		s.deployments[tool] = perTool
	}

	update := d.DeepCopy()
	if existing, ok := perTool[d.DeployID]; ok {
		if existing.Status == toolforgev1.DeploymentStateTimedOut &&
			update.Status != toolforgev1.DeploymentStateTimedOut {
			return fmt.Errorf("deployment %s for tool %s: %w", d.DeployID, tool, ErrSuperseded)
		}
		preserveImmutableFields(update, existing)
	}
	perTool[d.DeployID] = update
	return nil
}

// DeleteDeployment implements Interface.
func (s *MockStorage) DeleteDeployment(_ context.Context, tool, deployID string) (*toolforgev1.ToolDeploymentSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deployments[tool][deployID]
	if !ok {
		return nil, fmt.Errorf("no deployment %s found for tool %s: %w", deployID, tool, ErrNotFound)
	}
	delete(s.deployments[tool], deployID)
	return d, nil
}

// GetDeployToken implements Interface.
func (s *MockStorage) GetDeployToken(_ context.Context, tool string) (*toolforgev1.DeployTokenSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[tool]
	if !ok {
		s.logger.Warn("No deploy token found", "tool", tool)
		return nil, fmt.Errorf("no deploy token found for tool %s: %w", tool, ErrNotFound)
	}
	return token.DeepCopy(), nil
}

// SetDeployToken implements Interface.
func (s *MockStorage) SetDeployToken(ctx context.Context, tool string, token *toolforgev1.DeployTokenSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens[tool] = token.DeepCopy()
	if s.envvars[tool] == nil {
		s.envvars[tool] = make(map[string]string)
	}
	s.envvars[tool][DeployTokenEnvvar] = token.Token
	return nil
}

// DeleteDeployToken implements Interface.
func (s *MockStorage) DeleteDeployToken(_ context.Context, tool string) (*toolforgev1.DeployTokenSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[tool]
	if !ok {
		return nil, fmt.Errorf("no deploy token found for tool %s: %w", tool, ErrNotFound)
	}
	delete(s.tokens, tool)
	delete(s.envvars[tool], DeployTokenEnvvar)
	return token, nil
}

// SetEnvvar implements EnvvarMirror.
func (s *MockStorage) SetEnvvar(_ context.Context, tool, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.envvars[tool] == nil {
		s.envvars[tool] = make(map[string]string)
	}
	s.envvars[tool][name] = value
	return nil
}

// DeleteEnvvar implements EnvvarMirror.
func (s *MockStorage) DeleteEnvvar(_ context.Context, tool, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.envvars[tool], name)
	return nil
}

// Envvar returns a mirrored envvar, for tests.
func (s *MockStorage) Envvar(tool, name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.envvars[tool][name]
	return value, ok
}
