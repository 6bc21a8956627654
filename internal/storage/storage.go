// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the persistence contract for tool configs,
// deployments and deploy tokens, and its two implementations (in-memory and
// Kubernetes custom resources).
package storage

import (
	"context"
	"errors"
	"time"

	toolforgev1 "github.com/toolforge/components-api/api/v1"
)

// Common storage errors, checked with errors.Is.
var (
	// ErrNotFound signals the requested document does not exist.
	ErrNotFound = errors.New("not found in storage")
	// ErrAlreadyExists signals a conflicting create.
	ErrAlreadyExists = errors.New("already exists in storage")
	// ErrSuperseded signals a refused deployment update: the timeout sweep
	// already marked the record timed_out, so the writer lost its lease.
	ErrSuperseded = errors.New("deployment was superseded by the timeout sweep")
)

// DeployTokenEnvvar is the envvar name that mirrors the deploy token into
// the tool's workloads.
const DeployTokenEnvvar = "TOOLFORGE_DEPLOY_TOKEN"

// Interface is the storage contract. Every deployment read, list and update
// first runs the timeout sweep over the tool's deployments (§sweep), which
// is the sole mechanism reaping abandoned engines.
type Interface interface {
	GetToolConfig(ctx context.Context, tool string) (*toolforgev1.ToolConfigSpec, error)
	SetToolConfig(ctx context.Context, tool string, cfg *toolforgev1.ToolConfigSpec) error
	DeleteToolConfig(ctx context.Context, tool string) (*toolforgev1.ToolConfigSpec, error)

	// CreateDeployment fails with ErrAlreadyExists when the deploy id is
	// taken, and prunes retained deployments beyond the configured maximum.
	CreateDeployment(ctx context.Context, tool string, d *toolforgev1.ToolDeploymentSpec) error
	GetDeployment(ctx context.Context, tool, deployID string) (*toolforgev1.ToolDeploymentSpec, error)
	ListDeployments(ctx context.Context, tool string) ([]*toolforgev1.ToolDeploymentSpec, error)
	// UpdateDeployment upserts by deploy id. deploy_id, creation_time and
	// tool_config of an existing record are preserved. Updating a record the
	// sweep marked timed_out fails with ErrSuperseded unless the update
	// keeps it timed_out.
	UpdateDeployment(ctx context.Context, tool string, d *toolforgev1.ToolDeploymentSpec) error
	DeleteDeployment(ctx context.Context, tool, deployID string) (*toolforgev1.ToolDeploymentSpec, error)

	GetDeployToken(ctx context.Context, tool string) (*toolforgev1.DeployTokenSpec, error)
	SetDeployToken(ctx context.Context, tool string, token *toolforgev1.DeployTokenSpec) error
	DeleteDeployToken(ctx context.Context, tool string) (*toolforgev1.DeployTokenSpec, error)
}

// EnvvarMirror mirrors deploy tokens into an environment-variable store the
// tool's workloads can read. The Kubernetes backend uses the envvars-api
// client for this; the mock backend keeps it in memory.
type EnvvarMirror interface {
	SetEnvvar(ctx context.Context, tool, name, value string) error
	DeleteEnvvar(ctx context.Context, tool, name string) error
}

// Options tunes sweep and retention behaviour shared by both backends.
type Options struct {
	// DeploymentTimeout bounds the wall-clock life of a non-terminal
	// deployment before the sweep rewrites it to timed_out.
	DeploymentTimeout time.Duration
	// MaxDeploymentsRetained caps the records kept per tool.
	MaxDeploymentsRetained int
	// Now is the clock, injectable for tests. Defaults to time.Now.
	Now func() time.Time
}

func (o *Options) clock() func() time.Time {
	if o.Now != nil {
		return o.Now
	}
	return time.Now
}
