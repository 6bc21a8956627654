// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the components-api HTTP surface: ToolConfig CRUD,
// deployment lifecycle and deploy-token management, all under /v1.
package server

import (
	toolforgev1 "github.com/toolforge/components-api/api/v1"
)

// BetaWarning is attached to every successful mutating response.
const BetaWarning = "You are using a beta feature of Toolforge."

// ResponseMessages carries the informational payload of every response.
type ResponseMessages struct {
	Info    []string `json:"info"`
	Warning []string `json:"warning"`
	Error   []string `json:"error"`
}

// Envelope is the uniform response shape.
type Envelope[T any] struct {
	Data     T                `json:"data"`
	Messages ResponseMessages `json:"messages"`
}

// HealthStatus is the healthz payload.
type HealthStatus struct {
	Status string `json:"status"`
}

// ConfigUpdateRequest is the POST /tool/{tool}/config body.
type ConfigUpdateRequest = toolforgev1.ToolConfigSpec

// DeploymentCreateRequest is the optional POST /tool/{tool}/deployment body.
type DeploymentCreateRequest struct {
	ForceBuild bool `json:"force_build,omitempty"`
	ForceRun   bool `json:"force_run,omitempty"`
}

// DeployTokenView is the wire form of a deploy token.
type DeployTokenView struct {
	Token        string `json:"token"`
	CreationDate string `json:"creation_date"`
	ExpiresAt    string `json:"expires_at"`
}

// GeneratedConfig is the GET /tool/{tool}/config/generate payload.
type GeneratedConfig struct {
	Config string `json:"config"`
}
