// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

package toolforge

import (
	"log/slog"

	"github.com/toolforge/components-api/internal/runtime"
	"github.com/toolforge/components-api/internal/storage"
)

// Runtime drives builds, jobs and envvars through the platform APIs.
type Runtime struct {
	client   *Client
	resolver runtime.RefResolver
	logger   *slog.Logger
}

var _ runtime.Interface = (*Runtime)(nil)
var _ storage.EnvvarMirror = (*Runtime)(nil)

// NewRuntime creates the platform-backed runtime. A nil resolver defaults
// to listing refs over the git protocol.
func NewRuntime(client *Client, resolver runtime.RefResolver, logger *slog.Logger) *Runtime {
	if resolver == nil {
		resolver = NewGitResolver(logger)
	}
	return &Runtime{
		client:   client,
		resolver: resolver,
		logger:   logger,
	}
}
