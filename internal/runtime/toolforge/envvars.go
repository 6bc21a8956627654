// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

package toolforge

import (
	"context"
	"fmt"

	"github.com/toolforge/components-api/internal/runtime"
)

type envvarPayload struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SetEnvvar implements storage.EnvvarMirror against the envvars-api.
func (r *Runtime) SetEnvvar(ctx context.Context, tool, name, value string) error {
	path := fmt.Sprintf("/envvars/v1/tool/%s/envvars/", tool)
	if err := r.client.post(ctx, path, envvarPayload{Name: name, Value: value}, nil); err != nil {
		return fmt.Errorf("failed to set envvar %s for tool %s: %w", name, tool, err)
	}
	return nil
}

// DeleteEnvvar implements storage.EnvvarMirror against the envvars-api. A
// missing envvar is not an error.
func (r *Runtime) DeleteEnvvar(ctx context.Context, tool, name string) error {
	path := fmt.Sprintf("/envvars/v1/tool/%s/envvars/%s", tool, name)
	err := r.client.delete(ctx, path, nil)
	if err != nil && !runtime.IsNotFound(err) {
		return fmt.Errorf("failed to delete envvar %s for tool %s: %w", name, tool, err)
	}
	return nil
}
