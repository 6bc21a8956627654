// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

package toolforge

import (
	"context"
	"errors"
	"fmt"
	"sort"

	toolforgev1 "github.com/toolforge/components-api/api/v1"
	"github.com/toolforge/components-api/internal/runtime"
)

type buildsListResponse struct {
	Builds []runtime.Build `json:"builds"`
}

type buildGetResponse struct {
	Build runtime.Build `json:"build"`
}

type newBuildResponse struct {
	NewBuild struct {
		Name string `json:"name"`
	} `json:"new_build"`
}

// ListBuilds implements runtime.Interface.
func (r *Runtime) ListBuilds(ctx context.Context, tool string) ([]runtime.Build, error) {
	var resp buildsListResponse
	if err := r.client.get(ctx, fmt.Sprintf("/builds/v1/tool/%s/builds", tool), &resp); err != nil {
		return nil, fmt.Errorf("failed to list builds for tool %s: %w", tool, err)
	}
	return resp.Builds, nil
}

// findMatchingBuild returns the most recent build of the component that was
// started with the same parameters, or nil when none matches. Resolving the
// ref happens last, only when a candidate is worth comparing against.
func (r *Runtime) findMatchingBuild(ctx context.Context, tool, component string, build *toolforgev1.SourceBuildInfo) (*runtime.Build, error) {
	builds, err := r.ListBuilds(ctx, tool)
	if err != nil {
		return nil, err
	}
	if len(builds) == 0 {
		return nil, nil
	}

	sort.SliceStable(builds, func(i, j int) bool {
		return builds[i].StartTime > builds[j].StartTime
	})
	r.logger.Debug("Comparing builds for reuse", "tool", tool, "component", component, "builds", len(builds))

	var candidate *runtime.Build
	for i := range builds {
		if builds[i].Parameters != nil && builds[i].Parameters.ImageName == component {
			candidate = &builds[i]
			break
		}
	}
	if candidate == nil {
		return nil, nil
	}
	if candidate.Parameters.UseLatestVersions != build.UseLatestVersions {
		return nil, nil
	}

	resolvedRef, err := r.resolver.ResolveRef(ctx, build.Repository, build.Ref)
	if errors.Is(err, runtime.ErrRefNotFound) {
		return nil, err
	}
	if err != nil {
		// an unreachable remote only disables reuse, the build itself may
		// still succeed
		r.logger.Error("Failed to resolve ref", "repository", build.Repository, "ref", build.Ref, "error", err)
		return nil, nil
	}
	if resolvedRef != "" && candidate.ResolvedRef == resolvedRef {
		r.logger.Debug("Found matching build", "tool", tool, "component", component, "build_id", candidate.BuildID)
		return candidate, nil
	}
	return nil, nil
}

// StartBuild implements runtime.Interface.
func (r *Runtime) StartBuild(ctx context.Context, tool, component string, build *toolforgev1.SourceBuildInfo, forceBuild bool) (*toolforgev1.BuildProgress, error) {
	if !forceBuild {
		matching, err := r.findMatchingBuild(ctx, tool, component, build)
		if err != nil {
			return nil, err
		}
		switch {
		case matching != nil && matching.Status == runtime.BuildStatusSuccess:
			if matching.BuildID == "" {
				return nil, fmt.Errorf("matching build for component %s has no build id", component)
			}
			if matching.DestinationImage == "" {
				return nil, fmt.Errorf("matching build %s has no destination image", matching.BuildID)
			}
			r.logger.Debug("Reusing successful build", "tool", tool, "component", component, "build_id", matching.BuildID)
			return &toolforgev1.BuildProgress{
				BuildID:    matching.BuildID,
				State:      toolforgev1.BuildStateSkipped,
				LongStatus: "Reusing existing build",
				Image:      matching.DestinationImage,
			}, nil
		case matching != nil && (matching.Status == runtime.BuildStatusPending || matching.Status == runtime.BuildStatusRunning):
			if matching.BuildID == "" {
				return nil, fmt.Errorf("matching build for component %s has no build id", component)
			}
			r.logger.Debug("Adopting in-flight build", "tool", tool, "component", component, "build_id", matching.BuildID)
			return &toolforgev1.BuildProgress{
				BuildID:    matching.BuildID,
				State:      toolforgev1.BuildStatePending,
				LongStatus: "Not started yet",
			}, nil
		}
	}

	params := runtime.BuildParameters{
		SourceURL:         build.Repository,
		Ref:               build.Ref,
		ImageName:         component,
		UseLatestVersions: build.UseLatestVersions,
		Envvars:           map[string]string{},
	}
	var resp newBuildResponse
	if err := r.client.post(ctx, fmt.Sprintf("/builds/v1/tool/%s/builds", tool), params, &resp); err != nil {
		return nil, fmt.Errorf("failed to start build for component %s: %w", component, err)
	}
	return &toolforgev1.BuildProgress{
		BuildID:    resp.NewBuild.Name,
		State:      toolforgev1.BuildStatePending,
		LongStatus: "Not started yet",
	}, nil
}

// GetBuildInfo implements runtime.Interface.
func (r *Runtime) GetBuildInfo(ctx context.Context, tool string, progress *toolforgev1.BuildProgress) (*toolforgev1.BuildProgress, error) {
	var resp buildGetResponse
	err := r.client.get(ctx, fmt.Sprintf("/builds/v1/tool/%s/builds/%s", tool, progress.BuildID), &resp)
	if runtime.IsNotFound(err) {
		r.logger.Warn("Build not found, maybe someone deleted it", "tool", tool, "build_id", progress.BuildID)
		return &toolforgev1.BuildProgress{
			BuildID:    progress.BuildID,
			State:      toolforgev1.BuildStateFailed,
			LongStatus: fmt.Sprintf("build %s not found, maybe it was deleted?", progress.BuildID),
		}, nil
	}
	if err != nil {
		r.logger.Error("Failed to fetch build status", "tool", tool, "build_id", progress.BuildID, "error", err)
		return &toolforgev1.BuildProgress{
			BuildID:    progress.BuildID,
			State:      toolforgev1.BuildStateUnknown,
			LongStatus: fmt.Sprintf("Unknown error %s", err),
		}, nil
	}

	var state toolforgev1.BuildState
	switch resp.Build.Status {
	case runtime.BuildStatusPending, runtime.BuildStatusRunning:
		state = toolforgev1.BuildStateRunning
	case runtime.BuildStatusSuccess:
		state = toolforgev1.BuildStateSuccessful
	case runtime.BuildStatusFailure, runtime.BuildStatusCancelled, runtime.BuildStatusTimeout:
		state = toolforgev1.BuildStateFailed
	default:
		state = toolforgev1.BuildStateUnknown
	}

	image := resp.Build.DestinationImage
	if image == "" {
		image = toolforgev1.NoImageYet
	}
	return &toolforgev1.BuildProgress{
		BuildID:    progress.BuildID,
		State:      state,
		LongStatus: fmt.Sprintf("You can see the logs with `toolforge build logs %s`", progress.BuildID),
		Image:      image,
	}, nil
}

// CancelBuild implements runtime.Interface.
func (r *Runtime) CancelBuild(ctx context.Context, tool, buildID string) error {
	path := fmt.Sprintf("/builds/v1/tool/%s/builds/%s/cancel", tool, buildID)
	if err := r.client.put(ctx, path, nil, nil); err != nil {
		return fmt.Errorf("failed to cancel build %s for tool %s: %w", buildID, tool, err)
	}
	return nil
}
