// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

// Package runtime defines the façade over the platform APIs that build
// images and run jobs. The deployment engine only ever talks to this
// interface; the wire formats of the underlying builds-api and jobs-api
// stay inside the implementations.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"

	toolforgev1 "github.com/toolforge/components-api/api/v1"
)

// ErrRefNotFound signals a git ref that the remote repository does not
// advertise. Builds on such a ref can never succeed.
var ErrRefNotFound = errors.New("git ref not found")

// APIError is a non-2xx response from one of the platform APIs.
type APIError struct {
	StatusCode int
	Messages   Messages
}

func (e *APIError) Error() string {
	if len(e.Messages.Error) > 0 {
		return fmt.Sprintf("platform API returned status %d: %s",
			e.StatusCode, strings.Join(e.Messages.Error, ", "))
	}
	return fmt.Sprintf("platform API returned status %d", e.StatusCode)
}

// IsNotFound reports whether err is a platform 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}

// Build status values as reported by the builds-api.
const (
	BuildStatusPending   = "BUILD_PENDING"
	BuildStatusRunning   = "BUILD_RUNNING"
	BuildStatusSuccess   = "BUILD_SUCCESS"
	BuildStatusFailure   = "BUILD_FAILURE"
	BuildStatusCancelled = "BUILD_CANCELLED"
	BuildStatusTimeout   = "BUILD_TIMEOUT"
)

// Build is one image build as the builds-api reports it.
type Build struct {
	BuildID          string           `json:"build_id"`
	Status           string           `json:"status"`
	StartTime        string           `json:"start_time,omitempty"`
	ResolvedRef      string           `json:"resolved_ref,omitempty"`
	DestinationImage string           `json:"destination_image,omitempty"`
	Parameters       *BuildParameters `json:"parameters,omitempty"`
}

// BuildParameters are the request parameters a build was started with. They
// double as the dedup key: a build matches a component when image_name,
// use_latest_versions and the resolved ref all agree.
type BuildParameters struct {
	SourceURL         string            `json:"source_url"`
	Ref               string            `json:"ref,omitempty"`
	ImageName         string            `json:"image_name"`
	UseLatestVersions bool              `json:"use_latest_versions,omitempty"`
	Envvars           map[string]string `json:"envvars,omitempty"`
}

// HealthCheck is the jobs-api health check union, discriminated by Type.
type HealthCheck struct {
	Type   string `json:"type"`
	Path   string `json:"path,omitempty"`
	Script string `json:"script,omitempty"`
}

// Job is one job definition as the jobs-api reports it.
type Job struct {
	Name          string       `json:"name"`
	Cmd           string       `json:"cmd"`
	Image         string       `json:"image,omitempty"`
	Schedule      string       `json:"schedule,omitempty"`
	Continuous    bool         `json:"continuous,omitempty"`
	CPU           string       `json:"cpu,omitempty"`
	Memory        string       `json:"memory,omitempty"`
	Replicas      int          `json:"replicas,omitempty"`
	Port          int          `json:"port,omitempty"`
	PortProtocol  string       `json:"port_protocol,omitempty"`
	HealthCheck   *HealthCheck `json:"health_check,omitempty"`
	Filelog       bool         `json:"filelog,omitempty"`
	FilelogStdout string       `json:"filelog_stdout,omitempty"`
	FilelogStderr string       `json:"filelog_stderr,omitempty"`
	Mount         string       `json:"mount,omitempty"`
	Emails        string       `json:"emails,omitempty"`
	Timeout       int          `json:"timeout,omitempty"`
	Retry         int          `json:"retry,omitempty"`
}

// Messages is the info/warning/error triple the platform APIs attach to
// their responses.
type Messages struct {
	Info    []string `json:"info,omitempty"`
	Warning []string `json:"warning,omitempty"`
	Error   []string `json:"error,omitempty"`
}

// Format appends the non-empty message levels to a base message, keeping
// the platform's own words visible in deployment long statuses.
func (m *Messages) Format(base string) string {
	if m == nil {
		return base
	}
	out := base
	for _, level := range []struct {
		name     string
		messages []string
	}{
		{"info", m.Info},
		{"warning", m.Warning},
		{"error", m.Error},
	} {
		if len(level.messages) > 0 {
			out += fmt.Sprintf(", [%s](%s)", level.name, strings.Join(level.messages, ", "))
		}
	}
	return out
}

// ImageName returns the container image a component runs. The convention is
// authoritative: images are always addressed this way, never parsed back.
func ImageName(tool, component string) string {
	return fmt.Sprintf("tool-%s/%s:latest", tool, component)
}

// Interface is the runtime façade the deployment engine drives.
type Interface interface {
	// StartBuild starts (or reuses) an image build for the component. With
	// forceBuild false a matching earlier build is reused: a successful one
	// yields a skipped progress carrying its image, an in-flight one is
	// adopted as pending. A ref that does not exist on the remote fails
	// with ErrRefNotFound.
	StartBuild(ctx context.Context, tool, component string, build *toolforgev1.SourceBuildInfo, forceBuild bool) (*toolforgev1.BuildProgress, error)

	// GetBuildInfo refreshes the progress of a previously started build. A
	// build the platform no longer knows about comes back failed, not as an
	// error.
	GetBuildInfo(ctx context.Context, tool string, progress *toolforgev1.BuildProgress) (*toolforgev1.BuildProgress, error)

	// CancelBuild asks the builds-api to cancel a running build.
	CancelBuild(ctx context.Context, tool, buildID string) error

	// RunContinuousJob upserts the continuous job for the component. When
	// the upsert reports no change and forceRestart is set, the job is
	// restarted instead. Returns a human-readable outcome message.
	RunContinuousJob(ctx context.Context, tool, component string, run *toolforgev1.ContinuousRunSpec, image string, forceRestart bool) (string, error)

	// RunScheduledJob upserts the scheduled job for the component. Returns
	// a human-readable outcome message.
	RunScheduledJob(ctx context.Context, tool, component string, run *toolforgev1.ScheduledRunSpec, image string) (string, error)

	// DeleteJobIfExists removes the component's job when it exists, and is
	// a no-op otherwise. Returns the platform's messages, if any.
	DeleteJobIfExists(ctx context.Context, tool, component string) (string, error)

	// ListJobs returns the tool's defined jobs.
	ListJobs(ctx context.Context, tool string) ([]Job, error)

	// ListBuilds returns the tool's builds.
	ListBuilds(ctx context.Context, tool string) ([]Build, error)
}

// RefResolver resolves a git ref to a commit hash against the remote.
type RefResolver interface {
	// ResolveRef returns the commit hash the ref points at. An empty ref
	// resolves HEAD. A ref the remote does not advertise fails with
	// ErrRefNotFound.
	ResolveRef(ctx context.Context, repository, ref string) (string, error)
}
