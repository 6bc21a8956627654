// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

// Package configgen synthesizes a ToolConfig skeleton from the jobs and
// builds a tool already has, so existing tools can adopt the declarative
// config without writing it from scratch.
package configgen

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"sigs.k8s.io/yaml"

	toolforgev1 "github.com/toolforge/components-api/api/v1"
	"github.com/toolforge/components-api/internal/runtime"
)

// ExampleConfig is returned when no build-service based jobs exist to
// derive a config from. It is a template, not a valid config: the
// placeholders must be filled in.
const ExampleConfig = `config_version: v1beta1
components:
    example_component:
        build: # similar builds service options: "toolforge build start <repository> --ref <ref>"
            ref: <string>
            repository: <string>
        component_type: continuous
        run: # similar jobs service options: "toolforge jobs run --command <command>"
            command: <string>
`

// Generator derives tool configs from runtime state.
type Generator struct {
	runtime runtime.Interface
	logger  *slog.Logger
}

// New creates a generator.
func New(rt runtime.Interface, logger *slog.Logger) *Generator {
	return &Generator{runtime: rt, logger: logger}
}

// Generate inspects the tool's jobs and builds and renders a YAML config
// covering every job whose image came out of the build service. Jobs with
// hand-picked images produce warnings instead of components.
func (g *Generator) Generate(ctx context.Context, tool string) (string, []string, error) {
	jobs, err := g.runtime.ListJobs(ctx, tool)
	if err != nil {
		return "", nil, err
	}
	builds, err := g.runtime.ListBuilds(ctx, tool)
	if err != nil {
		return "", nil, err
	}

	var warnings []string
	cfg := toolforgev1.ToolConfigSpec{ConfigVersion: toolforgev1.ConfigVersionV1Beta1}
	for _, job := range jobs {
		build := matchBuild(builds, job.Image)
		if build == nil {
			warnings = append(warnings, fmt.Sprintf("%s is not a build-service based job, skipping", job.Name))
			continue
		}
		cfg.Components.Set(job.Name, componentFromJob(job, build))
	}

	if cfg.Components.Len() == 0 {
		warnings = append(warnings, "No build-service based jobs found, returning an example config")
		return ExampleConfig, warnings, nil
	}

	rendered, err := yaml.Marshal(&cfg)
	if err != nil {
		return "", nil, fmt.Errorf("failed to render generated config: %w", err)
	}
	g.logger.Debug("Generated config", "tool", tool, "components", cfg.Components.Len())
	return string(rendered), warnings, nil
}

// matchBuild finds the build that produced the job's image. Jobs reference
// images by short name while builds carry the full destination image, so
// suffix matching is the join.
func matchBuild(builds []runtime.Build, image string) *runtime.Build {
	if image == "" {
		return nil
	}
	for i := range builds {
		if builds[i].DestinationImage != "" && strings.HasSuffix(builds[i].DestinationImage, image) {
			return &builds[i]
		}
	}
	return nil
}

func componentFromJob(job runtime.Job, build *runtime.Build) toolforgev1.ComponentInfo {
	source := &toolforgev1.SourceBuildInfo{Ref: "HEAD"}
	if build.Parameters != nil {
		source.Repository = build.Parameters.SourceURL
		source.UseLatestVersions = build.Parameters.UseLatestVersions
		if build.Parameters.Ref != "" {
			source.Ref = build.Parameters.Ref
		}
	}

	if job.Schedule != "" {
		return toolforgev1.ComponentInfo{
			ComponentType: toolforgev1.ComponentTypeScheduled,
			Build:         source,
			Run: &toolforgev1.ScheduledRunSpec{
				Command:       job.Cmd,
				Schedule:      job.Schedule,
				CPU:           job.CPU,
				Memory:        job.Memory,
				Timeout:       job.Timeout,
				Retry:         job.Retry,
				Filelog:       job.Filelog,
				FilelogStdout: job.FilelogStdout,
				FilelogStderr: job.FilelogStderr,
				Mount:         job.Mount,
				Emails:        job.Emails,
			},
		}
	}

	run := &toolforgev1.ContinuousRunSpec{
		Command:       job.Cmd,
		CPU:           job.CPU,
		Memory:        job.Memory,
		Replicas:      job.Replicas,
		Port:          job.Port,
		PortProtocol:  job.PortProtocol,
		Filelog:       job.Filelog,
		FilelogStdout: job.FilelogStdout,
		FilelogStderr: job.FilelogStderr,
		Mount:         job.Mount,
		Emails:        job.Emails,
	}
	if job.HealthCheck != nil {
		switch job.HealthCheck.Type {
		case "http":
			run.HealthCheckHTTP = job.HealthCheck.Path
		case "script":
			run.HealthCheckScript = job.HealthCheck.Script
		}
	}
	return toolforgev1.ComponentInfo{
		ComponentType: toolforgev1.ComponentTypeContinuous,
		Build:         source,
		Run:           run,
	}
}
