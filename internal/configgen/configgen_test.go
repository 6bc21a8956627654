// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

package configgen

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"sigs.k8s.io/yaml"

	toolforgev1 "github.com/toolforge/components-api/api/v1"
	"github.com/toolforge/components-api/internal/runtime"
)

type fakeRuntime struct {
	runtime.Interface
	jobs   []runtime.Job
	builds []runtime.Build
}

func (f *fakeRuntime) ListJobs(context.Context, string) ([]runtime.Job, error) {
	return f.jobs, nil
}

func (f *fakeRuntime) ListBuilds(context.Context, string) ([]runtime.Build, error) {
	return f.builds, nil
}

func newGenerator(rt runtime.Interface) *Generator {
	return New(rt, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestGenerate_DerivesComponentsFromJobs(t *testing.T) {
	rt := &fakeRuntime{
		jobs: []runtime.Job{
			{
				Name:       "web",
				Cmd:        "./web",
				Image:      "tool-sample/web:latest",
				Continuous: true,
				Port:       8000,
				HealthCheck: &runtime.HealthCheck{
					Type: "http",
					Path: "/healthz",
				},
			},
			{
				Name:     "cleanup",
				Cmd:      "./cleanup",
				Image:    "tool-sample/cleanup:latest",
				Schedule: "@daily",
				Timeout:  600,
			},
			{
				Name:  "legacy",
				Cmd:   "./legacy.sh",
				Image: "docker-registry.tools.wmflabs.org/toolforge-python39-sssd-base:latest",
			},
		},
		builds: []runtime.Build{
			{
				BuildID:          "b-web",
				Status:           runtime.BuildStatusSuccess,
				DestinationImage: "harbor.toolforge.org/tool-sample/web:latest",
				Parameters: &runtime.BuildParameters{
					SourceURL: "https://gitlab.wikimedia.org/toolforge-repos/sample",
					Ref:       "main",
					ImageName: "web",
				},
			},
			{
				BuildID:          "b-cleanup",
				Status:           runtime.BuildStatusSuccess,
				DestinationImage: "harbor.toolforge.org/tool-sample/cleanup:latest",
				Parameters: &runtime.BuildParameters{
					SourceURL: "https://gitlab.wikimedia.org/toolforge-repos/sample",
					ImageName: "cleanup",
				},
			},
		},
	}

	rendered, warnings, err := newGenerator(rt).Generate(context.Background(), "sample")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if len(warnings) != 1 || !strings.Contains(warnings[0], "legacy is not a build-service based job") {
		t.Errorf("warnings = %v", warnings)
	}

	var cfg toolforgev1.ToolConfigSpec
	if err := yaml.Unmarshal([]byte(rendered), &cfg); err != nil {
		t.Fatalf("generated config does not parse: %v\n%s", err, rendered)
	}
	if cfg.ConfigVersion != toolforgev1.ConfigVersionV1Beta1 {
		t.Errorf("config_version = %s", cfg.ConfigVersion)
	}

	web, ok := cfg.Components.Get("web")
	if !ok {
		t.Fatalf("web component missing:\n%s", rendered)
	}
	if web.ComponentType != toolforgev1.ComponentTypeContinuous {
		t.Errorf("web component_type = %s", web.ComponentType)
	}
	build, ok := web.Build.(*toolforgev1.SourceBuildInfo)
	if !ok || build.Repository != "https://gitlab.wikimedia.org/toolforge-repos/sample" || build.Ref != "main" {
		t.Errorf("web build = %+v", web.Build)
	}
	run, ok := web.Run.(*toolforgev1.ContinuousRunSpec)
	if !ok || run.Command != "./web" || run.Port != 8000 || run.HealthCheckHTTP != "/healthz" {
		t.Errorf("web run = %+v", web.Run)
	}

	cleanup, ok := cfg.Components.Get("cleanup")
	if !ok {
		t.Fatalf("cleanup component missing:\n%s", rendered)
	}
	if cleanup.ComponentType != toolforgev1.ComponentTypeScheduled {
		t.Errorf("cleanup component_type = %s", cleanup.ComponentType)
	}
	cleanupBuild, ok := cleanup.Build.(*toolforgev1.SourceBuildInfo)
	if !ok || cleanupBuild.Ref != "HEAD" {
		t.Errorf("cleanup build = %+v, want the HEAD default", cleanup.Build)
	}
	scheduled, ok := cleanup.Run.(*toolforgev1.ScheduledRunSpec)
	if !ok || scheduled.Schedule != "@daily" || scheduled.Timeout != 600 {
		t.Errorf("cleanup run = %+v", cleanup.Run)
	}

	if _, ok := cfg.Components.Get("legacy"); ok {
		t.Error("the hand-picked image job leaked into the config")
	}
}

func TestGenerate_NoBuildServiceJobsReturnsExample(t *testing.T) {
	rt := &fakeRuntime{
		jobs: []runtime.Job{{Name: "legacy", Cmd: "./legacy.sh", Image: "some-base-image:latest"}},
	}

	rendered, warnings, err := newGenerator(rt).Generate(context.Background(), "sample")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if rendered != ExampleConfig {
		t.Errorf("rendered = %q, want the example config", rendered)
	}

	found := false
	for _, w := range warnings {
		if strings.Contains(w, "No build-service based jobs found") {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v", warnings)
	}
}

func TestGenerate_NoJobsAtAll(t *testing.T) {
	rendered, warnings, err := newGenerator(&fakeRuntime{}).Generate(context.Background(), "sample")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if rendered != ExampleConfig {
		t.Errorf("rendered = %q, want the example config", rendered)
	}
	if len(warnings) != 1 {
		t.Errorf("warnings = %v", warnings)
	}
}
