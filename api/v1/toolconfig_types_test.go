// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const sampleConfigJSON = `{
	"config_version": "v1beta1",
	"components": {
		"web": {
			"component_type": "continuous",
			"build": {"repository": "https://gitlab.wikimedia.org/toolforge-repos/sample", "ref": "main"},
			"run": {"command": "./web", "port": 8000, "replicas": 2}
		},
		"cleanup": {
			"component_type": "scheduled",
			"build": {"reuse_from": "web"},
			"run": {"command": "./cleanup", "schedule": "@daily"}
		}
	}
}`

func TestToolConfigSpec_UnmarshalUnions(t *testing.T) {
	var cfg ToolConfigSpec
	if err := json.Unmarshal([]byte(sampleConfigJSON), &cfg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	web, ok := cfg.Components.Get("web")
	if !ok {
		t.Fatal("component web missing")
	}
	build, ok := web.Build.(*SourceBuildInfo)
	if !ok {
		t.Fatalf("web build = %T, want *SourceBuildInfo", web.Build)
	}
	if build.Repository != "https://gitlab.wikimedia.org/toolforge-repos/sample" || build.Ref != "main" {
		t.Errorf("unexpected build spec: %+v", build)
	}
	run, ok := web.Run.(*ContinuousRunSpec)
	if !ok {
		t.Fatalf("web run = %T, want *ContinuousRunSpec", web.Run)
	}
	if run.Command != "./web" || run.Port != 8000 || run.Replicas != 2 {
		t.Errorf("unexpected run spec: %+v", run)
	}

	cleanup, ok := cfg.Components.Get("cleanup")
	if !ok {
		t.Fatal("component cleanup missing")
	}
	ref, ok := cleanup.Build.(*SourceBuildReference)
	if !ok {
		t.Fatalf("cleanup build = %T, want *SourceBuildReference", cleanup.Build)
	}
	if ref.ReuseFrom != "web" {
		t.Errorf("reuse_from = %q, want web", ref.ReuseFrom)
	}
	if _, ok := cleanup.Run.(*ScheduledRunSpec); !ok {
		t.Fatalf("cleanup run = %T, want *ScheduledRunSpec", cleanup.Run)
	}
}

func TestToolConfigSpec_RoundTripPreservesOrder(t *testing.T) {
	var cfg ToolConfigSpec
	if err := json.Unmarshal([]byte(sampleConfigJSON), &cfg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if diff := cmp.Diff([]string{"web", "cleanup"}, cfg.Components.Names()); diff != "" {
		t.Fatalf("component order mismatch (-want +got):\n%s", diff)
	}

	raw, err := json.Marshal(&cfg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !(strings.Index(string(raw), `"web"`) < strings.Index(string(raw), `"cleanup"`)) {
		t.Errorf("marshalled output lost declaration order: %s", raw)
	}

	var again ToolConfigSpec
	if err := json.Unmarshal(raw, &again); err != nil {
		t.Fatalf("re-Unmarshal failed: %v", err)
	}
	if again.Components.Len() != 2 {
		t.Errorf("round-trip lost components: %v", again.Components.Names())
	}
}

func TestComponentInfo_UnknownComponentType(t *testing.T) {
	var c ComponentInfo
	err := json.Unmarshal([]byte(`{"component_type": "one-off"}`), &c)
	if err == nil || !strings.Contains(err.Error(), "unknown component type") {
		t.Errorf("expected unknown component type error, got %v", err)
	}
}

func TestToolConfigSpec_Validate(t *testing.T) {
	validBuild := &SourceBuildInfo{Repository: "https://example.org/repo"}
	validRun := &ContinuousRunSpec{Command: "./run"}

	tests := []struct {
		name    string
		mutate  func(*ToolConfigSpec)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(*ToolConfigSpec) {},
		},
		{
			name:    "wrong config version",
			mutate:  func(s *ToolConfigSpec) { s.ConfigVersion = "v2" },
			wantErr: "unsupported config_version",
		},
		{
			name: "empty components",
			mutate: func(s *ToolConfigSpec) {
				s.Components = ComponentMap{}
			},
			wantErr: "components must not be empty",
		},
		{
			name: "bad component name",
			mutate: func(s *ToolConfigSpec) {
				s.Components.Set("Bad_Name", ComponentInfo{
					ComponentType: ComponentTypeContinuous,
					Build:         validBuild,
					Run:           validRun,
				})
			},
			wantErr: "invalid component name",
		},
		{
			name: "missing run command",
			mutate: func(s *ToolConfigSpec) {
				s.Components.Set("web", ComponentInfo{
					ComponentType: ComponentTypeContinuous,
					Build:         validBuild,
					Run:           &ContinuousRunSpec{},
				})
			},
			wantErr: `run.command does not satisfy "required"`,
		},
		{
			name: "repository not a url",
			mutate: func(s *ToolConfigSpec) {
				s.Components.Set("web", ComponentInfo{
					ComponentType: ComponentTypeContinuous,
					Build:         &SourceBuildInfo{Repository: "not a url"},
					Run:           validRun,
				})
			},
			wantErr: `build.repository does not satisfy "url"`,
		},
		{
			name: "reuse_from points nowhere",
			mutate: func(s *ToolConfigSpec) {
				s.Components.Set("other", ComponentInfo{
					ComponentType: ComponentTypeContinuous,
					Build:         &SourceBuildReference{ReuseFrom: "missing"},
					Run:           validRun,
				})
			},
			wantErr: "invalid reuse_from in components: other",
		},
		{
			name: "reuse_from points at another reference",
			mutate: func(s *ToolConfigSpec) {
				s.Components.Set("a", ComponentInfo{
					ComponentType: ComponentTypeContinuous,
					Build:         &SourceBuildReference{ReuseFrom: "b"},
					Run:           validRun,
				})
				s.Components.Set("b", ComponentInfo{
					ComponentType: ComponentTypeContinuous,
					Build:         &SourceBuildReference{ReuseFrom: "web"},
					Run:           validRun,
				})
			},
			wantErr: "invalid reuse_from in components: a",
		},
		{
			name: "both health checks set",
			mutate: func(s *ToolConfigSpec) {
				s.Components.Set("web", ComponentInfo{
					ComponentType: ComponentTypeContinuous,
					Build:         validBuild,
					Run: &ContinuousRunSpec{
						Command:           "./run",
						HealthCheckHTTP:   "/healthz",
						HealthCheckScript: "./check.sh",
					},
				})
			},
			wantErr: "only one of health_check_http and health_check_script",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ToolConfigSpec{ConfigVersion: ConfigVersionV1Beta1}
			cfg.Components.Set("web", ComponentInfo{
				ComponentType: ComponentTypeContinuous,
				Build:         validBuild,
				Run:           validRun,
			})
			tt.mutate(&cfg)

			errs := cfg.Validate()
			if tt.wantErr == "" {
				if len(errs) > 0 {
					t.Errorf("expected no errors, got %v", errs)
				}
				return
			}
			found := false
			for _, e := range errs {
				if strings.Contains(e, tt.wantErr) {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, errs)
			}
		})
	}
}

func TestUnknownConfigFields(t *testing.T) {
	raw := []byte(`{
		"config_version": "v1beta1",
		"surprise": true,
		"components": {
			"web": {
				"component_type": "continuous",
				"build": {"repository": "https://example.org/repo", "branch": "main"},
				"run": {"command": "./web", "schedule": "@daily"},
				"extra": 1
			}
		}
	}`)

	unknown, err := UnknownConfigFields(raw)
	if err != nil {
		t.Fatalf("UnknownConfigFields failed: %v", err)
	}

	want := []string{
		"components.web.build.branch",
		"components.web.extra",
		"components.web.run.schedule",
		"toplevel.surprise",
	}
	if diff := cmp.Diff(want, unknown); diff != "" {
		t.Errorf("unknown fields mismatch (-want +got):\n%s", diff)
	}
}

func TestToolConfigSpec_DeepCopy(t *testing.T) {
	var cfg ToolConfigSpec
	if err := json.Unmarshal([]byte(sampleConfigJSON), &cfg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	cp := cfg.DeepCopy()
	web, _ := cp.Components.Get("web")
	web.Build.(*SourceBuildInfo).Ref = "changed"
	cp.Components.Set("web", web)

	original, _ := cfg.Components.Get("web")
	if original.Build.(*SourceBuildInfo).Ref != "main" {
		t.Error("DeepCopy shares build spec with the original")
	}
}
