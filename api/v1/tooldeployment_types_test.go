// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"encoding/json"
	"regexp"
	"strings"
	"testing"
	"time"
)

var deployIDRe = regexp.MustCompile(`^\d{8}-\d{6}-[a-z0-9]{10}$`)

func TestNewDeployID(t *testing.T) {
	now := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)

	id := NewDeployID(now)
	if !deployIDRe.MatchString(id) {
		t.Fatalf("deploy id %q does not match the expected shape", id)
	}
	if !strings.HasPrefix(id, "20250314-150926-") {
		t.Errorf("deploy id %q does not start with the creation timestamp", id)
	}

	if other := NewDeployID(now); other == id {
		t.Errorf("two deploy ids for the same instant collided: %s", id)
	}
}

func TestParseCreationTime(t *testing.T) {
	now := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
	parsed, err := ParseCreationTime(FormatCreationTime(now))
	if err != nil {
		t.Fatalf("ParseCreationTime failed: %v", err)
	}
	if !parsed.Equal(now) {
		t.Errorf("parsed = %v, want %v", parsed, now)
	}

	if _, err := ParseCreationTime("not-a-time"); err == nil {
		t.Error("expected error for garbage creation time")
	}
}

func TestDeploymentState_Predicates(t *testing.T) {
	tests := []struct {
		state    DeploymentState
		terminal bool
		active   bool
	}{
		{DeploymentStatePending, false, true},
		{DeploymentStateRunning, false, true},
		{DeploymentStateCancelling, false, false},
		{DeploymentStateSuccessful, true, false},
		{DeploymentStateFailed, true, false},
		{DeploymentStateCancelled, true, false},
		{DeploymentStateTimedOut, true, false},
	}
	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.state, got, tt.terminal)
		}
		if got := tt.state.Active(); got != tt.active {
			t.Errorf("%s.Active() = %v, want %v", tt.state, got, tt.active)
		}
	}
}

func TestNewToolDeployment(t *testing.T) {
	var cfg ToolConfigSpec
	if err := json.Unmarshal([]byte(sampleConfigJSON), &cfg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	now := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)

	d := NewToolDeployment(&cfg, now, true, false)
	if d.Status != DeploymentStatePending {
		t.Errorf("status = %s, want pending", d.Status)
	}
	if d.CreationTime != "20250314-150926" {
		t.Errorf("creation_time = %s", d.CreationTime)
	}
	if !d.ForceBuild || d.ForceRun {
		t.Errorf("force flags = %v/%v, want true/false", d.ForceBuild, d.ForceRun)
	}

	// the snapshot must not alias the live config
	web, _ := cfg.Components.Get("web")
	web.Build.(*SourceBuildInfo).Ref = "changed"
	snapshot, _ := d.ToolConfig.Components.Get("web")
	if snapshot.Build.(*SourceBuildInfo).Ref != "main" {
		t.Error("tool_config snapshot aliases the source config")
	}
}

func TestBuildProgressMap_RoundTrip(t *testing.T) {
	var m BuildProgressMap
	m.Set("web", BuildProgress{BuildID: "b-1", State: BuildStateRunning})
	m.Set("api", BuildProgress{BuildID: NoBuildNeeded, State: BuildStateSkipped, Image: NoImageYet})

	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !(strings.Index(string(raw), `"web"`) < strings.Index(string(raw), `"api"`)) {
		t.Errorf("marshalled output lost insertion order: %s", raw)
	}

	var again BuildProgressMap
	if err := json.Unmarshal(raw, &again); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	web, ok := again.Get("web")
	if !ok || web.BuildID != "b-1" || web.State != BuildStateRunning {
		t.Errorf("web entry = %+v, ok=%v", web, ok)
	}
	names := again.Names()
	if len(names) != 2 || names[0] != "web" || names[1] != "api" {
		t.Errorf("names = %v", names)
	}
}

func TestRunProgressMap_NullInput(t *testing.T) {
	var m RunProgressMap
	if err := json.Unmarshal([]byte(`null`), &m); err != nil {
		t.Fatalf("Unmarshal of null failed: %v", err)
	}
	if m.Len() != 0 {
		t.Errorf("expected empty map, got %v", m.Names())
	}
}

func TestToolDeploymentSpec_JSONRoundTrip(t *testing.T) {
	var cfg ToolConfigSpec
	if err := json.Unmarshal([]byte(sampleConfigJSON), &cfg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	d := NewToolDeployment(&cfg, time.Now(), false, false)
	d.Builds.Set("web", BuildProgress{BuildID: "b-1", State: BuildStateSuccessful, Image: "tool-sample/web:latest"})
	d.Runs.Set("web", RunProgress{State: RunStateSuccessful, LongStatus: "created or updated job web"})

	raw, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var again ToolDeploymentSpec
	if err := json.Unmarshal(raw, &again); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if again.DeployID != d.DeployID || again.Status != DeploymentStatePending {
		t.Errorf("round-trip changed identity: %+v", again)
	}
	build, _ := again.Builds.Get("web")
	if build.Image != "tool-sample/web:latest" {
		t.Errorf("build progress lost: %+v", build)
	}
	run, _ := again.Runs.Get("web")
	if run.LongStatus != "created or updated job web" {
		t.Errorf("run progress lost: %+v", run)
	}
}
