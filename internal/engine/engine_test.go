// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	toolforgev1 "github.com/toolforge/components-api/api/v1"
	"github.com/toolforge/components-api/internal/runtime"
	"github.com/toolforge/components-api/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRuntime scripts the platform responses per component.
type fakeRuntime struct {
	mu sync.Mutex

	startBuild   func(component string, build *toolforgev1.SourceBuildInfo, force bool) (*toolforgev1.BuildProgress, error)
	getBuildInfo func(progress *toolforgev1.BuildProgress) (*toolforgev1.BuildProgress, error)
	runJob       func(component, image string) (string, error)

	cancelled   []string
	deletedJobs []string
	ranJobs     []string
	images      map[string]string
}

func (f *fakeRuntime) StartBuild(_ context.Context, _, component string, build *toolforgev1.SourceBuildInfo, force bool) (*toolforgev1.BuildProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startBuild != nil {
		return f.startBuild(component, build, force)
	}
	return &toolforgev1.BuildProgress{BuildID: "build-" + component, State: toolforgev1.BuildStatePending}, nil
}

func (f *fakeRuntime) GetBuildInfo(_ context.Context, _ string, progress *toolforgev1.BuildProgress) (*toolforgev1.BuildProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getBuildInfo != nil {
		return f.getBuildInfo(progress)
	}
	out := *progress
	out.State = toolforgev1.BuildStateSuccessful
	out.Image = "registry/" + progress.BuildID + ":latest"
	return &out, nil
}

func (f *fakeRuntime) CancelBuild(_ context.Context, _, buildID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, buildID)
	return nil
}

func (f *fakeRuntime) RunContinuousJob(_ context.Context, _, component string, _ *toolforgev1.ContinuousRunSpec, image string, _ bool) (string, error) {
	return f.recordJob(component, image)
}

func (f *fakeRuntime) RunScheduledJob(_ context.Context, _, component string, _ *toolforgev1.ScheduledRunSpec, image string) (string, error) {
	return f.recordJob(component, image)
}

func (f *fakeRuntime) recordJob(component, image string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runJob != nil {
		return f.runJob(component, image)
	}
	f.ranJobs = append(f.ranJobs, component)
	if f.images == nil {
		f.images = make(map[string]string)
	}
	f.images[component] = image
	return fmt.Sprintf("created or updated job %s", component), nil
}

func (f *fakeRuntime) DeleteJobIfExists(_ context.Context, _, component string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedJobs = append(f.deletedJobs, component)
	return "", nil
}

func (f *fakeRuntime) ListJobs(context.Context, string) ([]runtime.Job, error) {
	return nil, nil
}

func (f *fakeRuntime) ListBuilds(context.Context, string) ([]runtime.Build, error) {
	return nil, nil
}

func testConfig() *toolforgev1.ToolConfigSpec {
	cfg := &toolforgev1.ToolConfigSpec{ConfigVersion: toolforgev1.ConfigVersionV1Beta1}
	cfg.Components.Set("web", toolforgev1.ComponentInfo{
		ComponentType: toolforgev1.ComponentTypeContinuous,
		Build:         &toolforgev1.SourceBuildInfo{Repository: "https://example.org/repo"},
		Run:           &toolforgev1.ContinuousRunSpec{Command: "./web"},
	})
	cfg.Components.Set("cron", toolforgev1.ComponentInfo{
		ComponentType: toolforgev1.ComponentTypeScheduled,
		Build:         &toolforgev1.SourceBuildReference{ReuseFrom: "web"},
		Run:           &toolforgev1.ScheduledRunSpec{Command: "./cron", Schedule: "@daily"},
	})
	return cfg
}

type fixture struct {
	store  *storage.MockStorage
	rt     *fakeRuntime
	engine *Engine
	d      *toolforgev1.ToolDeploymentSpec
}

func newFixture(t *testing.T, rt *fakeRuntime, opts Options) *fixture {
	t.Helper()
	store := storage.NewMockStorage(storage.Options{
		MaxDeploymentsRetained: 10,
		DeploymentTimeout:      time.Hour,
		Now:                    opts.Now,
	}, discardLogger())

	d := toolforgev1.NewToolDeployment(testConfig(), time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC), false, false)
	if err := store.CreateDeployment(context.Background(), "sample", d); err != nil {
		t.Fatalf("CreateDeployment failed: %v", err)
	}

	if opts.Sleep == nil {
		opts.Sleep = func(context.Context, time.Duration) error { return nil }
	}
	if opts.BuildTimeout == 0 {
		opts.BuildTimeout = 30 * time.Minute
	}
	return &fixture{
		store:  store,
		rt:     rt,
		engine: New(store, rt, opts, discardLogger()),
		d:      d,
	}
}

func (f *fixture) stored(t *testing.T) *toolforgev1.ToolDeploymentSpec {
	t.Helper()
	got, err := f.store.GetDeployment(context.Background(), "sample", f.d.DeployID)
	if err != nil {
		t.Fatalf("GetDeployment failed: %v", err)
	}
	return got
}

func TestDeploy_HappyPath(t *testing.T) {
	rt := &fakeRuntime{}
	f := newFixture(t, rt, Options{})

	f.engine.Deploy(context.Background(), "sample", f.d.DeepCopy())

	got := f.stored(t)
	if got.Status != toolforgev1.DeploymentStateSuccessful {
		t.Fatalf("status = %s (%s)", got.Status, got.LongStatus)
	}
	if !strings.HasPrefix(got.LongStatus, "Finished at ") {
		t.Errorf("long_status = %q", got.LongStatus)
	}

	web, _ := got.Builds.Get("web")
	if web.State != toolforgev1.BuildStateSuccessful {
		t.Errorf("web build state = %s", web.State)
	}
	cron, _ := got.Builds.Get("cron")
	if cron.State != toolforgev1.BuildStateSkipped || cron.LongStatus != "Component re-uses build from web" {
		t.Errorf("cron build = %+v", cron)
	}

	for _, name := range []string{"web", "cron"} {
		run, _ := got.Runs.Get(name)
		if run.State != toolforgev1.RunStateSuccessful {
			t.Errorf("%s run state = %s (%s)", name, run.State, run.LongStatus)
		}
	}

	// both jobs run against the image of the source-built component
	if rt.images["web"] != runtime.ImageName("sample", "web") {
		t.Errorf("web image = %s", rt.images["web"])
	}
	if rt.images["cron"] != runtime.ImageName("sample", "web") {
		t.Errorf("cron image = %s, want the reused web image", rt.images["cron"])
	}

	// the successful build means the existing jobs were recreated
	if len(rt.deletedJobs) != 2 {
		t.Errorf("deleted jobs = %v", rt.deletedJobs)
	}
}

func TestDeploy_BuildStartFailureSkipsRuns(t *testing.T) {
	rt := &fakeRuntime{
		startBuild: func(string, *toolforgev1.SourceBuildInfo, bool) (*toolforgev1.BuildProgress, error) {
			return nil, fmt.Errorf("ref gone: %w", runtime.ErrRefNotFound)
		},
	}
	f := newFixture(t, rt, Options{})

	f.engine.Deploy(context.Background(), "sample", f.d.DeepCopy())

	got := f.stored(t)
	if got.Status != toolforgev1.DeploymentStateFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if !strings.Contains(got.LongStatus, "Failed to start some builds: web") {
		t.Errorf("long_status = %q", got.LongStatus)
	}

	web, _ := got.Builds.Get("web")
	if web.State != toolforgev1.BuildStateFailed || web.BuildID != toolforgev1.NoBuildNeeded {
		t.Errorf("web build = %+v", web)
	}

	for _, name := range []string{"web", "cron"} {
		run, _ := got.Runs.Get(name)
		if run.State != toolforgev1.RunStateSkipped || run.LongStatus != "Skipped due to previous failure" {
			t.Errorf("%s run = %+v", name, run)
		}
	}
}

func TestDeploy_BuildFailureReported(t *testing.T) {
	rt := &fakeRuntime{
		getBuildInfo: func(progress *toolforgev1.BuildProgress) (*toolforgev1.BuildProgress, error) {
			out := *progress
			out.State = toolforgev1.BuildStateFailed
			return &out, nil
		},
	}
	f := newFixture(t, rt, Options{})

	f.engine.Deploy(context.Background(), "sample", f.d.DeepCopy())

	got := f.stored(t)
	if got.Status != toolforgev1.DeploymentStateFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if !strings.Contains(got.LongStatus, "Some builds failed: web (build-web)") {
		t.Errorf("long_status = %q", got.LongStatus)
	}
}

func TestDeploy_BuildTimeout(t *testing.T) {
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	rt := &fakeRuntime{
		getBuildInfo: func(progress *toolforgev1.BuildProgress) (*toolforgev1.BuildProgress, error) {
			out := *progress
			out.State = toolforgev1.BuildStateRunning
			return &out, nil
		},
	}
	f := newFixture(t, rt, Options{
		BuildTimeout: 10 * time.Minute,
		Now:          func() time.Time { return now },
		Sleep: func(context.Context, time.Duration) error {
			now = now.Add(5 * time.Minute)
			return nil
		},
	})

	f.engine.Deploy(context.Background(), "sample", f.d.DeepCopy())

	got := f.stored(t)
	if got.Status != toolforgev1.DeploymentStateFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if !strings.Contains(got.LongStatus, "Some builds took too long to finish: web") {
		t.Errorf("long_status = %q", got.LongStatus)
	}
}

func TestDeploy_CancelDuringPoll(t *testing.T) {
	f := &fixture{}
	polls := 0
	rt := &fakeRuntime{
		getBuildInfo: func(progress *toolforgev1.BuildProgress) (*toolforgev1.BuildProgress, error) {
			polls++
			if polls > 1 {
				// user cancels while the build drags on
				current, err := f.store.GetDeployment(context.Background(), "sample", f.d.DeployID)
				if err != nil {
					return nil, err
				}
				current.Status = toolforgev1.DeploymentStateCancelling
				if err := f.store.UpdateDeployment(context.Background(), "sample", current); err != nil {
					return nil, err
				}
			}
			out := *progress
			out.State = toolforgev1.BuildStateRunning
			return &out, nil
		},
	}
	*f = *newFixture(t, rt, Options{})

	f.engine.Deploy(context.Background(), "sample", f.d.DeepCopy())

	got := f.stored(t)
	if got.Status != toolforgev1.DeploymentStateCancelled {
		t.Fatalf("status = %s", got.Status)
	}
	if got.LongStatus != "Deployment was cancelled" {
		t.Errorf("long_status = %q", got.LongStatus)
	}

	// the in-flight build was cancelled and marked so
	if len(rt.cancelled) != 1 || rt.cancelled[0] != "build-web" {
		t.Errorf("cancelled builds = %v", rt.cancelled)
	}
	web, _ := got.Builds.Get("web")
	if web.State != toolforgev1.BuildStateCancelled {
		t.Errorf("web build state = %s", web.State)
	}

	for _, name := range []string{"web", "cron"} {
		run, _ := got.Runs.Get(name)
		if run.State != toolforgev1.RunStateSkipped || run.LongStatus != "Deployment was cancelled" {
			t.Errorf("%s run = %+v", name, run)
		}
	}
}

func TestDeploy_SupersededAbandonsSilently(t *testing.T) {
	created := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	now := created
	rt := &fakeRuntime{
		getBuildInfo: func(progress *toolforgev1.BuildProgress) (*toolforgev1.BuildProgress, error) {
			out := *progress
			out.State = toolforgev1.BuildStateRunning
			return &out, nil
		},
	}
	f := newFixture(t, rt, Options{
		BuildTimeout: 24 * time.Hour,
		Now:          func() time.Time { return now },
		Sleep: func(context.Context, time.Duration) error {
			// push past the storage deployment timeout so the sweep takes over
			now = now.Add(2 * time.Hour)
			return nil
		},
	})

	f.engine.Deploy(context.Background(), "sample", f.d.DeepCopy())

	got := f.stored(t)
	if got.Status != toolforgev1.DeploymentStateTimedOut {
		t.Errorf("status = %s, want the sweep's timed_out to stand", got.Status)
	}
}

func TestDeploy_RunFailureFailsDeployment(t *testing.T) {
	rt := &fakeRuntime{}
	rt.runJob = func(component, _ string) (string, error) {
		if component == "web" {
			return "", &runtime.APIError{
				StatusCode: 500,
				Messages:   runtime.Messages{Error: []string{"jobs api exploded"}},
			}
		}
		return "created or updated job " + component, nil
	}
	f := newFixture(t, rt, Options{})

	f.engine.Deploy(context.Background(), "sample", f.d.DeepCopy())

	got := f.stored(t)
	if got.Status != toolforgev1.DeploymentStateFailed {
		t.Fatalf("status = %s", got.Status)
	}

	web, _ := got.Runs.Get("web")
	if web.State != toolforgev1.RunStateFailed {
		t.Errorf("web run = %+v", web)
	}
	if !strings.Contains(web.LongStatus, "request failed (500): jobs api exploded") {
		t.Errorf("web run long_status = %q", web.LongStatus)
	}

	cron, _ := got.Runs.Get("cron")
	if cron.State != toolforgev1.RunStateSkipped || cron.LongStatus != "Skipped due to previous failure" {
		t.Errorf("cron run = %+v", cron)
	}
}

func TestDeploy_ReusedSuccessfulBuildSkipsJobRecreation(t *testing.T) {
	rt := &fakeRuntime{
		startBuild: func(component string, _ *toolforgev1.SourceBuildInfo, _ bool) (*toolforgev1.BuildProgress, error) {
			return &toolforgev1.BuildProgress{
				BuildID:    "build-" + component,
				State:      toolforgev1.BuildStateSkipped,
				LongStatus: "Reusing existing build",
				Image:      "registry/build-" + component + ":latest",
			}, nil
		},
	}
	f := newFixture(t, rt, Options{})

	f.engine.Deploy(context.Background(), "sample", f.d.DeepCopy())

	got := f.stored(t)
	if got.Status != toolforgev1.DeploymentStateSuccessful {
		t.Fatalf("status = %s (%s)", got.Status, got.LongStatus)
	}

	// nothing was rebuilt, so existing jobs are updated in place
	if len(rt.deletedJobs) != 0 {
		t.Errorf("deleted jobs = %v, want none", rt.deletedJobs)
	}
	if len(rt.ranJobs) != 2 {
		t.Errorf("ran jobs = %v", rt.ranJobs)
	}
}
