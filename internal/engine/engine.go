// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine drives deployments through their build and run phases.
// One engine task owns one deployment; tasks for different deployments run
// in parallel inside a bounded pool.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	toolforgev1 "github.com/toolforge/components-api/api/v1"
	"github.com/toolforge/components-api/internal/runtime"
	"github.com/toolforge/components-api/internal/storage"
)

// Control-flow sentinels of a single engine task. They never escape Deploy.
var (
	// errCancelled is observed when a user flipped the deployment to
	// cancelling between steps.
	errCancelled = errors.New("deployment was cancelled")
	// errSuperseded means the timeout sweep took the deployment away from
	// this task. The task stops writing and goes away quietly.
	errSuperseded = errors.New("deployment was superseded")
)

// buildFailedError carries the user-facing reason the build phase failed.
type buildFailedError struct{ message string }

func (e *buildFailedError) Error() string { return e.message }

// runFailedError carries the user-facing reason the run phase failed.
type runFailedError struct{ message string }

func (e *runFailedError) Error() string { return e.message }

// Options tunes the engine timing knobs. The clock and sleep hooks exist so
// tests can run the poll loop without real time passing.
type Options struct {
	// BuildTimeout bounds the build poll loop.
	BuildTimeout time.Duration
	// PollInterval is the pause between build status sweeps. Defaults to
	// two seconds.
	PollInterval time.Duration
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
	// Sleep pauses between poll sweeps. Defaults to a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.PollInterval == 0 {
		out.PollInterval = 2 * time.Second
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.Sleep == nil {
		out.Sleep = func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		}
	}
	return out
}

// Engine executes deployments.
type Engine struct {
	store   storage.Interface
	runtime runtime.Interface
	opts    Options
	logger  *slog.Logger
}

// New creates an engine.
func New(store storage.Interface, rt runtime.Interface, opts Options, logger *slog.Logger) *Engine {
	return &Engine{
		store:   store,
		runtime: rt,
		opts:    opts.withDefaults(),
		logger:  logger,
	}
}

// Deploy runs one deployment to a terminal state. It never returns an
// error: every failure mode ends up recorded on the deployment itself.
func (e *Engine) Deploy(ctx context.Context, tool string, d *toolforgev1.ToolDeploymentSpec) {
	logger := e.logger.With("tool", tool, "deploy_id", d.DeployID)
	logger.Info("Starting deployment")

	err := e.execute(ctx, tool, d)
	switch {
	case err == nil:
		d.Status = toolforgev1.DeploymentStateSuccessful
		d.LongStatus = fmt.Sprintf("Finished at %s", e.opts.Now().UTC())
		logger.Info("Deployment finished")
	case errors.Is(err, errSuperseded):
		logger.Warn("Deployment superseded by the timeout sweep, abandoning")
		return
	case errors.Is(err, errCancelled):
		d.Status = toolforgev1.DeploymentStateCancelled
		d.LongStatus = "Deployment was cancelled"
		e.cancelBuilds(ctx, tool, d, logger)
		logger.Info("Deployment cancelled")
	default:
		d.Status = toolforgev1.DeploymentStateFailed
		d.LongStatus = fmt.Sprintf("Got exception: %s", err)
		logger.Error("Deployment failed", "error", err)
	}

	e.skipRemainingRuns(d)
	if err := e.store.UpdateDeployment(ctx, tool, d); err != nil {
		logger.Error("Failed to persist final deployment state", "error", err)
	}
}

func (e *Engine) execute(ctx context.Context, tool string, d *toolforgev1.ToolDeploymentSpec) error {
	d.Status = toolforgev1.DeploymentStateRunning
	d.LongStatus = fmt.Sprintf("Started at %s", e.opts.Now().UTC())
	if err := e.persist(ctx, tool, d); err != nil {
		return err
	}
	if err := e.buildPhase(ctx, tool, d); err != nil {
		return err
	}
	return e.runPhase(ctx, tool, d)
}

// checkCancelled re-reads the deployment and reports a user cancellation or
// a lost lease. A read failure is not fatal; the next persist will look
// again.
func (e *Engine) checkCancelled(ctx context.Context, tool string, d *toolforgev1.ToolDeploymentSpec) error {
	current, err := e.store.GetDeployment(ctx, tool, d.DeployID)
	if err != nil {
		e.logger.Warn("Failed to re-read deployment for cancellation check",
			"tool", tool, "deploy_id", d.DeployID, "error", err)
		return nil
	}
	switch current.Status {
	case toolforgev1.DeploymentStateCancelling:
		return errCancelled
	case toolforgev1.DeploymentStateTimedOut:
		return errSuperseded
	}
	return nil
}

// persist writes the deployment after checking for a concurrent cancel.
func (e *Engine) persist(ctx context.Context, tool string, d *toolforgev1.ToolDeploymentSpec) error {
	if err := e.checkCancelled(ctx, tool, d); err != nil {
		return err
	}
	err := e.store.UpdateDeployment(ctx, tool, d)
	if errors.Is(err, storage.ErrSuperseded) {
		return errSuperseded
	}
	return err
}

// buildPhase starts (or reuses) a build per component, then polls until
// every build settles, the build timeout strikes, or the user cancels.
func (e *Engine) buildPhase(ctx context.Context, tool string, d *toolforgev1.ToolDeploymentSpec) error {
	if err := e.checkCancelled(ctx, tool, d); err != nil {
		return err
	}

	var startFailures []string
	for _, name := range d.ToolConfig.Components.Names() {
		component, _ := d.ToolConfig.Components.Get(name)
		switch build := component.Build.(type) {
		case *toolforgev1.SourceBuildInfo:
			progress, err := e.runtime.StartBuild(ctx, tool, name, build, d.ForceBuild)
			if err != nil {
				d.Builds.Set(name, toolforgev1.BuildProgress{
					BuildID:    toolforgev1.NoBuildNeeded,
					State:      toolforgev1.BuildStateFailed,
					LongStatus: parseBuildError(err),
				})
				startFailures = append(startFailures, name)
				continue
			}
			d.Builds.Set(name, *progress)
		case *toolforgev1.SourceBuildReference:
			d.Builds.Set(name, toolforgev1.BuildProgress{
				BuildID:    toolforgev1.NoBuildNeeded,
				State:      toolforgev1.BuildStateSkipped,
				LongStatus: fmt.Sprintf("Component re-uses build from %s", build.ReuseFrom),
			})
		default:
			d.Builds.Set(name, toolforgev1.BuildProgress{
				BuildID: toolforgev1.NoBuildNeeded,
				State:   toolforgev1.BuildStateSkipped,
			})
		}
	}
	if err := e.persist(ctx, tool, d); err != nil {
		return err
	}
	if len(startFailures) > 0 {
		return &buildFailedError{
			message: fmt.Sprintf("Failed to start some builds: %s", strings.Join(startFailures, ", ")),
		}
	}

	if err := e.pollBuilds(ctx, tool, d); err != nil {
		return err
	}

	var failed []string
	for _, name := range d.Builds.Names() {
		progress, _ := d.Builds.Get(name)
		if progress.State == toolforgev1.BuildStateFailed {
			failed = append(failed, fmt.Sprintf("%s (%s)", name, progress.BuildID))
		}
	}
	if len(failed) > 0 {
		return &buildFailedError{
			message: fmt.Sprintf("Some builds failed: %s", strings.Join(failed, ", ")),
		}
	}
	return nil
}

// pollBuilds watches the in-flight builds until they all settle.
func (e *Engine) pollBuilds(ctx context.Context, tool string, d *toolforgev1.ToolDeploymentSpec) error {
	inFlight := make(map[string]bool)
	for _, name := range d.Builds.Names() {
		progress, _ := d.Builds.Get(name)
		if progress.State == toolforgev1.BuildStatePending || progress.State == toolforgev1.BuildStateRunning {
			inFlight[name] = true
		}
	}

	start := e.opts.Now()
	for len(inFlight) > 0 {
		if err := e.opts.Sleep(ctx, e.opts.PollInterval); err != nil {
			return err
		}

		changed := false
		for _, name := range d.Builds.Names() {
			if !inFlight[name] {
				continue
			}
			progress, _ := d.Builds.Get(name)
			refreshed, err := e.runtime.GetBuildInfo(ctx, tool, &progress)
			if err != nil {
				return err
			}
			if *refreshed != progress {
				d.Builds.Set(name, *refreshed)
				changed = true
			}
			if refreshed.State == toolforgev1.BuildStateSuccessful || refreshed.State == toolforgev1.BuildStateFailed {
				delete(inFlight, name)
			}
			e.logger.Debug("Polled build", "tool", tool, "deploy_id", d.DeployID,
				"component", name, "build_id", refreshed.BuildID, "state", refreshed.State)
		}
		if changed {
			if err := e.persist(ctx, tool, d); err != nil {
				return err
			}
		} else if err := e.checkCancelled(ctx, tool, d); err != nil {
			return err
		}

		if len(inFlight) > 0 && e.opts.Now().Sub(start) >= e.opts.BuildTimeout {
			var slow []string
			for _, name := range d.Builds.Names() {
				if inFlight[name] {
					slow = append(slow, name)
				}
			}
			return &buildFailedError{
				message: fmt.Sprintf("Some builds took too long to finish: %s", strings.Join(slow, ", ")),
			}
		}
	}
	return nil
}

// runPhase reconciles jobs component by component, in declaration order.
func (e *Engine) runPhase(ctx context.Context, tool string, d *toolforgev1.ToolDeploymentSpec) error {
	for _, name := range d.ToolConfig.Components.Names() {
		component, _ := d.ToolConfig.Components.Get(name)

		d.Runs.Set(name, toolforgev1.RunProgress{State: toolforgev1.RunStatePending})
		if err := e.persist(ctx, tool, d); err != nil {
			return err
		}

		if component.Run == nil {
			d.Runs.Set(name, toolforgev1.RunProgress{
				State:      toolforgev1.RunStateSkipped,
				LongStatus: "Component has no run configuration",
			})
			if err := e.persist(ctx, tool, d); err != nil {
				return err
			}
			continue
		}

		referent := name
		if ref, ok := component.Build.(*toolforgev1.SourceBuildReference); ok {
			referent = ref.ReuseFrom
		}
		referentBuild, _ := d.Builds.Get(referent)
		needsRerun := d.ForceRun || referentBuild.State == toolforgev1.BuildStateSuccessful

		if needsRerun {
			if _, err := e.runtime.DeleteJobIfExists(ctx, tool, name); err != nil {
				return e.failRun(ctx, tool, d, name, err)
			}
		}

		image := runtime.ImageName(tool, referent)
		var message string
		var err error
		switch run := component.Run.(type) {
		case *toolforgev1.ContinuousRunSpec:
			message, err = e.runtime.RunContinuousJob(ctx, tool, name, run, image, needsRerun)
		case *toolforgev1.ScheduledRunSpec:
			message, err = e.runtime.RunScheduledJob(ctx, tool, name, run, image)
		default:
			d.Runs.Set(name, toolforgev1.RunProgress{State: toolforgev1.RunStateSkipped})
			if err := e.persist(ctx, tool, d); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return e.failRun(ctx, tool, d, name, err)
		}

		d.Runs.Set(name, toolforgev1.RunProgress{
			State:      toolforgev1.RunStateSuccessful,
			LongStatus: message,
		})
		if err := e.persist(ctx, tool, d); err != nil {
			return err
		}
	}
	return nil
}

// failRun records a failed run and converts the error into the run-failure
// control flow.
func (e *Engine) failRun(ctx context.Context, tool string, d *toolforgev1.ToolDeploymentSpec, component string, cause error) error {
	message := formatRunError(cause)
	d.Runs.Set(component, toolforgev1.RunProgress{
		State:      toolforgev1.RunStateFailed,
		LongStatus: message,
	})
	if err := e.persist(ctx, tool, d); err != nil {
		return err
	}
	return &runFailedError{message: fmt.Sprintf("failed to run component %s: %s", component, message)}
}

// cancelBuilds best-effort cancels any build still in flight and marks it
// cancelled.
func (e *Engine) cancelBuilds(ctx context.Context, tool string, d *toolforgev1.ToolDeploymentSpec, logger *slog.Logger) {
	for _, name := range d.Builds.Names() {
		progress, _ := d.Builds.Get(name)
		if progress.State != toolforgev1.BuildStatePending && progress.State != toolforgev1.BuildStateRunning {
			continue
		}
		if err := e.runtime.CancelBuild(ctx, tool, progress.BuildID); err != nil {
			logger.Warn("Failed to cancel build", "component", name, "build_id", progress.BuildID, "error", err)
		}
		progress.State = toolforgev1.BuildStateCancelled
		d.Builds.Set(name, progress)
	}
}

// skipRemainingRuns rewrites every run the engine never finished, so a
// terminal deployment has no pending runs left behind.
func (e *Engine) skipRemainingRuns(d *toolforgev1.ToolDeploymentSpec) {
	longStatus := "Skipped due to previous failure"
	if d.Status == toolforgev1.DeploymentStateCancelled {
		longStatus = "Deployment was cancelled"
	}
	for _, name := range d.ToolConfig.Components.Names() {
		progress, ok := d.Runs.Get(name)
		if d.Status == toolforgev1.DeploymentStateSuccessful && !ok {
			continue
		}
		if !ok || progress.State == toolforgev1.RunStatePending {
			d.Runs.Set(name, toolforgev1.RunProgress{
				State:      toolforgev1.RunStateSkipped,
				LongStatus: longStatus,
			})
		}
	}
}

// parseBuildError turns a failed build start into the message stored on the
// build progress record.
func parseBuildError(err error) string {
	if errors.Is(err, runtime.ErrRefNotFound) {
		return err.Error()
	}
	var apiErr *runtime.APIError
	if errors.As(err, &apiErr) && len(apiErr.Messages.Error) > 0 {
		return strings.Join(apiErr.Messages.Error, ", ")
	}
	return fmt.Sprintf("unexpected %s", err)
}

// formatRunError turns a failed job operation into the run long status.
func formatRunError(err error) string {
	var apiErr *runtime.APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("request failed (%d): %s", apiErr.StatusCode, strings.Join(apiErr.Messages.Error, ", "))
	}
	return err.Error()
}
