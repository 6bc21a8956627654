// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

package toolforge

import (
	"context"
	"fmt"

	toolforgev1 "github.com/toolforge/components-api/api/v1"
	"github.com/toolforge/components-api/internal/runtime"
)

// newJob is the jobs-api upsert payload. job_type is always sent so the
// jobs-api never has to guess the kind.
type newJob struct {
	JobType       string               `json:"job_type"`
	Name          string               `json:"name"`
	Cmd           string               `json:"cmd"`
	ImageName     string               `json:"imagename"`
	Schedule      string               `json:"schedule,omitempty"`
	CPU           string               `json:"cpu,omitempty"`
	Memory        string               `json:"memory,omitempty"`
	Replicas      int                  `json:"replicas,omitempty"`
	Port          int                  `json:"port,omitempty"`
	PortProtocol  string               `json:"port_protocol,omitempty"`
	HealthCheck   *runtime.HealthCheck `json:"health_check,omitempty"`
	Filelog       bool                 `json:"filelog,omitempty"`
	FilelogStdout string               `json:"filelog_stdout,omitempty"`
	FilelogStderr string               `json:"filelog_stderr,omitempty"`
	Mount         string               `json:"mount,omitempty"`
	Emails        string               `json:"emails,omitempty"`
	Timeout       int                  `json:"timeout,omitempty"`
	Retry         int                  `json:"retry,omitempty"`
}

type jobResponse struct {
	JobChanged bool              `json:"job_changed"`
	Messages   *runtime.Messages `json:"messages,omitempty"`
	Job        *runtime.Job      `json:"job,omitempty"`
}

type jobListResponse struct {
	Jobs []runtime.Job `json:"jobs"`
}

func continuousJobPayload(component string, run *toolforgev1.ContinuousRunSpec, image string) newJob {
	job := newJob{
		JobType:       "continuous",
		Name:          component,
		Cmd:           run.Command,
		ImageName:     image,
		CPU:           run.CPU,
		Memory:        run.Memory,
		Replicas:      run.Replicas,
		Port:          run.Port,
		PortProtocol:  run.PortProtocol,
		Filelog:       run.Filelog,
		FilelogStdout: run.FilelogStdout,
		FilelogStderr: run.FilelogStderr,
		Mount:         run.Mount,
		Emails:        run.Emails,
	}
	switch {
	case run.HealthCheckHTTP != "":
		job.HealthCheck = &runtime.HealthCheck{Type: "http", Path: run.HealthCheckHTTP}
	case run.HealthCheckScript != "":
		job.HealthCheck = &runtime.HealthCheck{Type: "script", Script: run.HealthCheckScript}
	}
	return job
}

func scheduledJobPayload(component string, run *toolforgev1.ScheduledRunSpec, image string) newJob {
	return newJob{
		JobType:       "scheduled",
		Name:          component,
		Cmd:           run.Command,
		ImageName:     image,
		Schedule:      run.Schedule,
		CPU:           run.CPU,
		Memory:        run.Memory,
		Timeout:       run.Timeout,
		Retry:         run.Retry,
		Filelog:       run.Filelog,
		FilelogStdout: run.FilelogStdout,
		FilelogStderr: run.FilelogStderr,
		Mount:         run.Mount,
		Emails:        run.Emails,
	}
}

// upsertJob PATCHes the job definition, which the jobs-api treats as
// create-or-update.
func (r *Runtime) upsertJob(ctx context.Context, tool string, job newJob) (*jobResponse, error) {
	r.logger.Debug("Upserting job", "tool", tool, "job", job.Name, "image", job.ImageName)
	var resp jobResponse
	if err := r.client.patch(ctx, fmt.Sprintf("/jobs/v1/tool/%s/jobs/", tool), job, &resp); err != nil {
		return nil, fmt.Errorf("failed to upsert job %s for tool %s: %w", job.Name, tool, err)
	}
	return &resp, nil
}

// RunContinuousJob implements runtime.Interface.
func (r *Runtime) RunContinuousJob(ctx context.Context, tool, component string, run *toolforgev1.ContinuousRunSpec, image string, forceRestart bool) (string, error) {
	resp, err := r.upsertJob(ctx, tool, continuousJobPayload(component, run, image))
	if err != nil {
		return "", err
	}
	switch {
	case resp.JobChanged:
		return resp.Messages.Format(fmt.Sprintf("created or updated job %s", component)), nil
	case forceRestart:
		r.logger.Debug("Restarting unchanged continuous job", "tool", tool, "job", component)
		path := fmt.Sprintf("/jobs/v1/tool/%s/jobs/%s/restart/", tool, component)
		if err := r.client.post(ctx, path, nil, nil); err != nil {
			return "", fmt.Errorf("failed to restart job %s for tool %s: %w", component, tool, err)
		}
		return resp.Messages.Format(fmt.Sprintf("restarted job %s", component)), nil
	default:
		return resp.Messages.Format(fmt.Sprintf("job %s is already up to date", component)), nil
	}
}

// RunScheduledJob implements runtime.Interface.
func (r *Runtime) RunScheduledJob(ctx context.Context, tool, component string, run *toolforgev1.ScheduledRunSpec, image string) (string, error) {
	resp, err := r.upsertJob(ctx, tool, scheduledJobPayload(component, run, image))
	if err != nil {
		return "", err
	}
	if resp.JobChanged {
		return resp.Messages.Format(fmt.Sprintf("created or updated job %s", component)), nil
	}
	return resp.Messages.Format(fmt.Sprintf("job %s is already up to date", component)), nil
}

// DeleteJobIfExists implements runtime.Interface.
func (r *Runtime) DeleteJobIfExists(ctx context.Context, tool, component string) (string, error) {
	jobs, err := r.ListJobs(ctx, tool)
	if err != nil {
		return "", err
	}
	found := false
	for _, job := range jobs {
		if job.Name == component {
			found = true
			break
		}
	}
	if !found {
		r.logger.Debug("Job not found, skipping delete", "tool", tool, "job", component)
		return "", nil
	}

	r.logger.Debug("Deleting job", "tool", tool, "job", component)
	var resp jobResponse
	if err := r.client.delete(ctx, fmt.Sprintf("/jobs/v1/tool/%s/jobs/%s", tool, component), &resp); err != nil {
		return "", fmt.Errorf("failed to delete job %s for tool %s: %w", component, tool, err)
	}
	return resp.Messages.Format(""), nil
}

// ListJobs implements runtime.Interface.
func (r *Runtime) ListJobs(ctx context.Context, tool string) ([]runtime.Job, error) {
	var resp jobListResponse
	if err := r.client.get(ctx, fmt.Sprintf("/jobs/v1/tool/%s/jobs", tool), &resp); err != nil {
		return nil, fmt.Errorf("failed to list jobs for tool %s: %w", tool, err)
	}
	return resp.Jobs, nil
}
