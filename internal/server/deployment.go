// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	toolforgev1 "github.com/toolforge/components-api/api/v1"
)

// ListDeployments handles GET /v1/tool/{tool}/deployment.
func (h *Handler) ListDeployments(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")
	deployments, err := h.store.ListDeployments(r.Context(), tool)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeSuccessResponse(w, http.StatusOK, deployments, ResponseMessages{})
}

// GetLatestDeployment handles GET /v1/tool/{tool}/deployment/latest.
func (h *Handler) GetLatestDeployment(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")
	deployments, err := h.store.ListDeployments(r.Context(), tool)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	if len(deployments) == 0 {
		writeErrorResponse(w, http.StatusNotFound,
			fmt.Sprintf("no deployments found for tool %s", tool))
		return
	}
	// ListDeployments returns oldest first
	writeSuccessResponse(w, http.StatusOK, deployments[len(deployments)-1], ResponseMessages{})
}

// GetDeployment handles GET /v1/tool/{tool}/deployment/{deployID}.
func (h *Handler) GetDeployment(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")
	deployment, err := h.store.GetDeployment(r.Context(), tool, r.PathValue("deployID"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeSuccessResponse(w, http.StatusOK, deployment, ResponseMessages{})
}

// CreateDeployment handles POST /v1/tool/{tool}/deployment. The engine
// task is handed to the worker pool; the response carries the pending
// record.
func (h *Handler) CreateDeployment(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")

	var request DeploymentCreateRequest
	if raw, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBytes)); err == nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, &request); err != nil {
			writeErrorResponse(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	}

	cfg, _, ok := h.readConfig(w, r, tool)
	if !ok {
		return
	}

	if !h.admitDeployment(w, r, tool) {
		return
	}

	deployment := toolforgev1.NewToolDeployment(cfg, h.now(), request.ForceBuild, request.ForceRun)
	if err := h.store.CreateDeployment(r.Context(), tool, deployment); err != nil {
		writeStorageError(w, err)
		return
	}

	task := deployment.DeepCopy()
	h.pool.Submit(fmt.Sprintf("%s/%s", tool, deployment.DeployID), func(ctx context.Context) {
		h.engine.Deploy(ctx, tool, task)
	})

	writeSuccessResponse(w, http.StatusOK, deployment,
		infoMessages(fmt.Sprintf("Deployment for %s created successfully.", tool)))
}

// admitDeployment enforces the per-tool cap on active deployments. On
// rejection the response has already been written.
func (h *Handler) admitDeployment(w http.ResponseWriter, r *http.Request, tool string) bool {
	deployments, err := h.store.ListDeployments(r.Context(), tool)
	if err != nil {
		writeStorageError(w, err)
		return false
	}
	active := 0
	for _, d := range deployments {
		if d.Status.Active() {
			active++
		}
	}
	if active >= h.maxActiveDeployments {
		writeErrorResponse(w, http.StatusConflict, fmt.Sprintf(
			"tool %s has %d active deployments, the maximum is %d, wait for them to finish or cancel them",
			tool, active, h.maxActiveDeployments))
		return false
	}
	return true
}

// CancelDeployment handles PUT /v1/tool/{tool}/deployment/{deployID}/cancel.
func (h *Handler) CancelDeployment(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")
	deployID := r.PathValue("deployID")

	deployment, err := h.store.GetDeployment(r.Context(), tool, deployID)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	if !deployment.Status.Active() {
		writeErrorResponse(w, http.StatusConflict, fmt.Sprintf(
			"cannot cancel deployment %s in state %s", deployID, deployment.Status))
		return
	}

	deployment.Status = toolforgev1.DeploymentStateCancelling
	deployment.LongStatus = "Cancellation requested"
	if err := h.store.UpdateDeployment(r.Context(), tool, deployment); err != nil {
		writeStorageError(w, err)
		return
	}
	writeSuccessResponse(w, http.StatusOK, deployment,
		infoMessages(fmt.Sprintf("Cancellation of deployment %s requested.", deployID)))
}

// DeleteDeployment handles DELETE /v1/tool/{tool}/deployment/{deployID}.
func (h *Handler) DeleteDeployment(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")
	deployID := r.PathValue("deployID")
	deployment, err := h.store.DeleteDeployment(r.Context(), tool, deployID)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeSuccessResponse(w, http.StatusOK, deployment,
		infoMessages(fmt.Sprintf("Deployment %s deleted successfully.", deployID)))
}
