// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	toolforgev1 "github.com/toolforge/components-api/api/v1"
	"github.com/toolforge/components-api/internal/storage"
)

func (h *Handler) tokenView(token *toolforgev1.DeployTokenSpec) DeployTokenView {
	return DeployTokenView{
		Token:        token.Token,
		CreationDate: token.CreationDate.UTC().Format(time.RFC3339),
		ExpiresAt:    token.ExpiresAt(h.tokenLifetime).UTC().Format(time.RFC3339),
	}
}

// GetDeployToken handles GET /v1/tool/{tool}/deployment/token.
func (h *Handler) GetDeployToken(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")
	token, err := h.store.GetDeployToken(r.Context(), tool)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeSuccessResponse(w, http.StatusOK, h.tokenView(token), ResponseMessages{})
}

// CreateDeployToken handles POST /v1/tool/{tool}/deployment/token. A tool
// has at most one token; creating over an existing one conflicts.
func (h *Handler) CreateDeployToken(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")

	if _, err := h.store.GetDeployToken(r.Context(), tool); err == nil {
		writeErrorResponse(w, http.StatusConflict, fmt.Sprintf(
			"a deploy token already exists for tool %s, use PUT to refresh it", tool))
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		writeStorageError(w, err)
		return
	}

	token := toolforgev1.NewDeployToken(h.now())
	if err := h.store.SetDeployToken(r.Context(), tool, token); err != nil {
		writeStorageError(w, err)
		return
	}
	writeSuccessResponse(w, http.StatusOK, h.tokenView(token),
		infoMessages(fmt.Sprintf("Deploy token for %s created successfully.", tool)))
}

// RefreshDeployToken handles PUT /v1/tool/{tool}/deployment/token. It mints
// a fresh token whether or not one existed.
func (h *Handler) RefreshDeployToken(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")
	token := toolforgev1.NewDeployToken(h.now())
	if err := h.store.SetDeployToken(r.Context(), tool, token); err != nil {
		writeStorageError(w, err)
		return
	}
	writeSuccessResponse(w, http.StatusOK, h.tokenView(token),
		infoMessages(fmt.Sprintf("Deploy token for %s refreshed successfully.", tool)))
}

// DeleteDeployToken handles DELETE /v1/tool/{tool}/deployment/token.
func (h *Handler) DeleteDeployToken(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")
	token, err := h.store.DeleteDeployToken(r.Context(), tool)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeSuccessResponse(w, http.StatusOK, h.tokenView(token),
		infoMessages(fmt.Sprintf("Deploy token for %s deleted successfully.", tool)))
}
