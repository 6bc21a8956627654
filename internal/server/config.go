// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"sigs.k8s.io/yaml"

	toolforgev1 "github.com/toolforge/components-api/api/v1"
)

// maxConfigBytes bounds config uploads and source_url fetches.
const maxConfigBytes = 1 << 20

// GetToolConfig handles GET /v1/tool/{tool}/config.
func (h *Handler) GetToolConfig(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")
	cfg, warnings, ok := h.readConfig(w, r, tool)
	if !ok {
		return
	}
	writeSuccessResponse(w, http.StatusOK, cfg, ResponseMessages{Warning: warnings})
}

// readConfig loads the stored config and, when it points at an external
// source_url, re-fetches and overwrites the stored copy before returning
// it. On failure the response has already been written.
func (h *Handler) readConfig(w http.ResponseWriter, r *http.Request, tool string) (*toolforgev1.ToolConfigSpec, []string, bool) {
	cfg, err := h.store.GetToolConfig(r.Context(), tool)
	if err != nil {
		writeStorageError(w, err)
		return nil, nil, false
	}
	if cfg.SourceURL == "" {
		return cfg, nil, true
	}

	fetched, warnings, err := h.fetchSourceConfig(r, cfg.SourceURL)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest,
			fmt.Sprintf("failed to load config from %s: %s", cfg.SourceURL, err))
		return nil, nil, false
	}
	// the external copy stays authoritative
	fetched.SourceURL = cfg.SourceURL
	if errs := fetched.Validate(); len(errs) > 0 {
		writeErrorResponse(w, http.StatusBadRequest, errs...)
		return nil, nil, false
	}
	if err := h.store.SetToolConfig(r.Context(), tool, fetched); err != nil {
		writeStorageError(w, err)
		return nil, nil, false
	}
	return fetched, warnings, true
}

func (h *Handler) fetchSourceConfig(r *http.Request, sourceURL string) (*toolforgev1.ToolConfigSpec, []string, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := h.fetch.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("got status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxConfigBytes))
	if err != nil {
		return nil, nil, err
	}

	asJSON, err := yaml.YAMLToJSON(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid YAML: %w", err)
	}
	cfg, warnings, err := decodeConfig(asJSON)
	if err != nil {
		return nil, nil, err
	}
	return cfg, warnings, nil
}

// decodeConfig parses a JSON config document, collecting unknown-field
// warnings.
func decodeConfig(raw []byte) (*toolforgev1.ToolConfigSpec, []string, error) {
	cfg := &toolforgev1.ToolConfigSpec{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, nil, err
	}
	unknown, err := toolforgev1.UnknownConfigFields(raw)
	if err != nil {
		return nil, nil, err
	}
	warnings := make([]string, 0, len(unknown))
	for _, path := range unknown {
		warnings = append(warnings, fmt.Sprintf("unknown field %s", path))
	}
	return cfg, warnings, nil
}

// UpdateToolConfig handles POST /v1/tool/{tool}/config.
func (h *Handler) UpdateToolConfig(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBytes))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	cfg, warnings, err := decodeConfig(raw)
	if err != nil {
		writeErrorResponse(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		writeErrorResponse(w, http.StatusUnprocessableEntity, errs...)
		return
	}

	if err := h.store.SetToolConfig(r.Context(), tool, cfg); err != nil {
		writeStorageError(w, err)
		return
	}

	messages := infoMessages(fmt.Sprintf("Configuration for %s updated successfully.", tool))
	messages.Warning = append(messages.Warning, warnings...)
	writeSuccessResponse(w, http.StatusOK, cfg, messages)
}

// DeleteToolConfig handles DELETE /v1/tool/{tool}/config.
func (h *Handler) DeleteToolConfig(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")
	cfg, err := h.store.DeleteToolConfig(r.Context(), tool)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeSuccessResponse(w, http.StatusOK, cfg,
		infoMessages(fmt.Sprintf("Configuration for %s deleted successfully.", tool)))
}

// GenerateToolConfig handles GET /v1/tool/{tool}/config/generate.
func (h *Handler) GenerateToolConfig(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")
	rendered, warnings, err := h.generator.Generate(r.Context(), tool)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeSuccessResponse(w, http.StatusOK, GeneratedConfig{Config: rendered},
		ResponseMessages{Warning: warnings})
}
