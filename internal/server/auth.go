// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"crypto/subtle"
	"net/http"
)

// ToolHeader identifies the calling tool. The api-gateway in front of this
// service already verifies that the header matches the path, so the handlers
// only require its presence.
const ToolHeader = "x-toolforge-tool"

// requireTool rejects requests without the tool header.
func (h *Handler) requireTool(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(ToolHeader) == "" {
			writeErrorResponse(w, http.StatusUnauthorized,
				"The '"+ToolHeader+"' header is required")
			return
		}
		next(w, r)
	}
}

// requireTokenOrTool accepts either the tool header or a token query
// parameter equal to the tool's stored deploy token. Tokens older than the
// configured lifetime are rejected.
func (h *Handler) requireTokenOrTool(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(ToolHeader) != "" {
			next(w, r)
			return
		}

		token := r.URL.Query().Get("token")
		if token == "" {
			writeErrorResponse(w, http.StatusUnauthorized,
				"The '"+ToolHeader+"' header or a token query parameter is required")
			return
		}

		tool := r.PathValue("tool")
		stored, err := h.store.GetDeployToken(r.Context(), tool)
		if err != nil {
			h.logger.Warn("Token auth failed, no stored token", "tool", tool)
			writeErrorResponse(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(stored.Token), []byte(token)) != 1 {
			h.logger.Warn("Token auth failed, token mismatch", "tool", tool)
			writeErrorResponse(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		if stored.Expired(h.now(), h.tokenLifetime) {
			h.logger.Warn("Token auth failed, token expired", "tool", tool)
			writeErrorResponse(w, http.StatusUnauthorized, "Token expired")
			return
		}
		next(w, r)
	}
}
