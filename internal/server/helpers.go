// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/toolforge/components-api/internal/storage"
)

// writeSuccessResponse writes a success envelope.
func writeSuccessResponse[T any](w http.ResponseWriter, statusCode int, data T, messages ResponseMessages) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(Envelope[T]{Data: data, Messages: messages}) // Ignore encoding errors for response
}

// writeErrorResponse writes an error envelope with the given messages.
func writeErrorResponse(w http.ResponseWriter, statusCode int, messages ...string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	envelope := Envelope[any]{Messages: ResponseMessages{Error: messages}}
	_ = json.NewEncoder(w).Encode(envelope) // Ignore encoding errors for response
}

// writeStorageError maps a storage failure onto the HTTP surface.
func writeStorageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeErrorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrAlreadyExists):
		writeErrorResponse(w, http.StatusConflict, err.Error())
	default:
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
	}
}

// infoMessages builds the messages block of a successful mutating response,
// always carrying the beta notice.
func infoMessages(info ...string) ResponseMessages {
	return ResponseMessages{Info: info, Warning: []string{BetaWarning}}
}
