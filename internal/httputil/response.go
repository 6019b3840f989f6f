// Copyright 2026 The Sapporo-WES Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httputil provides shared HTTP response helpers.
package httputil

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sapporo-wes/sapporo-service/internal/apperr"
)

// ErrorResponse is the body returned on every 4xx/5xx response.
type ErrorResponse struct {
	Msg        string `json:"msg"`
	StatusCode int    `json:"status_code"`
}

// WriteJSON writes a JSON response with the given status code and data.
// If encoding fails, it logs the error.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", slog.Any("error", err))
	}
}

// WriteError writes an ErrorResponse with the given status code and message.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse{Msg: msg, StatusCode: status})
}

// WriteAppError maps an error to an ErrorResponse. Errors that are not
// *apperr.Error become opaque 500s; their detail goes to the log only.
func WriteAppError(w http.ResponseWriter, err error) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		if appErr.Err != nil {
			slog.Error(appErr.Msg, slog.Any("error", appErr.Err))
		}
		WriteError(w, appErr.StatusCode(), appErr.Msg)
		return
	}
	slog.Error("internal error", slog.Any("error", err))
	WriteError(w, http.StatusInternalServerError,
		"the server encountered an internal error and was unable to complete your request")
}
