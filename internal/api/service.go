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

package api

import (
	"net/http"

	"github.com/sapporo-wes/sapporo-service/internal/apperr"
	"github.com/sapporo-wes/sapporo-service/internal/auth"
	"github.com/sapporo-wes/sapporo-service/internal/httputil"
	"github.com/sapporo-wes/sapporo-service/internal/wes"
)

func (h *Handler) handleServiceInfo(w http.ResponseWriter, r *http.Request) {
	counts, err := h.systemStateCounts(r)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	info := *h.serviceInfo
	info.SystemStateCounts = counts
	httputil.WriteJSON(w, http.StatusOK, &info)
}

// systemStateCounts counts runs by state, restricted to the caller's
// runs when authentication is enabled.
func (h *Handler) systemStateCounts(r *http.Request) (map[string]int, error) {
	if !h.authEnabled {
		return h.store.SystemStateCounts()
	}
	username := auth.UsernameFromContext(r.Context())
	ids, err := h.store.AllRunIDs()
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, id := range ids {
		if h.store.ReadUsername(id) != username {
			continue
		}
		counts[string(h.store.ReadState(id))]++
	}
	return counts, nil
}

func (h *Handler) handleExecutableWorkflows(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.workflows.Get())
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	if !h.tokenLimit.Allow(r.RemoteAddr) {
		httputil.WriteError(w, http.StatusTooManyRequests, "too many token requests; slow down")
		return
	}
	if h.local == nil {
		httputil.WriteAppError(w, apperr.New(apperr.KindInvalidRequest,
			"token issuance is only available with the built-in auth provider"))
		return
	}
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		if err := r.ParseForm(); err != nil {
			httputil.WriteAppError(w, apperr.New(apperr.KindInvalidRequest, "invalid token request form"))
			return
		}
	}
	username := r.FormValue("username")
	password := r.FormValue("password")
	if username == "" || password == "" {
		httputil.WriteAppError(w, apperr.New(apperr.KindInvalidRequest,
			"`username` and `password` are required"))
		return
	}
	token, err := h.local.IssueToken(username, password)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, wes.TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
	})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	if !h.authEnabled {
		httputil.WriteAppError(w, apperr.New(apperr.KindInvalidRequest,
			"authentication is disabled"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, wes.MeResponse{
		Username: auth.UsernameFromContext(r.Context()),
	})
}

// handleTasks answers both /tasks routes. Task-level logs do not exist
// in this implementation: engines run as opaque subprocesses.
func (h *Handler) handleTasks(w http.ResponseWriter, r *http.Request) {
	httputil.WriteAppError(w, apperr.New(apperr.KindUnsupported,
		"unsupported in this implementation"))
}
