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

// Package api implements the HTTP surface of the workflow execution
// service. Handlers read run state live from the run directory; only
// GET /runs is served from the index snapshot.
package api

import (
	"log/slog"
	"net/http"

	"github.com/sapporo-wes/sapporo-service/internal/apperr"
	"github.com/sapporo-wes/sapporo-service/internal/auth"
	"github.com/sapporo-wes/sapporo-service/internal/config"
	"github.com/sapporo-wes/sapporo-service/internal/indexer"
	"github.com/sapporo-wes/sapporo-service/internal/log"
	"github.com/sapporo-wes/sapporo-service/internal/runstore"
	"github.com/sapporo-wes/sapporo-service/internal/supervisor"
	"github.com/sapporo-wes/sapporo-service/internal/wes"
)

// Options wires a Handler.
type Options struct {
	Store       *runstore.Store
	Supervisor  *supervisor.Supervisor
	Indexer     *indexer.Indexer
	ServiceInfo *wes.ServiceInfo
	Workflows   *config.WorkflowList

	// AuthEnabled gates the ownership checks and the existence-hiding
	// 403 behavior.
	AuthEnabled bool
	// Authn verifies bearer tokens. nil disables authentication.
	Authn auth.Authenticator
	// Local issues tokens for POST /token. nil in external or disabled
	// mode.
	Local *auth.LocalAuthenticator

	// Captured is the per-run service configuration snapshot written at
	// submission.
	Captured runstore.CapturedConfig

	// Endpoint is the advertised base URL including the URL prefix.
	Endpoint string

	AllowOrigin string

	Logger *slog.Logger
}

// Handler serves every route of the service.
type Handler struct {
	store       *runstore.Store
	sup         *supervisor.Supervisor
	ix          *indexer.Indexer
	serviceInfo *wes.ServiceInfo
	workflows   *config.WorkflowList

	authEnabled bool
	authn       auth.Authenticator
	local       *auth.LocalAuthenticator
	tokenLimit  *auth.TokenRateLimiter

	captured    runstore.CapturedConfig
	endpoint    string
	allowOrigin string

	logger *slog.Logger
}

// New builds a Handler.
func New(opts Options) *Handler {
	return &Handler{
		store:       opts.Store,
		sup:         opts.Supervisor,
		ix:          opts.Indexer,
		serviceInfo: opts.ServiceInfo,
		workflows:   opts.Workflows,
		authEnabled: opts.AuthEnabled,
		authn:       opts.Authn,
		local:       opts.Local,
		tokenLimit:  auth.NewTokenRateLimiter(1, 5),
		captured:    opts.Captured,
		endpoint:    opts.Endpoint,
		allowOrigin: opts.AllowOrigin,
		logger:      log.WithComponent(opts.Logger, "api"),
	}
}

// Routes assembles the route table. When authentication is enabled
// every route except POST /token requires a bearer token, so a probe
// without credentials learns nothing about which runs exist.
func (h *Handler) Routes() http.Handler {
	protected := http.NewServeMux()
	protected.HandleFunc("GET /service-info", h.handleServiceInfo)
	protected.HandleFunc("GET /executable-workflows", h.handleExecutableWorkflows)
	protected.HandleFunc("GET /me", h.handleMe)

	protected.HandleFunc("GET /runs", h.handleListRuns)
	protected.HandleFunc("POST /runs", h.handleSubmitRun)
	protected.HandleFunc("DELETE /runs", h.handleBulkDeleteRuns)
	protected.HandleFunc("GET /runs/{run_id}", h.handleGetRun)
	protected.HandleFunc("DELETE /runs/{run_id}", h.handleDeleteRun)
	protected.HandleFunc("GET /runs/{run_id}/status", h.handleRunStatus)
	protected.HandleFunc("POST /runs/{run_id}/cancel", h.handleCancelRun)
	protected.HandleFunc("GET /runs/{run_id}/outputs", h.handleRunOutputs)
	protected.HandleFunc("GET /runs/{run_id}/outputs/{path...}", h.handleRunOutputFile)
	protected.HandleFunc("GET /runs/{run_id}/ro-crate", h.handleRunROCrate)
	protected.HandleFunc("GET /runs/{run_id}/tasks", h.handleTasks)
	protected.HandleFunc("GET /runs/{run_id}/tasks/{task_id}", h.handleTasks)

	mw := auth.Middleware(h.authn)

	root := http.NewServeMux()
	root.HandleFunc("POST /token", h.handleToken)
	root.Handle("/", mw(protected))
	return h.cors(root)
}

// cors sets the configured Access-Control-Allow-Origin header and
// answers preflight requests.
func (h *Handler) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.allowOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", h.allowOrigin)
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authorizeRun gates access to one run. With authentication enabled,
// a missing run and an ownership mismatch are indistinguishable 403s;
// with it disabled, a missing run is a plain 404.
func (h *Handler) authorizeRun(r *http.Request, runID string) error {
	if !h.store.Exists(runID) {
		if h.authEnabled {
			return apperr.New(apperr.KindForbidden, "forbidden")
		}
		return apperr.Newf(apperr.KindNotFound, "run %s not found", runID)
	}
	if h.authEnabled {
		if h.store.ReadUsername(runID) != auth.UsernameFromContext(r.Context()) {
			return apperr.New(apperr.KindForbidden, "forbidden")
		}
	}
	return nil
}
