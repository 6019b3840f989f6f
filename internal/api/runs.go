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
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sapporo-wes/sapporo-service/internal/apperr"
	"github.com/sapporo-wes/sapporo-service/internal/auth"
	"github.com/sapporo-wes/sapporo-service/internal/httputil"
	"github.com/sapporo-wes/sapporo-service/internal/indexer"
	"github.com/sapporo-wes/sapporo-service/internal/log"
	"github.com/sapporo-wes/sapporo-service/internal/runstore"
	"github.com/sapporo-wes/sapporo-service/internal/state"
	"github.com/sapporo-wes/sapporo-service/internal/validator"
	"github.com/sapporo-wes/sapporo-service/internal/wes"
)

func (h *Handler) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	form, err := validator.ParseRequest(r)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	req, err := validator.New(h.serviceInfo, h.workflows.Get()).Validate(form)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	runID := h.store.NewRunID()
	username := auth.UsernameFromContext(r.Context())

	req.WorkflowAttachment = append(req.WorkflowAttachment, form.AttachmentObjs...)
	for _, f := range form.AttachmentFiles {
		secured := runstore.SecureFilePath(f.Name)
		if secured == "" {
			continue
		}
		req.WorkflowAttachment = append(req.WorkflowAttachment, wes.FileObject{
			FileName: secured,
			FileURL:  "exe/" + secured,
		})
	}

	err = h.store.Create(runID, func(dir string) error {
		write := func(key runstore.Key, data []byte) error {
			path := filepath.Join(dir, runstore.RelPath(key))
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return apperr.Wrap(apperr.KindStorageIO, "failed to materialize run directory", err)
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return apperr.Wrap(apperr.KindStorageIO, "failed to materialize run directory", err)
			}
			return nil
		}
		writeJSON := func(key runstore.Key, v any) error {
			data, err := json.MarshalIndent(v, "", "  ")
			if err != nil {
				return apperr.Wrap(apperr.KindInternal, "failed to encode run metadata", err)
			}
			return write(key, append(data, '\n'))
		}

		if err := write(runstore.KeyState, []byte(string(state.Queued)+"\n")); err != nil {
			return err
		}
		if err := writeJSON(runstore.KeyRunRequest, req); err != nil {
			return err
		}
		params := req.WorkflowParams
		if len(params) == 0 {
			params = json.RawMessage("{}")
		}
		if err := write(runstore.KeyWfParams, append([]byte(params), '\n')); err != nil {
			return err
		}
		if err := write(runstore.KeyWfEngineParams,
			[]byte(h.engineParamsLine(req)+"\n")); err != nil {
			return err
		}
		if err := writeJSON(runstore.KeyServiceConfig, h.captured); err != nil {
			return err
		}
		if h.authEnabled {
			if err := write(runstore.KeyUsername, []byte(username+"\n")); err != nil {
				return err
			}
		}
		return h.saveAttachments(dir, form.AttachmentFiles)
	})
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	if err := h.sup.Start(runID); err != nil {
		h.logger.Error("dispatcher start failed", slog.String(log.RunIDKey, runID), log.Error(err))
		_ = h.store.AppendSystemLog(runID, "failed to start the dispatcher process")
		_ = h.store.WriteState(runID, state.SystemError)
		httputil.WriteAppError(w, err)
		return
	}

	h.logger.Info("run accepted",
		slog.String(log.RunIDKey, runID),
		slog.String(log.EngineKey, string(req.WorkflowEngine)))
	httputil.WriteJSON(w, http.StatusOK, wes.RunID{RunID: runID})
}

// engineParamsLine renders the space-joined engine parameter string the
// dispatcher splices into the engine command line. A request without
// parameters inherits the engine defaults from service-info.
func (h *Handler) engineParamsLine(req *wes.RunRequest) string {
	var parts []string
	if len(req.WorkflowEngineParameters) > 0 {
		keys := make([]string, 0, len(req.WorkflowEngineParameters))
		for k := range req.WorkflowEngineParameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, k)
			if v := req.WorkflowEngineParameters[k]; v != "" {
				parts = append(parts, v)
			}
		}
		return strings.Join(parts, " ")
	}
	for _, p := range h.serviceInfo.DefaultWorkflowEngineParameters[string(req.WorkflowEngine)] {
		parts = append(parts, p.Name)
		if p.DefaultValue != "" {
			parts = append(parts, p.DefaultValue)
		}
	}
	return strings.Join(parts, " ")
}

// saveAttachments stages uploaded attachment files under exe/. Names
// are sanitized; a name that sanitizes to nothing is dropped.
func (h *Handler) saveAttachments(dir string, files []validator.AttachedFile) error {
	exeDir := filepath.Join(dir, runstore.RelPath(runstore.KeyExeDir))
	for _, f := range files {
		secured := runstore.SecureFilePath(f.Name)
		if secured == "" {
			continue
		}
		dest := filepath.Join(exeDir, filepath.FromSlash(secured))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return apperr.Wrap(apperr.KindStorageIO, "failed to save workflow attachment", err)
		}
		src, err := f.Open()
		if err != nil {
			return apperr.Wrap(apperr.KindStorageIO, "failed to save workflow attachment", err)
		}
		out, err := os.Create(dest)
		if err != nil {
			src.Close()
			return apperr.Wrap(apperr.KindStorageIO, "failed to save workflow attachment", err)
		}
		_, err = io.Copy(out, src)
		src.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return apperr.Wrap(apperr.KindStorageIO, "failed to save workflow attachment", err)
		}
	}
	return nil
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q, err := parseListQuery(r)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	if h.authEnabled {
		q.Username = auth.UsernameFromContext(r.Context())
	}

	resp, err := h.ix.List(r.Context(), *q)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	// latest=true bypasses snapshot staleness by re-reading the matched
	// rows from disk.
	if r.URL.Query().Get("latest") == "true" {
		for i, sum := range resp.Runs {
			if !h.store.Exists(sum.RunID) {
				continue
			}
			live, err := h.store.Summary(sum.RunID)
			if err != nil {
				continue
			}
			resp.Runs[i] = *live
		}
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func parseListQuery(r *http.Request) (*indexer.Query, error) {
	values := r.URL.Query()
	q := &indexer.Query{
		PageToken: values.Get("page_token"),
	}

	if raw := values.Get("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return nil, apperr.New(apperr.KindInvalidRequest, "`page_size` must be a positive integer")
		}
		q.PageSize = n
	}
	switch values.Get("sort_order") {
	case "", "desc":
		q.SortOrder = indexer.SortDesc
	case "asc":
		q.SortOrder = indexer.SortAsc
	default:
		return nil, apperr.New(apperr.KindInvalidRequest, "`sort_order` must be `asc` or `desc`")
	}
	if raw := values.Get("state"); raw != "" {
		st := state.Parse(raw)
		if st == state.Unknown && !strings.EqualFold(raw, string(state.Unknown)) {
			return nil, apperr.Newf(apperr.KindInvalidRequest, "`state` `%s` is not a valid run state", raw)
		}
		q.State = st
	}
	q.RunIDs = append(values["run_ids"], values["run_ids[]"]...)
	for _, tag := range append(values["tags"], values["tags[]"]...) {
		key, val, ok := strings.Cut(tag, ":")
		if !ok || key == "" || val == "" {
			return nil, apperr.New(apperr.KindInvalidRequest, "`tags` entries must be `key:value`")
		}
		if !tagKeyRe.MatchString(key) {
			return nil, apperr.Newf(apperr.KindInvalidRequest, "invalid tag key: %s", key)
		}
		if q.Tags == nil {
			q.Tags = map[string]string{}
		}
		q.Tags[key] = val
	}
	return q, nil
}

var tagKeyRe = regexp.MustCompile(`^[a-zA-Z0-9_.\-]+$`)

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if err := h.authorizeRun(r, runID); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	rl, err := h.store.RunLog(runID)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rl)
}

func (h *Handler) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if err := h.authorizeRun(r, runID); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, wes.RunStatus{
		RunID: runID,
		State: h.store.ReadState(runID),
	})
}

func (h *Handler) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if err := h.authorizeRun(r, runID); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	alreadyGone, err := h.sup.Cancel(runID)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	if alreadyGone {
		h.logger.Info("cancel had no process to signal", slog.String(log.RunIDKey, runID))
	}
	httputil.WriteJSON(w, http.StatusOK, wes.RunID{RunID: runID})
}

func (h *Handler) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if err := h.deleteRun(r, runID); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, wes.RunID{RunID: runID})
}

// bulkDeleteRequest is the JSON body form of DELETE /runs.
type bulkDeleteRequest struct {
	RunIDs []string `json:"run_ids"`
}

func (h *Handler) handleBulkDeleteRuns(w http.ResponseWriter, r *http.Request) {
	ids := append(r.URL.Query()["run_ids"], r.URL.Query()["run_ids[]"]...)
	if len(ids) == 0 && r.Body != nil {
		var body bulkDeleteRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			ids = body.RunIDs
		}
	}
	if len(ids) == 0 {
		httputil.WriteAppError(w,
			apperr.New(apperr.KindInvalidRequest, "`run_ids` is required"))
		return
	}
	for _, runID := range ids {
		if err := h.deleteRun(r, runID); err != nil {
			httputil.WriteAppError(w, err)
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, bulkDeleteRequest{RunIDs: ids})
}

// deleteRun removes one run directory. Deleting an in-flight run is
// allowed: nothing is signaled, and the dispatcher later finds its
// directory gone. The DELETING marker is written where the state
// machine permits it.
func (h *Handler) deleteRun(r *http.Request, runID string) error {
	if err := h.authorizeRun(r, runID); err != nil {
		return err
	}
	if err := h.store.WriteState(runID, state.Deleting); err != nil &&
		!apperr.IsKind(err, apperr.KindConflict) {
		return err
	}
	if err := h.store.Delete(runID); err != nil {
		return err
	}
	if err := h.ix.RemoveFromIndex(r.Context(), runID); err != nil {
		h.logger.Warn("run deleted but index update failed",
			slog.String(log.RunIDKey, runID), log.Error(err))
	}
	return nil
}
