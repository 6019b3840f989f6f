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
	"archive/zip"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/sapporo-wes/sapporo-service/internal/apperr"
	"github.com/sapporo-wes/sapporo-service/internal/httputil"
	"github.com/sapporo-wes/sapporo-service/internal/runstore"
	"github.com/sapporo-wes/sapporo-service/internal/wes"
)

func (h *Handler) handleRunOutputs(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if err := h.authorizeRun(r, runID); err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	if r.URL.Query().Get("download") == "true" {
		h.streamOutputsArchive(w, runID)
		return
	}

	// Prefer the dispatcher-written manifest; fall back to a live walk
	// for runs that finished before the manifest step.
	outputs, err := h.store.ReadOutputsManifest(runID)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	if outputs == nil {
		files, err := h.store.ListOutputFiles(runID)
		if err != nil {
			httputil.WriteAppError(w, err)
			return
		}
		outputs = make([]wes.FileObject, 0, len(files))
		for _, rel := range files {
			outputs = append(outputs, wes.FileObject{
				FileName: rel,
				FileURL:  fmt.Sprintf("%s/runs/%s/outputs/%s", h.endpoint, runID, rel),
			})
		}
	}
	httputil.WriteJSON(w, http.StatusOK, wes.OutputsListResponse{Outputs: outputs})
}

// streamOutputsArchive zips outputs/ into the response.
func (h *Handler) streamOutputsArchive(w http.ResponseWriter, runID string) {
	files, err := h.store.ListOutputFiles(runID)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", runID+"_outputs.zip"))

	zw := zip.NewWriter(w)
	for _, rel := range files {
		f, err := h.store.OpenOutput(runID, rel)
		if err != nil {
			// Headers are already on the wire; all we can do is stop.
			zw.Close()
			return
		}
		entry, err := zw.Create(path.Join(runID+"_outputs", rel))
		if err == nil {
			_, err = io.Copy(entry, f)
		}
		f.Close()
		if err != nil {
			zw.Close()
			return
		}
	}
	zw.Close()
}

func (h *Handler) handleRunOutputFile(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if err := h.authorizeRun(r, runID); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	relpath := r.PathValue("path")
	f, err := h.store.OpenOutput(runID, relpath)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	defer f.Close()

	if r.URL.Query().Get("download") == "true" {
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", path.Base(relpath)))
	}
	info, err := f.Stat()
	if err != nil {
		httputil.WriteAppError(w, apperr.Wrap(apperr.KindStorageIO, "failed to read output", err))
		return
	}
	http.ServeContent(w, r, path.Base(relpath), info.ModTime(), f)
}

func (h *Handler) handleRunROCrate(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if err := h.authorizeRun(r, runID); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	data, err := h.store.ReadFile(runID, runstore.KeyROCrate)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	if data == nil {
		httputil.WriteAppError(w,
			apperr.Newf(apperr.KindNotFound, "RO-Crate for run %s is not generated yet", runID))
		return
	}
	if r.URL.Query().Get("download") == "true" {
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", "ro-crate-metadata.json"))
	}
	w.Header().Set("Content-Type", "application/ld+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
