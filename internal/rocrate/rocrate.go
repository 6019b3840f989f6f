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

// Package rocrate writes the post-run artifacts of a run directory: the
// outputs.json manifest and a reduced RO-Crate provenance document.
// Both are invoked by the dispatcher at terminal states, outside the
// HTTP process.
package rocrate

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sapporo-wes/sapporo-service/internal/log"
	"github.com/sapporo-wes/sapporo-service/internal/runstore"
	"github.com/sapporo-wes/sapporo-service/internal/wes"
)

// Builder produces outputs.json and ro-crate-metadata.json.
type Builder struct {
	store  *runstore.Store
	logger *slog.Logger
}

// NewBuilder returns a Builder over the given store.
func NewBuilder(store *runstore.Store, logger *slog.Logger) *Builder {
	return &Builder{store: store, logger: log.WithComponent(logger, "rocrate")}
}

// DumpOutputs walks outputs/ and writes the outputs.json manifest. File
// URLs are rooted at the endpoint captured in sapporo_config.json; runs
// without a captured endpoint get relative URLs.
func (b *Builder) DumpOutputs(runID string) error {
	files, err := b.store.ListOutputFiles(runID)
	if err != nil {
		return err
	}

	var baseURL string
	if cfg, err := b.store.ReadCapturedConfig(runID); err == nil && cfg != nil {
		baseURL = strings.TrimRight(cfg.SapporoEndpoint, "/")
	}

	outputs := make([]wes.FileObject, 0, len(files))
	for _, rel := range files {
		fileURL := fmt.Sprintf("runs/%s/outputs/%s", runID, rel)
		if baseURL != "" {
			fileURL = baseURL + "/" + fileURL
		}
		outputs = append(outputs, wes.FileObject{FileName: rel, FileURL: fileURL})
	}
	return b.store.WriteJSON(runID, runstore.KeyOutputs, outputs)
}

// GenerateROCrate writes ro-crate-metadata.json for a finished run.
// Failure is non-fatal by contract: on any error the file holds
// {"@error": reason} so readers can distinguish "absent" from "failed".
func (b *Builder) GenerateROCrate(runID string) error {
	crate, err := b.buildCrate(runID)
	if err != nil {
		b.logger.Warn("RO-Crate generation failed",
			slog.String(log.RunIDKey, runID), log.Error(err))
		return b.store.WriteJSON(runID, runstore.KeyROCrate, map[string]string{
			"@error": err.Error(),
		})
	}
	return b.store.WriteJSON(runID, runstore.KeyROCrate, crate)
}

// buildCrate assembles a reduced RO-Crate JSON-LD document describing
// the workflow, inputs, outputs, engine, timestamps, and exit code.
func (b *Builder) buildCrate(runID string) (map[string]any, error) {
	req, err := b.store.ReadRunRequest(runID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("run_request.json is missing")
	}

	startTime, err := b.store.ReadString(runID, runstore.KeyStartTime)
	if err != nil {
		return nil, err
	}
	endTime, err := b.store.ReadString(runID, runstore.KeyEndTime)
	if err != nil {
		return nil, err
	}
	exitCode, err := b.store.ReadInt(runID, runstore.KeyExitCode)
	if err != nil {
		return nil, err
	}
	outputs, err := b.store.ListOutputFiles(runID)
	if err != nil {
		return nil, err
	}
	attachments, err := b.listAttachments(runID)
	if err != nil {
		return nil, err
	}

	graph := []map[string]any{
		{
			"@id":        "ro-crate-metadata.json",
			"@type":      "CreativeWork",
			"about":      map[string]string{"@id": "./"},
			"conformsTo": map[string]string{"@id": "https://w3id.org/ro/crate/1.1"},
		},
		{
			"@id":         "./",
			"@type":       "Dataset",
			"name":        fmt.Sprintf("Workflow run %s", runID),
			"hasPart":     idRefs(append(append([]string{}, prefixAll("outputs/", outputs)...), prefixAll("exe/", attachments)...)),
			"mentions":    map[string]string{"@id": "#create-action"},
			"datePublished": time.Now().UTC().Format(time.RFC3339),
		},
		{
			"@id":                 "#workflow",
			"@type":               []string{"File", "SoftwareSourceCode", "ComputationalWorkflow"},
			"name":                req.WorkflowURL,
			"url":                 req.WorkflowURL,
			"programmingLanguage": string(req.WorkflowType),
			"version":             req.WorkflowTypeVersion,
		},
		{
			"@id":     "#workflow-engine",
			"@type":   "SoftwareApplication",
			"name":    string(req.WorkflowEngine),
			"version": req.WorkflowEngineVersion,
		},
	}

	action := map[string]any{
		"@id":        "#create-action",
		"@type":      "CreateAction",
		"name":       fmt.Sprintf("Execution of %s with %s", req.WorkflowURL, req.WorkflowEngine),
		"instrument": map[string]string{"@id": "#workflow"},
		"result":     idRefs(prefixAll("outputs/", outputs)),
		"object":     idRefs(prefixAll("exe/", attachments)),
	}
	if startTime != nil {
		action["startTime"] = *startTime
	}
	if endTime != nil {
		action["endTime"] = *endTime
	}
	if exitCode != nil {
		action["exitCode"] = *exitCode
	}
	graph = append(graph, action)

	for _, rel := range outputs {
		graph = append(graph, map[string]any{
			"@id":   "outputs/" + rel,
			"@type": "File",
			"name":  rel,
		})
	}
	for _, rel := range attachments {
		graph = append(graph, map[string]any{
			"@id":   "exe/" + rel,
			"@type": "File",
			"name":  rel,
		})
	}

	return map[string]any{
		"@context": "https://w3id.org/ro/crate/1.1/context",
		"@graph":   graph,
	}, nil
}

// listAttachments walks exe/ for the staged workflow inputs, excluding
// the derived workflow_params.json.
func (b *Builder) listAttachments(runID string) ([]string, error) {
	root := b.store.ContentPath(runID, runstore.KeyExeDir)
	entries, err := listFilesRecursive(root)
	if err != nil {
		return nil, err
	}
	files := entries[:0]
	for _, rel := range entries {
		if rel == "workflow_params.json" {
			continue
		}
		files = append(files, rel)
	}
	return files, nil
}

func listFilesRecursive(root string) ([]string, error) {
	var files []string
	err := walkFiles(root, "", &files)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return files, nil
}

func walkFiles(root, prefix string, files *[]string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		rel := prefix + e.Name()
		if e.IsDir() {
			if err := walkFiles(root+"/"+e.Name(), rel+"/", files); err != nil {
				return err
			}
			continue
		}
		*files = append(*files, rel)
	}
	return nil
}

func prefixAll(prefix string, rels []string) []string {
	out := make([]string, len(rels))
	for i, rel := range rels {
		out[i] = prefix + rel
	}
	return out
}

func idRefs(ids []string) []map[string]string {
	refs := make([]map[string]string, len(ids))
	for i, id := range ids {
		refs[i] = map[string]string{"@id": id}
	}
	return refs
}
