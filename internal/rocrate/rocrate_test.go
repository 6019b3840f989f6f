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

package rocrate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sapporo-wes/sapporo-service/internal/log"
	"github.com/sapporo-wes/sapporo-service/internal/runstore"
	"github.com/sapporo-wes/sapporo-service/internal/wes"
)

func newTestBuilder(t *testing.T) (*Builder, *runstore.Store) {
	t.Helper()
	logger := log.New(log.DefaultConfig())
	store, err := runstore.New(t.TempDir(), logger)
	require.NoError(t, err)
	return NewBuilder(store, logger), store
}

func createFinishedRun(t *testing.T, store *runstore.Store) string {
	t.Helper()
	runID := store.NewRunID()
	req := wes.RunRequest{
		WorkflowType:        wes.TypeCWL,
		WorkflowTypeVersion: "v1.2",
		WorkflowEngine:      wes.EngineCWLTool,
		WorkflowURL:         "https://example.com/trimming.cwl",
	}
	reqJSON, err := json.Marshal(req)
	require.NoError(t, err)

	err = store.Create(runID, func(dir string) error {
		files := map[string][]byte{
			runstore.RelPath(runstore.KeyRunRequest): reqJSON,
			runstore.RelPath(runstore.KeyState):      []byte("COMPLETE\n"),
			runstore.RelPath(runstore.KeyStartTime):  []byte("2026-02-01T00:00:00Z\n"),
			runstore.RelPath(runstore.KeyEndTime):    []byte("2026-02-01T00:05:00Z\n"),
			runstore.RelPath(runstore.KeyExitCode):   []byte("0\n"),
			"outputs/trimmed_1.fq":                   []byte("ACGT\n"),
			"outputs/qc/report.html":                 []byte("<html></html>\n"),
			"exe/trimming.cwl":                       []byte("cwlVersion: v1.2\n"),
			"exe/workflow_params.json":               []byte("{}\n"),
		}
		for rel, data := range files {
			path := filepath.Join(dir, rel)
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return runID
}

func TestDumpOutputsWithEndpoint(t *testing.T) {
	b, store := newTestBuilder(t)
	runID := createFinishedRun(t, store)
	require.NoError(t, store.WriteCapturedConfig(runID, runstore.CapturedConfig{
		SapporoEndpoint: "http://localhost:1122/",
	}))

	require.NoError(t, b.DumpOutputs(runID))

	outputs, err := store.ReadOutputsManifest(runID)
	require.NoError(t, err)
	require.Len(t, outputs, 2)
	assert.Equal(t, "qc/report.html", outputs[0].FileName)
	assert.Equal(t, "http://localhost:1122/runs/"+runID+"/outputs/qc/report.html", outputs[0].FileURL)
	assert.Equal(t, "trimmed_1.fq", outputs[1].FileName)
}

func TestDumpOutputsWithoutCapturedConfig(t *testing.T) {
	b, store := newTestBuilder(t)
	runID := createFinishedRun(t, store)

	require.NoError(t, b.DumpOutputs(runID))

	outputs, err := store.ReadOutputsManifest(runID)
	require.NoError(t, err)
	require.Len(t, outputs, 2)
	assert.Equal(t, "runs/"+runID+"/outputs/qc/report.html", outputs[0].FileURL)
}

func TestGenerateROCrate(t *testing.T) {
	b, store := newTestBuilder(t)
	runID := createFinishedRun(t, store)

	require.NoError(t, b.GenerateROCrate(runID))

	data, err := store.ReadFile(runID, runstore.KeyROCrate)
	require.NoError(t, err)
	require.NotNil(t, data)

	var crate map[string]any
	require.NoError(t, json.Unmarshal(data, &crate))
	assert.Equal(t, "https://w3id.org/ro/crate/1.1/context", crate["@context"])

	graph, ok := crate["@graph"].([]any)
	require.True(t, ok)

	byID := map[string]map[string]any{}
	for _, entry := range graph {
		m := entry.(map[string]any)
		byID[m["@id"].(string)] = m
	}

	wf := byID["#workflow"]
	require.NotNil(t, wf)
	assert.Equal(t, "https://example.com/trimming.cwl", wf["url"])
	assert.Equal(t, "CWL", wf["programmingLanguage"])

	engine := byID["#workflow-engine"]
	require.NotNil(t, engine)
	assert.Equal(t, "cwltool", engine["name"])

	action := byID["#create-action"]
	require.NotNil(t, action)
	assert.Equal(t, "2026-02-01T00:00:00Z", action["startTime"])
	assert.Equal(t, "2026-02-01T00:05:00Z", action["endTime"])
	assert.Equal(t, float64(0), action["exitCode"])

	assert.Contains(t, byID, "outputs/trimmed_1.fq")
	assert.Contains(t, byID, "outputs/qc/report.html")
	assert.Contains(t, byID, "exe/trimming.cwl")
	assert.NotContains(t, byID, "exe/workflow_params.json")
}

func TestGenerateROCrateFailureWritesErrorDocument(t *testing.T) {
	b, store := newTestBuilder(t)
	runID := store.NewRunID()
	// A run dir with no run_request.json cannot be described, but the
	// generator must still leave a readable artifact behind.
	require.NoError(t, store.Create(runID, func(dir string) error {
		return os.WriteFile(filepath.Join(dir, runstore.RelPath(runstore.KeyRunRequest)), []byte("{}"), 0o644)
	}))
	require.NoError(t, os.Remove(store.ContentPath(runID, runstore.KeyRunRequest)))

	require.NoError(t, b.GenerateROCrate(runID))

	data, err := os.ReadFile(filepath.Join(store.RunDir(runID), runstore.RelPath(runstore.KeyROCrate)))
	require.NoError(t, err)
	var doc map[string]string
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc["@error"], "run_request.json")
}
