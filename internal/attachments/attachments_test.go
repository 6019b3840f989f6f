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

package attachments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sapporo-wes/sapporo-service/internal/log"
	"github.com/sapporo-wes/sapporo-service/internal/runstore"
	"github.com/sapporo-wes/sapporo-service/internal/wes"
)

func newTestRun(t *testing.T, attachments []wes.FileObject, endpoint string) (*runstore.Store, string) {
	t.Helper()
	store, err := runstore.New(t.TempDir(), log.New(log.DefaultConfig()))
	require.NoError(t, err)

	runID := store.NewRunID()
	req := wes.RunRequest{
		WorkflowType:        wes.TypeCWL,
		WorkflowTypeVersion: "v1.2",
		WorkflowEngine:      wes.EngineCWLTool,
		WorkflowURL:         "https://example.com/wf.cwl",
		WorkflowAttachment:  attachments,
	}
	reqJSON, err := json.Marshal(req)
	require.NoError(t, err)

	require.NoError(t, store.Create(runID, func(dir string) error {
		return os.WriteFile(filepath.Join(dir, runstore.RelPath(runstore.KeyRunRequest)), reqJSON, 0o644)
	}))
	if endpoint != "" {
		require.NoError(t, store.WriteCapturedConfig(runID,
			runstore.CapturedConfig{SapporoEndpoint: endpoint}))
	}
	return store, runID
}

func TestDownloadFetchesRemoteAttachments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("cwlVersion: v1.2\n"))
	}))
	defer server.Close()

	store, runID := newTestRun(t, []wes.FileObject{
		{FileName: "tools/fetch.cwl", FileURL: server.URL + "/fetch.cwl"},
		{FileName: "local.cwl", FileURL: "exe/local.cwl"},
	}, "")

	d := New(store, log.New(log.DefaultConfig()))
	require.NoError(t, d.Download(context.Background(), runID))

	data, err := os.ReadFile(filepath.Join(
		store.ContentPath(runID, runstore.KeyExeDir), "tools", "fetch.cwl"))
	require.NoError(t, err)
	assert.Equal(t, "cwlVersion: v1.2\n", string(data))

	// The non-http entry is left alone.
	_, err = os.Stat(filepath.Join(store.ContentPath(runID, runstore.KeyExeDir), "local.cwl"))
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadSkipsSelfReferences(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	store, runID := newTestRun(t, []wes.FileObject{
		{FileName: "self.cwl", FileURL: server.URL + "/runs/x/outputs/self.cwl"},
	}, server.URL)

	d := New(store, log.New(log.DefaultConfig()))
	require.NoError(t, d.Download(context.Background(), runID))
	assert.Zero(t, calls.Load())
}

func TestDownloadRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	store, runID := newTestRun(t, []wes.FileObject{
		{FileName: "wf.cwl", FileURL: server.URL + "/wf.cwl"},
	}, "")

	d := New(store, log.New(log.DefaultConfig()))
	require.NoError(t, d.Download(context.Background(), runID))
	assert.Equal(t, int32(3), calls.Load())

	data, err := os.ReadFile(filepath.Join(store.ContentPath(runID, runstore.KeyExeDir), "wf.cwl"))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
}
