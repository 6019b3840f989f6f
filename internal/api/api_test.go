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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sapporo-wes/sapporo-service/internal/auth"
	"github.com/sapporo-wes/sapporo-service/internal/config"
	"github.com/sapporo-wes/sapporo-service/internal/indexer"
	"github.com/sapporo-wes/sapporo-service/internal/log"
	"github.com/sapporo-wes/sapporo-service/internal/runstore"
	"github.com/sapporo-wes/sapporo-service/internal/state"
	"github.com/sapporo-wes/sapporo-service/internal/supervisor"
	"github.com/sapporo-wes/sapporo-service/internal/wes"
)

type testServer struct {
	store  *runstore.Store
	ix     *indexer.Indexer
	server *httptest.Server
	token  string
}

type serverOption func(*Options)

func withAuth(local *auth.LocalAuthenticator) serverOption {
	return func(o *Options) {
		o.AuthEnabled = true
		o.Authn = local
		o.Local = local
	}
}

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	logger := log.New(log.DefaultConfig())

	baseDir := t.TempDir()
	store, err := runstore.New(baseDir, logger)
	require.NoError(t, err)

	dispatcher := filepath.Join(baseDir, "run.sh")
	require.NoError(t, os.WriteFile(dispatcher, []byte("#!/bin/bash\nexit 0\n"), 0o755))

	ix := indexer.New(store, supervisor.PIDAlive, indexer.Config{
		DBPath:      filepath.Join(baseDir, "sapporo.db"),
		Interval:    time.Minute,
		TokenSecret: []byte("0123456789abcdef0123456789abcdef"),
	}, logger)

	workflows, err := config.LoadWorkflowList("", logger)
	require.NoError(t, err)

	o := Options{
		Store:       store,
		Supervisor:  supervisor.New(store, dispatcher, logger),
		Indexer:     ix,
		ServiceInfo: config.DefaultServiceInfo(),
		Workflows:   workflows,
		Captured: runstore.CapturedConfig{
			SapporoVersion:  "test",
			SapporoEndpoint: "http://wes.test",
		},
		Endpoint:    "http://wes.test",
		AllowOrigin: "*",
		Logger:      logger,
	}
	for _, opt := range opts {
		opt(&o)
	}

	server := httptest.NewServer(New(o).Routes())
	t.Cleanup(server.Close)
	return &testServer{store: store, ix: ix, server: server}
}

func (ts *testServer) do(t *testing.T, method, path string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.server.URL+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if ts.token != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func submitForm(t *testing.T, extra map[string]string, attachments map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := map[string]string{
		"workflow_type":         "CWL",
		"workflow_type_version": "v1.2",
		"workflow_engine":       "cwltool",
		"workflow_url":          "https://example.com/trimming.cwl",
		"workflow_params":       `{"fastq": "input.fq"}`,
	}
	for k, v := range extra {
		fields[k] = v
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for name, content := range attachments {
		fw, err := mw.CreateFormFile("workflow_attachment", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (ts *testServer) submitRun(t *testing.T) string {
	t.Helper()
	body, contentType := submitForm(t, nil, nil)
	resp := ts.do(t, http.MethodPost, "/runs", body, contentType)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decodeBody[wes.RunID](t, resp).RunID
}

func TestSubmitRunMaterializesRunDir(t *testing.T) {
	ts := newTestServer(t)
	body, contentType := submitForm(t,
		map[string]string{
			"tags":                       `{"project": "demo"}`,
			"workflow_engine_parameters": `{"--outdir": "outputs"}`,
		},
		map[string]string{"tools/trim.cwl": "cwlVersion: v1.2\n"})

	resp := ts.do(t, http.MethodPost, "/runs", body, contentType)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	runID := decodeBody[wes.RunID](t, resp).RunID
	require.True(t, ts.store.Exists(runID))

	req, err := ts.store.ReadRunRequest(runID)
	require.NoError(t, err)
	assert.Equal(t, wes.TypeCWL, req.WorkflowType)
	assert.Equal(t, "demo", req.Tags["project"])
	require.Len(t, req.WorkflowAttachment, 1)
	assert.Equal(t, "tools/trim.cwl", req.WorkflowAttachment[0].FileName)

	params, err := ts.store.ReadFile(runID, runstore.KeyWfParams)
	require.NoError(t, err)
	assert.JSONEq(t, `{"fastq": "input.fq"}`, string(params))

	engineParams, err := ts.store.ReadString(runID, runstore.KeyWfEngineParams)
	require.NoError(t, err)
	require.NotNil(t, engineParams)
	assert.Equal(t, "--outdir outputs", *engineParams)

	captured, err := ts.store.ReadCapturedConfig(runID)
	require.NoError(t, err)
	require.NotNil(t, captured)
	assert.Equal(t, "http://wes.test", captured.SapporoEndpoint)

	staged, err := os.ReadFile(filepath.Join(
		ts.store.ContentPath(runID, runstore.KeyExeDir), "tools", "trim.cwl"))
	require.NoError(t, err)
	assert.Equal(t, "cwlVersion: v1.2\n", string(staged))

	// The dispatcher forked and recorded its PID.
	require.Eventually(t, func() bool {
		pid, err := ts.store.ReadPID(runID)
		return err == nil && pid != nil
	}, time.Second, 10*time.Millisecond)
}

func TestSubmitRunValidationError(t *testing.T) {
	ts := newTestServer(t)
	body, contentType := submitForm(t, map[string]string{"workflow_type": ""}, nil)
	resp := ts.do(t, http.MethodPost, "/runs", body, contentType)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitRunJSONBody(t *testing.T) {
	ts := newTestServer(t)
	body := strings.NewReader(`{
		"workflow_type": "CWL",
		"workflow_type_version": "v1.2",
		"workflow_engine": "cwltool",
		"workflow_url": "https://example.com/wf.cwl",
		"workflow_params": {"input": 1}
	}`)
	resp := ts.do(t, http.MethodPost, "/runs", body, "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	runID := decodeBody[wes.RunID](t, resp).RunID
	assert.True(t, ts.store.Exists(runID))
}

func TestGetRunAndStatus(t *testing.T) {
	ts := newTestServer(t)
	runID := ts.submitRun(t)

	resp := ts.do(t, http.MethodGet, "/runs/"+runID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rl := decodeBody[wes.RunLog](t, resp)
	assert.Equal(t, runID, rl.RunID)
	require.NotNil(t, rl.Request)
	assert.Equal(t, "https://example.com/trimming.cwl", rl.Request.WorkflowURL)

	resp = ts.do(t, http.MethodGet, "/runs/"+runID+"/status", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decodeBody[wes.RunStatus](t, resp)
	assert.Equal(t, runID, st.RunID)
}

func TestGetRunNotFoundWithoutAuth(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/runs/00000000-0000-0000-0000-000000000000", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListRuns(t *testing.T) {
	ts := newTestServer(t)
	a := ts.submitRun(t)
	b := ts.submitRun(t)
	require.NoError(t, ts.ix.Pass(context.Background()))

	resp := ts.do(t, http.MethodGet, "/runs", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[wes.RunListResponse](t, resp)
	assert.Equal(t, 2, list.TotalRuns)

	ids := []string{list.Runs[0].RunID, list.Runs[1].RunID}
	assert.ElementsMatch(t, []string{a, b}, ids)
}

func TestListRunsLatestBypassesSnapshot(t *testing.T) {
	ts := newTestServer(t)
	runID := ts.submitRun(t)
	require.NoError(t, ts.ix.Pass(context.Background()))

	// Mutate state after the snapshot was taken.
	require.NoError(t, ts.store.WriteState(runID, state.Canceling))

	resp := ts.do(t, http.MethodGet, "/runs", nil, "")
	stale := decodeBody[wes.RunListResponse](t, resp)
	require.Len(t, stale.Runs, 1)
	assert.Equal(t, state.Queued, stale.Runs[0].State)

	resp = ts.do(t, http.MethodGet, "/runs?latest=true", nil, "")
	live := decodeBody[wes.RunListResponse](t, resp)
	require.Len(t, live.Runs, 1)
	assert.Equal(t, state.Canceling, live.Runs[0].State)
}

func TestListRunsRejectsBadQuery(t *testing.T) {
	ts := newTestServer(t)
	for _, q := range []string{"page_size=0", "sort_order=sideways", "state=NOPE", "tags=missing-separator", "tags=bad%20key:v"} {
		resp := ts.do(t, http.MethodGet, "/runs?"+q, nil, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestCancelQueuedRun(t *testing.T) {
	ts := newTestServer(t)
	runID := ts.submitRun(t)

	resp := ts.do(t, http.MethodPost, "/runs/"+runID+"/cancel", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, runID, decodeBody[wes.RunID](t, resp).RunID)
	assert.Equal(t, state.Canceling, ts.store.ReadState(runID))
}

func TestDeleteRun(t *testing.T) {
	ts := newTestServer(t)
	runID := ts.submitRun(t)
	require.NoError(t, ts.ix.Pass(context.Background()))

	resp := ts.do(t, http.MethodDelete, "/runs/"+runID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, ts.store.Exists(runID))

	resp = ts.do(t, http.MethodGet, "/runs", nil, "")
	list := decodeBody[wes.RunListResponse](t, resp)
	assert.Empty(t, list.Runs)
}

func TestBulkDeleteRequiresRunIDs(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodDelete, "/runs", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBulkDelete(t *testing.T) {
	ts := newTestServer(t)
	a := ts.submitRun(t)
	b := ts.submitRun(t)

	q := url.Values{"run_ids": []string{a, b}}
	resp := ts.do(t, http.MethodDelete, "/runs?"+q.Encode(), nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, ts.store.Exists(a))
	assert.False(t, ts.store.Exists(b))
}

func TestRunOutputs(t *testing.T) {
	ts := newTestServer(t)
	runID := ts.submitRun(t)
	outDir := ts.store.ContentPath(runID, runstore.KeyOutputsDir)
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "result.txt"), []byte("done\n"), 0o644))

	resp := ts.do(t, http.MethodGet, "/runs/"+runID+"/outputs", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[wes.OutputsListResponse](t, resp)
	require.Len(t, list.Outputs, 1)
	assert.Equal(t, "result.txt", list.Outputs[0].FileName)
	assert.Equal(t, fmt.Sprintf("http://wes.test/runs/%s/outputs/result.txt", runID), list.Outputs[0].FileURL)

	resp = ts.do(t, http.MethodGet, "/runs/"+runID+"/outputs/result.txt", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "done\n", string(data))

	resp = ts.do(t, http.MethodGet, "/runs/"+runID+"/outputs/result.txt?download=true", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")

	resp = ts.do(t, http.MethodGet, "/runs/"+runID+"/outputs/missing.txt", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunOutputsArchiveDownload(t *testing.T) {
	ts := newTestServer(t)
	runID := ts.submitRun(t)
	outDir := ts.store.ContentPath(runID, runstore.KeyOutputsDir)
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "a.txt"), []byte("a"), 0o644))

	resp := ts.do(t, http.MethodGet, "/runs/"+runID+"/outputs?download=true", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
}

func TestRunROCrate(t *testing.T) {
	ts := newTestServer(t)
	runID := ts.submitRun(t)

	resp := ts.do(t, http.MethodGet, "/runs/"+runID+"/ro-crate", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, ts.store.WriteJSON(runID, runstore.KeyROCrate,
		map[string]string{"@context": "https://w3id.org/ro/crate/1.1/context"}))

	resp = ts.do(t, http.MethodGet, "/runs/"+runID+"/ro-crate", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/ld+json", resp.Header.Get("Content-Type"))
}

func TestTasksUnsupported(t *testing.T) {
	ts := newTestServer(t)
	runID := ts.submitRun(t)

	for _, path := range []string{"/runs/" + runID + "/tasks", "/runs/" + runID + "/tasks/task-1"} {
		resp := ts.do(t, http.MethodGet, path, nil, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "unsupported in this implementation")
	}
}

func TestServiceInfo(t *testing.T) {
	ts := newTestServer(t)
	ts.submitRun(t)

	resp := ts.do(t, http.MethodGet, "/service-info", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decodeBody[wes.ServiceInfo](t, resp)
	assert.Contains(t, info.SupportedWesVersions, "sapporo-wes-2.0.0")
	assert.Equal(t, 1, info.SystemStateCounts[string(state.Queued)])
}

func TestExecutableWorkflows(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/executable-workflows", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[wes.ExecutableWorkflows](t, resp)
	assert.Empty(t, list.Workflows)
}

func TestCORSHeaders(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/service-info", nil, "")
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	resp = ts.do(t, http.MethodOptions, "/runs", nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func newLocalAuth(t *testing.T) *auth.LocalAuthenticator {
	t.Helper()
	hash, err := auth.HashPassword("alice-password")
	require.NoError(t, err)
	return auth.NewLocal(auth.SapporoAuthConfig{
		SecretKey:         "0123456789abcdef0123456789abcdef",
		ExpiresDeltaHours: intPtr(1),
		Users: []auth.User{
			{Username: "alice", Password: hash},
		},
	}, false, log.New(log.DefaultConfig()))
}

func intPtr(n int) *int { return &n }

func TestAuthTokenAndMe(t *testing.T) {
	ts := newTestServer(t, withAuth(newLocalAuth(t)))

	// No token: everything but POST /token is unauthorized.
	resp := ts.do(t, http.MethodGet, "/service-info", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	form := url.Values{"username": {"alice"}, "password": {"alice-password"}}
	resp = ts.do(t, http.MethodPost, "/token",
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token := decodeBody[wes.TokenResponse](t, resp)
	assert.Equal(t, "Bearer", token.TokenType)
	require.NotEmpty(t, token.AccessToken)

	ts.token = token.AccessToken
	resp = ts.do(t, http.MethodGet, "/me", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", decodeBody[wes.MeResponse](t, resp).Username)
}

func TestAuthWrongCredentials(t *testing.T) {
	ts := newTestServer(t, withAuth(newLocalAuth(t)))
	form := url.Values{"username": {"alice"}, "password": {"wrong"}}
	resp := ts.do(t, http.MethodPost, "/token",
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthHidesForeignAndMissingRuns(t *testing.T) {
	ts := newTestServer(t, withAuth(newLocalAuth(t)))

	form := url.Values{"username": {"alice"}, "password": {"alice-password"}}
	resp := ts.do(t, http.MethodPost, "/token",
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ts.token = decodeBody[wes.TokenResponse](t, resp).AccessToken

	runID := ts.submitRun(t)
	assert.Equal(t, "alice", ts.store.ReadUsername(runID))

	// Reassign ownership on disk: alice must now get the same 403 as
	// for a run that does not exist.
	require.NoError(t, ts.store.WriteFile(runID, runstore.KeyUsername, []byte("mallory\n")))

	resp = ts.do(t, http.MethodGet, "/runs/"+runID, nil, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/runs/00000000-0000-0000-0000-000000000000", nil, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAuthScopesListing(t *testing.T) {
	ts := newTestServer(t, withAuth(newLocalAuth(t)))

	form := url.Values{"username": {"alice"}, "password": {"alice-password"}}
	resp := ts.do(t, http.MethodPost, "/token",
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ts.token = decodeBody[wes.TokenResponse](t, resp).AccessToken

	mine := ts.submitRun(t)
	foreign := ts.submitRun(t)
	require.NoError(t, ts.store.WriteFile(foreign, runstore.KeyUsername, []byte("mallory\n")))
	require.NoError(t, ts.ix.Pass(context.Background()))

	resp = ts.do(t, http.MethodGet, "/runs", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[wes.RunListResponse](t, resp)
	require.Len(t, list.Runs, 1)
	assert.Equal(t, mine, list.Runs[0].RunID)
}

func TestMeWithAuthDisabled(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/me", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTokenUnavailableWithAuthDisabled(t *testing.T) {
	ts := newTestServer(t)
	form := url.Values{"username": {"alice"}, "password": {"x"}}
	resp := ts.do(t, http.MethodPost, "/token",
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
