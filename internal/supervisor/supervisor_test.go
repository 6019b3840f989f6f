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

package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sapporo-wes/sapporo-service/internal/log"
	"github.com/sapporo-wes/sapporo-service/internal/runstore"
	"github.com/sapporo-wes/sapporo-service/internal/state"
)

func newTestSupervisor(t *testing.T, script string) (*Supervisor, *runstore.Store) {
	t.Helper()
	logger := log.New(log.DefaultConfig())
	store, err := runstore.New(t.TempDir(), logger)
	require.NoError(t, err)

	dispatcher := filepath.Join(t.TempDir(), "run.sh")
	require.NoError(t, os.WriteFile(dispatcher, []byte(script), 0o755))
	return New(store, dispatcher, logger), store
}

func createQueuedRun(t *testing.T, store *runstore.Store) string {
	t.Helper()
	runID := store.NewRunID()
	err := store.Create(runID, func(dir string) error {
		if err := os.WriteFile(filepath.Join(dir, runstore.RelPath(runstore.KeyState)), []byte("QUEUED\n"), 0o644); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, runstore.RelPath(runstore.KeyRunRequest)), []byte("{}"), 0o644)
	})
	require.NoError(t, err)
	return runID
}

func waitForFile(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			return string(data)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("file %s did not appear", path)
	return ""
}

func TestStartWritesPIDAndStreams(t *testing.T) {
	sup, store := newTestSupervisor(t, "#!/bin/bash\necho out-line\necho err-line >&2\n")
	runID := createQueuedRun(t, store)

	require.NoError(t, sup.Start(runID))

	pid, err := store.ReadPID(runID)
	require.NoError(t, err)
	require.NotNil(t, pid)
	assert.Greater(t, *pid, 0)

	stdout := waitForFile(t, store.ContentPath(runID, runstore.KeyStdout))
	assert.Contains(t, stdout, "out-line")
	stderr := waitForFile(t, store.ContentPath(runID, runstore.KeyStderr))
	assert.Contains(t, stderr, "err-line")
}

func TestStartPassesRunDirArgument(t *testing.T) {
	sup, store := newTestSupervisor(t, "#!/bin/bash\necho \"$1\"\n")
	runID := createQueuedRun(t, store)

	require.NoError(t, sup.Start(runID))
	stdout := waitForFile(t, store.ContentPath(runID, runstore.KeyStdout))
	assert.Contains(t, stdout, store.RunDir(runID))
}

func TestCancelSignalsDispatcher(t *testing.T) {
	// The dispatcher traps SIGUSR1, finalizes CANCELED, and exits 138.
	script := `#!/bin/bash
run_dir="$1"
trap 'echo CANCELED > "$run_dir/state.txt"; echo 138 > "$run_dir/exit_code.txt"; exit 138' USR1
echo RUNNING > "$run_dir/state.txt"
for i in $(seq 1 200); do sleep 0.1; done
`
	sup, store := newTestSupervisor(t, script)
	runID := createQueuedRun(t, store)
	require.NoError(t, sup.Start(runID))

	// Wait for the dispatcher to reach RUNNING.
	deadline := time.Now().Add(5 * time.Second)
	for store.ReadState(runID) != state.Running && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	require.Equal(t, state.Running, store.ReadState(runID))

	gone, err := sup.Cancel(runID)
	require.NoError(t, err)
	assert.False(t, gone)

	deadline = time.Now().Add(10 * time.Second)
	for store.ReadState(runID) != state.Canceled && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, state.Canceled, store.ReadState(runID))

	exitCode, err := store.ReadInt(runID, runstore.KeyExitCode)
	require.NoError(t, err)
	require.NotNil(t, exitCode)
	assert.Equal(t, 138, *exitCode)
}

func TestCancelTerminalRunIsIdempotent(t *testing.T) {
	sup, store := newTestSupervisor(t, "#!/bin/bash\n")
	runID := createQueuedRun(t, store)
	require.NoError(t, store.WriteState(runID, state.Initializing))
	require.NoError(t, store.WriteState(runID, state.Running))
	require.NoError(t, store.WriteState(runID, state.Complete))

	gone, err := sup.Cancel(runID)
	require.NoError(t, err)
	assert.True(t, gone)
	assert.Equal(t, state.Complete, store.ReadState(runID))
}

func TestCancelDeadPIDReportsAlreadyGone(t *testing.T) {
	sup, store := newTestSupervisor(t, "#!/bin/bash\n")
	runID := createQueuedRun(t, store)
	require.NoError(t, store.WriteState(runID, state.Initializing))
	require.NoError(t, store.WriteState(runID, state.Running))
	// A PID that cannot exist.
	require.NoError(t, store.WriteFile(runID, runstore.KeyPID, []byte("999999999\n")))

	gone, err := sup.Cancel(runID)
	require.NoError(t, err)
	assert.True(t, gone)
	assert.Equal(t, state.Canceling, store.ReadState(runID))
}

func TestPIDAlive(t *testing.T) {
	assert.True(t, PIDAlive(os.Getpid()))
	assert.False(t, PIDAlive(0))
	assert.False(t, PIDAlive(-5))
	assert.False(t, PIDAlive(999999999))
}
