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

package runstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/sapporo-wes/sapporo-service/internal/apperr"
	"github.com/sapporo-wes/sapporo-service/internal/log"
	"github.com/sapporo-wes/sapporo-service/internal/state"
	"github.com/sapporo-wes/sapporo-service/internal/wes"
)

// Store reads and writes run directories under a single base directory.
// All writes of individual files are atomic (temp file plus rename), and
// state transitions are serialized per run.
type Store struct {
	baseDir string
	logger  *slog.Logger

	mu       sync.Mutex
	runLocks map[string]*sync.Mutex
}

// New opens a Store rooted at baseDir, creating it if needed.
func New(baseDir string, logger *slog.Logger) (*Store, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve run dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	return &Store{
		baseDir:  abs,
		logger:   log.WithComponent(logger, "runstore"),
		runLocks: make(map[string]*sync.Mutex),
	}, nil
}

// BaseDir returns the absolute run base directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// NewRunID allocates a fresh run identifier.
func (s *Store) NewRunID() string {
	return uuid.NewString()
}

// RunDir returns the directory of a run: {base}/{id[:2]}/{id}.
func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.baseDir, runID[:2], runID)
}

// ContentPath returns the absolute path of one run-dir entry.
func (s *Store) ContentPath(runID string, key Key) string {
	return filepath.Join(s.RunDir(runID), layout[key])
}

// Exists reports whether runID has a run directory with a run_request.json.
// Directories without one are staging leftovers and are not runs.
func (s *Store) Exists(runID string) bool {
	if len(runID) < 2 || strings.ContainsAny(runID, "/\\") {
		return false
	}
	_, err := os.Stat(s.ContentPath(runID, KeyRunRequest))
	return err == nil
}

// Create materializes a new run directory. populate receives a staging
// directory that already contains exe/ and outputs/; only after populate
// succeeds is the staging directory renamed into place, so a half-written
// run is never observable under the shard tree.
func (s *Store) Create(runID string, populate func(dir string) error) error {
	stage, err := os.MkdirTemp(s.baseDir, ".stage-")
	if err != nil {
		return apperr.Wrap(apperr.KindStorageIO, "failed to create run directory", err)
	}
	defer os.RemoveAll(stage)

	for _, sub := range []Key{KeyExeDir, KeyOutputsDir} {
		// Engines may run as a different uid inside their container.
		if err := os.MkdirAll(filepath.Join(stage, layout[sub]), 0o777); err != nil {
			return apperr.Wrap(apperr.KindStorageIO, "failed to create run directory", err)
		}
	}
	if err := populate(stage); err != nil {
		return err
	}

	final := s.RunDir(runID)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return apperr.Wrap(apperr.KindStorageIO, "failed to create run directory", err)
	}
	if err := os.Rename(stage, final); err != nil {
		return apperr.Wrap(apperr.KindStorageIO, "failed to create run directory", err)
	}
	s.logger.Debug("run directory created", slog.String(log.RunIDKey, runID))
	return nil
}

// WriteFile atomically writes one run-dir entry.
func (s *Store) WriteFile(runID string, key Key, content []byte) error {
	return atomicWrite(s.ContentPath(runID, key), content)
}

// WriteJSON atomically writes one run-dir entry as indented JSON.
func (s *Store) WriteJSON(runID string, key Key, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return atomicWrite(s.ContentPath(runID, key), append(data, '\n'))
}

// ReadFile reads one run-dir entry. A missing file yields (nil, nil):
// absence of optional metadata is normal, not an error.
func (s *Store) ReadFile(runID string, key Key) ([]byte, error) {
	data, err := os.ReadFile(s.ContentPath(runID, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageIO, fmt.Sprintf("failed to read %s", layout[key]), err)
	}
	return data, nil
}

// ReadString reads one run-dir entry as a trimmed string.
// Missing files yield nil.
func (s *Store) ReadString(runID string, key Key) (*string, error) {
	data, err := s.ReadFile(runID, key)
	if err != nil || data == nil {
		return nil, err
	}
	str := strings.TrimSpace(string(data))
	return &str, nil
}

// ReadInt reads one run-dir entry as an integer. Missing or malformed
// files yield nil.
func (s *Store) ReadInt(runID string, key Key) (*int, error) {
	str, err := s.ReadString(runID, key)
	if err != nil || str == nil {
		return nil, err
	}
	n, err := strconv.Atoi(*str)
	if err != nil {
		return nil, nil
	}
	return &n, nil
}

// ReadState returns the run's current state. Missing or unreadable
// state.txt yields Unknown.
func (s *Store) ReadState(runID string) state.State {
	data, err := os.ReadFile(s.ContentPath(runID, KeyState))
	if err != nil {
		return state.Unknown
	}
	return state.Parse(string(data))
}

// WriteState transitions the run to next. The current state is re-read
// under the run's lock and the transition is checked against the state
// machine; an illegal edge yields a conflict error and leaves state.txt
// untouched.
func (s *Store) WriteState(runID string, next state.State) error {
	lock := s.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	cur := s.ReadState(runID)
	if cur == next {
		return nil
	}
	if !state.CanTransition(cur, next) {
		return apperr.Newf(apperr.KindConflict, "cannot transition run from %s to %s", cur, next)
	}
	if err := atomicWrite(s.ContentPath(runID, KeyState), []byte(string(next)+"\n")); err != nil {
		return err
	}
	s.logger.Info("run state changed",
		slog.String(log.RunIDKey, runID),
		slog.String("from", string(cur)),
		slog.String(log.StateKey, string(next)))
	return nil
}

// ReadRunRequest reads and decodes run_request.json. A missing file
// yields (nil, nil).
func (s *Store) ReadRunRequest(runID string) (*wes.RunRequest, error) {
	data, err := s.ReadFile(runID, KeyRunRequest)
	if err != nil || data == nil {
		return nil, err
	}
	var req wes.RunRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageIO, "failed to decode run_request.json", err)
	}
	return &req, nil
}

// ReadUsername returns the owner recorded at submission, or "" when the
// run predates authentication.
func (s *Store) ReadUsername(runID string) string {
	str, err := s.ReadString(runID, KeyUsername)
	if err != nil || str == nil {
		return ""
	}
	return *str
}

// ReadPID returns the dispatcher PID, or nil before the dispatcher wrote it.
func (s *Store) ReadPID(runID string) (*int, error) {
	return s.ReadInt(runID, KeyPID)
}

// AppendSystemLog appends one line to system_logs.json.
func (s *Store) AppendSystemLog(runID string, line string) error {
	var logs []string
	data, err := s.ReadFile(runID, KeySystemLogs)
	if err != nil {
		return err
	}
	if data != nil {
		if err := json.Unmarshal(data, &logs); err != nil {
			logs = nil
		}
	}
	logs = append(logs, line)
	return s.WriteJSON(runID, KeySystemLogs, logs)
}

// Summary assembles the listing view of a run from its directory.
func (s *Store) Summary(runID string) (*wes.RunSummary, error) {
	startTime, err := s.ReadString(runID, KeyStartTime)
	if err != nil {
		return nil, err
	}
	endTime, err := s.ReadString(runID, KeyEndTime)
	if err != nil {
		return nil, err
	}
	req, err := s.ReadRunRequest(runID)
	if err != nil {
		return nil, err
	}
	tags := map[string]string{}
	if req != nil && req.Tags != nil {
		tags = req.Tags
	}
	return &wes.RunSummary{
		RunID:     runID,
		State:     s.ReadState(runID),
		StartTime: startTime,
		EndTime:   endTime,
		Tags:      tags,
	}, nil
}

// RunLog assembles the full detail view of a run from its directory.
// Every field is read live from disk.
func (s *Store) RunLog(runID string) (*wes.RunLog, error) {
	req, err := s.ReadRunRequest(runID)
	if err != nil {
		return nil, err
	}
	runLog, err := s.buildLog(runID)
	if err != nil {
		return nil, err
	}
	outputs, err := s.ReadOutputsManifest(runID)
	if err != nil {
		return nil, err
	}
	return &wes.RunLog{
		RunID:   runID,
		Request: req,
		State:   s.ReadState(runID),
		RunLog:  *runLog,
		Outputs: outputs,
	}, nil
}

func (s *Store) buildLog(runID string) (*wes.Log, error) {
	var cmd []string
	if cmdStr, err := s.ReadString(runID, KeyCmd); err != nil {
		return nil, err
	} else if cmdStr != nil {
		cmd = strings.Fields(*cmdStr)
	}
	startTime, err := s.ReadString(runID, KeyStartTime)
	if err != nil {
		return nil, err
	}
	endTime, err := s.ReadString(runID, KeyEndTime)
	if err != nil {
		return nil, err
	}
	stdout, err := s.ReadString(runID, KeyStdout)
	if err != nil {
		return nil, err
	}
	stderr, err := s.ReadString(runID, KeyStderr)
	if err != nil {
		return nil, err
	}
	exitCode, err := s.ReadInt(runID, KeyExitCode)
	if err != nil {
		return nil, err
	}
	var systemLogs []string
	if data, err := s.ReadFile(runID, KeySystemLogs); err != nil {
		return nil, err
	} else if data != nil {
		if err := json.Unmarshal(data, &systemLogs); err != nil {
			systemLogs = nil
		}
	}
	return &wes.Log{
		Cmd:        cmd,
		StartTime:  startTime,
		EndTime:    endTime,
		Stdout:     stdout,
		Stderr:     stderr,
		ExitCode:   exitCode,
		SystemLogs: systemLogs,
	}, nil
}

// ReadOutputsManifest decodes outputs.json. Missing manifest yields nil.
func (s *Store) ReadOutputsManifest(runID string) ([]wes.FileObject, error) {
	data, err := s.ReadFile(runID, KeyOutputs)
	if err != nil || data == nil {
		return nil, err
	}
	var outputs []wes.FileObject
	if err := json.Unmarshal(data, &outputs); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageIO, "failed to decode outputs.json", err)
	}
	return outputs, nil
}

// AllRunIDs globs every run directory under the base directory. A run
// exists iff its run_request.json does.
func (s *Store) AllRunIDs() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.baseDir, "*", "*", layout[KeyRunRequest]))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageIO, "failed to scan run dir", err)
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, filepath.Base(filepath.Dir(m)))
	}
	return ids, nil
}

// SystemStateCounts counts all runs on disk by state.
func (s *Store) SystemStateCounts() (map[string]int, error) {
	ids, err := s.AllRunIDs()
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, id := range ids {
		counts[string(s.ReadState(id))]++
	}
	return counts, nil
}

// Delete removes the run directory. The caller is responsible for having
// moved the run through DELETING first.
func (s *Store) Delete(runID string) error {
	if err := os.RemoveAll(s.RunDir(runID)); err != nil {
		return apperr.Wrap(apperr.KindStorageIO, "failed to delete run directory", err)
	}
	s.logger.Info("run directory deleted", slog.String(log.RunIDKey, runID))
	return nil
}

func (s *Store) runLock(runID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.runLocks[runID]
	if !ok {
		lock = &sync.Mutex{}
		s.runLocks[runID] = lock
	}
	return lock
}

// atomicWrite writes content to a temp file in the destination directory
// and renames it into place.
func atomicWrite(dest string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return apperr.Wrap(apperr.KindStorageIO, "failed to write run file", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-")
	if err != nil {
		return apperr.Wrap(apperr.KindStorageIO, "failed to write run file", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return apperr.Wrap(apperr.KindStorageIO, "failed to write run file", err)
	}
	if err := tmp.Close(); err != nil {
		return apperr.Wrap(apperr.KindStorageIO, "failed to write run file", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return apperr.Wrap(apperr.KindStorageIO, "failed to write run file", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		// A concurrent writer can race the rename on some filesystems;
		// one retry resolves it.
		if !errors.Is(err, fs.ErrExist) {
			return apperr.Wrap(apperr.KindStorageIO, "failed to write run file", err)
		}
		if err := os.Rename(tmp.Name(), dest); err != nil {
			return apperr.Wrap(apperr.KindStorageIO, "failed to write run file", err)
		}
	}
	return nil
}
