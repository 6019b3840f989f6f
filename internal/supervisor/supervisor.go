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

// Package supervisor forks the engine dispatcher as a detached child and
// delivers cooperative cancellation signals to it.
//
// The dispatcher, not the supervisor, owns timestamps, state transitions,
// exit_code.txt, and RO-Crate generation: those must survive this process
// dying, so they live with the child.
package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/sapporo-wes/sapporo-service/internal/apperr"
	"github.com/sapporo-wes/sapporo-service/internal/log"
	"github.com/sapporo-wes/sapporo-service/internal/runstore"
	"github.com/sapporo-wes/sapporo-service/internal/state"
)

// Supervisor launches one dispatcher process per run.
type Supervisor struct {
	store      *runstore.Store
	dispatcher string
	logger     *slog.Logger
}

// New builds a Supervisor. dispatcher is the path of the run script
// invoked as `bash <dispatcher> <run_dir>`.
func New(store *runstore.Store, dispatcher string, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		store:      store,
		dispatcher: dispatcher,
		logger:     log.WithComponent(logger, "supervisor"),
	}
}

// Start forks the dispatcher for runID, detached from this process's
// session and process group so that signals to the HTTP process never
// reach in-flight engines. Stdin is closed; stdout and stderr write to
// the run's stdout.log and stderr.log. The child PID lands in run.pid.
func (s *Supervisor) Start(runID string) error {
	runDir := s.store.RunDir(runID)

	stdoutFile, err := os.OpenFile(s.store.ContentPath(runID, runstore.KeyStdout),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageIO, "failed to open stdout.log", err)
	}
	defer stdoutFile.Close()

	stderrFile, err := os.OpenFile(s.store.ContentPath(runID, runstore.KeyStderr),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageIO, "failed to open stderr.log", err)
	}
	defer stderrFile.Close()

	cmd := exec.Command("bash", s.dispatcher, runDir)
	cmd.Dir = runDir
	cmd.Env = os.Environ()
	cmd.Stdin = nil
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	if err := cmd.Start(); err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to start dispatcher", err)
	}
	pid := cmd.Process.Pid

	if err := s.store.WriteFile(runID, runstore.KeyPID, []byte(strconv.Itoa(pid)+"\n")); err != nil {
		return err
	}
	if err := cmd.Process.Release(); err != nil {
		s.logger.Warn("dispatcher started but release failed",
			slog.String(log.RunIDKey, runID), log.Error(err))
	}

	s.logger.Info("dispatcher started",
		slog.String(log.RunIDKey, runID),
		slog.Int("pid", pid))
	return nil
}

// Cancel requests cooperative cancellation. CANCELING is written first so
// the dispatcher observes it even if the signal races its exit; then the
// recorded PID receives SIGUSR1. alreadyGone reports that there was no
// live process to signal: either the run is already terminal or the
// dispatcher died, in which case the next indexer pass reconciles state.
func (s *Supervisor) Cancel(runID string) (alreadyGone bool, err error) {
	cur := s.store.ReadState(runID)
	if cur.IsTerminal() || cur == state.Deleting {
		return true, nil
	}

	if err := s.store.WriteState(runID, state.Canceling); err != nil {
		return false, err
	}

	pid, err := s.store.ReadPID(runID)
	if err != nil {
		return false, err
	}
	if pid == nil || !PIDAlive(*pid) {
		return true, nil
	}

	if err := syscall.Kill(*pid, syscall.SIGUSR1); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return true, nil
		}
		return false, apperr.Wrap(apperr.KindInternal,
			fmt.Sprintf("failed to signal dispatcher pid %d", *pid), err)
	}

	s.logger.Info("cancellation signaled",
		slog.String(log.RunIDKey, runID),
		slog.Int("pid", *pid))
	return false, nil
}

// PIDAlive probes a PID with signal 0. EPERM counts as alive: the
// process exists but belongs to another user.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
