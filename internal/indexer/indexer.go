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

// Package indexer maintains the disposable SQLite snapshot of the run
// directory. The snapshot serves GET /runs; it is rebuilt from disk on a
// fixed interval and can be deleted at any time without data loss.
package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sapporo-wes/sapporo-service/internal/apperr"
	"github.com/sapporo-wes/sapporo-service/internal/log"
	"github.com/sapporo-wes/sapporo-service/internal/runstore"
	"github.com/sapporo-wes/sapporo-service/internal/state"
)

// Config holds the indexer settings.
type Config struct {
	// DBPath is the snapshot file, conventionally {run_dir}/sapporo.db.
	DBPath string

	// Interval between snapshot passes.
	Interval time.Duration

	// RemoveOlderThanDays deletes run directories whose start_time is
	// older than this many days. Zero disables cleanup.
	RemoveOlderThanDays int

	// TokenSecret signs page tokens.
	TokenSecret []byte
}

// Indexer runs the periodic snapshot pass and answers listing queries.
type Indexer struct {
	store  *runstore.Store
	alive  func(pid int) bool
	cfg    Config
	logger *slog.Logger

	// OnSnapshot, when set, receives the state counts of each pass.
	OnSnapshot func(counts map[string]int)
}

// New builds an Indexer. alive probes whether a dispatcher PID is live.
func New(store *runstore.Store, alive func(pid int) bool, cfg Config, logger *slog.Logger) *Indexer {
	return &Indexer{
		store:  store,
		alive:  alive,
		cfg:    cfg,
		logger: log.WithComponent(logger, "indexer"),
	}
}

// Run executes one pass immediately, then one per interval until ctx is
// canceled.
func (ix *Indexer) Run(ctx context.Context) {
	if err := ix.Pass(ctx); err != nil {
		ix.logger.Error("snapshot pass failed", log.Error(err))
	}
	ticker := time.NewTicker(ix.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			ix.logger.Info("indexer stopped")
			return
		case <-ticker.C:
			if err := ix.Pass(ctx); err != nil {
				ix.logger.Error("snapshot pass failed", log.Error(err))
			}
		}
	}
}

// Pass walks the run directory, reconciles orphaned runs, rebuilds the
// snapshot in a temp file, renames it over DBPath, and applies age-based
// cleanup.
func (ix *Indexer) Pass(ctx context.Context) error {
	started := time.Now()
	ids, err := ix.store.AllRunIDs()
	if err != nil {
		return err
	}

	counts := make(map[string]int)
	rows := make([]indexRow, 0, len(ids))

	for _, runID := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ix.reconcile(runID)
		if ix.cleanup(runID) {
			continue
		}
		sum, err := ix.store.Summary(runID)
		if err != nil {
			ix.logger.Warn("skipping unreadable run", slog.String(log.RunIDKey, runID), log.Error(err))
			continue
		}
		tagsJSON, _ := json.Marshal(sum.Tags)
		rows = append(rows, indexRow{
			runID:     runID,
			state:     string(sum.State),
			startTime: sum.StartTime,
			endTime:   sum.EndTime,
			username:  ix.store.ReadUsername(runID),
			tagsJSON:  string(tagsJSON),
		})
		counts[string(sum.State)]++
	}

	tmp, err := os.CreateTemp(filepath.Dir(ix.cfg.DBPath), ".snapshot-*.db")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	db, err := sql.Open("sqlite", tmpPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	if err := ix.fill(ctx, db, rows); err != nil {
		db.Close()
		return err
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	// WAL sidecars must not survive the rename.
	os.Remove(tmpPath + "-wal")
	os.Remove(tmpPath + "-shm")
	if err := os.Rename(tmpPath, ix.cfg.DBPath); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}

	if ix.OnSnapshot != nil {
		ix.OnSnapshot(counts)
	}
	ix.logger.Info("snapshot rebuilt",
		slog.Int("runs", len(rows)),
		slog.Int64(log.DurationKey, time.Since(started).Milliseconds()))
	return nil
}

const schema = `
CREATE TABLE runs (
	run_id     TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	start_time TEXT,
	end_time   TEXT,
	username   TEXT NOT NULL DEFAULT '',
	tags_json  TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX idx_runs_start_time ON runs (start_time, run_id);
`

// indexRow is one runs-table row staged for insertion.
type indexRow struct {
	runID     string
	state     string
	startTime *string
	endTime   *string
	username  string
	tagsJSON  string
}

func (ix *Indexer) fill(ctx context.Context, db *sql.DB, rows []indexRow) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create snapshot schema: %w", err)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO runs (run_id, state, start_time, end_time, username, tags_json) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.runID, r.state, r.startTime, r.endTime, r.username, r.tagsJSON); err != nil {
			return fmt.Errorf("insert snapshot row: %w", err)
		}
	}
	return tx.Commit()
}

// reconcile rewrites a non-terminal run whose dispatcher died to
// SYSTEM_ERROR. A QUEUED run with no PID file is not touched: it may be
// between directory creation and fork.
func (ix *Indexer) reconcile(runID string) {
	st := ix.store.ReadState(runID)
	if st.IsTerminal() || st == state.Deleting {
		return
	}
	pid, err := ix.store.ReadPID(runID)
	if err != nil {
		return
	}
	if pid == nil && st == state.Queued {
		return
	}
	if pid != nil && ix.alive(*pid) {
		return
	}

	ix.logger.Warn("reconciling orphaned run",
		slog.String(log.RunIDKey, runID),
		slog.String(log.StateKey, string(st)))
	if err := ix.store.AppendSystemLog(runID,
		"dispatcher process died without finalizing the run; state forced to SYSTEM_ERROR"); err != nil {
		ix.logger.Error("failed to record system log", slog.String(log.RunIDKey, runID), log.Error(err))
	}
	if data, _ := ix.store.ReadFile(runID, runstore.KeyExitCode); data == nil {
		_ = ix.store.WriteFile(runID, runstore.KeyExitCode, []byte("1\n"))
	}
	if data, _ := ix.store.ReadFile(runID, runstore.KeyEndTime); data == nil {
		_ = ix.store.WriteFile(runID, runstore.KeyEndTime,
			[]byte(time.Now().UTC().Format("2006-01-02T15:04:05Z")+"\n"))
	}
	if err := ix.store.WriteState(runID, state.SystemError); err != nil {
		ix.logger.Error("failed to reconcile state", slog.String(log.RunIDKey, runID), log.Error(err))
	}
}

// cleanup deletes the run when age-based removal applies. Reports
// whether the run was removed.
func (ix *Indexer) cleanup(runID string) bool {
	if ix.cfg.RemoveOlderThanDays < 1 {
		return false
	}
	startTime, err := ix.store.ReadString(runID, runstore.KeyStartTime)
	if err != nil || startTime == nil {
		return false
	}
	started, err := time.Parse(time.RFC3339, *startTime)
	if err != nil {
		return false
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -ix.cfg.RemoveOlderThanDays)
	if !started.Before(cutoff) {
		return false
	}

	ix.logger.Info("removing expired run",
		slog.String(log.RunIDKey, runID),
		slog.String("start_time", *startTime))
	if err := ix.store.Delete(runID); err != nil {
		ix.logger.Error("failed to remove expired run", slog.String(log.RunIDKey, runID), log.Error(err))
		return false
	}
	return true
}

// RemoveFromIndex drops a deleted run from the current snapshot so
// listings stop showing it before the next pass.
func (ix *Indexer) RemoveFromIndex(ctx context.Context, runID string) error {
	db, err := ix.openSnapshot()
	if err != nil {
		// No snapshot yet means nothing to remove.
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID); err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to update run index", err)
	}
	return nil
}

func (ix *Indexer) openSnapshot() (*sql.DB, error) {
	if _, err := os.Stat(ix.cfg.DBPath); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", ix.cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	return db, nil
}

// SnapshotExists reports whether a snapshot has been built yet.
func (ix *Indexer) SnapshotExists() bool {
	_, err := os.Stat(ix.cfg.DBPath)
	return err == nil
}
