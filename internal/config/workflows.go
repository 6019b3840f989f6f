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

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/sapporo-wes/sapporo-service/internal/log"
	"github.com/sapporo-wes/sapporo-service/internal/wes"
)

// WorkflowList serves the executable-workflows whitelist and reloads it
// when the backing file changes. A zero-path list is permanently
// unrestricted.
type WorkflowList struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	current wes.ExecutableWorkflows
}

// LoadWorkflowList reads the whitelist file. An empty path yields an
// unrestricted list.
func LoadWorkflowList(path string, logger *slog.Logger) (*WorkflowList, error) {
	wl := &WorkflowList{path: path, logger: log.WithComponent(logger, "workflow-list")}
	if path == "" {
		return wl, nil
	}
	if err := wl.reload(); err != nil {
		return nil, err
	}
	return wl, nil
}

// Get returns the whitelist in force.
func (wl *WorkflowList) Get() wes.ExecutableWorkflows {
	wl.mu.RLock()
	defer wl.mu.RUnlock()
	return wl.current
}

func (wl *WorkflowList) reload() error {
	var list wes.ExecutableWorkflows
	if err := decodeJSONTagged(wl.path, &list); err != nil {
		return fmt.Errorf("load executable-workflows: %w", err)
	}
	wl.mu.Lock()
	wl.current = list
	wl.mu.Unlock()
	wl.logger.Info("executable workflows loaded",
		slog.String("path", wl.path),
		slog.Int("workflows", len(list.Workflows)))
	return nil
}

// Watch reloads the whitelist on file changes until ctx is canceled.
// The parent directory is watched because editors and config management
// tools replace the file by rename.
func (wl *WorkflowList) Watch(ctx context.Context) error {
	if wl.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch executable-workflows: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(wl.path)); err != nil {
		return fmt.Errorf("watch executable-workflows: %w", err)
	}

	target, _ := filepath.Abs(wl.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name, _ := filepath.Abs(event.Name)
			if name != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := wl.reload(); err != nil {
				// Keep serving the previous list on a bad edit.
				wl.logger.Error("failed to reload executable workflows", log.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			wl.logger.Error("executable workflows watcher error", log.Error(err))
		}
	}
}
