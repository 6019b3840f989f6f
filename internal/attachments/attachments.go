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

// Package attachments downloads remote workflow attachments into a
// run's exe/ directory. It runs in the dispatcher's helper process,
// after submission and before the engine starts.
package attachments

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sapporo-wes/sapporo-service/internal/log"
	"github.com/sapporo-wes/sapporo-service/internal/runstore"
)

const (
	fetchTimeout = 10 * time.Second
	fetchRetries = 3
	fetchBackoff = 500 * time.Millisecond
)

// Downloader fetches the http(s) entries of a run's attachment list.
type Downloader struct {
	store  *runstore.Store
	client *http.Client
	logger *slog.Logger
}

// New builds a Downloader over the given store.
func New(store *runstore.Store, logger *slog.Logger) *Downloader {
	return &Downloader{
		store:  store,
		client: &http.Client{Timeout: fetchTimeout},
		logger: log.WithComponent(logger, "attachments"),
	}
}

// Download fetches every workflow_attachment entry with an http(s)
// file_url into exe/. URLs that point back at this service are skipped:
// those files were staged at submission and fetching them again would
// deadlock a single-threaded deployment.
func (d *Downloader) Download(ctx context.Context, runID string) error {
	req, err := d.store.ReadRunRequest(runID)
	if err != nil {
		return err
	}
	if req == nil {
		return fmt.Errorf("run_request.json is missing")
	}

	var selfEndpoint string
	if cfg, err := d.store.ReadCapturedConfig(runID); err == nil && cfg != nil {
		selfEndpoint = strings.TrimRight(cfg.SapporoEndpoint, "/")
	}

	exeDir := d.store.ContentPath(runID, runstore.KeyExeDir)
	for _, obj := range req.WorkflowAttachment {
		if !strings.HasPrefix(obj.FileURL, "http://") && !strings.HasPrefix(obj.FileURL, "https://") {
			continue
		}
		if selfEndpoint != "" && strings.HasPrefix(obj.FileURL, selfEndpoint) {
			d.logger.Info("skipping self-referencing attachment",
				slog.String(log.RunIDKey, runID),
				slog.String("url", obj.FileURL))
			continue
		}
		secured := runstore.SecureFilePath(obj.FileName)
		if secured == "" {
			continue
		}
		dest := filepath.Join(exeDir, filepath.FromSlash(secured))
		if err := d.fetch(ctx, obj.FileURL, dest); err != nil {
			return fmt.Errorf("download attachment %s: %w", obj.FileName, err)
		}
		d.logger.Info("attachment downloaded",
			slog.String(log.RunIDKey, runID),
			slog.String("file", secured))
	}
	return nil
}

// fetch downloads one URL to dest with retries and doubling backoff.
func (d *Downloader) fetch(ctx context.Context, url, dest string) error {
	backoff := fetchBackoff
	var lastErr error
	for attempt := 0; attempt <= fetchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		lastErr = d.fetchOnce(ctx, url, dest)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (d *Downloader) fetchOnce(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}
