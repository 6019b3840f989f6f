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

// Package daemon wires the service together: run store, supervisor,
// indexer, authentication, the HTTP handler, and the metrics endpoint.
package daemon

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/sapporo-wes/sapporo-service/internal/api"
	"github.com/sapporo-wes/sapporo-service/internal/auth"
	"github.com/sapporo-wes/sapporo-service/internal/config"
	"github.com/sapporo-wes/sapporo-service/internal/indexer"
	"github.com/sapporo-wes/sapporo-service/internal/log"
	"github.com/sapporo-wes/sapporo-service/internal/runstore"
	"github.com/sapporo-wes/sapporo-service/internal/supervisor"
)

// shutdownTimeout bounds the graceful drain on SIGTERM. In-flight
// dispatchers are detached and are deliberately not signaled.
const shutdownTimeout = 30 * time.Second

// Daemon is the assembled service.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store     *runstore.Store
	workflows *config.WorkflowList
	ix        *indexer.Indexer
	metrics   *metrics
	handler   http.Handler
}

// New validates the configuration and assembles every component.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := runstore.New(cfg.RunDir, logger)
	if err != nil {
		return nil, err
	}

	serviceInfo, err := config.LoadServiceInfo(cfg.ServiceInfoPath)
	if err != nil {
		return nil, err
	}
	workflows, err := config.LoadWorkflowList(cfg.ExecutableWorkflowsPath, logger)
	if err != nil {
		return nil, err
	}

	authCfg := auth.DefaultConfig()
	if cfg.AuthConfigPath != "" {
		authCfg, err = auth.LoadConfig(cfg.AuthConfigPath)
		if err != nil {
			return nil, err
		}
	}
	if err := authCfg.Validate(cfg.Debug); err != nil {
		return nil, err
	}

	var (
		authn auth.Authenticator
		local *auth.LocalAuthenticator
	)
	if authCfg.AuthEnabled {
		switch authCfg.IdpProvider {
		case auth.ProviderExternal:
			authn = auth.NewExternal(authCfg.ExternalConfig, logger)
		default:
			local = auth.NewLocal(authCfg.SapporoAuthConfig, cfg.Debug, logger)
			authn = local
		}
	}

	tokenSecret := make([]byte, 32)
	if _, err := rand.Read(tokenSecret); err != nil {
		return nil, fmt.Errorf("generate page token secret: %w", err)
	}

	m := newMetrics()
	ix := indexer.New(store, supervisor.PIDAlive, indexer.Config{
		DBPath:              filepath.Join(store.BaseDir(), "sapporo.db"),
		Interval:            time.Duration(cfg.SnapshotIntervalMinutes) * time.Minute,
		RemoveOlderThanDays: cfg.RunRemoveOlderThanDays,
		TokenSecret:         tokenSecret,
	}, logger)
	ix.OnSnapshot = m.setStateCounts

	handler := api.New(api.Options{
		Store:       store,
		Supervisor:  supervisor.New(store, cfg.RunSh, logger),
		Indexer:     ix,
		ServiceInfo: serviceInfo,
		Workflows:   workflows,
		AuthEnabled: authCfg.AuthEnabled,
		Authn:       authn,
		Local:       local,
		Captured: runstore.CapturedConfig{
			SapporoVersion:  config.Version,
			BaseURL:         cfg.ExternalBaseURL(),
			SapporoEndpoint: cfg.Endpoint(),
			URLPrefix:       cfg.URLPrefix,
			RunDirBase:      store.BaseDir(),
		},
		Endpoint:    cfg.Endpoint(),
		AllowOrigin: cfg.AllowOrigin,
		Logger:      logger,
	})

	d := &Daemon{
		cfg:       cfg,
		logger:    log.WithComponent(logger, "daemon"),
		store:     store,
		workflows: workflows,
		ix:        ix,
		metrics:   m,
	}
	d.handler = d.buildRoot(handler.Routes())
	return d, nil
}

// buildRoot mounts the API under the URL prefix and the metrics scrape
// endpoint at the root, all behind the HTTP instrumentation.
func (d *Daemon) buildRoot(apiRoutes http.Handler) http.Handler {
	root := http.NewServeMux()
	root.Handle("/metrics", d.metrics.handler())

	prefix := "/" + strings.Trim(d.cfg.URLPrefix, "/")
	if prefix == "/" {
		root.Handle("/", apiRoutes)
	} else {
		root.Handle(prefix+"/", http.StripPrefix(prefix, apiRoutes))
	}
	return d.metrics.instrument(root)
}

// Handler exposes the assembled HTTP handler. Used by tests.
func (d *Daemon) Handler() http.Handler {
	return d.handler
}

// Run serves HTTP until ctx is canceled, then drains connections. The
// indexer and the whitelist watcher run on the same ctx. Detached
// dispatchers keep running across a daemon restart; the filesystem is
// the only state they share with the next process.
func (d *Daemon) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.Addr())
	if err != nil {
		return fmt.Errorf("bind %s: %w", d.cfg.Addr(), err)
	}

	go d.ix.Run(ctx)
	go func() {
		if err := d.workflows.Watch(ctx); err != nil {
			d.logger.Error("workflow whitelist watcher failed", log.Error(err))
		}
	}()

	server := &http.Server{
		Handler:           d.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()
	d.logger.Info("listening",
		slog.String("addr", d.cfg.Addr()),
		slog.String("endpoint", d.cfg.Endpoint()),
		slog.Bool("debug", d.cfg.Debug))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	d.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
