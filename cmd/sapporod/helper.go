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

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sapporo-wes/sapporo-service/internal/attachments"
	"github.com/sapporo-wes/sapporo-service/internal/auth"
	"github.com/sapporo-wes/sapporo-service/internal/log"
	"github.com/sapporo-wes/sapporo-service/internal/rocrate"
	"github.com/sapporo-wes/sapporo-service/internal/runstore"
)

// newHelperCmd groups the subcommands the dispatcher script invokes on
// a bare run directory. They run outside the HTTP process so a daemon
// restart never interrupts them.
func newHelperCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "helper",
		Short: "Run-directory helpers invoked by the dispatcher",
	}
	cmd.AddCommand(
		newDownloadAttachmentsCmd(),
		newDumpOutputsCmd(),
		newGenerateROCrateCmd(),
		newHashPasswordCmd(),
	)
	return cmd
}

// openRunDir resolves a run directory path into its store and run ID.
// Runs live at {base}/{id[:2]}/{id}, so the base is two levels up.
func openRunDir(runDir string) (*runstore.Store, string, error) {
	abs, err := filepath.Abs(runDir)
	if err != nil {
		return nil, "", err
	}
	runID := filepath.Base(abs)
	base := filepath.Dir(filepath.Dir(abs))

	store, err := runstore.New(base, log.New(log.FromEnv()))
	if err != nil {
		return nil, "", err
	}
	if !store.Exists(runID) {
		return nil, "", fmt.Errorf("%s is not a run directory", runDir)
	}
	return store, runID, nil
}

func newDownloadAttachmentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download-attachments <run_dir>",
		Short: "Fetch remote workflow attachments into exe/",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, runID, err := openRunDir(args[0])
			if err != nil {
				return err
			}
			d := attachments.New(store, log.New(log.FromEnv()))
			return d.Download(cmd.Context(), runID)
		},
	}
}

func newDumpOutputsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump-outputs <run_dir>",
		Short: "Walk outputs/ and write outputs.json",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, runID, err := openRunDir(args[0])
			if err != nil {
				return err
			}
			return rocrate.NewBuilder(store, log.New(log.FromEnv())).DumpOutputs(runID)
		},
	}
}

func newGenerateROCrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-ro-crate <run_dir>",
		Short: "Write ro-crate-metadata.json for a finished run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, runID, err := openRunDir(args[0])
			if err != nil {
				return err
			}
			return rocrate.NewBuilder(store, log.New(log.FromEnv())).GenerateROCrate(runID)
		},
	}
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a password for the auth-config users list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
			var password string
			if _, err := fmt.Fscanln(os.Stdin, &password); err != nil {
				return err
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
