// Copyright 2024 The Cockroach Authors
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
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/spf13/cobra"

	"github.com/seafowldb/seafowl-sync/internal/config"
	"github.com/seafowldb/seafowl-sync/internal/engine"
	"github.com/seafowldb/seafowl-sync/internal/util/stopper"
)

// startCommand returns the "start" subcommand, which binds the
// engine's configuration surface and runs until its context is
// stopped.
func startCommand() *cobra.Command {
	var cfg config.Config
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start the sync engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Preflight(); err != nil {
				return err
			}
			e := engine.New(cfg)
			return e.Run(stopper.WithContext(cmd.Context()))
		},
	}
	cfg.Bind(cmd.Flags())
	return cmd
}
