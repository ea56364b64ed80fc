// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command statuswatch keeps one or more messaging accounts connected and
// automatically views, and optionally reacts to, every status broadcast
// they receive.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aiku/statuswatch/pkg/config"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const version = "0.1.0"

var configPath string

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "statuswatch",
		Short:         "Automatic status broadcast viewer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file (defaults only when empty)")
	root.AddCommand(serveCmd(), versionCmd(), exampleConfigCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "statuswatch %s (tag %s, commit %s, built %s)\n", version, Tag, Commit, BuildTime)
		},
	}
}

func exampleConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "example-config",
		Short: "Print an annotated example config",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprint(cmd.OutOrStdout(), config.ExampleConfig)
		},
	}
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "statuswatch:", err)
		os.Exit(1)
	}
}
