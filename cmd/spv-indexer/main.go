// Copyright 2025 Blink Labs Software
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
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/blinklabs-io/btcspv/config"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	workingDir    string
	logLevel      string
	allowDefaults bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	f := &globalFlags{}
	cmd := &cobra.Command{
		Use:          "spv-indexer",
		Short:        "Bitcoin SPV header indexer",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(
		&f.workingDir,
		"working-dir",
		".",
		"directory containing "+config.DefaultConfigFileName,
	)
	cmd.PersistentFlags().StringVar(
		&f.logLevel,
		"log-level",
		"info",
		"log level (debug, info, warn, error)",
	)
	cmd.PersistentFlags().BoolVar(
		&f.allowDefaults,
		"allow-defaults",
		false,
		"use the default config when "+config.DefaultConfigFileName+" does not exist",
	)
	cmd.AddCommand(
		newRunCommand(f),
		newHeadersCommand(f),
	)
	return cmd
}

func (f *globalFlags) logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(f.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", f.logLevel, err)
	}
	return slog.New(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	), nil
}

// loadConfig reads bitcoin.ini from the working directory. A missing file is
// an error unless --allow-defaults is given.
func (f *globalFlags) loadConfig(logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.LoadWorkingDir(f.workingDir)
	if err != nil {
		if !f.allowDefaults || !errors.Is(err, config.ErrConfigNotFound) {
			return nil, err
		}
		logger.Warn(
			"config file not found, using defaults",
			"working_dir", f.workingDir,
		)
		return config.DefaultConfig(), nil
	}
	return cfg, nil
}
