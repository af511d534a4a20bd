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
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/blinklabs-io/btcspv"
	"github.com/spf13/cobra"
)

func newRunCommand(f *globalFlags) *cobra.Command {
	var network string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the configured peer and follow the header chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := f.logger()
			if err != nil {
				return err
			}
			// Fail on a bad network name before touching the store or the network
			if _, err := btcspv.SelectNetwork(network); err != nil {
				return err
			}
			cfg, err := f.loadConfig(logger)
			if err != nil {
				return err
			}
			indexer, err := btcspv.NewIndexer(
				btcspv.WithConfig(cfg),
				btcspv.WithLogger(logger),
			)
			if err != nil {
				return err
			}
			defer indexer.Close()
			ctx, stop := signal.NotifyContext(
				cmd.Context(),
				os.Interrupt,
				syscall.SIGTERM,
			)
			defer stop()
			err = indexer.Run(ctx, network)
			logger.Info("indexer metrics", "metrics", indexer.Metrics().Snapshot())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(
		&network,
		"network",
		btcspv.NetworkMainnet.Name,
		"network to follow (mainnet, testnet, regtest)",
	)
	return cmd
}
