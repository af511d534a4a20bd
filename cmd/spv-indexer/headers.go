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
	"fmt"
	"strconv"

	"github.com/blinklabs-io/btcspv/spv"
	"github.com/spf13/cobra"
)

func newHeadersCommand(f *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "headers",
		Short: "Inspect the local header store",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "height",
			Short: "Print the height of the last stored header",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(f, func(store *spv.Store) error {
					height, err := store.Height()
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), height)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "tip",
			Short: "Print the hash of the last stored header",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(f, func(store *spv.Store) error {
					tip, err := store.TipHash()
					if err != nil {
						return err
					}
					if tip == nil {
						return fmt.Errorf("header store %s is empty", store.Path())
					}
					fmt.Fprintln(cmd.OutOrStdout(), tip.String())
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "show HEIGHT",
			Short: "Print the header stored at HEIGHT",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				height, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid height %q: %w", args[0], err)
				}
				return withStore(f, func(store *spv.Store) error {
					record, err := store.ReadRecord(height)
					if err != nil {
						return err
					}
					header := record.Header
					out := cmd.OutOrStdout()
					fmt.Fprintf(out, "hash:        %s\n", record.Hash())
					fmt.Fprintf(out, "prev:        %s\n", record.PrevHash())
					fmt.Fprintf(out, "merkle root: %s\n", header.MerkleRoot)
					fmt.Fprintf(out, "version:     %d\n", header.Version)
					fmt.Fprintf(out, "timestamp:   %s\n", header.Timestamp.UTC())
					fmt.Fprintf(out, "bits:        %08x\n", header.Bits)
					fmt.Fprintf(out, "nonce:       %d\n", header.Nonce)
					return nil
				})
			},
		},
	)
	return cmd
}

func withStore(f *globalFlags, fn func(*spv.Store) error) error {
	logger, err := f.logger()
	if err != nil {
		return err
	}
	cfg, err := f.loadConfig(logger)
	if err != nil {
		return err
	}
	store, err := spv.Open(cfg.HeaderStorePath())
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}
