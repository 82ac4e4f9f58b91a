// Copyright 2024 StackFS Authors
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


package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"stackfs/internal/daemon"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default mount configuration",
	Long: `Creates the configuration directory and writes a commented default
mount.yaml into it. An existing mount.yaml is never overwritten.

The directory is $STACKFS_CONFIG_DIR, or ~/.stackfs when unset.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	written, err := daemon.InitConfigDir()
	if err != nil {
		return err
	}
	if written {
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", daemon.ConfigPath())
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", daemon.ConfigPath())
	}
	return nil
}
