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
	"bufio"
	"fmt"

	"github.com/spf13/cobra"

	"stackfs/internal/xino"
)

var xinoCmd = &cobra.Command{
	Use:   "xino",
	Short: "External inode map tools",
}

var xinoDumpCmd = &cobra.Command{
	Use:   "dump <file>",
	Short: "Print the non-zero records of an xino file",
	Long: `Prints one "<branch inode> <union inode>" line for every mapped record of
an external inode map file, in branch inode order. Reading does not lock
the file, so it works against a live mount.`,
	Args: cobra.ExactArgs(1),
	RunE: runXinoDump,
}

func init() {
	xinoCmd.AddCommand(xinoDumpCmd)
	rootCmd.AddCommand(xinoCmd)
}

func runXinoDump(cmd *cobra.Command, args []string) error {
	w := bufio.NewWriter(cmd.OutOrStdout())
	count := 0
	err := xino.Dump(args[0], func(local, unionIno uint64) error {
		count++
		_, err := fmt.Fprintf(w, "%d %d\n", local, unionIno)
		return err
	})
	if err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%d records\n", count)
	return nil
}
