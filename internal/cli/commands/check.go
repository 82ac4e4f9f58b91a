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
	"text/tabwriter"

	"github.com/spf13/cobra"

	"stackfs/internal/daemon"
	"stackfs/internal/union"
)

var checkOpts mountFlags

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and the branch stack",
	Long: `Loads the configuration, opens every branch and assembles the union
without exporting it. Reports the resolved branch table and the combined
capacity, or the first problem found: an unknown permission, a missing
branch, overlapping branches, a nested union or a remote filesystem
without allow_remote.

Safe to run next to a live mount: the check keeps its inode map in memory
and never touches pseudo-links.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	checkOpts.register(checkCmd.Flags(), false)
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := checkOpts.load(cmd)
	if err != nil {
		return err
	}
	probe := *cfg
	probe.Xino = "off"
	off := false
	probe.Plink = &off
	probe.Udba = union.UdbaNone.String()

	m, closers, err := daemon.OpenMount(cmd.Context(), &probe, "")
	if err != nil {
		return err
	}
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i].Close()
		}
	}()
	defer m.Close()

	out := cmd.OutOrStdout()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tID\tPERM\tKIND\tPATH")
	for _, b := range m.Branches() {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n", b.Index, b.ID, b.Perm, b.Kind, b.Path)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	st, err := m.StatFS(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nblocks %d free %d (bsize %d), inodes %d free %d, max name %d\n",
		st.Blocks, st.Bfree, st.Bsize, st.Files, st.Ffree, st.NameLen)
	fmt.Fprintf(out, "xino=%s plink=%v udba=%s diropq=%s\n", cfg.Xino, cfg.PlinkEnabled(), cfg.Udba, cfg.Diropq)
	fmt.Fprintln(out, "OK")
	return nil
}
