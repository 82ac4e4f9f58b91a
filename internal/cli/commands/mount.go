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
	"github.com/spf13/cobra"

	"stackfs/internal/daemon"
)

var mountOpts mountFlags

var (
	fuseDebug      bool
	fuseAllowOther bool
)

var mountCmd = &cobra.Command{
	Use:   "mount <mount-point>",
	Short: "Mount the union over FUSE",
	Long: `Mounts the configured branch stack at the given mount point through FUSE
and serves it until interrupted (SIGINT or SIGTERM) or unmounted.

Branches come from the configuration file unless --branch is given.
A location is a host directory, mem:<name> for an in-memory branch, or
sqlite:<file> for a SQLite-backed branch. Without an explicit permission
the first branch is rw and the others ro.`,
	Example: `  # writable scratch directory over a read-only base
  stackfs mount /mnt/union --branch /srv/scratch=rw --branch /srv/base=ro

  # use ~/.stackfs/mount.yaml, detach from the terminal
  stackfs mount /mnt/union --background`,
	Args: cobra.ExactArgs(1),
	RunE: runMount,
}

func init() {
	mountOpts.register(mountCmd.Flags(), true)
	mountCmd.Flags().BoolVar(&fuseDebug, "fuse-debug", false, "Log every FUSE request")
	mountCmd.Flags().BoolVar(&fuseAllowOther, "allow-other", false, "Let other users access the mount")
	rootCmd.AddCommand(mountCmd)
}

func runMount(cmd *cobra.Command, args []string) error {
	cfg, err := mountOpts.load(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("fuse-debug") {
		cfg.FUSE.Debug = fuseDebug
	}
	if cmd.Flags().Changed("allow-other") {
		cfg.FUSE.AllowOther = fuseAllowOther
	}
	d := daemon.New(cfg)
	d.MountPoint = args[0]
	return mountOpts.runDaemon(cmd, d, func() string { return "Mounted at " + d.MountPoint })
}

// waitDaemon blocks until the daemon is stopped by a signal, an external
// unmount or the command context.
func waitDaemon(cmd *cobra.Command, d *daemon.Daemon) error {
	return d.Wait(cmd.Context())
}
