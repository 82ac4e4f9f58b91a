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
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"stackfs/internal/daemon"
	"stackfs/internal/util"
)

var stopTimeout time.Duration

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a background mount or server",
	Long: `Sends SIGTERM to the running stackfs instance and waits for it to unmount
and exit. The instance is killed when it has not stopped within --timeout.`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a stackfs instance is running",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 10*time.Second, "Time to wait for a graceful stop")
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	pid, running := daemon.IsRunning()
	if !running {
		fmt.Fprintln(cmd.OutOrStdout(), "Not running")
		return nil
	}
	isRunning := func() bool {
		_, running := daemon.IsRunning()
		return running
	}
	terminate := func() error {
		proc, err := os.FindProcess(pid)
		if err != nil {
			return err
		}
		return proc.Signal(syscall.SIGTERM)
	}
	err := util.StopProcess(cmd.Context(), pid, util.ProcessConfig{GracefulTimeout: stopTimeout}, terminate, isRunning)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stopped (PID %d)\n", pid)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if pid, running := daemon.IsRunning(); running {
		fmt.Fprintf(out, "stackfs: running (PID %d)\n", pid)
	} else {
		fmt.Fprintln(out, "stackfs: not running")
	}
	fmt.Fprintf(out, "Config: %s\n", daemon.ConfigPath())
	fmt.Fprintf(out, "Log: %s\n", daemon.LogPath())
	return nil
}
