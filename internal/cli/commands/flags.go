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
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"stackfs/internal/common"
	"stackfs/internal/daemon"
	"stackfs/internal/util"
)

// mountFlags are the configuration overrides shared by mount, serve and
// check. Only flags given on the command line replace file values.
type mountFlags struct {
	branches    []string
	xino        string
	plink       string
	udba        string
	diropq      string
	dirwh       int
	rdcache     int
	workers     int
	allowRemote bool
	background  bool
	logToFile   bool
}

func (f *mountFlags) register(fs *pflag.FlagSet, daemonize bool) {
	fs.StringArrayVarP(&f.branches, "branch", "b", nil, "Branch <location>=<perm>, top first (repeatable; replaces configured branches)")
	fs.StringVar(&f.xino, "xino", "", "Directory for external inode map files, or off")
	fs.StringVar(&f.plink, "plink", "", "Pseudo-links: on or off")
	fs.StringVar(&f.udba, "udba", "", "External change detection: none, reval, watch")
	fs.StringVar(&f.diropq, "diropq", "", "Opaque directories: always or whiteout-only")
	fs.IntVar(&f.dirwh, "dirwh", 0, "Whiteout count above which removal is done in the background")
	fs.IntVar(&f.rdcache, "rdcache", 0, "Seconds a merged directory listing stays cached")
	fs.IntVar(&f.workers, "workers", 0, "Background worker count")
	fs.BoolVar(&f.allowRemote, "allow-remote", false, "Allow network filesystems as branches")
	if daemonize {
		fs.BoolVar(&f.background, "background", false, "Detach and run in the background")
		fs.BoolVar(&f.logToFile, "log-to-file", false, "Log to the log file instead of stderr")
		fs.MarkHidden("log-to-file")
	}
}

// load reads the configuration file and applies the flag overrides.
func (f *mountFlags) load(cmd *cobra.Command) (*daemon.MountConfig, error) {
	cfg, err := daemon.LoadMountConfig(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("branch") {
		cfg.Branches = f.branches
	}
	if flags.Changed("xino") {
		cfg.Xino = f.xino
	}
	if flags.Changed("plink") {
		switch strings.ToLower(f.plink) {
		case "on", "true", "yes":
			t := true
			cfg.Plink = &t
		case "off", "false", "no":
			v := false
			cfg.Plink = &v
		default:
			return nil, fmt.Errorf("%w: --plink %q", common.ErrInvalidConfig, f.plink)
		}
	}
	if flags.Changed("udba") {
		cfg.Udba = f.udba
	}
	if flags.Changed("diropq") {
		cfg.Diropq = f.diropq
	}
	if flags.Changed("dirwh") {
		cfg.DirWh = f.dirwh
	}
	if flags.Changed("rdcache") {
		cfg.RdCache = f.rdcache
	}
	if flags.Changed("workers") {
		cfg.Workers = f.workers
	}
	if flags.Changed("allow-remote") {
		cfg.AllowRemote = f.allowRemote
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}

// runDaemon runs d in the foreground, or re-executes the current command
// detached when --background is set and waits until the child is up.
func (f *mountFlags) runDaemon(cmd *cobra.Command, d *daemon.Daemon, ready func() string) error {
	if pid, running := daemon.IsRunning(); running {
		return fmt.Errorf("%w (PID %d)", daemon.ErrAlreadyRunning, pid)
	}
	if !f.background {
		d.Foreground = !f.logToFile
		if err := d.Start(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), ready())
		return waitDaemon(cmd, d)
	}

	exe, err := os.Executable()
	if err != nil {
		return err
	}
	args := append(childArgs(os.Args[1:]), "--log-to-file")
	proc, err := util.StartBackgroundProcess(exe, args, nil)
	if err != nil {
		return err
	}
	err = util.PollUntil(cmd.Context(), util.DefaultPollConfig(), func() bool {
		pid, running := daemon.IsRunning()
		return running && pid == proc.Pid
	})
	if err != nil {
		return fmt.Errorf("stackfs did not start in time, see %s", daemon.LogPath())
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Started in background (PID %d)\n", proc.Pid)
	return nil
}

// childArgs drops --background from the command line.
func childArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a == "--background" || strings.HasPrefix(a, "--background=") {
			continue
		}
		out = append(out, a)
	}
	return out
}
