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

var serveOpts mountFlags

var (
	servePort  int
	serveShare string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Export the union over NFSv3 on localhost",
	Long: `Exports the configured branch stack over NFSv3 on 127.0.0.1 and serves it
until interrupted (SIGINT or SIGTERM).

The server speaks NFSv3 with MOUNT on the same TCP port and no
authentication. Mount it with, for example on Linux:

  mount -t nfs -o port=<port>,mountport=<port>,vers=3,tcp,nolock 127.0.0.1:/ /mnt/union`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveOpts.register(serveCmd.Flags(), true)
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "TCP port (0 picks a free port)")
	serveCmd.Flags().StringVar(&serveShare, "share", "", "Export name")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := serveOpts.load(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.NFS.Port = servePort
	}
	if cmd.Flags().Changed("share") {
		cfg.NFS.Share = serveShare
	}
	d := daemon.New(cfg)
	d.ServeNFS = true
	return serveOpts.runDaemon(cmd, d, func() string {
		return fmt.Sprintf("Serving NFS share %q on %s", cfg.NFS.Share, d.NFSAddr())
	})
}
