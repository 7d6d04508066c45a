// Command respkv runs and inspects respkv nodes.
//
//	respkv serve --port 6379 --dir /var/lib/respkv
//	respkv serve --port 6380 --replicaof "localhost 6379"
//	respkv info-diff --ref localhost:6379 --sut localhost:6380
//	respkv config dump
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/raniellyferreira/respkv"
)

// newRootCmd builds the command tree
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "respkv",
		Short: "in-memory RESP key-value server with replication",
		Long: fmt.Sprintf(`respkv (v%s)

An in-memory key-value server speaking the Redis protocol. A node runs as a
master, or as a replica of another node with --replicaof.`, respkv.Version),
		SilenceUsage: true,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version of respkv",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), respkv.VersionString())
		},
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newInfoDiffCmd())
	root.AddCommand(versionCmd)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
