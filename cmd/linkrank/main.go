package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "linkrank",
		Short: "linkrank - filtered link-prediction evaluation for KG embeddings",
		Long: `linkrank ranks every test triple against all filtered corruptions of its
head and tail and reports MR, MRR and Hits@1/3/10.

Evaluation is sharded: run 'linkrank eval --test-idx i' once per shard
(or 'linkrank eval --all' to run every shard here), then
'linkrank aggregate' to combine the shard results.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().String("format", "text", "output format (text, json)")
	addRunFlags(rootCmd)

	rootCmd.AddCommand(
		evalCmd(),
		aggregateCmd(),
		serveCmd(),
		versionCmd(),
	)

	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("linkrank %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}
}
