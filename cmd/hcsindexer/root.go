package main

import (
	"github.com/spf13/cobra"
)

var configPath string

func Execute() error {
	root := &cobra.Command{Use: "hcsindexer", Short: "Consensus topic indexer"}
	root.PersistentFlags().StringVar(&configPath, "config", "hcsindexer.yaml", "path to the YAML config file")
	root.AddCommand(runCmd())
	return root.Execute()
}
