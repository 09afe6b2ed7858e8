package main

import (
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "evalops",
		Short:         "Cached, fault-tolerant batch evaluation runner",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "evalops.yaml", "configuration file")

	cmd.AddCommand(
		newRunCmd(opts),
		newCacheCmd(opts),
	)
	return cmd
}
