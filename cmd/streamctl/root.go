package main

import (
	"github.com/spf13/cobra"
)

var Version = "dev"

const defaultConfigPath = "configs/eventstream.yaml"

type rootOptions struct {
	configPath string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "streamctl",
		Short:         "Follow live trace, KYT, payment, news-case, chat and scanner streams",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "Path to config file")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(tailCmd(opts))
	rootCmd.AddCommand(watchCmd(opts))
	rootCmd.AddCommand(snapshotCmd(opts))
	rootCmd.AddCommand(askCmd(opts))

	return rootCmd
}
