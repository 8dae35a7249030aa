package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "nuka",
		Short: "Agent runtime with sub-agents and teams",
		Long: `Nuka drives tool-using model loops. A lead agent can delegate to
short-lived sub-agents or form a team of concurrent teammates that share
a task board and message each other.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"config file (default is $CONFIG_PATH or configs/nuka.json)")

	cmd.AddCommand(newServeCmd(opts), newRunCmd(opts), newChatCmd(), newWatchCmd(opts))
	return cmd
}

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
