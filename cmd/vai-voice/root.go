package main

import (
	"github.com/spf13/cobra"

	"github.com/vango-go/vai-voice/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

type rootOptions struct {
	configFile string
	envFile    string
}

func (o *rootOptions) load(deps appDeps) (config.Config, error) {
	return deps.loadConfig(config.LoadOptions{ConfigFile: o.configFile, EnvFile: o.envFile})
}

func newRootCmd(deps appDeps) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "vai-voice",
		Short: "Talk to a live voice assistant from the terminal",
		Long: `vai-voice connects to a live voice service, streams your microphone,
plays the assistant's replies and runs the client-side tools it asks for.

Configuration comes from VAI_VOICE_* environment variables, an optional
.env file and an optional --config file.

Quick Start:
  vai-voice run                      # connect and start a session
  vai-voice history list             # list archived conversations
  vai-voice history show <id> -f yaml`,
		Version:       version + " (commit: " + commit + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "Config file (toml, yaml or json)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "Dotenv file to load (default .env when present)")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(newRunCmd(opts, deps))
	root.AddCommand(newHistoryCmd(opts, deps))
	return root
}
