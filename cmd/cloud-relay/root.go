package main

import (
	"cloud-relay/internal/cloudrelay"

	"github.com/spf13/cobra"
)

var (
	configPath  string
	envFilePath string
)

var rootCmd = &cobra.Command{
	Use:           "cloud-relay",
	Short:         "Relay cloud provider API calls using service account credentials.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return cloudrelay.LoadEnvFile(envFilePath)
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file (json or yaml)")
	rootCmd.PersistentFlags().StringVar(&envFilePath, "env-file", ".env", "dotenv file loaded before reading configuration")
	rootCmd.AddCommand(serveCmd, tokenCmd, versionCmd)
}
