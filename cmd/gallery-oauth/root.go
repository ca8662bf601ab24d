package main

import (
	"github.com/spf13/cobra"

	"github.com/giantswarm/gallery-oauth/internal/config"
)

type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "gallery-oauth",
		Short: "OAuth 2.0 authorization server for the photo gallery",
		Long: `gallery-oauth issues authorization codes and opaque access tokens to
registered clients on behalf of gallery users, and validates them for the
gallery API.`,
		Version:      version,
		SilenceUsage: true,
	}
	cmd.SetVersionTemplate(`{{printf "gallery-oauth version %s\n" .Version}}`)

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the configuration")

	cmd.AddCommand(
		newServeCmd(opts),
		newClientCmd(opts),
		newUserCmd(opts),
	)
	return cmd
}

// load reads the env file and configuration named on the command line
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, error) {
	required := cmd.Flags().Changed("env-file")
	if err := config.LoadDotEnv(o.envFile, required); err != nil {
		return nil, err
	}
	return config.Load(o.configPath)
}
