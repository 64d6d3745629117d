package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	appName    = "streampull"
	appVersion = "0.1.0"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath  string
	endpoint    string
	clientID    string
	secret      string
	development bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Streaming-pull subscriber command line interface",
		Long: `streampull receives messages from a subscription over a streaming-pull
connection, printing and acknowledging each one. Set PUBSUB_EMULATOR_HOST to
connect to a local emulator without TLS.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&opts.endpoint, "endpoint", "", "Broker endpoint (host:port)")
	rootCmd.PersistentFlags().StringVar(&opts.clientID, "client-id", "", "Client ID for the stream and the bearer token")
	rootCmd.PersistentFlags().StringVar(&opts.secret, "secret", "", "Shared secret for signing bearer tokens")
	rootCmd.PersistentFlags().BoolVar(&opts.development, "dev", false, "Use human-readable development logging")

	rootCmd.AddCommand(newSubscribeCommand(opts))
	rootCmd.AddCommand(newTokenCommand(opts))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// load reads the config file, if any, and applies flag overrides on top.
func (o *globalOptions) load() (*Config, error) {
	cfg := &Config{}
	if o.configPath != "" {
		var err error
		if cfg, err = LoadConfig(o.configPath); err != nil {
			return nil, err
		}
	}

	if o.endpoint != "" {
		cfg.Endpoint = o.endpoint
	}
	if o.clientID != "" {
		cfg.ClientID = o.clientID
	}
	if o.secret != "" {
		cfg.Secret = o.secret
	}
	if o.development {
		cfg.Development = true
	}
	return cfg, nil
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n", appName, appVersion)
		},
	}
}
