package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/streampull-go/internal/auth"
)

func newTokenCommand(opts *globalOptions) *cobra.Command {
	var (
		subscription string
		ttl          time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for a client",
		Long: `Sign an HS256 bearer token with the shared secret. The subscribe command
signs its own tokens when --secret is set; this is for other tools.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.Secret == "" {
				return errors.New("secret is required")
			}
			if cfg.ClientID == "" {
				return errors.New("client-id is required")
			}
			if subscription == "" {
				subscription = cfg.Subscription
			}

			signer, err := auth.NewSigner(cfg.Secret, ttl)
			if err != nil {
				return err
			}
			token, expiresAt, err := signer.Sign(cfg.ClientID, subscription)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", token)
			fmt.Fprintf(cmd.ErrOrStderr(), "Expires at: %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&subscription, "subscription", "", "Subscription to scope the token to")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "How long the token stays valid")

	return cmd
}
