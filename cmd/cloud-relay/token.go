package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud-relay/internal/cloudrelay"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var tokenJSON bool

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an access token from the configured credentials and print it.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		cfg, err := cloudrelay.LoadConfig(configPath)
		if err != nil {
			return configError(err)
		}
		logger, err := cloudrelay.NewLogger("warn")
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		service, err := cloudrelay.NewService(cfg, logger)
		if err != nil {
			return err
		}
		if err := service.Start(ctx); err != nil {
			return startError(err)
		}

		tok, err := service.Auth().TokenSource(ctx).Token()
		if err != nil {
			logger.Error("token request failed", zap.Error(err))
			return err
		}

		if tokenJSON {
			b, err := json.MarshalIndent(map[string]any{
				"access_token": tok.AccessToken,
				"token_type":   tok.TokenType,
				"expiry":       tok.Expiry.UTC().Format(time.RFC3339),
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		}

		fmt.Fprintln(cmd.OutOrStdout(), tok.AccessToken)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", tok.Expiry.UTC().Format(time.RFC3339))
		return nil
	},
}

func init() {
	tokenCmd.Flags().BoolVar(&tokenJSON, "json", false, "Print the token and expiry as JSON")
}
