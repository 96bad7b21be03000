package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/accounts/internal/config"
	"github.com/MarcoPoloResearchLab/accounts/internal/logging"
	"github.com/MarcoPoloResearchLab/accounts/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var errResyncTarget = errors.New("exactly one of --user-id or --external-id is required")

func newResyncCommand() *cobra.Command {
	var (
		userID     uint64
		externalID string
	)
	cmd := &cobra.Command{
		Use:   "resync",
		Short: "Reconcile one local account against its identity provider profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			externalID = strings.TrimSpace(externalID)
			if (userID == 0) == (externalID == "") {
				return errResyncTarget
			}

			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			app, err := newApplication(appConfig, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()
			var account *users.Account
			if userID != 0 {
				account, err = app.accounts.Load(ctx, userID)
			} else {
				account, err = app.accounts.LoadByExternalID(ctx, externalID)
			}
			if err != nil {
				return err
			}

			account.InvalidateProfile()
			changed, err := account.UpdateFromProfile(ctx)
			if err != nil {
				return err
			}
			if len(changed) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "user %d: up to date\n", account.ID())
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %d: updated %s\n", account.ID(), strings.Join(changed, ", "))
			return nil
		},
	}
	cmd.Flags().Uint64Var(&userID, "user-id", 0, "Local user id")
	cmd.Flags().StringVar(&externalID, "external-id", "", "Identity provider subject")
	return cmd
}
