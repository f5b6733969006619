package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/manpreetbhatti/orbit/internal/auth"
	"github.com/manpreetbhatti/orbit/internal/store"
)

var (
	tokenUserID   string
	tokenUsername string
	tokenEmail    string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a signed access token for testing clients",
	Long: `Prints a token signed with the configured secret. Pass --email to
look up an existing account, or --user-id and --username to sign an
arbitrary identity.

Example:
  orbit token --email alice@example.com`,
	RunE: runToken,
}

func runToken(cmd *cobra.Command, args []string) error {
	id := auth.Identity{UserID: tokenUserID, Username: tokenUsername}

	if tokenEmail != "" {
		st, err := store.New(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer st.Close()

		user, err := st.FindUserByEmail(cmd.Context(), tokenEmail)
		if err != nil {
			return err
		}
		if user == nil {
			return fmt.Errorf("no account for %s", tokenEmail)
		}
		id = auth.Identity{UserID: user.ID, Username: user.Username}
	}

	if id.UserID == "" || id.Username == "" {
		return errors.New("either --email or both --user-id and --username are required")
	}

	token, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL).Issue(id)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
