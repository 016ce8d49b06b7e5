package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"navyk-backend/internal/middleware"
)

var (
	tokenSecret string
	tokenUser   string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development bearer token",
	Long: `Mint a bearer token signed with the server's JWT secret. Intended for local
development; production tokens come from the NAVYK auth service.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenSecret == "" {
			return errors.New("no secret: set JWT_SECRET or pass --secret")
		}

		userID := uuid.New()
		if tokenUser != "" {
			var err error
			if userID, err = uuid.Parse(tokenUser); err != nil {
				return fmt.Errorf("invalid --user: %w", err)
			}
		}

		signed, err := middleware.NewJWTAuth(tokenSecret).GenerateAccessToken(userID, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), signed)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", os.Getenv("JWT_SECRET"), "JWT signing secret")
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User id (random when empty)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
}
