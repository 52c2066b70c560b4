package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/sessionsync/internal/middleware"
)

var (
	tokenTenant  string
	tokenSubject string
	tokenTTL     time.Duration
	tokenDelete  bool
)

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&tokenTenant, "tenant", "", "tenant the token is scoped to")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "customer", "customer id carried as the token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	tokenCmd.Flags().BoolVar(&tokenDelete, "allow-delete", true, "grant the events:delete scope used by resend and regenerate")
	_ = tokenCmd.MarkFlagRequired("tenant")
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a development token signed with JWT_SECRET",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := os.Getenv("JWT_SECRET")
		if secret == "" {
			return errors.New("JWT_SECRET is not set")
		}
		scopes := []string{middleware.ScopeSessionsWrite}
		if tokenDelete {
			scopes = append(scopes, middleware.ScopeEventsDelete)
		}
		tok, err := middleware.IssueToken(secret, tokenTenant, tokenSubject, scopes, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}
