package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/pulldb/internal/server"
)

var (
	tokenUser    string
	tokenTrusted bool
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:          "token",
	Short:        "Sign a bearer token with the configured JWT secret",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		tok, err := server.IssueToken(cfg.Auth, tokenUser, tokenTrusted, tokenTTL, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User id to put in the token subject")
	tokenCmd.Flags().BoolVar(&tokenTrusted, "trusted", false, "Allow catalog maintenance endpoints")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 30*24*time.Hour, "Token lifetime (0 for no expiry)")
	rootCmd.AddCommand(tokenCmd)
}
