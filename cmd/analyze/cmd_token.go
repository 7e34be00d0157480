package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/auth"
)

var tokenOpts struct {
	subject string
	scopes  []string
	secret  string
	issuer  string
	expiry  time.Duration
}

// tokenCmd mints a bearer token for the HTTP API
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an API access token",
	Long: `Sign an HS256 access token for the analyst API.

The signing key is read from --secret or JWT_SECRET and must match the
service's auth.jwt_secret.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		secret := tokenOpts.secret
		if secret == "" {
			secret = os.Getenv("JWT_SECRET")
		}
		if secret == "" {
			return errors.New("signing key required: pass --secret or set JWT_SECRET")
		}
		if tokenOpts.subject == "" {
			return errors.New("--subject is required")
		}

		m := auth.NewJWTManager(secret, tokenOpts.issuer, tokenOpts.expiry)
		tok, err := m.GenerateToken(tokenOpts.subject, tokenOpts.scopes)
		if err != nil {
			return err
		}
		if jsonOutput {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(tok)
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok.AccessToken)
		return nil
	},
}

func init() {
	f := tokenCmd.Flags()
	f.StringVar(&tokenOpts.subject, "subject", "", "token subject, used as the rate limit key")
	f.StringSliceVar(&tokenOpts.scopes, "scope", auth.DefaultScopes, "granted scopes")
	f.StringVar(&tokenOpts.secret, "secret", "", "HMAC signing key")
	f.StringVar(&tokenOpts.issuer, "issuer", "market-analyst", "token issuer")
	f.DurationVar(&tokenOpts.expiry, "expiry", 24*time.Hour, "token lifetime")
}
