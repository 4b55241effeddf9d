package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/md-rashed-zaman/eventledger/libs/auth"
	"github.com/md-rashed-zaman/eventledger/libs/config"
)

type tokenResult struct {
	Token     string    `json:"token"`
	Subject   string    `json:"subject"`
	ExpiresAt time.Time `json:"expires_at"`
}

func NewTokenCommand(opts *RootOptions) *cobra.Command {
	var (
		secret  string
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the /admin endpoints",
		Example: `  ADMIN_TOKEN_SECRET=... eventctl token --sub oncall --ttl 1h
  curl -H "Authorization: Bearer $(eventctl token --sub oncall)" localhost:8080/admin/outbox/failed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return NewExitError(ExitCommandError, "--secret or ADMIN_TOKEN_SECRET is required")
			}
			if ttl <= 0 {
				return NewExitError(ExitCommandError, "--ttl must be positive")
			}
			now := time.Now()
			token, err := auth.SignHS256(auth.NewClaims(subject, "operator", now, ttl), secret)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to sign token", err)
			}
			res := tokenResult{Token: token, Subject: subject, ExpiresAt: now.Add(ttl).UTC().Truncate(time.Second)}
			return render(cmd, opts, res, func(w io.Writer) {
				fmt.Fprintln(w, token)
			})
		},
	}
	cmd.Flags().StringVar(&secret, "secret", config.String("ADMIN_TOKEN_SECRET", ""), "HS256 signing secret")
	cmd.Flags().StringVar(&subject, "sub", "eventctl", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
