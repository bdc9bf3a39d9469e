package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/entsync/internal/auth"
	"github.com/roach88/entsync/internal/config"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	Config  string
	Secret  string
	Subject string
	TTL     time.Duration
	Topics  []string
}

// TokenResult is the JSON payload of the token command.
type TokenResult struct {
	Token     string     `json:"token"`
	Subject   string     `json:"subject"`
	Topics    []string   `json:"topics,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a channel join token",
		Long: `Issue a signed token a client presents when it connects to the sync
socket. With --topic the token only allows joining those topics.

The secret comes from --secret or from the auth section of --config. A
--ttl of 0 falls back to the config's token_ttl; if neither is set the
token does not expire.

Examples:
  entsync token --config entsync.yaml --subject alice
  entsync token --secret "$SECRET" --subject bob --ttl 1h --topic opportunity --topic opportunity:42`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "path to entsync.yaml")
	cmd.Flags().StringVar(&opts.Secret, "secret", "", "signing secret (overrides config)")
	cmd.Flags().StringVar(&opts.Subject, "subject", "", "client identity (required)")
	_ = cmd.MarkFlagRequired("subject")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 0, "token lifetime")
	cmd.Flags().StringArrayVar(&opts.Topics, "topic", nil, "topic the token may join (repeatable)")

	return cmd
}

func runToken(opts *TokenOptions, cmd *cobra.Command) error {
	secret, ttl := opts.Secret, opts.TTL
	if opts.Config != "" {
		cfg, err := config.Load(opts.Config)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid config", err)
		}
		if cfg.Auth != nil {
			if secret == "" {
				secret = cfg.Auth.Secret
			}
			if ttl == 0 {
				ttl = cfg.Auth.TTL()
			}
		}
	}

	signer, err := auth.NewSigner(secret)
	if err != nil {
		return WrapExitError(ExitCommandError, "no signing secret (use --secret or an auth section in --config)", err)
	}
	token, err := signer.Issue(opts.Subject, ttl, opts.Topics...)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to issue token", err)
	}

	out := newFormatter(opts.RootOptions, cmd)
	if !out.JSON() {
		fmt.Fprintln(out.Writer, token)
		return nil
	}
	result := TokenResult{Token: token, Subject: opts.Subject, Topics: opts.Topics}
	if ttl > 0 {
		claims, err := signer.Verify(token)
		if err != nil {
			return WrapExitError(ExitFailure, "issued token does not verify", err)
		}
		exp := claims.ExpiresAt.Time
		result.ExpiresAt = &exp
	}
	return out.Success(result)
}
