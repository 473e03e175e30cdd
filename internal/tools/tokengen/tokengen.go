// Package tokengen issues bearer tokens for operators and test clients.
package tokengen

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/stwalsh4118/parcelledger/internal/auth"
	"github.com/stwalsh4118/parcelledger/internal/models"
)

// Config holds configuration for token issuance.
type Config struct {
	Subject string
	Secret  string
	Issuer  string
	TTL     time.Duration
}

// ParseConfig parses flags into a Config. The secret and issuer default to
// AUTH_JWT_SECRET and AUTH_ISSUER so tokens match the server.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{
		Secret: os.Getenv("AUTH_JWT_SECRET"),
		Issuer: os.Getenv("AUTH_ISSUER"),
		TTL:    24 * time.Hour,
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "parcelledger"
	}

	fs.StringVar(&cfg.Subject, "subject", "", "principal the token identifies (required)")
	fs.StringVar(&cfg.Secret, "secret", cfg.Secret, "HMAC signing secret (default: $AUTH_JWT_SECRET)")
	fs.StringVar(&cfg.Issuer, "issuer", cfg.Issuer, "token issuer (default: $AUTH_ISSUER or parcelledger)")
	fs.DurationVar(&cfg.TTL, "ttl", cfg.TTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run signs the token and writes it to out.
func Run(cfg Config, out io.Writer) error {
	if out == nil {
		return errors.New("output is required")
	}
	if cfg.Subject == "" {
		return errors.New("subject is required")
	}
	if cfg.TTL <= 0 {
		return errors.New("ttl must be greater than zero")
	}

	authority, err := auth.NewAuthority(cfg.Secret, cfg.Issuer)
	if err != nil {
		return fmt.Errorf("create authority: %w", err)
	}
	token, err := authority.Issue(models.Principal(cfg.Subject), cfg.TTL)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}

	_, err = fmt.Fprintln(out, token)
	return err
}
