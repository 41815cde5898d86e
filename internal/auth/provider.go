// Package auth resolves the OAuth bearer credential handed to the language
// server. Exactly one source is selected per run.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/weiro2020/opencode-antigravity-stats/internal/apperr"
	"github.com/weiro2020/opencode-antigravity-stats/internal/config"
)

// Source names accepted by NewProvider.
const (
	SourceGemini   = "gemini"
	SourceOpencode = "opencode"
)

// Credential is an access token plus the material needed to describe it to
// the server. It is never mutated after Resolve returns.
type Credential struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
	ProjectID    string
	Source       string
}

// String hides token material so a Credential can be logged safely.
func (c *Credential) String() string {
	if c == nil {
		return "<nil>"
	}
	return fmt.Sprintf("credential(source=%s access_len=%d refresh_present=%t)", c.Source, len(c.AccessToken), c.RefreshToken != "")
}

// Provider resolves a credential.
type Provider interface {
	Resolve(ctx context.Context) (*Credential, error)
	// Name identifies the selected source.
	Name() string
}

// Option customizes a provider.
type Option func(*options)

type options struct {
	client *http.Client
	now    func() time.Time
}

// WithHTTPClient sets the client used for token exchange.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.client = client }
}

// WithClock overrides the time source used to compute expiries.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// NewProvider selects the credential source named by cfg.Source. An empty
// source picks the accounts store when its file exists and the static store
// otherwise.
func NewProvider(cfg config.CredentialsConfig, opts ...Option) (Provider, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	source := strings.ToLower(strings.TrimSpace(cfg.Source))
	if source == "" {
		source = SourceGemini
		if cfg.AccountsFile != "" {
			if _, err := os.Stat(cfg.AccountsFile); err == nil {
				source = SourceOpencode
			}
		}
	}

	switch source {
	case SourceGemini:
		return &StaticFileProvider{path: cfg.OAuthCredsFile}, nil
	case SourceOpencode:
		return &AccountsProvider{
			path:         cfg.AccountsFile,
			clientID:     cfg.ClientID,
			clientSecret: cfg.ClientSecret,
			tokenURL:     cfg.TokenURL,
			client:       o.client,
			now:          o.now,
		}, nil
	default:
		return nil, apperr.Configuration("auth", "", fmt.Sprintf("unknown token source %q (want %s or %s)", cfg.Source, SourceGemini, SourceOpencode), nil)
	}
}

func readCredentialFile(op, path string) ([]byte, error) {
	if path == "" {
		return nil, apperr.Configuration(op, "", "credential file path is empty", os.ErrNotExist)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.Configuration(op, path, "credential file not found", err)
		}
		return nil, apperr.Configuration(op, path, "credential file unreadable", err)
	}
	return raw, nil
}
