package auth

import (
	"context"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/weiro2020/opencode-antigravity-stats/internal/apperr"
)

// StaticFileProvider reads an already issued token from oauth_creds.json.
type StaticFileProvider struct {
	path string
}

// NewStaticFileProvider returns a provider reading path.
func NewStaticFileProvider(path string) *StaticFileProvider {
	return &StaticFileProvider{path: path}
}

// Name implements Provider.
func (p *StaticFileProvider) Name() string { return SourceGemini }

// Resolve implements Provider.
func (p *StaticFileProvider) Resolve(ctx context.Context) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := readCredentialFile("auth", p.path)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(raw) {
		return nil, apperr.Configuration("auth", p.path, "credential file is not valid JSON", nil)
	}
	root := gjson.ParseBytes(raw)

	access := strings.TrimSpace(root.Get("access_token").String())
	if access == "" {
		return nil, apperr.Configuration("auth", p.path, "no access_token found", nil)
	}
	tokenType := strings.TrimSpace(root.Get("token_type").String())
	if tokenType == "" {
		tokenType = "Bearer"
	}

	var expiry time.Time
	if ms := root.Get("expiry_date").Int(); ms > 0 {
		expiry = time.UnixMilli(ms)
	}

	return &Credential{
		AccessToken:  access,
		RefreshToken: strings.TrimSpace(root.Get("refresh_token").String()),
		TokenType:    tokenType,
		Expiry:       expiry,
		Source:       SourceGemini,
	}, nil
}
