package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/weiro2020/opencode-antigravity-stats/internal/apperr"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// AccountsProvider picks the active account from the opencode accounts store
// and exchanges its refresh token for an access token.
type AccountsProvider struct {
	path         string
	clientID     string
	clientSecret string
	tokenURL     string
	client       *http.Client
	now          func() time.Time
}

// Name implements Provider.
func (p *AccountsProvider) Name() string { return SourceOpencode }

type account struct {
	refreshToken string
	projectID    string
	index        int
}

// Resolve implements Provider.
func (p *AccountsProvider) Resolve(ctx context.Context) (*Credential, error) {
	acct, err := p.activeAccount()
	if err != nil {
		return nil, err
	}
	log.Debugf("auth: using opencode account %d", acct.index)

	tok, err := p.exchange(ctx, acct.refreshToken)
	if err != nil {
		return nil, err
	}

	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = acct.refreshToken
	}
	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = p.now()
	}
	return &Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		TokenType:    tokenType,
		Expiry:       expiry,
		ProjectID:    acct.projectID,
		Source:       SourceOpencode,
	}, nil
}

func (p *AccountsProvider) activeAccount() (account, error) {
	raw, err := readCredentialFile("auth", p.path)
	if err != nil {
		return account{}, err
	}
	if !gjson.ValidBytes(raw) {
		return account{}, apperr.Configuration("auth", p.path, "accounts file is not valid JSON", nil)
	}
	root := gjson.ParseBytes(raw)
	accounts := root.Get("accounts")
	if !accounts.IsArray() || len(accounts.Array()) == 0 {
		return account{}, apperr.Configuration("auth", p.path, "accounts file missing 'accounts' list", nil)
	}
	list := accounts.Array()

	idx := 0
	if active := root.Get("activeIndex"); active.Type == gjson.Number {
		idx = int(active.Int())
	}
	if idx < 0 || idx >= len(list) {
		idx = 0
	}
	entry := list[idx]
	if !entry.IsObject() {
		return account{}, apperr.Configuration("auth", p.path, fmt.Sprintf("account %d is not an object", idx), nil)
	}
	refresh := strings.TrimSpace(entry.Get("refreshToken").String())
	if refresh == "" {
		return account{}, apperr.Configuration("auth", p.path, fmt.Sprintf("account %d missing refreshToken", idx), nil)
	}
	return account{
		refreshToken: refresh,
		projectID:    strings.TrimSpace(entry.Get("projectId").String()),
		index:        idx,
	}, nil
}

func (p *AccountsProvider) exchange(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	endpoint := google.Endpoint
	if p.tokenURL != "" {
		endpoint.TokenURL = p.tokenURL
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	conf := &oauth2.Config{
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
		Endpoint:     endpoint,
	}
	if p.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	}

	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, exchangeError(err)
	}
	if strings.TrimSpace(tok.AccessToken) == "" {
		return nil, apperr.Authorization("auth", "token refresh succeeded but access_token missing", nil)
	}
	return tok, nil
}

// exchangeError maps a rejected refresh to an authorization error and an
// unreachable token endpoint to a transport error. The raw response body is
// dropped because it may echo request material.
func exchangeError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		msg := fmt.Sprintf("token refresh rejected (status %d", status)
		if retrieveErr.ErrorCode != "" {
			msg += ", error " + retrieveErr.ErrorCode
		}
		if retrieveErr.ErrorDescription != "" {
			msg += ": " + retrieveErr.ErrorDescription
		}
		msg += ")"
		return apperr.Authorization("auth", msg, nil)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperr.Transport("auth token refresh", err)
}
