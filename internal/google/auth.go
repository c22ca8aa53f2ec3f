package google

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/oauth2"

	"github.com/contactmirror/contactmirror/internal/store"
)

// TokenProvider supplies a bearer token for directory requests. A forced
// call must bypass any cached token and refresh against the issuer.
type TokenProvider interface {
	AccessToken(ctx context.Context, force bool) (string, error)
}

// tokenSystem is the store row the directory credentials live under.
const tokenSystem = "google"

// StoreTokenProvider reads the persisted OAuth token and refreshes it with
// the configured oauth2 endpoint when expired (or when forced after a 401).
// Refreshed tokens are written back so restarts pick up the newest pair.
type StoreTokenProvider struct {
	store store.Store
	conf  *oauth2.Config

	mu     sync.Mutex
	cached *oauth2.Token
}

// NewStoreTokenProvider builds a provider around the token row and the OAuth
// client credentials. The interactive consent flow lives outside this
// service; the row is expected to hold at least a refresh token.
func NewStoreTokenProvider(s store.Store, clientID, clientSecret string, scopes []string) *StoreTokenProvider {
	return &StoreTokenProvider{
		store: s,
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://accounts.google.com/o/oauth2/auth",
				TokenURL: "https://oauth2.googleapis.com/token",
			},
			Scopes: scopes,
		},
	}
}

// AccessToken returns a valid bearer token, refreshing when needed.
func (p *StoreTokenProvider) AccessToken(ctx context.Context, force bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !force && p.cached != nil && p.cached.Valid() {
		return p.cached.AccessToken, nil
	}

	row, err := p.store.GetToken(ctx, tokenSystem)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: no stored google token", ErrUnauthorized)
		}
		return "", fmt.Errorf("load google token: %w", err)
	}

	tok := &oauth2.Token{
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
		Expiry:       row.Expiry,
	}
	if !force && tok.Valid() {
		p.cached = tok
		return tok.AccessToken, nil
	}

	if tok.RefreshToken == "" {
		return "", fmt.Errorf("%w: stored token expired and no refresh token", ErrUnauthorized)
	}

	// Force path: drop the access token so the token source refreshes.
	refreshed, err := p.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken}).Token()
	if err != nil {
		return "", fmt.Errorf("%w: refresh failed: %v", ErrUnauthorized, err)
	}

	row.AccessToken = refreshed.AccessToken
	if refreshed.RefreshToken != "" {
		row.RefreshToken = refreshed.RefreshToken
	}
	row.Expiry = refreshed.Expiry
	if err := p.store.SaveToken(ctx, row); err != nil {
		return "", fmt.Errorf("persist refreshed google token: %w", err)
	}

	p.cached = refreshed
	return refreshed.AccessToken, nil
}

// StaticTokenProvider returns a fixed token. Used in tests and for
// short-lived tooling runs with a pre-issued access token.
type StaticTokenProvider string

func (t StaticTokenProvider) AccessToken(context.Context, bool) (string, error) {
	if t == "" {
		return "", ErrUnauthorized
	}
	return string(t), nil
}
