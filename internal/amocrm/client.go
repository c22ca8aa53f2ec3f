// Package amocrm is the source CRM client: it fetches contact records from
// the AmoCRM v4 API and extracts the normalised fields the sync pipeline
// works with.
package amocrm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Auth modes supported by the client. The OAuth code flow is handled by the
// auth collaborator and is not selectable here.
const (
	AuthModeLongLivedToken = "llt"
	AuthModeAPIKey         = "api_key"
)

// ErrAuthMissing is returned when the configured auth mode has no credential.
// The pending queue worker dead-letters rows on this error.
var ErrAuthMissing = errors.New("amocrm credentials missing")

const requestTimeout = 10 * time.Second

// Client talks to a single AmoCRM account.
type Client struct {
	baseURL        string
	authMode       string
	longLivedToken string
	apiKey         string
	httpClient     *http.Client
}

// Config carries the account coordinates and credentials.
type Config struct {
	BaseURL        string
	AuthMode       string
	LongLivedToken string
	APIKey         string
}

// NewClient creates an AmoCRM client. Credentials are validated lazily so a
// misconfigured deployment surfaces ErrAuthMissing per request instead of
// failing startup.
func NewClient(cfg Config) *Client {
	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		authMode:       cfg.AuthMode,
		longLivedToken: strings.TrimSpace(cfg.LongLivedToken),
		apiKey:         strings.TrimSpace(cfg.APIKey),
		httpClient:     &http.Client{Timeout: requestTimeout},
	}
}

func (c *Client) accessToken() (string, error) {
	switch c.authMode {
	case AuthModeLongLivedToken:
		if c.longLivedToken == "" {
			return "", fmt.Errorf("%w: long-lived token not set", ErrAuthMissing)
		}
		return c.longLivedToken, nil
	case AuthModeAPIKey:
		if c.apiKey == "" {
			return "", fmt.Errorf("%w: api key not set", ErrAuthMissing)
		}
		return c.apiKey, nil
	default:
		return "", fmt.Errorf("%w: unsupported auth mode %q", ErrAuthMissing, c.authMode)
	}
}

// GetContact fetches a single contact by ID.
func (c *Client) GetContact(ctx context.Context, contactID int64) (*RawContact, error) {
	token, err := c.accessToken()
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/api/v4/contacts/%d", c.baseURL, contactID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("amocrm: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("amocrm: get contact %d: %w", contactID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("amocrm: get contact %d: status %d: %s", contactID, resp.StatusCode, body)
	}

	var raw RawContact
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("amocrm: decode contact %d: %w", contactID, err)
	}
	return &raw, nil
}

// ListContacts fetches up to limit contacts, optionally filtered to those
// updated after since. Used by the dry-run and batch apply surfaces.
func (c *Client) ListContacts(ctx context.Context, limit int, since time.Time) ([]Contact, error) {
	token, err := c.accessToken()
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("limit", fmt.Sprintf("%d", limit))
	if !since.IsZero() {
		params.Set("filter[updated_at][from]", since.UTC().Format(time.RFC3339))
	}

	endpoint := fmt.Sprintf("%s/api/v4/contacts?%s", c.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("amocrm: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("amocrm: list contacts: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("amocrm: list contacts: status %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		Embedded struct {
			Contacts []RawContact `json:"contacts"`
		} `json:"_embedded"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("amocrm: decode contact list: %w", err)
	}

	contacts := make([]Contact, 0, len(payload.Embedded.Contacts))
	for i := range payload.Embedded.Contacts {
		contacts = append(contacts, ExtractFields(&payload.Embedded.Contacts[i]))
	}
	return contacts, nil
}
