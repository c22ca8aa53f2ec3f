// Package google is the directory client: a rate-limited, retry-aware HTTP
// client for the Google People API, plus the contact group cache and the
// token plumbing all directory calls go through.
package google

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultBaseURL is the production People API endpoint.
const DefaultBaseURL = "https://people.googleapis.com/v1"

// DefaultRequestsPerMinute matches the free-tier People API write quota.
const DefaultRequestsPerMinute = 20

const (
	maxQuotaAttempts = 5
	maxRetryWait     = 60 * time.Second
	requestDeadline  = 20 * time.Second
	bodySnippetLen   = 512
)

// Read source values for searchContacts.
const (
	SourceContact      = "READ_SOURCE_TYPE_CONTACT"
	SourceOtherContact = "READ_SOURCE_TYPE_OTHER_CONTACT"
)

// Config configures a Client.
type Config struct {
	BaseURL           string
	Tokens            TokenProvider
	RequestsPerMinute int
}

// Client mediates every outbound directory call. All methods respect the
// process-wide sliding-window rate limiter and the quota retry policy.
type Client struct {
	baseURL    string
	tokens     TokenProvider
	limiter    *Limiter
	httpClient *http.Client

	// sleep and jitter are swappable for tests.
	sleep  func(context.Context, time.Duration) error
	jitter func() time.Duration

	groupMu    sync.Mutex
	groupCache map[string]string
}

// NewClient creates a directory client.
func NewClient(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = DefaultRequestsPerMinute
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     cfg.Tokens,
		limiter:    NewLimiter(rpm, time.Minute),
		httpClient: &http.Client{Timeout: requestDeadline},
		sleep:      sleepCtx,
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(time.Second)))
		},
		groupCache: make(map[string]string),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// do executes one logical API call: limiter slot, token headers, one forced
// token refresh on 401, and the quota retry loop on 429/403-RESOURCE_EXHAUSTED.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("google: encode request: %w", err)
		}
	}

	endpoint := c.baseURL + "/" + strings.TrimPrefix(path, "/")
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	refreshed := false
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Acquire(ctx); err != nil {
			return fmt.Errorf("google: rate limiter: %w", err)
		}

		token, err := c.tokens.AccessToken(ctx, false)
		if err != nil {
			return err
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
		if err != nil {
			return fmt.Errorf("google: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("google: %s %s: %w", method, path, err)
		}
		countRequest(ctx)

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			if refreshed {
				return ErrUnauthorized
			}
			refreshed = true
			if _, err := c.tokens.AccessToken(ctx, true); err != nil {
				return err
			}
			countRetry(ctx)
			continue

		case isQuotaResponse(resp.StatusCode, respBody):
			countRateLimitHit(ctx)
			wait := c.quotaWait(attempt, resp.Header.Get("Retry-After"))
			if attempt+1 >= maxQuotaAttempts {
				return &RateLimitError{RetryAfter: wait}
			}
			countRetry(ctx)
			if err := c.sleep(ctx, wait); err != nil {
				return err
			}
			continue

		case resp.StatusCode < 200 || resp.StatusCode > 299:
			return &StatusError{StatusCode: resp.StatusCode, Body: snippet(respBody)}
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("google: decode %s %s: %w", method, path, err)
			}
		}
		return nil
	}
}

func isQuotaResponse(status int, body []byte) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	return status == http.StatusForbidden && bytes.Contains(body, []byte("RESOURCE_EXHAUSTED"))
}

// quotaWait computes max(server retry-after, 2^attempt seconds) plus jitter,
// capped at 60 seconds.
func (c *Client) quotaWait(attempt int, retryAfterHeader string) time.Duration {
	wait := time.Duration(1<<attempt) * time.Second
	if secs, err := strconv.Atoi(strings.TrimSpace(retryAfterHeader)); err == nil {
		if server := time.Duration(secs) * time.Second; server > wait {
			wait = server
		}
	}
	wait += c.jitter()
	if wait > maxRetryWait {
		wait = maxRetryWait
	}
	return wait
}

func snippet(body []byte) string {
	if len(body) > bodySnippetLen {
		body = body[:bodySnippetLen]
	}
	return string(body)
}

type searchResponse struct {
	Results []struct {
		Person Person `json:"person"`
	} `json:"results"`
}

// SearchContacts queries people:searchContacts. When sources is non-empty it
// is passed through; callers downgrade when the parameter is rejected.
func (c *Client) SearchContacts(ctx context.Context, query, readMask string, sources []string) ([]Person, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("readMask", readMask)
	for _, s := range sources {
		params.Add("sources", s)
	}

	var resp searchResponse
	if err := c.do(ctx, http.MethodGet, "people:searchContacts", params, nil, &resp); err != nil {
		return nil, err
	}
	persons := make([]Person, 0, len(resp.Results))
	for _, r := range resp.Results {
		persons = append(persons, r.Person)
	}
	return persons, nil
}

// SearchOtherContacts queries the secondary "other contacts" index. The
// endpoint needs extra API access and may be unsupported for the account;
// callers treat failures as a signal to stop asking.
func (c *Client) SearchOtherContacts(ctx context.Context, query, readMask string) ([]Person, error) {
	body := map[string]string{"query": query, "readMask": readMask}
	var resp searchResponse
	if err := c.do(ctx, http.MethodPost, "otherContacts:search", nil, body, &resp); err != nil {
		return nil, err
	}
	persons := make([]Person, 0, len(resp.Results))
	for _, r := range resp.Results {
		persons = append(persons, r.Person)
	}
	return persons, nil
}

type connectionsResponse struct {
	Connections   []Person `json:"connections"`
	NextPageToken string   `json:"nextPageToken"`
}

// ListConnections pages through the account's contact list until limit
// records are collected or the listing is exhausted.
func (c *Client) ListConnections(ctx context.Context, limit int, personFields string) ([]Person, error) {
	var collected []Person
	pageToken := ""
	for len(collected) < limit {
		params := url.Values{}
		params.Set("personFields", personFields)
		pageSize := limit - len(collected)
		if pageSize > 200 {
			pageSize = 200
		}
		params.Set("pageSize", strconv.Itoa(pageSize))
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		var resp connectionsResponse
		if err := c.do(ctx, http.MethodGet, "people/me/connections", params, nil, &resp); err != nil {
			return nil, err
		}
		countPage(ctx)
		collected = append(collected, resp.Connections...)
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	if len(collected) > limit {
		collected = collected[:limit]
	}
	return collected, nil
}

// GetContact fetches a single person with the given fields.
func (c *Client) GetContact(ctx context.Context, resourceName, personFields string) (*Person, error) {
	params := url.Values{}
	params.Set("personFields", personFields)
	var person Person
	if err := c.do(ctx, http.MethodGet, resourceName, params, nil, &person); err != nil {
		return nil, err
	}
	return &person, nil
}

// CreateContact creates a new person record.
func (c *Client) CreateContact(ctx context.Context, person *Person) (*Person, error) {
	var created Person
	if err := c.do(ctx, http.MethodPost, "people:createContact", nil, person, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateContact patches a person under etag optimistic concurrency. The etag
// must be non-empty; the engine treats a missing etag as a recoverable
// condition before ever reaching this call.
func (c *Client) UpdateContact(ctx context.Context, resourceName string, person *Person, updateFields []string, etag string) (*Person, error) {
	if etag == "" {
		return nil, fmt.Errorf("google: update %s: empty etag", resourceName)
	}
	person.ResourceName = resourceName
	person.Etag = etag

	params := url.Values{}
	params.Set("updatePersonFields", formatUpdateFields(updateFields))

	var updated Person
	if err := c.do(ctx, http.MethodPatch, resourceName+":updateContact", params, person, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// BatchDelete removes the given person records. No-op on an empty list.
func (c *Client) BatchDelete(ctx context.Context, resourceNames []string) error {
	names := make([]string, 0, len(resourceNames))
	for _, name := range resourceNames {
		if name != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	body := map[string][]string{"resourceNames": names}
	return c.do(ctx, http.MethodPost, "people:batchDeleteContacts", nil, body, nil)
}

// BatchUpdate patches several persons in one call.
func (c *Client) BatchUpdate(ctx context.Context, contacts map[string]*Person, updateFields []string) error {
	if len(contacts) == 0 {
		return nil
	}
	body := map[string]any{
		"contacts":   contacts,
		"updateMask": formatUpdateFields(updateFields),
	}
	return c.do(ctx, http.MethodPost, "people:batchUpdateContacts", nil, body, nil)
}

func formatUpdateFields(fields []string) string {
	seen := make(map[string]struct{}, len(fields))
	unique := make([]string, 0, len(fields))
	for _, f := range fields {
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		unique = append(unique, f)
	}
	sort.Strings(unique)
	return strings.Join(unique, ",")
}
