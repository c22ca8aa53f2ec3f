package google

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// fakeTokens counts forced refreshes and can rotate tokens.
type fakeTokens struct {
	tokens  []string
	idx     atomic.Int32
	forced  atomic.Int32
	failAll bool
}

func (f *fakeTokens) AccessToken(_ context.Context, force bool) (string, error) {
	if f.failAll {
		return "", ErrUnauthorized
	}
	if force {
		f.forced.Add(1)
		if int(f.idx.Load()) < len(f.tokens)-1 {
			f.idx.Add(1)
		}
	}
	return f.tokens[f.idx.Load()], nil
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *fakeTokens) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tokens := &fakeTokens{tokens: []string{"tok-1", "tok-2"}}
	client := NewClient(Config{
		BaseURL:           srv.URL,
		Tokens:            tokens,
		RequestsPerMinute: 1000,
	})
	client.sleep = func(context.Context, time.Duration) error { return nil }
	client.jitter = func() time.Duration { return 0 }
	return client, tokens
}

func TestClient_SearchContacts(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/people:searchContacts" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("query"); got != "+79991112233" {
			t.Errorf("query = %q", got)
		}
		if got := r.URL.Query()["sources"]; len(got) != 2 {
			t.Errorf("sources = %v", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"person": map[string]any{"resourceName": "people/1"}},
			},
		})
	}))

	persons, err := client.SearchContacts(context.Background(), "+79991112233",
		"names,phoneNumbers", []string{SourceContact, SourceOtherContact})
	if err != nil {
		t.Fatal(err)
	}
	if len(persons) != 1 || persons[0].ResourceName != "people/1" {
		t.Errorf("persons = %+v", persons)
	}
}

func TestClient_RefreshesTokenOnceOn401(t *testing.T) {
	var calls atomic.Int32
	client, tokens := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") == "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(Person{ResourceName: "people/2"})
	}))

	person, err := client.GetContact(context.Background(), "people/2", "names")
	if err != nil {
		t.Fatal(err)
	}
	if person.ResourceName != "people/2" {
		t.Errorf("resource = %q", person.ResourceName)
	}
	if got := tokens.forced.Load(); got != 1 {
		t.Errorf("forced refreshes = %d, want 1", got)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("requests = %d, want 2", got)
	}
}

func TestClient_SecondUnauthorizedSurfaces(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := client.GetContact(context.Background(), "people/2", "names")
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestClient_RateLimitRetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	ctx, counters := WithCounters(context.Background())
	_, err := client.SearchContacts(ctx, "q", "names", nil)

	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if rle.RetryAfter < 12*time.Second {
		t.Errorf("retry after = %v, want >= 12s", rle.RetryAfter)
	}
	if got := calls.Load(); got != maxQuotaAttempts {
		t.Errorf("requests = %d, want %d", got, maxQuotaAttempts)
	}
	if got := counters.RateLimitHits.Load(); got != maxQuotaAttempts {
		t.Errorf("rate limit hits = %d, want %d", got, maxQuotaAttempts)
	}
	if got := counters.Retries.Load(); got != maxQuotaAttempts-1 {
		t.Errorf("retries = %d, want %d", got, maxQuotaAttempts-1)
	}
}

func TestClient_ResourceExhausted403CountsAsQuota(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":{"status":"RESOURCE_EXHAUSTED"}}`))
			return
		}
		json.NewEncoder(w).Encode(searchResponse{})
	}))

	if _, err := client.SearchContacts(context.Background(), "q", "names", nil); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("requests = %d, want 2", got)
	}
}

func TestClient_Plain403Propagates(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"status":"PERMISSION_DENIED"}}`))
	}))

	_, err := client.SearchOtherContacts(context.Background(), "q", "names")
	if StatusOf(err) != http.StatusForbidden {
		t.Errorf("err = %v, want 403 StatusError", err)
	}
}

func TestClient_UpdateContact(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("method = %s", r.Method)
		}
		if r.URL.Path != "/people/7:updateContact" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("updatePersonFields"); got != "names,phoneNumbers" {
			t.Errorf("updatePersonFields = %q", got)
		}
		var body Person
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.ResourceName != "people/7" || body.Etag != "E1" {
			t.Errorf("body carries resource=%q etag=%q", body.ResourceName, body.Etag)
		}
		json.NewEncoder(w).Encode(Person{ResourceName: "people/7", Etag: "E2"})
	}))

	updated, err := client.UpdateContact(context.Background(), "people/7",
		&Person{Names: []Name{{DisplayName: "New"}}}, []string{"phoneNumbers", "names", "names"}, "E1")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Etag != "E2" {
		t.Errorf("etag = %q", updated.Etag)
	}
}

func TestClient_UpdateContact_EmptyEtagRejected(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not reach the server without an etag")
	}))
	if _, err := client.UpdateContact(context.Background(), "people/7", &Person{}, []string{"names"}, ""); err == nil {
		t.Fatal("expected error for empty etag")
	}
}

func TestClient_BatchDelete_EmptyIsNoop(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for empty delete list")
	}))
	if err := client.BatchDelete(context.Background(), []string{"", ""}); err != nil {
		t.Fatal(err)
	}
}

func TestClient_BatchDelete(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/people:batchDeleteContacts" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string][]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if len(body["resourceNames"]) != 2 {
			t.Errorf("resourceNames = %v", body["resourceNames"])
		}
		w.Write([]byte("{}"))
	}))
	if err := client.BatchDelete(context.Background(), []string{"people/a", "people/b"}); err != nil {
		t.Fatal(err)
	}
}

func TestFormatUpdateFields(t *testing.T) {
	got := formatUpdateFields([]string{"names", "phoneNumbers", "names", "", "emailAddresses"})
	want := "emailAddresses,names,phoneNumbers"
	if got != want {
		t.Errorf("formatUpdateFields = %q, want %q", got, want)
	}
}

func TestQuotaWait(t *testing.T) {
	client := NewClient(Config{Tokens: StaticTokenProvider("t")})
	client.jitter = func() time.Duration { return 0 }

	if got := client.quotaWait(0, ""); got != time.Second {
		t.Errorf("attempt 0 wait = %v, want 1s", got)
	}
	if got := client.quotaWait(3, ""); got != 8*time.Second {
		t.Errorf("attempt 3 wait = %v, want 8s", got)
	}
	if got := client.quotaWait(1, "30"); got != 30*time.Second {
		t.Errorf("server retry-after wait = %v, want 30s", got)
	}
	if got := client.quotaWait(10, ""); got != maxRetryWait {
		t.Errorf("capped wait = %v, want %v", got, maxRetryWait)
	}
}

func TestPerson_UpdateTime(t *testing.T) {
	p := &Person{Metadata: &PersonMetadata{Sources: []Source{
		{UpdateTime: "2024-01-01T10:00:00Z"},
		{UpdateTime: "2024-06-01T10:00:00Z"},
		{UpdateTime: "garbage"},
	}}}
	want := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	if got := p.UpdateTime(); !got.Equal(want) {
		t.Errorf("UpdateTime = %v, want %v", got, want)
	}

	var empty Person
	if !empty.UpdateTime().IsZero() {
		t.Error("empty person should have zero update time")
	}
}
