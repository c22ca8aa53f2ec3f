package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/contactmirror/contactmirror/internal/google"
	"github.com/contactmirror/contactmirror/internal/store"
	"github.com/contactmirror/contactmirror/internal/sync"
)

type fakeComparer struct {
	dryRunOpts sync.DryRunOptions
	dryRunErr  error
	applyOpts  sync.ApplyOptions
	applyErr   error
}

func (f *fakeComparer) DryRun(_ context.Context, opts sync.DryRunOptions) (*sync.DryRunReport, error) {
	f.dryRunOpts = opts
	if f.dryRunErr != nil {
		return nil, f.dryRunErr
	}
	if _, err := sync.NormalizeDirection(opts.Direction); err != nil {
		return nil, err
	}
	return &sync.DryRunReport{}, nil
}

func (f *fakeComparer) Apply(_ context.Context, opts sync.ApplyOptions) (*sync.ApplyReport, error) {
	f.applyOpts = opts
	if f.applyErr != nil {
		return nil, f.applyErr
	}
	return &sync.ApplyReport{Processed: len(opts.AmoIDs)}, nil
}

type fakeMerger struct {
	outcome *sync.MergeOutcome
	err     error
	keys    sync.MatchKeys
	mapped  string
}

func (f *fakeMerger) MergeCandidates(_ context.Context, keys sync.MatchKeys, _ int64, mapped string) (*sync.MergeOutcome, error) {
	f.keys = keys
	f.mapped = mapped
	if f.err != nil {
		return nil, f.err
	}
	if f.outcome != nil {
		return f.outcome, nil
	}
	return &sync.MergeOutcome{Reason: "no_candidates"}, nil
}

type stubDirectory struct {
	person *google.Person
	err    error
}

func (d *stubDirectory) SearchContacts(context.Context, string, string, []string) ([]google.Person, error) {
	return nil, nil
}
func (d *stubDirectory) SearchOtherContacts(context.Context, string, string) ([]google.Person, error) {
	return nil, nil
}
func (d *stubDirectory) GetContact(context.Context, string, string) (*google.Person, error) {
	return d.person, d.err
}
func (d *stubDirectory) ListConnections(context.Context, int, string) ([]google.Person, error) {
	return nil, nil
}
func (d *stubDirectory) CreateContact(context.Context, *google.Person) (*google.Person, error) {
	return nil, nil
}
func (d *stubDirectory) UpdateContact(context.Context, string, *google.Person, []string, string) (*google.Person, error) {
	return nil, nil
}
func (d *stubDirectory) BatchDelete(context.Context, []string) error { return nil }
func (d *stubDirectory) EnsureGroup(context.Context, string) (string, error) {
	return "contactGroups/stub", nil
}

type stubWaker struct {
	wakes int
}

func (s *stubWaker) Wake() { s.wakes++ }

type testEnv struct {
	handler  *Handler
	router   http.Handler
	store    store.Store
	comparer *fakeComparer
	merger   *fakeMerger
	dir      *stubDirectory
	waker    *stubWaker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	comparer := &fakeComparer{}
	merger := &fakeMerger{}
	dir := &stubDirectory{}
	waker := &stubWaker{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(db, comparer, merger, dir, waker, Config{
		WebhookSecret: "hook-secret",
		DebugSecret:   "debug-secret",
		GoogleAuthURL: "/auth/google/start",
	}, log)
	return &testEnv{
		handler:  h,
		router:   NewRouter(h),
		store:    db,
		comparer: comparer,
		merger:   merger,
		dir:      dir,
		waker:    waker,
	}
}

func doRequest(env *testEnv, method, target, contentType, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid response body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := doRequest(env, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestWebhook_AuthMatrix(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name   string
		target string
		header map[string]string
		want   int
	}{
		{"no credentials", "/webhook/amo", nil, http.StatusUnauthorized},
		{"wrong secret", "/webhook/amo", map[string]string{"X-Webhook-Secret": "nope"}, http.StatusUnauthorized},
		{"webhook header", "/webhook/amo", map[string]string{"X-Webhook-Secret": "hook-secret"}, http.StatusOK},
		{"query token", "/webhook/amo?token=hook-secret", nil, http.StatusOK},
		{"debug header", "/webhook/amo", map[string]string{"X-Debug-Secret": "debug-secret"}, http.StatusOK},
		{"debug secret as webhook secret", "/webhook/amo", map[string]string{"X-Webhook-Secret": "debug-secret"}, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tc.target, strings.NewReader(`{"contact_id": 5}`))
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			env.router.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
			if tc.want == http.StatusUnauthorized {
				body := decodeBody(t, rec)
				if body["detail"] != "Unauthorized" {
					t.Errorf("body = %v", body)
				}
				if _, ok := body["accepted"].([]any); !ok {
					t.Errorf("401 body missing accepted sources: %v", body)
				}
			}
		})
	}
}

func TestWebhook_JSONShapes(t *testing.T) {
	cases := []struct {
		name string
		body string
		want []any
	}{
		{"flat contact_id", `{"contact_id": 5}`, []any{float64(5)}},
		{"string contact_id", `{"contact_id": "6"}`, []any{float64(6)}},
		{"contact_ids list", `{"contact_ids": [3, 1, 2]}`, []any{float64(1), float64(2), float64(3)}},
		{"nested add and update", `{"contacts": {"add": [{"id": 10}], "update": [{"id": 11}, {"id": 10}]}}`, []any{float64(10), float64(11)}},
		{"negative and zero dropped", `{"contact_ids": [-1, 0, 4]}`, []any{float64(4)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			rec := doRequest(env, http.MethodPost, "/webhook/amo?token=hook-secret", "application/json", tc.body)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
			}
			body := decodeBody(t, rec)
			queued, _ := body["queued"].([]any)
			if len(queued) != len(tc.want) {
				t.Fatalf("queued = %v, want %v", queued, tc.want)
			}
			for i := range tc.want {
				if queued[i] != tc.want[i] {
					t.Errorf("queued[%d] = %v, want %v", i, queued[i], tc.want[i])
				}
			}
			if env.waker.wakes != 1 {
				t.Errorf("wakes = %d", env.waker.wakes)
			}
		})
	}
}

func TestWebhook_FormFallback(t *testing.T) {
	env := newTestEnv(t)
	form := "contacts%5Bupdate%5D%5B0%5D%5Bid%5D=77&contacts%5Badd%5D%5B1%5D%5Bid%5D=78&unrelated=1"
	rec := doRequest(env, http.MethodPost, "/webhook/amo?token=hook-secret",
		"application/x-www-form-urlencoded", form)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	queued, _ := body["queued"].([]any)
	if len(queued) != 2 || queued[0] != float64(77) || queued[1] != float64(78) {
		t.Errorf("queued = %v", queued)
	}

	stats, err := env.store.PendingStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 2 {
		t.Errorf("pending total = %d", stats.Total)
	}
}

func TestWebhook_NoIDsWarns(t *testing.T) {
	env := newTestEnv(t)
	rec := doRequest(env, http.MethodPost, "/webhook/amo?token=hook-secret",
		"application/json", `{"lead_id": 9}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["warning"] != "no_contact_ids_parsed" {
		t.Errorf("body = %v", body)
	}
	if env.waker.wakes != 0 {
		t.Errorf("wakes = %d, want none", env.waker.wakes)
	}
}

func TestEventRing_CapsAndOrders(t *testing.T) {
	ring := NewEventRing()
	for i := int64(1); i <= 15; i++ {
		ring.Record("contacts.update", i)
	}
	events := ring.Events()
	if len(events) != eventRingSize {
		t.Fatalf("len = %d", len(events))
	}
	if events[0].ContactID != 15 || events[len(events)-1].ContactID != 6 {
		t.Errorf("order = %d..%d", events[0].ContactID, events[len(events)-1].ContactID)
	}
	if events[0].ID == "" || events[0].ID == events[1].ID {
		t.Errorf("ids = %q, %q", events[0].ID, events[1].ID)
	}
	ring.Clear()
	if len(ring.Events()) != 0 {
		t.Error("ring not cleared")
	}
}

func TestDryRun_PassesOptions(t *testing.T) {
	env := newTestEnv(t)
	rec := doRequest(env, http.MethodGet,
		"/sync/contacts/dry-run?key=debug-secret&limit=9999&direction=to_google&mode=full&since_days=7", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	opts := env.comparer.dryRunOpts
	if opts.Limit != dryRunLimitMax {
		t.Errorf("limit = %d, want clamped to %d", opts.Limit, dryRunLimitMax)
	}
	if opts.Direction != "to_google" || opts.Mode != sync.ModeFull {
		t.Errorf("opts = %+v", opts)
	}
	if opts.Since.IsZero() || time.Since(opts.Since) < 6*24*time.Hour {
		t.Errorf("since = %v", opts.Since)
	}
}

func TestDryRun_BadParams(t *testing.T) {
	env := newTestEnv(t)
	for _, target := range []string{
		"/sync/contacts/dry-run?key=debug-secret&limit=abc",
		"/sync/contacts/dry-run?key=debug-secret&since_days=x",
		"/sync/contacts/dry-run?key=debug-secret&mode=sideways",
		"/sync/contacts/dry-run?key=debug-secret&direction=upward",
	} {
		rec := doRequest(env, http.MethodGet, target, "", "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
			t.Errorf("%s: content type = %q", target, ct)
		}
	}
}

func TestDryRun_RateLimitMapsTo429(t *testing.T) {
	env := newTestEnv(t)
	env.comparer.dryRunErr = &google.RateLimitError{RetryAfter: 42 * time.Second}
	rec := doRequest(env, http.MethodGet, "/sync/contacts/dry-run?key=debug-secret", "", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "42" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	body := decodeBody(t, rec)
	if body["status"] != "rate_limited" {
		t.Errorf("body = %v", body)
	}
	rl, _ := body["rate_limit"].(map[string]any)
	if rl["retry_after_seconds"] != float64(42) || rl["reason"] != "google_quota" {
		t.Errorf("rate_limit = %v", rl)
	}
}

func TestDryRun_UnauthorizedMapsTo401WithAuthURL(t *testing.T) {
	env := newTestEnv(t)
	env.comparer.dryRunErr = google.ErrUnauthorized
	rec := doRequest(env, http.MethodGet, "/sync/contacts/dry-run?key=debug-secret", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["auth_url"] != "/auth/google/start" {
		t.Errorf("body = %v", body)
	}
}

func TestApply_GuardRails(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name   string
		target string
		want   int
	}{
		{"missing confirm", "/sync/contacts/apply?direction=to_google&token=debug-secret", http.StatusBadRequest},
		{"missing secret", "/sync/contacts/apply?confirm=1&direction=to_google", http.StatusUnauthorized},
		{"wrong secret", "/sync/contacts/apply?confirm=1&direction=to_google&token=nope", http.StatusUnauthorized},
		{"wrong direction", "/sync/contacts/apply?confirm=1&direction=both&token=debug-secret", http.StatusBadRequest},
		{"missing direction", "/sync/contacts/apply?confirm=1&token=debug-secret", http.StatusBadRequest},
		{"junk amo_ids", "/sync/contacts/apply?confirm=1&direction=to_google&token=debug-secret&amo_ids=1,zz", http.StatusBadRequest},
		{"ok", "/sync/contacts/apply?confirm=1&direction=to_google&token=debug-secret&amo_ids=11,12", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(env, http.MethodPost, tc.target, "", "")
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
	if got := env.comparer.applyOpts.AmoIDs; len(got) != 2 || got[0] != 11 || got[1] != 12 {
		t.Errorf("amo_ids = %v", got)
	}
}

func TestApply_LimitClamped(t *testing.T) {
	env := newTestEnv(t)
	rec := doRequest(env, http.MethodPost,
		"/sync/contacts/apply?confirm=1&direction=to_google&token=debug-secret&limit=500", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if env.comparer.applyOpts.Limit != applyLimitMax {
		t.Errorf("limit = %d, want %d", env.comparer.applyOpts.Limit, applyLimitMax)
	}
}

func TestDebugAuth(t *testing.T) {
	env := newTestEnv(t)
	rec := doRequest(env, http.MethodGet, "/debug/ping", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no secret: status = %d", rec.Code)
	}
	rec = doRequest(env, http.MethodGet, "/debug/ping?key=debug-secret", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("key param: status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/debug/ping", nil)
	req.Header.Set("X-Debug-Secret", "debug-secret")
	recHeader := httptest.NewRecorder()
	env.router.ServeHTTP(recHeader, req)
	if recHeader.Code != http.StatusOK {
		t.Errorf("header: status = %d", recHeader.Code)
	}
}

func TestDebugAuth_ClosedWithoutSecret(t *testing.T) {
	env := newTestEnv(t)
	env.handler.debugSecret = ""
	router := NewRouter(env.handler)
	req := httptest.NewRequest(http.MethodGet, "/debug/ping?key=", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want closed surface", rec.Code)
	}
}

func TestDebugPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.Enqueue(ctx, 31); err != nil {
		t.Fatal(err)
	}
	if err := env.store.Enqueue(ctx, 32); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(env, http.MethodGet, "/debug/pending?key=debug-secret", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["total"] != float64(2) || body["due"] != float64(2) {
		t.Errorf("body = %v", body)
	}
	rows, _ := body["rows"].([]any)
	if len(rows) != 2 {
		t.Errorf("rows = %v", rows)
	}
}

func TestDebugWebhooks_ListAndClear(t *testing.T) {
	env := newTestEnv(t)
	doRequest(env, http.MethodPost, "/webhook/amo?token=hook-secret", "application/json", `{"contact_id": 44}`)

	rec := doRequest(env, http.MethodGet, "/debug/webhooks?key=debug-secret", "", "")
	body := decodeBody(t, rec)
	events, _ := body["events"].([]any)
	if len(events) != 1 {
		t.Fatalf("events = %v", events)
	}
	entry := events[0].(map[string]any)
	if entry["contact_id"] != float64(44) {
		t.Errorf("event = %v", entry)
	}

	rec = doRequest(env, http.MethodDelete, "/debug/webhooks?key=debug-secret", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rec.Code)
	}
	rec = doRequest(env, http.MethodGet, "/debug/webhooks?key=debug-secret", "", "")
	body = decodeBody(t, rec)
	if events, _ := body["events"].([]any); len(events) != 0 {
		t.Errorf("events after clear = %v", events)
	}
}

func TestDryRun_RequiresDebugSecret(t *testing.T) {
	env := newTestEnv(t)
	rec := doRequest(env, http.MethodGet, "/sync/contacts/dry-run", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestMetrics_GuardedByDebugSecret(t *testing.T) {
	env := newTestEnv(t)
	rec := doRequest(env, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated: status = %d", rec.Code)
	}
	rec = doRequest(env, http.MethodGet, "/metrics?key=debug-secret", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated: status = %d", rec.Code)
	}
}

func TestDebugMerge_KeysBody(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.SaveLink(ctx, "55", "people/anchor"); err != nil {
		t.Fatal(err)
	}
	env.merger.outcome = &sync.MergeOutcome{Merged: 1, Reason: "mapping|recent", Primary: "people/anchor"}

	body := `{"phones": ["8 999 123 45 67"], "emails": ["Dup@Example.com"], "amo_contact_id": 55}`
	rec := doRequest(env, http.MethodPost, "/debug/merge?key=debug-secret", "application/json", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	got := decodeBody(t, rec)
	if got["merged"] != float64(1) || got["primary"] != "people/anchor" {
		t.Errorf("body = %v", got)
	}
	if env.merger.mapped != "people/anchor" {
		t.Errorf("mapped = %q", env.merger.mapped)
	}
	if len(env.merger.keys.Phones) != 1 || env.merger.keys.Phones[0] != "+79991234567" {
		t.Errorf("keys = %+v", env.merger.keys)
	}

	rec = doRequest(env, http.MethodPost, "/debug/merge?key=debug-secret", "application/json", `{"phones": ["123"]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("no valid keys: status = %d", rec.Code)
	}
}

func TestDebugMergeByPhone(t *testing.T) {
	env := newTestEnv(t)
	env.merger.outcome = &sync.MergeOutcome{
		Merged:  2,
		Reason:  "exact_phone|recent",
		Primary: "people/p1",
		Deleted: []string{"people/p2", "people/p3"},
	}

	rec := doRequest(env, http.MethodPost, "/debug/merge/by-phone?key=debug-secret&phone=%2B7(999)123-45-67", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["phone"] != "+79991234567" || body["merged"] != float64(2) || body["primary"] != "people/p1" {
		t.Errorf("body = %v", body)
	}
	if len(env.merger.keys.Phones) != 1 || env.merger.keys.Phones[0] != "+79991234567" {
		t.Errorf("keys = %+v", env.merger.keys)
	}

	rec = doRequest(env, http.MethodPost, "/debug/merge/by-phone?key=debug-secret&phone=abc", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid phone: status = %d", rec.Code)
	}
}

func TestDebugMergeByAmo(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.SaveLink(ctx, "88", "people/linked"); err != nil {
		t.Fatal(err)
	}
	env.dir.person = &google.Person{
		ResourceName: "people/linked",
		PhoneNumbers: []google.PhoneNumber{{Value: "+7 999 111 22 33"}},
		EmailAddresses: []google.EmailAddress{
			{Value: "Linked@Example.com"},
		},
	}
	env.merger.outcome = &sync.MergeOutcome{Merged: 1, Reason: "external_id|recent", Primary: "people/linked"}

	rec := doRequest(env, http.MethodPost, "/debug/merge/by-amo?key=debug-secret&id=88", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["amo_id"] != float64(88) || body["resource"] != "people/linked" {
		t.Errorf("body = %v", body)
	}
	if env.merger.mapped != "people/linked" {
		t.Errorf("mapped = %q", env.merger.mapped)
	}
	if len(env.merger.keys.Emails) != 1 || env.merger.keys.Emails[0] != "linked@example.com" {
		t.Errorf("keys = %+v", env.merger.keys)
	}

	rec = doRequest(env, http.MethodPost, "/debug/merge/by-amo?key=debug-secret&id=404", "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unlinked: status = %d", rec.Code)
	}
	rec = doRequest(env, http.MethodPost, "/debug/merge/by-amo?key=debug-secret&id=0", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: status = %d", rec.Code)
	}
}

func TestDebugGoogleToken(t *testing.T) {
	env := newTestEnv(t)
	rec := doRequest(env, http.MethodGet, "/debug/google?key=debug-secret", "", "")
	if body := decodeBody(t, rec); body["has_token"] != false {
		t.Errorf("body = %v", body)
	}

	ctx := context.Background()
	err := env.store.SaveToken(ctx, &store.Token{
		System:       "google",
		AccessToken:  "at",
		RefreshToken: "rt",
		Expiry:       time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	rec = doRequest(env, http.MethodGet, "/debug/google?key=debug-secret", "", "")
	body := decodeBody(t, rec)
	if body["has_token"] != true || body["will_refresh"] != true {
		t.Errorf("body = %v", body)
	}
}
