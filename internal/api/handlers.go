// Package api is the HTTP surface: webhook ingest, the dry-run and apply
// sync endpoints, and the secret-guarded debug routes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/contactmirror/contactmirror/internal/google"
	"github.com/contactmirror/contactmirror/internal/normalize"
	"github.com/contactmirror/contactmirror/internal/store"
	"github.com/contactmirror/contactmirror/internal/sync"
)

const (
	dryRunLimitMax = 500
	applyLimitMax  = 50
	debugRowsLimit = 50
)

// Waker wakes the pending queue worker.
type Waker interface {
	Wake()
}

// Comparer runs the read-only compare and the batch apply.
type Comparer interface {
	DryRun(ctx context.Context, opts sync.DryRunOptions) (*sync.DryRunReport, error)
	Apply(ctx context.Context, opts sync.ApplyOptions) (*sync.ApplyReport, error)
}

// Merger runs manual candidate merges.
type Merger interface {
	MergeCandidates(ctx context.Context, keys sync.MatchKeys, sourceID int64, mappedResource string) (*sync.MergeOutcome, error)
}

// Config carries the handler's secrets and hints.
type Config struct {
	WebhookSecret string
	DebugSecret   string
	GoogleAuthURL string
}

// Handler owns the HTTP endpoints and their dependencies.
type Handler struct {
	store    store.Store
	comparer Comparer
	merger   Merger
	dir      sync.Directory
	waker    Waker
	events   *EventRing
	log      *slog.Logger

	webhookSecret string
	debugSecret   string
	googleAuthURL string
}

// NewHandler creates the HTTP handler set.
func NewHandler(s store.Store, comparer Comparer, merger Merger, dir sync.Directory, waker Waker, cfg Config, log *slog.Logger) *Handler {
	return &Handler{
		store:         s,
		comparer:      comparer,
		merger:        merger,
		dir:           dir,
		waker:         waker,
		events:        NewEventRing(),
		log:           log.With("component", "api"),
		webhookSecret: cfg.WebhookSecret,
		debugSecret:   cfg.DebugSecret,
		googleAuthURL: cfg.GoogleAuthURL,
	}
}

// Health returns service liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// queryInt parses an integer query parameter with a default.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return value, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// sinceFrom derives the change cutoff from since_minutes/since_days, minutes
// taking precedence. Zero time means unbounded.
func sinceFrom(r *http.Request) (time.Time, error) {
	minutes, err := queryInt(r, "since_minutes", 0)
	if err != nil {
		return time.Time{}, err
	}
	if minutes > 0 {
		return time.Now().UTC().Add(-time.Duration(minutes) * time.Minute), nil
	}
	days, err := queryInt(r, "since_days", 0)
	if err != nil {
		return time.Time{}, err
	}
	if days > 0 {
		return time.Now().UTC().AddDate(0, 0, -days), nil
	}
	return time.Time{}, nil
}

// DryRun compares both sides without writing.
func (h *Handler) DryRun(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	since, err := sinceFrom(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	mode := r.URL.Query().Get("mode")
	if mode != "" && mode != sync.ModeFast && mode != sync.ModeFull {
		WriteProblem(w, r, http.StatusBadRequest, "invalid mode: "+mode)
		return
	}

	report, err := h.comparer.DryRun(r.Context(), sync.DryRunOptions{
		Limit:     clamp(limit, 1, dryRunLimitMax),
		Direction: r.URL.Query().Get("direction"),
		Mode:      mode,
		Since:     since,
	})
	if err != nil {
		h.writeSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Apply runs a write batch against the directory. The route already sits
// behind the debug secret; the explicit confirm flag is the second guard, and
// only the to-google direction exists.
func (h *Handler) Apply(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "1" {
		WriteProblem(w, r, http.StatusBadRequest, "confirm=1 required")
		return
	}
	direction, err := sync.NormalizeDirection(r.URL.Query().Get("direction"))
	if err != nil || direction != sync.DirectionToGoogle {
		WriteProblem(w, r, http.StatusBadRequest, "direction must be to_google")
		return
	}

	limit, err := queryInt(r, "limit", 10)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	since, err := sinceFrom(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	amoIDs, err := parseAmoIDs(r.URL.Query().Get("amo_ids"))
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	report, err := h.comparer.Apply(r.Context(), sync.ApplyOptions{
		Limit:  clamp(limit, 1, applyLimitMax),
		Since:  since,
		AmoIDs: amoIDs,
	})
	if err != nil {
		h.writeSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func parseAmoIDs(raw string) ([]int64, error) {
	if raw == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid amo_ids entry: %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// writeSyncError maps sync failures onto the HTTP surface: 429 with a
// Retry-After for quota exhaustion, 401 with the consent URL for a dead
// directory token, 400 for bad input, 502 for everything upstream.
func (h *Handler) writeSyncError(w http.ResponseWriter, r *http.Request, err error) {
	var rateLimited *google.RateLimitError
	switch {
	case errors.As(err, &rateLimited):
		seconds := int(rateLimited.RetryAfter.Round(time.Second).Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"status": "rate_limited",
			"rate_limit": map[string]any{
				"retry_after_seconds": seconds,
				"reason":              "google_quota",
			},
		})
	case errors.Is(err, google.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"detail":   "Google authorisation required",
			"auth_url": h.googleAuthURL,
		})
	case errors.Is(err, sync.ErrInvalidDirection):
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
	default:
		h.log.Error("sync request failed", "path", r.URL.Path, "error", err)
		WriteProblem(w, r, http.StatusBadGateway, err.Error())
	}
}

// DebugWebhooks lists the recent webhook deliveries.
func (h *Handler) DebugWebhooks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"events": h.events.Events()})
}

// DebugWebhooksClear empties the delivery ring.
func (h *Handler) DebugWebhooksClear(w http.ResponseWriter, r *http.Request) {
	h.events.Clear()
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

// DebugPending reports queue depth and the nearest rows.
func (h *Handler) DebugPending(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.PendingStats(r.Context())
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	pending, err := h.store.ListPending(r.Context(), debugRowsLimit)
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	rows := make([]map[string]any, 0, len(pending))
	for _, row := range pending {
		rows = append(rows, map[string]any{
			"amo_contact_id":  row.AmoContactID,
			"attempts":        row.Attempts,
			"next_attempt_at": row.NextAttemptAt,
			"last_error":      row.LastError,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"due":   stats.Due,
		"total": stats.Total,
		"rows":  rows,
	})
}

// DebugGoogleToken reports stored directory credential state without
// exposing the tokens themselves.
func (h *Handler) DebugGoogleToken(w http.ResponseWriter, r *http.Request) {
	token, err := h.store.GetToken(r.Context(), "google")
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{"has_token": false})
		return
	}
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	willRefresh := token.RefreshToken != "" && !token.Expiry.IsZero() && !token.Expiry.After(time.Now())
	writeJSON(w, http.StatusOK, map[string]any{
		"has_token":    true,
		"expires_at":   token.Expiry,
		"will_refresh": willRefresh,
	})
}

type debugMergeRequest struct {
	Phones       []string `json:"phones"`
	Emails       []string `json:"emails"`
	AmoContactID int64    `json:"amo_contact_id"`
}

// DebugMerge collapses duplicates matching an explicit key set. When a CRM
// contact ID is supplied and linked, the linked resource anchors the merge.
func (h *Handler) DebugMerge(w http.ResponseWriter, r *http.Request) {
	var req debugMergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	keys := sync.KeysFromRaw(req.Phones, req.Emails)
	if keys.Empty() {
		WriteProblem(w, r, http.StatusBadRequest, "no valid phones or emails")
		return
	}

	mapped := ""
	if req.AmoContactID > 0 {
		link, err := h.store.GetLink(r.Context(), strconv.FormatInt(req.AmoContactID, 10))
		if err == nil {
			mapped = link.GoogleResourceName
		} else if !errors.Is(err, store.ErrNotFound) {
			WriteProblem(w, r, http.StatusInternalServerError, err.Error())
			return
		}
	}

	outcome, err := h.merger.MergeCandidates(r.Context(), keys, req.AmoContactID, mapped)
	if err != nil {
		h.writeSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// DebugMergeByPhone collapses duplicates matching one phone number.
func (h *Handler) DebugMergeByPhone(w http.ResponseWriter, r *http.Request) {
	phone := normalize.Phone(r.URL.Query().Get("phone"))
	if phone == "" {
		WriteProblem(w, r, http.StatusBadRequest, "invalid phone")
		return
	}
	keys := sync.MatchKeys{Phones: []string{phone}}
	outcome, err := h.merger.MergeCandidates(r.Context(), keys, 0, "")
	if err != nil {
		h.writeSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"phone":   phone,
		"merged":  outcome.Merged,
		"reason":  outcome.Reason,
		"primary": outcome.Primary,
		"deleted": outcome.Deleted,
	})
}

// DebugMergeByAmo collapses duplicates around a linked CRM contact, keyed by
// the linked record's own phones and emails.
func (h *Handler) DebugMergeByAmo(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil || id <= 0 {
		WriteProblem(w, r, http.StatusBadRequest, "invalid id")
		return
	}
	link, err := h.store.GetLink(r.Context(), strconv.FormatInt(id, 10))
	if errors.Is(err, store.ErrNotFound) {
		WriteProblem(w, r, http.StatusNotFound, "mapping not found")
		return
	}
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, err.Error())
		return
	}

	person, err := h.dir.GetContact(r.Context(), link.GoogleResourceName,
		"names,phoneNumbers,emailAddresses,memberships,biographies,metadata")
	if err != nil {
		h.writeSyncError(w, r, err)
		return
	}
	var phones, emails []string
	for _, phone := range person.PhoneNumbers {
		if phone.Value != "" {
			phones = append(phones, phone.Value)
		}
	}
	for _, email := range person.EmailAddresses {
		if email.Value != "" {
			emails = append(emails, email.Value)
		}
	}

	outcome, err := h.merger.MergeCandidates(r.Context(), sync.KeysFromRaw(phones, emails), id, link.GoogleResourceName)
	if err != nil {
		h.writeSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"amo_id":   id,
		"resource": link.GoogleResourceName,
		"merged":   outcome.Merged,
		"reason":   outcome.Reason,
		"primary":  outcome.Primary,
		"deleted":  outcome.Deleted,
	})
}
