package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	stdsync "sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// acceptedAuthSources is echoed on 401 so integrators see which credentials
// the webhook recognises.
var acceptedAuthSources = []string{"X-Webhook-Secret", "X-Debug-Secret", "?token"}

const (
	eventRingSize  = 10
	maxWebhookBody = 1 << 20
)

var formContactIDPattern = regexp.MustCompile(`^contacts\[(add|update)\]\[\d+\]\[id\]$`)

// WebhookEvent is one recorded delivery, newest first in the ring.
type WebhookEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"ts"`
	Event     string    `json:"event"`
	ContactID int64     `json:"contact_id"`
}

// EventRing keeps the most recent webhook deliveries for the debug surface.
type EventRing struct {
	mu     stdsync.Mutex
	events []WebhookEvent
}

// NewEventRing creates an empty ring.
func NewEventRing() *EventRing {
	return &EventRing{}
}

// Record prepends an event, dropping the oldest past the ring size.
func (r *EventRing) Record(event string, contactID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := WebhookEvent{
		ID:        ulid.Make().String(),
		Timestamp: time.Now().UTC(),
		Event:     event,
		ContactID: contactID,
	}
	r.events = append([]WebhookEvent{entry}, r.events...)
	if len(r.events) > eventRingSize {
		r.events = r.events[:eventRingSize]
	}
}

// Events returns a snapshot, newest first.
func (r *EventRing) Events() []WebhookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := make([]WebhookEvent, len(r.events))
	copy(snapshot, r.events)
	return snapshot
}

// Clear empties the ring.
func (r *EventRing) Clear() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// webhookAuthorized accepts the webhook secret via header or query token, or
// the debug secret via its header.
func (h *Handler) webhookAuthorized(r *http.Request) bool {
	if h.webhookSecret != "" {
		if constantTimeEqual(r.Header.Get("X-Webhook-Secret"), h.webhookSecret) {
			return true
		}
		if constantTimeEqual(r.URL.Query().Get("token"), h.webhookSecret) {
			return true
		}
	}
	if h.debugSecret != "" && constantTimeEqual(r.Header.Get("X-Debug-Secret"), h.debugSecret) {
		return true
	}
	return false
}

// extractContactIDs pulls contact IDs out of a JSON payload: flat
// contact_id, list contact_ids, and the nested contacts.{add,update} forms.
// Only positive integers count.
func extractContactIDs(payload map[string]any) []int64 {
	ids := map[int64]struct{}{}
	addValue := func(v any) {
		if id, ok := asContactID(v); ok && id > 0 {
			ids[id] = struct{}{}
		}
	}

	addValue(payload["contact_id"])
	if batch, ok := payload["contact_ids"].([]any); ok {
		for _, item := range batch {
			addValue(item)
		}
	}
	if contacts, ok := payload["contacts"].(map[string]any); ok {
		for _, key := range []string{"add", "update"} {
			events, ok := contacts[key].([]any)
			if !ok {
				continue
			}
			for _, event := range events {
				if entry, ok := event.(map[string]any); ok {
					addValue(entry["id"])
				}
			}
		}
	}

	collected := make([]int64, 0, len(ids))
	for id := range ids {
		collected = append(collected, id)
	}
	return collected
}

func asContactID(v any) (int64, bool) {
	switch value := v.(type) {
	case float64:
		id := int64(value)
		if float64(id) != value {
			return 0, false
		}
		return id, true
	case string:
		id, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, false
		}
		return id, true
	case json.Number:
		id, err := value.Int64()
		if err != nil {
			return 0, false
		}
		return id, true
	}
	return 0, false
}

// extractFormContactIDs recognises the CRM's form-encoded delivery shape.
func extractFormContactIDs(form url.Values) []int64 {
	ids := map[int64]struct{}{}
	for key, values := range form {
		if !formContactIDPattern.MatchString(key) {
			continue
		}
		for _, value := range values {
			id, err := strconv.ParseInt(value, 10, 64)
			if err != nil || id <= 0 {
				continue
			}
			ids[id] = struct{}{}
		}
	}
	collected := make([]int64, 0, len(ids))
	for id := range ids {
		collected = append(collected, id)
	}
	return collected
}

// guessEventName labels a delivery for the debug ring: the explicit event
// field when present, otherwise the contacts section the ID appeared under.
func guessEventName(payload map[string]any, contactID int64) string {
	if event, ok := payload["event"].(string); ok && event != "" {
		return event
	}
	if contacts, ok := payload["contacts"].(map[string]any); ok {
		for _, key := range []string{"add", "update", "delete"} {
			events, ok := contacts[key].([]any)
			if !ok {
				continue
			}
			for _, event := range events {
				entry, ok := event.(map[string]any)
				if !ok {
					continue
				}
				if id, ok := asContactID(entry["id"]); ok && id == contactID {
					return "contacts." + key
				}
			}
		}
	}
	return "contact_updated"
}

// Webhook ingests a CRM delivery: authorise, parse permissively, enqueue
// every referenced contact, and wake the worker.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	if !h.webhookAuthorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"detail":   "Unauthorized",
			"accepted": acceptedAuthSources,
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "unreadable body")
		return
	}

	var payload map[string]any
	idSet := map[int64]struct{}{}
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, id := range extractContactIDs(payload) {
			idSet[id] = struct{}{}
		}
	}
	if len(idSet) == 0 && len(body) > 0 {
		payload = nil
		if form, err := url.ParseQuery(string(body)); err == nil {
			for _, id := range extractFormContactIDs(form) {
				idSet[id] = struct{}{}
			}
		}
	}

	if len(idSet) == 0 {
		h.log.Warn("webhook carried no contact ids",
			"content_type", r.Header.Get("Content-Type"),
			"body_length", len(body))
		writeJSON(w, http.StatusOK, map[string]any{
			"queued":  []int64{},
			"warning": "no_contact_ids_parsed",
		})
		return
	}

	queued := make([]int64, 0, len(idSet))
	for id := range idSet {
		queued = append(queued, id)
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i] < queued[j] })

	for _, id := range queued {
		if err := h.store.Enqueue(r.Context(), id); err != nil {
			h.log.Error("enqueue failed", "amo_contact_id", id, "error", err)
			WriteProblem(w, r, http.StatusInternalServerError, "enqueue failed")
			return
		}
		h.events.Record(guessEventName(payload, id), id)
	}

	h.log.Info("webhook queued contacts", "count", len(queued))
	h.waker.Wake()
	writeJSON(w, http.StatusOK, map[string]any{"queued": queued})
}
