package amocrm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"
)

func TestExtractFields(t *testing.T) {
	raw := &RawContact{
		ID:   1,
		Name: "Alice Smith",
		CustomFieldsValues: []CustomField{
			{FieldCode: "PHONE", Values: []FieldValue{{Value: "8 (999) 111-22-33"}, {Value: "short"}}},
			{FieldCode: "EMAIL", Values: []FieldValue{{Value: "  USER@Mail.COM "}}},
			{FieldCode: "POSITION", Values: []FieldValue{{Value: "CEO"}}},
		},
	}

	got := ExtractFields(raw)
	if got.Name != "Alice Smith" {
		t.Errorf("name = %q", got.Name)
	}
	if !reflect.DeepEqual(got.Phones, []string{"+79991112233"}) {
		t.Errorf("phones = %v", got.Phones)
	}
	if !reflect.DeepEqual(got.Emails, []string{"user@mail.com"}) {
		t.Errorf("emails = %v", got.Emails)
	}
}

func TestExtractFields_NameFromParts(t *testing.T) {
	raw := &RawContact{ID: 2, FirstName: "Bob", LastName: "Jones"}
	if got := ExtractFields(raw); got.Name != "Bob Jones" {
		t.Errorf("name = %q, want Bob Jones", got.Name)
	}

	raw = &RawContact{ID: 3, FirstName: "Bob"}
	if got := ExtractFields(raw); got.Name != "Bob" {
		t.Errorf("name = %q, want Bob", got.Name)
	}
}

func TestExtractFields_MalformedInput(t *testing.T) {
	// Null custom_fields_values and non-string values must not panic and
	// must yield empty slices, not nil.
	var raw RawContact
	if err := json.Unmarshal([]byte(`{"id":4,"custom_fields_values":null}`), &raw); err != nil {
		t.Fatal(err)
	}
	got := ExtractFields(&raw)
	if got.Phones == nil || got.Emails == nil {
		t.Error("expected non-nil slices")
	}
	if len(got.Phones) != 0 || len(got.Emails) != 0 {
		t.Errorf("got %v / %v, want empty", got.Phones, got.Emails)
	}

	raw2 := &RawContact{
		ID: 5,
		CustomFieldsValues: []CustomField{
			{FieldCode: "PHONE", Values: []FieldValue{{Value: 79991112233.0}}},
		},
	}
	if got := ExtractFields(raw2); len(got.Phones) != 0 {
		t.Errorf("numeric phone value should be dropped, got %v", got.Phones)
	}

	if got := ExtractFields(nil); len(got.Phones) != 0 || got.ID != 0 {
		t.Errorf("nil contact should extract to zero value, got %+v", got)
	}
}

func TestClient_GetContact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v4/contacts/42" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer llt-token" {
			t.Errorf("authorization = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"id": 42, "name": "Carol"})
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, AuthMode: AuthModeLongLivedToken, LongLivedToken: "llt-token"})
	raw, err := client.GetContact(context.Background(), 42)
	if err != nil {
		t.Fatal(err)
	}
	if raw.ID != 42 || raw.Name != "Carol" {
		t.Errorf("contact = %+v", raw)
	}
}

func TestClient_GetContact_AuthMissing(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://localhost", AuthMode: AuthModeLongLivedToken})
	_, err := client.GetContact(context.Background(), 1)
	if !errors.Is(err, ErrAuthMissing) {
		t.Errorf("err = %v, want ErrAuthMissing", err)
	}

	client = NewClient(Config{BaseURL: "http://localhost", AuthMode: "oauth"})
	_, err = client.GetContact(context.Background(), 1)
	if !errors.Is(err, ErrAuthMissing) {
		t.Errorf("unsupported mode err = %v, want ErrAuthMissing", err)
	}
}

func TestClient_GetContact_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, AuthMode: AuthModeAPIKey, APIKey: "k"})
	_, err := client.GetContact(context.Background(), 1)
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrAuthMissing) {
		t.Error("transport error must not classify as auth missing")
	}
}

func TestClient_ListContacts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "10" {
			t.Errorf("limit = %q", got)
		}
		if got := r.URL.Query().Get("filter[updated_at][from]"); got == "" {
			t.Error("expected updated_at filter")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"_embedded": map[string]any{
				"contacts": []map[string]any{
					{"id": 1, "name": "A", "custom_fields_values": []map[string]any{
						{"field_code": "PHONE", "values": []map[string]any{{"value": "+12345678901"}}},
					}},
					{"id": 2, "first_name": "B"},
				},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, AuthMode: AuthModeAPIKey, APIKey: "k"})
	contacts, err := client.ListContacts(context.Background(), 10, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 2 {
		t.Fatalf("contacts = %d, want 2", len(contacts))
	}
	if contacts[0].Phones[0] != "+12345678901" {
		t.Errorf("phone = %v", contacts[0].Phones)
	}
	if contacts[1].Name != "B" {
		t.Errorf("name = %q", contacts[1].Name)
	}
}
