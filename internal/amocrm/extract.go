package amocrm

import (
	"strings"

	"github.com/contactmirror/contactmirror/internal/normalize"
)

// RawContact is the wire shape of an AmoCRM contact. The API may return
// custom_fields_values as null or with malformed entries; extraction
// tolerates both.
type RawContact struct {
	ID                int64         `json:"id"`
	Name              string        `json:"name"`
	FirstName         string        `json:"first_name"`
	LastName          string        `json:"last_name"`
	CustomFieldsValues []CustomField `json:"custom_fields_values"`
}

// CustomField is one entry of custom_fields_values.
type CustomField struct {
	FieldCode string       `json:"field_code"`
	Values    []FieldValue `json:"values"`
}

// FieldValue holds a single custom field value. The value is typed loosely
// because AmoCRM emits numbers for some phone fields.
type FieldValue struct {
	Value any `json:"value"`
}

// Contact is the extracted, normalised view of a source CRM contact that the
// sync engine plans against.
type Contact struct {
	ID     int64    `json:"id"`
	Name   string   `json:"name"`
	Phones []string `json:"phones"`
	Emails []string `json:"emails"`
}

// ExtractFields pulls name, phones and emails out of a raw contact. Only
// custom fields with field_code PHONE or EMAIL contribute; phone values that
// fail normalisation are dropped.
func ExtractFields(raw *RawContact) Contact {
	contact := Contact{Phones: []string{}, Emails: []string{}}
	if raw == nil {
		return contact
	}
	contact.ID = raw.ID

	name := raw.Name
	if name == "" {
		parts := make([]string, 0, 2)
		if raw.FirstName != "" {
			parts = append(parts, raw.FirstName)
		}
		if raw.LastName != "" {
			parts = append(parts, raw.LastName)
		}
		name = strings.Join(parts, " ")
	}
	contact.Name = name

	for _, field := range raw.CustomFieldsValues {
		if field.FieldCode != "PHONE" && field.FieldCode != "EMAIL" {
			continue
		}
		for _, v := range field.Values {
			value, ok := v.Value.(string)
			if !ok || value == "" {
				continue
			}
			switch field.FieldCode {
			case "PHONE":
				if phone := normalize.Phone(value); phone != "" {
					contact.Phones = append(contact.Phones, phone)
				}
			case "EMAIL":
				contact.Emails = append(contact.Emails, normalize.Email(value))
			}
		}
	}
	return contact
}
