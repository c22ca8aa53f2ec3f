package sync

import (
	"fmt"

	"github.com/contactmirror/contactmirror/internal/google"
	"github.com/contactmirror/contactmirror/internal/normalize"
)

// UnionFields computes the merged field payload for a primary record
// absorbing others. The result is a fresh person: phones deduped by
// normalised value, emails deduped case-insensitively but display-cased,
// memberships deduped by group with ensureGroup appended when absent, notes
// concatenated with a provenance prefix, and names copied from the primary.
func UnionFields(primary *google.Person, others []*google.Person, ensureGroup string) *google.Person {
	persons := make([]*google.Person, 0, len(others)+1)
	persons = append(persons, primary)
	persons = append(persons, others...)

	merged := &google.Person{
		PhoneNumbers:   unionPhones(persons),
		EmailAddresses: unionEmails(persons),
		Memberships:    unionMemberships(persons, ensureGroup),
		Biographies:    unionBiographies(primary, others),
	}
	if primary != nil && len(primary.Names) > 0 {
		merged.Names = append([]google.Name(nil), primary.Names...)
	}
	return merged
}

func unionPhones(persons []*google.Person) []google.PhoneNumber {
	seen := map[string]struct{}{}
	var merged []google.PhoneNumber
	for _, person := range persons {
		if person == nil {
			continue
		}
		for _, phone := range person.PhoneNumbers {
			normalized := normalize.Phone(phone.Value)
			if normalized == "" {
				continue
			}
			if _, ok := seen[normalized]; ok {
				continue
			}
			seen[normalized] = struct{}{}
			merged = append(merged, google.PhoneNumber{
				Value:         normalized,
				Type:          phone.Type,
				FormattedType: phone.FormattedType,
				Metadata:      phone.Metadata,
			})
		}
	}
	return merged
}

func unionEmails(persons []*google.Person) []google.EmailAddress {
	seen := map[string]struct{}{}
	var merged []google.EmailAddress
	for _, person := range persons {
		if person == nil {
			continue
		}
		for _, email := range person.EmailAddresses {
			if email.Value == "" {
				continue
			}
			normalized := normalize.Email(email.Value)
			if _, ok := seen[normalized]; ok {
				continue
			}
			seen[normalized] = struct{}{}
			merged = append(merged, google.EmailAddress{
				Value:    email.Value,
				Type:     email.Type,
				Metadata: email.Metadata,
			})
		}
	}
	return merged
}

func unionMemberships(persons []*google.Person, ensureGroup string) []google.Membership {
	seen := map[string]struct{}{}
	var merged []google.Membership
	for _, person := range persons {
		if person == nil {
			continue
		}
		for _, membership := range person.Memberships {
			// Domain memberships carry no contactGroupMembership entry.
			if membership.ContactGroupMembership == nil {
				continue
			}
			group := membership.ContactGroupMembership.ContactGroupResourceName
			if group == "" {
				continue
			}
			if _, ok := seen[group]; ok {
				continue
			}
			seen[group] = struct{}{}
			merged = append(merged, membership)
		}
	}
	if ensureGroup != "" {
		if _, ok := seen[ensureGroup]; !ok {
			merged = append(merged, google.Membership{
				ContactGroupMembership: &google.ContactGroupMembership{
					ContactGroupResourceName: ensureGroup,
				},
			})
		}
	}
	return merged
}

// unionBiographies keeps the primary's notes verbatim and folds in the first
// note of each absorbed record under a provenance prefix, deduping by text.
func unionBiographies(primary *google.Person, others []*google.Person) []google.Biography {
	seen := map[string]struct{}{}
	var merged []google.Biography
	if primary != nil {
		for _, entry := range primary.Biographies {
			if entry.Value == "" {
				continue
			}
			if _, ok := seen[entry.Value]; ok {
				continue
			}
			seen[entry.Value] = struct{}{}
			merged = append(merged, entry)
		}
	}
	for _, person := range others {
		if person == nil {
			continue
		}
		value := ""
		for _, entry := range person.Biographies {
			if entry.Value != "" {
				value = entry.Value
				break
			}
		}
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		resource := person.ResourceName
		if resource == "" {
			resource = "unknown"
		}
		merged = append(merged, google.Biography{
			Value: fmt.Sprintf("[Merged from %s]\n%s", resource, value),
		})
	}
	return merged
}

// unionExternalIDs dedupes tagged IDs by (type, value) across all persons.
func unionExternalIDs(persons []*google.Person) []google.ExternalID {
	type idKey struct{ typ, value string }
	seen := map[idKey]struct{}{}
	var merged []google.ExternalID
	for _, person := range persons {
		if person == nil {
			continue
		}
		for _, entry := range person.ExternalIDs {
			key := idKey{entry.Type, entry.Value}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, entry)
		}
	}
	return merged
}
