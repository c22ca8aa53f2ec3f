package google

import "time"

// Person is the directory contact record, limited to the fields this service
// reads or writes.
type Person struct {
	ResourceName   string          `json:"resourceName,omitempty"`
	Etag           string          `json:"etag,omitempty"`
	Names          []Name          `json:"names,omitempty"`
	PhoneNumbers   []PhoneNumber   `json:"phoneNumbers,omitempty"`
	EmailAddresses []EmailAddress  `json:"emailAddresses,omitempty"`
	Memberships    []Membership    `json:"memberships,omitempty"`
	Biographies    []Biography     `json:"biographies,omitempty"`
	ExternalIDs    []ExternalID    `json:"externalIds,omitempty"`
	ClientData     []ClientData    `json:"clientData,omitempty"`
	Metadata       *PersonMetadata `json:"metadata,omitempty"`
}

// Name is a structured display name.
type Name struct {
	Metadata         *FieldMetadata `json:"metadata,omitempty"`
	DisplayName      string         `json:"displayName,omitempty"`
	GivenName        string         `json:"givenName,omitempty"`
	FamilyName       string         `json:"familyName,omitempty"`
	UnstructuredName string         `json:"unstructuredName,omitempty"`
}

// FieldMetadata marks a field entry, e.g. as primary.
type FieldMetadata struct {
	Primary bool `json:"primary,omitempty"`
}

// PhoneNumber is one phone entry.
type PhoneNumber struct {
	Value         string         `json:"value,omitempty"`
	Type          string         `json:"type,omitempty"`
	FormattedType string         `json:"formattedType,omitempty"`
	Metadata      *FieldMetadata `json:"metadata,omitempty"`
}

// EmailAddress is one email entry.
type EmailAddress struct {
	Value    string         `json:"value,omitempty"`
	Type     string         `json:"type,omitempty"`
	Metadata *FieldMetadata `json:"metadata,omitempty"`
}

// Membership records contact group membership.
type Membership struct {
	ContactGroupMembership *ContactGroupMembership `json:"contactGroupMembership,omitempty"`
}

// ContactGroupMembership references a group by resource name.
type ContactGroupMembership struct {
	ContactGroupResourceName string `json:"contactGroupResourceName,omitempty"`
}

// Biography is a free-text note on the contact.
type Biography struct {
	Value string `json:"value,omitempty"`
}

// ExternalID tags a contact with an identifier from another system.
type ExternalID struct {
	Value    string         `json:"value,omitempty"`
	Type     string         `json:"type,omitempty"`
	Metadata *FieldMetadata `json:"metadata,omitempty"`
}

// ClientData is an opaque key/value pair owned by the writing client.
type ClientData struct {
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
}

// PersonMetadata carries per-source bookkeeping, including update times.
type PersonMetadata struct {
	Sources []Source `json:"sources,omitempty"`
}

// Source is one metadata source entry.
type Source struct {
	Type       string `json:"type,omitempty"`
	UpdateTime string `json:"updateTime,omitempty"`
}

// ContactGroup is a directory contact group.
type ContactGroup struct {
	ResourceName  string       `json:"resourceName,omitempty"`
	Name          string       `json:"name,omitempty"`
	FormattedName string       `json:"formattedName,omitempty"`
	ClientData    []ClientData `json:"clientData,omitempty"`
}

// UpdateTime returns the most recent update time recorded across the
// person's metadata sources, in UTC. Zero when absent or unparseable.
func (p *Person) UpdateTime() time.Time {
	var latest time.Time
	if p == nil || p.Metadata == nil {
		return latest
	}
	for _, src := range p.Metadata.Sources {
		if src.UpdateTime == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, src.UpdateTime)
		if err != nil {
			continue
		}
		if ts.After(latest) {
			latest = ts
		}
	}
	return latest.UTC()
}

// InGroup reports whether the person has a membership in the given group.
func (p *Person) InGroup(groupResourceName string) bool {
	if p == nil || groupResourceName == "" {
		return false
	}
	for _, m := range p.Memberships {
		if m.ContactGroupMembership != nil &&
			m.ContactGroupMembership.ContactGroupResourceName == groupResourceName {
			return true
		}
	}
	return false
}
