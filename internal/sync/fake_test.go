package sync

import (
	"context"
	"fmt"
	"net/http"
	stdsync "sync"
	"time"

	"github.com/contactmirror/contactmirror/internal/amocrm"
	"github.com/contactmirror/contactmirror/internal/google"
	"github.com/contactmirror/contactmirror/internal/normalize"
)

// fakeDirectory is an in-memory directory backend. Search scans stored
// persons by normalised phone and email, mirroring how the live index
// answers key queries.
type fakeDirectory struct {
	mu      stdsync.Mutex
	persons map[string]*google.Person
	nextID  int

	groupResource string

	rejectSources    bool
	rejectOthers     bool
	createHook       func(d *fakeDirectory)
	updateCalls      int
	searchCalls      int
	batchDeleteCalls [][]string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{persons: map[string]*google.Person{}}
}

func (d *fakeDirectory) put(person *google.Person) *google.Person {
	d.mu.Lock()
	defer d.mu.Unlock()
	if person.ResourceName == "" {
		d.nextID++
		person.ResourceName = fmt.Sprintf("people/c%d", d.nextID)
	}
	if person.Etag == "" {
		person.Etag = "etag-" + person.ResourceName
	}
	d.persons[person.ResourceName] = person
	return person
}

func (d *fakeDirectory) matches(person *google.Person, query string) bool {
	for _, phone := range person.PhoneNumbers {
		normalized := normalize.Phone(phone.Value)
		if normalized == query || normalized == "+"+query {
			return true
		}
	}
	for _, email := range person.EmailAddresses {
		if normalize.Email(email.Value) == normalize.Email(query) {
			return true
		}
	}
	return false
}

func (d *fakeDirectory) SearchContacts(_ context.Context, query, _ string, sources []string) ([]google.Person, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.searchCalls++
	if d.rejectSources && len(sources) > 0 {
		return nil, &google.StatusError{StatusCode: http.StatusBadRequest, Body: "sources not supported"}
	}
	var found []google.Person
	for _, person := range d.persons {
		if d.matches(person, query) {
			found = append(found, *person)
		}
	}
	return found, nil
}

func (d *fakeDirectory) SearchOtherContacts(_ context.Context, query, _ string) ([]google.Person, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rejectOthers {
		return nil, &google.StatusError{StatusCode: http.StatusForbidden, Body: "missing scope"}
	}
	return nil, nil
}

func (d *fakeDirectory) GetContact(_ context.Context, resourceName, _ string) (*google.Person, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	person, ok := d.persons[resourceName]
	if !ok {
		return nil, &google.StatusError{StatusCode: http.StatusNotFound, Body: "not found"}
	}
	clone := *person
	return &clone, nil
}

func (d *fakeDirectory) ListConnections(_ context.Context, limit int, _ string) ([]google.Person, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var listed []google.Person
	for _, person := range d.persons {
		if len(listed) >= limit {
			break
		}
		listed = append(listed, *person)
	}
	return listed, nil
}

func (d *fakeDirectory) CreateContact(_ context.Context, person *google.Person) (*google.Person, error) {
	created := d.put(person)
	if d.createHook != nil {
		hook := d.createHook
		d.createHook = nil
		hook(d)
	}
	clone := *created
	return &clone, nil
}

func (d *fakeDirectory) UpdateContact(_ context.Context, resourceName string, person *google.Person, _ []string, etag string) (*google.Person, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updateCalls++
	existing, ok := d.persons[resourceName]
	if !ok {
		return nil, &google.StatusError{StatusCode: http.StatusNotFound, Body: "not found"}
	}
	if etag != existing.Etag {
		return nil, &google.StatusError{StatusCode: http.StatusPreconditionFailed, Body: "etag mismatch"}
	}
	if len(person.Names) > 0 {
		existing.Names = person.Names
	}
	if len(person.PhoneNumbers) > 0 {
		existing.PhoneNumbers = person.PhoneNumbers
	}
	if len(person.EmailAddresses) > 0 {
		existing.EmailAddresses = person.EmailAddresses
	}
	if len(person.Memberships) > 0 {
		existing.Memberships = person.Memberships
	}
	if len(person.Biographies) > 0 {
		existing.Biographies = person.Biographies
	}
	if len(person.ExternalIDs) > 0 {
		existing.ExternalIDs = person.ExternalIDs
	}
	existing.Etag = existing.Etag + "'"
	clone := *existing
	return &clone, nil
}

func (d *fakeDirectory) BatchDelete(_ context.Context, resourceNames []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batchDeleteCalls = append(d.batchDeleteCalls, resourceNames)
	for _, name := range resourceNames {
		delete(d.persons, name)
	}
	return nil
}

func (d *fakeDirectory) EnsureGroup(_ context.Context, name string) (string, error) {
	if name == "" {
		return "", nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.groupResource == "" {
		d.groupResource = "contactGroups/fake"
	}
	return d.groupResource, nil
}

func personWith(resource, name string, phones, emails []string, opts ...func(*google.Person)) *google.Person {
	person := &google.Person{ResourceName: resource, Etag: "etag-" + resource}
	if name != "" {
		person.Names = []google.Name{{DisplayName: name}}
	}
	for _, p := range phones {
		person.PhoneNumbers = append(person.PhoneNumbers, google.PhoneNumber{Value: p})
	}
	for _, e := range emails {
		person.EmailAddresses = append(person.EmailAddresses, google.EmailAddress{Value: e})
	}
	for _, opt := range opts {
		opt(person)
	}
	return person
}

func withExternalID(id string) func(*google.Person) {
	return func(p *google.Person) {
		p.ExternalIDs = append(p.ExternalIDs, google.ExternalID{Value: id, Type: externalIDType})
	}
}

func withUpdateTime(t time.Time) func(*google.Person) {
	return func(p *google.Person) {
		p.Metadata = &google.PersonMetadata{Sources: []google.Source{
			{Type: "CONTACT", UpdateTime: t.UTC().Format(time.RFC3339)},
		}}
	}
}

func withGroup(group string) func(*google.Person) {
	return func(p *google.Person) {
		p.Memberships = append(p.Memberships, google.Membership{
			ContactGroupMembership: &google.ContactGroupMembership{ContactGroupResourceName: group},
		})
	}
}

// fakeCRM serves a fixed contact list.
type fakeCRM struct {
	contacts []amocrm.Contact
}

func (c *fakeCRM) ListContacts(_ context.Context, limit int, _ time.Time) ([]amocrm.Contact, error) {
	if len(c.contacts) > limit {
		return c.contacts[:limit], nil
	}
	return c.contacts, nil
}

func (c *fakeCRM) GetContact(_ context.Context, contactID int64) (*amocrm.RawContact, error) {
	for _, contact := range c.contacts {
		if contact.ID == contactID {
			raw := &amocrm.RawContact{ID: contactID, Name: contact.Name}
			for _, p := range contact.Phones {
				raw.CustomFieldsValues = append(raw.CustomFieldsValues, amocrm.CustomField{
					FieldCode: "PHONE",
					Values:    []amocrm.FieldValue{{Value: p}},
				})
			}
			for _, e := range contact.Emails {
				raw.CustomFieldsValues = append(raw.CustomFieldsValues, amocrm.CustomField{
					FieldCode: "EMAIL",
					Values:    []amocrm.FieldValue{{Value: e}},
				})
			}
			return raw, nil
		}
	}
	return nil, fmt.Errorf("contact %d not found", contactID)
}
