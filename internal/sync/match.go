// Package sync plans and applies one-way contact reconciliation: match keys
// from the CRM side, candidate discovery and primary selection on the
// directory side, and the create/update/merge engine that converges the two.
package sync

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	stdsync "sync"
	"time"

	"github.com/contactmirror/contactmirror/internal/google"
	"github.com/contactmirror/contactmirror/internal/normalize"
)

// externalIDType tags directory records with the CRM contact ID. Records
// written by earlier deployments used the legacy spelling; both are accepted
// when reading, only the canonical one is written.
const (
	externalIDType       = "amo_id"
	legacyExternalIDType = "AMOCRM"
)

const (
	searchReadMask = "names,emailAddresses,phoneNumbers,metadata"
	personFields   = "names,phoneNumbers,emailAddresses,memberships,biographies,externalIds,metadata"
)

// Directory is the slice of the directory client the sync package consumes.
type Directory interface {
	SearchContacts(ctx context.Context, query, readMask string, sources []string) ([]google.Person, error)
	SearchOtherContacts(ctx context.Context, query, readMask string) ([]google.Person, error)
	GetContact(ctx context.Context, resourceName, personFields string) (*google.Person, error)
	ListConnections(ctx context.Context, limit int, personFields string) ([]google.Person, error)
	CreateContact(ctx context.Context, person *google.Person) (*google.Person, error)
	UpdateContact(ctx context.Context, resourceName string, person *google.Person, updateFields []string, etag string) (*google.Person, error)
	BatchDelete(ctx context.Context, resourceNames []string) error
	EnsureGroup(ctx context.Context, name string) (string, error)
}

// MatchKeys are the normalised phone and email values a contact is matched
// by. Both slices are sorted and deduplicated.
type MatchKeys struct {
	Phones []string
	Emails []string
}

// KeysFromRaw normalises raw phone and email values into match keys,
// dropping phones that fail normalisation.
func KeysFromRaw(phones, emails []string) MatchKeys {
	keys := MatchKeys{}
	for _, raw := range phones {
		if p := normalize.Phone(raw); p != "" {
			keys.Phones = append(keys.Phones, p)
		}
	}
	for _, raw := range emails {
		if e := normalize.Email(raw); e != "" {
			keys.Emails = append(keys.Emails, e)
		}
	}
	keys.Phones = normalize.Unique(keys.Phones)
	keys.Emails = normalize.Unique(keys.Emails)
	sort.Strings(keys.Phones)
	sort.Strings(keys.Emails)
	return keys
}

// Empty reports whether no usable key survived normalisation.
func (k MatchKeys) Empty() bool {
	return len(k.Phones) == 0 && len(k.Emails) == 0
}

func (k MatchKeys) hasPhone(value string) bool {
	for _, p := range k.Phones {
		if p == value {
			return true
		}
	}
	return false
}

func (k MatchKeys) hasEmail(value string) bool {
	for _, e := range k.Emails {
		if e == value {
			return true
		}
	}
	return false
}

// MatchContext carries the per-contact inputs to primary selection.
// SourceContactID zero means the CRM ID is unknown.
type MatchContext struct {
	SourceContactID int64
	GroupResource   string
	MappedResource  string
}

// MatchCandidate is one directory record under consideration, annotated with
// the key intersections used by the selection filters.
type MatchCandidate struct {
	ResourceName  string
	Person        *google.Person
	MatchedPhones []string
	MatchedEmails []string
	UpdateTime    time.Time
}

func (c *MatchCandidate) hasExactPhone(keys MatchKeys) bool {
	return len(c.MatchedPhones) > 0 && len(keys.Phones) > 0
}

// InGroup reports whether the record carries a membership for the group.
func (c *MatchCandidate) InGroup(groupResource string) bool {
	if groupResource == "" || c.Person == nil {
		return false
	}
	return c.Person.InGroup(groupResource)
}

// HasExternalID reports whether the record is tagged with the given CRM
// contact ID. With sourceID zero it reports whether any tagged entry exists.
func (c *MatchCandidate) HasExternalID(sourceID int64) bool {
	if c.Person == nil {
		return false
	}
	target := ""
	if sourceID != 0 {
		target = strconv.FormatInt(sourceID, 10)
	}
	for _, entry := range c.Person.ExternalIDs {
		if entry.Type != externalIDType && entry.Type != legacyExternalIDType {
			continue
		}
		if target != "" {
			if entry.Value == target {
				return true
			}
			continue
		}
		if entry.Value != "" {
			return true
		}
	}
	return false
}

// buildCandidate annotates a fetched person with the key intersections.
// Returns nil when the person has no resource name.
func buildCandidate(person *google.Person, keys MatchKeys) *MatchCandidate {
	if person == nil || person.ResourceName == "" {
		return nil
	}
	cand := &MatchCandidate{
		ResourceName: person.ResourceName,
		Person:       person,
		UpdateTime:   person.UpdateTime(),
	}
	seenPhones := map[string]struct{}{}
	for _, phone := range person.PhoneNumbers {
		normalized := normalize.Phone(phone.Value)
		if normalized == "" || !keys.hasPhone(normalized) {
			continue
		}
		if _, ok := seenPhones[normalized]; ok {
			continue
		}
		seenPhones[normalized] = struct{}{}
		cand.MatchedPhones = append(cand.MatchedPhones, normalized)
	}
	seenEmails := map[string]struct{}{}
	for _, email := range person.EmailAddresses {
		normalized := normalize.Email(email.Value)
		if normalized == "" || !keys.hasEmail(normalized) {
			continue
		}
		if _, ok := seenEmails[normalized]; ok {
			continue
		}
		seenEmails[normalized] = struct{}{}
		cand.MatchedEmails = append(cand.MatchedEmails, normalized)
	}
	sort.Strings(cand.MatchedPhones)
	sort.Strings(cand.MatchedEmails)
	return cand
}

// Searcher discovers match candidates in the directory. Two feature flags
// downgrade the query strategy on the first rejected request and stay
// downgraded for the life of the process.
type Searcher struct {
	dir Directory
	log *slog.Logger

	mu                       stdsync.Mutex
	sourcesUnsupported       bool
	otherContactsUnsupported bool
}

// NewSearcher creates a candidate searcher over the directory.
func NewSearcher(dir Directory, log *slog.Logger) *Searcher {
	return &Searcher{dir: dir, log: log.With("component", "matcher")}
}

// FindCandidates searches the directory for every key, fetches full details
// for each discovered resource, and includes the mapped resource even when
// no search returned it. A 4xx on the mapped fetch is tolerated.
func (s *Searcher) FindCandidates(ctx context.Context, keys MatchKeys, mappedResource string) ([]*MatchCandidate, error) {
	resources, err := s.searchResources(ctx, keys)
	if err != nil {
		return nil, err
	}

	candidates := make([]*MatchCandidate, 0, len(resources))
	seen := map[string]struct{}{}
	for _, resource := range resources {
		person, err := s.dir.GetContact(ctx, resource, personFields)
		if err != nil {
			return nil, err
		}
		if cand := buildCandidate(person, keys); cand != nil {
			candidates = append(candidates, cand)
			seen[cand.ResourceName] = struct{}{}
		}
	}

	if mappedResource != "" {
		if _, ok := seen[mappedResource]; !ok {
			person, err := s.dir.GetContact(ctx, mappedResource, personFields)
			switch {
			case err == nil:
				if cand := buildCandidate(person, keys); cand != nil {
					candidates = append(candidates, cand)
				}
			case isClientStatus(err):
				s.log.Warn("mapped resource not found", "resource_name", mappedResource, "error", err)
			default:
				return nil, err
			}
		}
	}
	return candidates, nil
}

// searchResources runs the per-key queries and returns deduplicated resource
// names in first-seen order. Phones with a "+" prefix are also queried as
// their digits-only variant.
func (s *Searcher) searchResources(ctx context.Context, keys MatchKeys) ([]string, error) {
	if keys.Empty() {
		return nil, nil
	}

	var resources []string
	seenResources := map[string]struct{}{}
	seenQueries := map[string]struct{}{}

	register := func(persons []google.Person) {
		for _, person := range persons {
			if person.ResourceName == "" {
				continue
			}
			if _, ok := seenResources[person.ResourceName]; ok {
				continue
			}
			seenResources[person.ResourceName] = struct{}{}
			resources = append(resources, person.ResourceName)
		}
	}

	collect := func(query string) error {
		if query == "" {
			return nil
		}
		if _, ok := seenQueries[query]; ok {
			return nil
		}
		seenQueries[query] = struct{}{}
		persons, err := s.search(ctx, query, register)
		if err != nil {
			return err
		}
		register(persons)
		return nil
	}

	for _, phone := range keys.Phones {
		if err := collect(phone); err != nil {
			return nil, err
		}
		if strings.HasPrefix(phone, "+") && len(phone) > 1 {
			if err := collect(phone[1:]); err != nil {
				return nil, err
			}
		}
	}
	for _, email := range keys.Emails {
		if err := collect(email); err != nil {
			return nil, err
		}
	}
	return resources, nil
}

// search issues one query, downgrading on a rejected sources parameter and
// treating the other-contacts index as best effort.
func (s *Searcher) search(ctx context.Context, query string, register func([]google.Person)) ([]google.Person, error) {
	if !s.sourcesDown() {
		persons, err := s.dir.SearchContacts(ctx, query, searchReadMask,
			[]string{google.SourceContact, google.SourceOtherContact})
		if err == nil {
			return persons, nil
		}
		if !isClientStatus(err) {
			return nil, err
		}
		s.markSourcesDown()
		s.log.Debug("sources parameter rejected, downgrading search", "query", query, "error", err)
	}

	persons, err := s.dir.SearchContacts(ctx, query, searchReadMask, nil)
	if err != nil {
		return nil, err
	}
	register(persons)

	if s.otherContactsDown() {
		return nil, nil
	}
	others, err := s.dir.SearchOtherContacts(ctx, query, searchReadMask)
	if err != nil {
		if !isClientStatus(err) {
			return nil, err
		}
		s.markOtherContactsDown()
		s.log.Debug("other contacts search unavailable", "query", query, "error", err)
		return nil, nil
	}
	return others, nil
}

func (s *Searcher) sourcesDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sourcesUnsupported
}

func (s *Searcher) markSourcesDown() {
	s.mu.Lock()
	s.sourcesUnsupported = true
	s.mu.Unlock()
}

func (s *Searcher) otherContactsDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.otherContactsUnsupported
}

func (s *Searcher) markOtherContactsDown() {
	s.mu.Lock()
	s.otherContactsUnsupported = true
	s.mu.Unlock()
}

func isClientStatus(err error) bool {
	status := google.StatusOf(err)
	return status >= http.StatusBadRequest && status < http.StatusInternalServerError
}

// choosePrimary narrows candidates through successive filters, keeping each
// filter only when it leaves at least one candidate, and breaks the final
// tie by most recent update time. The returned reason joins the applied
// filter names with "|".
func choosePrimary(candidates []*MatchCandidate, keys MatchKeys, mctx MatchContext) (*MatchCandidate, string) {
	if len(candidates) == 0 {
		return nil, ""
	}

	ordered := candidates
	var reasons []string

	if exact := filterCandidates(ordered, func(c *MatchCandidate) bool {
		return c.hasExactPhone(keys)
	}); len(exact) > 0 {
		ordered = exact
		reasons = append(reasons, "exact_phone")
	}

	if tagged := filterCandidates(ordered, func(c *MatchCandidate) bool {
		return c.HasExternalID(mctx.SourceContactID)
	}); len(tagged) > 0 {
		ordered = tagged
		reasons = append(reasons, "external_id")
	}

	if mctx.GroupResource != "" {
		if grouped := filterCandidates(ordered, func(c *MatchCandidate) bool {
			return c.InGroup(mctx.GroupResource)
		}); len(grouped) > 0 {
			ordered = grouped
			reasons = append(reasons, "group")
		}
	}

	if mctx.MappedResource != "" {
		if mapped := filterCandidates(ordered, func(c *MatchCandidate) bool {
			return c.ResourceName == mctx.MappedResource
		}); len(mapped) > 0 {
			ordered = mapped
			reasons = append(reasons, "mapping")
		}
	}

	selected := ordered[0]
	for _, cand := range ordered[1:] {
		if cand.UpdateTime.After(selected.UpdateTime) {
			selected = cand
		}
	}
	reasons = append(reasons, "recent")
	return selected, strings.Join(reasons, "|")
}

func filterCandidates(candidates []*MatchCandidate, keep func(*MatchCandidate) bool) []*MatchCandidate {
	var kept []*MatchCandidate
	for _, c := range candidates {
		if keep(c) {
			kept = append(kept, c)
		}
	}
	return kept
}
