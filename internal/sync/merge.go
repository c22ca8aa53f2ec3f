package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/contactmirror/contactmirror/internal/google"
	"github.com/contactmirror/contactmirror/internal/store"
)

// updatePersonFields is the field mask every merge update sends.
var updatePersonFields = []string{
	"names", "phoneNumbers", "emailAddresses", "memberships", "biographies", "externalIds",
}

// MissingEtagError means the primary was fetched without an etag and cannot
// be safely updated. The engine treats it as recoverable and re-plans.
type MissingEtagError struct {
	ResourceName string
}

func (e *MissingEtagError) Error() string {
	return fmt.Sprintf("directory contact %s missing etag", e.ResourceName)
}

// Merger absorbs duplicate directory records into a primary: one etag-guarded
// update with the unioned fields, a batch delete of the duplicates, and a
// link remap so stale links point at the survivor.
type Merger struct {
	dir   Directory
	store store.Store
	log   *slog.Logger
}

// NewMerger creates a merger over the directory and link store.
func NewMerger(dir Directory, s store.Store, log *slog.Logger) *Merger {
	return &Merger{dir: dir, store: s, log: log.With("component", "merger")}
}

// Merge folds others into primary and returns the refreshed primary
// candidate. Candidates equal to the primary are ignored; with nothing left
// to absorb the primary is returned unchanged.
func (m *Merger) Merge(ctx context.Context, primary *MatchCandidate, others []*MatchCandidate, keys MatchKeys, groupResource string) (*MatchCandidate, error) {
	var duplicates []*MatchCandidate
	for _, c := range others {
		if c.ResourceName != primary.ResourceName {
			duplicates = append(duplicates, c)
		}
	}
	if len(duplicates) == 0 {
		return primary, nil
	}

	if primary.Person == nil || primary.Person.Etag == "" {
		return nil, &MissingEtagError{ResourceName: primary.ResourceName}
	}

	duplicateNames := make([]string, 0, len(duplicates))
	persons := make([]*google.Person, 0, len(duplicates))
	for _, c := range duplicates {
		duplicateNames = append(duplicateNames, c.ResourceName)
		persons = append(persons, c.Person)
	}
	m.log.Info("merge started", "primary", primary.ResourceName, "duplicates", duplicateNames)

	payload := UnionFields(primary.Person, persons, groupResource)
	payload.ExternalIDs = unionExternalIDs(append([]*google.Person{primary.Person}, persons...))

	updated, err := m.dir.UpdateContact(ctx, primary.ResourceName, payload, updatePersonFields, primary.Person.Etag)
	if err != nil {
		return nil, fmt.Errorf("merge update %s: %w", primary.ResourceName, err)
	}
	m.log.Info("merge updated primary", "resource_name", primary.ResourceName)

	if err := m.dir.BatchDelete(ctx, duplicateNames); err != nil {
		return nil, fmt.Errorf("merge delete duplicates: %w", err)
	}
	m.log.Info("merge deleted duplicates", "resource_names", duplicateNames)

	if err := m.store.RemapLinks(ctx, primary.ResourceName, duplicateNames); err != nil {
		return nil, fmt.Errorf("merge remap links: %w", err)
	}

	if refreshed := buildCandidate(updated, keys); refreshed != nil {
		return refreshed, nil
	}
	return primary, nil
}
