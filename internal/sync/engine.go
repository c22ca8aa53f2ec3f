package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	stdsync "sync"

	"github.com/contactmirror/contactmirror/internal/amocrm"
	"github.com/contactmirror/contactmirror/internal/google"
	"github.com/contactmirror/contactmirror/internal/normalize"
	"github.com/contactmirror/contactmirror/internal/store"
)

// Plan actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionMerge  = "merge"
	ActionSkip   = "skip"
)

// Result actions.
const (
	ResultCreated = "created"
	ResultUpdated = "updated"
	ResultMerged  = "merged"
	ResultSkipped = "skipped"
)

const maxApplyAttempts = 3

// RecoverableError means the attempted apply went stale and a fresh plan
// should be computed before retrying.
type RecoverableError struct {
	Reason string
}

func (e *RecoverableError) Error() string {
	return "recoverable sync error: " + e.Reason
}

// CandidateInfo is the per-candidate annotation surfaced on debug and
// dry-run responses.
type CandidateInfo struct {
	ResourceName  string   `json:"resource_name"`
	InGroup       bool     `json:"in_group"`
	HasExternalID bool     `json:"has_external_id"`
	MatchedPhones []string `json:"matched_phones"`
	MatchedEmails []string `json:"matched_emails"`
}

// Plan is the decided action for one CRM contact plus everything the apply
// step needs to execute it.
type Plan struct {
	Contact         amocrm.Contact
	SourceContactID int64
	Keys            MatchKeys
	Action          string
	Reason          string
	Candidates      []*MatchCandidate
	Primary         *MatchCandidate
	Duplicates      []*MatchCandidate
	MappedResource  string
	GroupResource   string
	CandidateInfo   []CandidateInfo

	// PreflightBlockedCreate marks plans where candidates exist but none
	// was selectable, so a create may race an existing record.
	PreflightBlockedCreate bool
}

// Result is the outcome of applying a plan.
type Result struct {
	Action       string   `json:"action"`
	ResourceName string   `json:"resource_name,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	Primary      string   `json:"primary,omitempty"`
	Merged       []string `json:"merged,omitempty"`
}

// MergeOutcome reports a manual merge-candidates run.
type MergeOutcome struct {
	Merged     int      `json:"merged"`
	Reason     string   `json:"reason,omitempty"`
	Primary    string   `json:"primary,omitempty"`
	Deleted    []string `json:"deleted,omitempty"`
	Candidates []string `json:"candidates,omitempty"`
}

// EngineConfig carries the policy knobs for the engine.
type EngineConfig struct {
	GroupName string
	AutoMerge bool
}

// Engine plans and applies the reconciliation of one CRM contact against the
// directory.
type Engine struct {
	dir      Directory
	store    store.Store
	searcher *Searcher
	merger   *Merger
	log      *slog.Logger

	groupName string
	autoMerge bool

	groupMu       stdsync.Mutex
	groupResource string
}

// NewEngine creates a sync engine.
func NewEngine(dir Directory, s store.Store, cfg EngineConfig, log *slog.Logger) *Engine {
	return &Engine{
		dir:       dir,
		store:     s,
		searcher:  NewSearcher(dir, log),
		merger:    NewMerger(dir, s, log),
		log:       log.With("component", "engine"),
		groupName: cfg.GroupName,
		autoMerge: cfg.AutoMerge,
	}
}

// ensureGroup resolves the configured group once and caches the resource.
func (e *Engine) ensureGroup(ctx context.Context) (string, error) {
	if e.groupName == "" {
		return "", nil
	}
	e.groupMu.Lock()
	defer e.groupMu.Unlock()
	if e.groupResource != "" {
		return e.groupResource, nil
	}
	resource, err := e.dir.EnsureGroup(ctx, e.groupName)
	if err != nil {
		return "", err
	}
	e.groupResource = resource
	return resource, nil
}

// Plan decides what to do for the contact: skip without keys, create when
// nothing matches, update a single primary, or merge when duplicates exist
// and auto-merge is on.
func (e *Engine) Plan(ctx context.Context, contact amocrm.Contact) (*Plan, error) {
	keys := KeysFromRaw(contact.Phones, contact.Emails)
	plan := &Plan{
		Contact:         contact,
		SourceContactID: contact.ID,
		Keys:            keys,
	}

	if keys.Empty() {
		e.log.Info("skipping contact without usable keys", "amo_contact_id", contact.ID)
		plan.Action = ActionSkip
		plan.Reason = "no_valid_keys"
		return plan, nil
	}

	if contact.ID != 0 {
		link, err := e.store.GetLink(ctx, strconv.FormatInt(contact.ID, 10))
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("load link: %w", err)
		}
		if link != nil {
			plan.MappedResource = link.GoogleResourceName
		}
	}

	groupResource, err := e.ensureGroup(ctx)
	if err != nil {
		return nil, err
	}
	plan.GroupResource = groupResource

	candidates, err := e.searcher.FindCandidates(ctx, keys, plan.MappedResource)
	if err != nil {
		return nil, err
	}
	plan.Candidates = candidates

	mctx := MatchContext{
		SourceContactID: contact.ID,
		GroupResource:   groupResource,
		MappedResource:  plan.MappedResource,
	}
	primary, reason := choosePrimary(candidates, keys, mctx)
	plan.Primary = primary
	if primary != nil {
		for _, c := range candidates {
			if c.ResourceName != primary.ResourceName {
				plan.Duplicates = append(plan.Duplicates, c)
			}
		}
	}

	switch {
	case primary == nil && len(candidates) == 0:
		plan.Action = ActionCreate
		plan.Reason = "no_candidates"
	case primary == nil:
		plan.Action = ActionCreate
		plan.Reason = "no_primary"
		plan.PreflightBlockedCreate = true
	case len(plan.Duplicates) > 0 && e.autoMerge:
		plan.Action = ActionMerge
		plan.Reason = "duplicates_detected"
	case len(plan.Duplicates) > 0:
		plan.Action = ActionUpdate
		plan.Reason = "duplicates_skip_merge"
	default:
		plan.Action = ActionUpdate
		plan.Reason = "single_candidate"
	}
	if primary != nil {
		e.log.Info("primary selected",
			"amo_contact_id", contact.ID,
			"resource_name", primary.ResourceName,
			"candidates", len(candidates),
			"reason", reason)
	}

	for _, c := range candidates {
		plan.CandidateInfo = append(plan.CandidateInfo, CandidateInfo{
			ResourceName:  c.ResourceName,
			InGroup:       c.InGroup(groupResource),
			HasExternalID: c.HasExternalID(contact.ID),
			MatchedPhones: c.MatchedPhones,
			MatchedEmails: c.MatchedEmails,
		})
	}
	return plan, nil
}

// Apply executes a plan. Recoverable failures trigger a fresh plan and a
// retry, up to three attempts; the last error then propagates.
func (e *Engine) Apply(ctx context.Context, plan *Plan) (*Result, error) {
	current := plan
	for attempt := 0; ; attempt++ {
		result, err := e.applyOnce(ctx, current)
		if err == nil {
			return result, nil
		}
		recoverable := recoverableFrom(err)
		if recoverable == nil || attempt+1 >= maxApplyAttempts {
			return nil, err
		}
		e.log.Warn("retrying apply with a fresh plan",
			"amo_contact_id", current.SourceContactID,
			"reason", recoverable.Reason,
			"attempt", attempt+1)
		current, err = e.Plan(ctx, current.Contact)
		if err != nil {
			return nil, err
		}
	}
}

// recoverableFrom extracts the recoverable reason from an apply error, if
// any. A missing etag counts as recoverable so the retry re-fetches it.
func recoverableFrom(err error) *RecoverableError {
	var recoverable *RecoverableError
	if errors.As(err, &recoverable) {
		return recoverable
	}
	var missing *MissingEtagError
	if errors.As(err, &missing) {
		return &RecoverableError{Reason: "missing_etag:" + missing.ResourceName}
	}
	return nil
}

func (e *Engine) applyOnce(ctx context.Context, plan *Plan) (*Result, error) {
	switch plan.Action {
	case ActionSkip:
		return &Result{Action: ResultSkipped, Reason: plan.Reason}, nil

	case ActionCreate:
		if plan.PreflightBlockedCreate {
			e.log.Info("creating despite unmatched candidates",
				"amo_contact_id", plan.SourceContactID,
				"candidates", len(plan.Candidates))
		}
		resource, err := e.createContact(ctx, plan)
		if err != nil {
			return nil, err
		}
		if err := e.saveLink(ctx, plan.SourceContactID, resource); err != nil {
			return nil, err
		}
		return &Result{Action: ResultCreated, ResourceName: resource, Reason: plan.Reason}, nil
	}

	primary := plan.Primary
	if primary == nil {
		return nil, &RecoverableError{Reason: "missing_primary"}
	}

	if plan.Action == ActionMerge && len(plan.Duplicates) > 0 {
		merged, err := e.merger.Merge(ctx, primary, plan.Duplicates, plan.Keys, plan.GroupResource)
		if err != nil {
			return nil, err
		}
		if err := e.saveLink(ctx, plan.SourceContactID, merged.ResourceName); err != nil {
			return nil, err
		}
		dupNames := make([]string, 0, len(plan.Duplicates))
		for _, d := range plan.Duplicates {
			dupNames = append(dupNames, d.ResourceName)
		}
		return &Result{
			Action:       ResultMerged,
			ResourceName: merged.ResourceName,
			Primary:      merged.ResourceName,
			Merged:       dupNames,
		}, nil
	}

	resource, reason, err := e.updateContact(ctx, plan, primary)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = plan.Reason
	}
	if err := e.saveLink(ctx, plan.SourceContactID, resource); err != nil {
		return nil, err
	}
	return &Result{Action: ResultUpdated, ResourceName: resource, Reason: reason}, nil
}

func (e *Engine) saveLink(ctx context.Context, sourceID int64, resource string) error {
	if sourceID == 0 || resource == "" {
		return nil
	}
	if err := e.store.SaveLink(ctx, strconv.FormatInt(sourceID, 10), resource); err != nil {
		return fmt.Errorf("save link: %w", err)
	}
	return nil
}

// updateContact patches the primary with the CRM contact's additions. When
// the primary already carries everything, no request is made and the returned
// reason names the fields that were already current.
func (e *Engine) updateContact(ctx context.Context, plan *Plan, primary *MatchCandidate) (string, string, error) {
	existingPhones := map[string]struct{}{}
	existingEmails := map[string]struct{}{}
	if primary.Person != nil {
		for _, phone := range primary.Person.PhoneNumbers {
			if normalized := normalize.Phone(phone.Value); normalized != "" {
				existingPhones[normalized] = struct{}{}
			}
		}
		for _, email := range primary.Person.EmailAddresses {
			if email.Value != "" {
				existingEmails[normalize.Email(email.Value)] = struct{}{}
			}
		}
	}

	needPhones := false
	for _, p := range plan.Keys.Phones {
		if _, ok := existingPhones[p]; !ok {
			needPhones = true
			break
		}
	}
	needEmails := false
	for _, em := range plan.Keys.Emails {
		if _, ok := existingEmails[em]; !ok {
			needEmails = true
			break
		}
	}

	currentName := ""
	if primary.Person != nil && len(primary.Person.Names) > 0 {
		currentName = primary.Person.Names[0].DisplayName
	}
	desiredName := plan.Contact.Name
	needName := desiredName != "" && desiredName != currentName
	needGroup := plan.GroupResource != "" && !primary.InGroup(plan.GroupResource)

	if !needPhones && !needEmails && !needName && !needGroup {
		current := []string{"name", "phones", "emails"}
		if plan.GroupResource != "" {
			current = append(current, "group")
		}
		reason := "up_to_date:" + strings.Join(current, ",")
		e.log.Info("primary already up to date",
			"amo_contact_id", plan.SourceContactID,
			"resource_name", primary.ResourceName)
		return primary.ResourceName, reason, nil
	}

	additions := &google.Person{}
	for _, p := range plan.Keys.Phones {
		additions.PhoneNumbers = append(additions.PhoneNumbers, google.PhoneNumber{Value: p})
	}
	for _, em := range plan.Keys.Emails {
		additions.EmailAddresses = append(additions.EmailAddresses, google.EmailAddress{Value: em})
	}

	payload := UnionFields(primary.Person, []*google.Person{additions}, plan.GroupResource)
	updateFields := payloadFields(payload)

	if needName {
		display, given, family := normalize.DisplayName(desiredName)
		if display != "" {
			payload.Names = []google.Name{{
				DisplayName:      display,
				UnstructuredName: display,
				GivenName:        given,
				FamilyName:       family,
				Metadata:         &google.FieldMetadata{Primary: true},
			}}
			updateFields = append(updateFields, "names")
		}
	} else {
		payload.Names = nil
	}

	if plan.SourceContactID != 0 {
		value := strconv.FormatInt(plan.SourceContactID, 10)
		payload.ExternalIDs = []google.ExternalID{{Value: value, Type: externalIDType}}
		payload.ClientData = []google.ClientData{{Key: externalIDType, Value: value}}
		updateFields = append(updateFields, "externalIds", "clientData")
	}

	if primary.Person == nil || primary.Person.Etag == "" {
		return "", "", &RecoverableError{Reason: "missing_etag"}
	}
	updated, err := e.dir.UpdateContact(ctx, primary.ResourceName, payload, updateFields, primary.Person.Etag)
	if err != nil {
		switch google.StatusOf(err) {
		case http.StatusNotFound, http.StatusGone, http.StatusPreconditionFailed:
			return "", "", &RecoverableError{Reason: fmt.Sprintf("update_failed:%d", google.StatusOf(err))}
		}
		return "", "", err
	}
	return updated.ResourceName, "", nil
}

// payloadFields lists the person fields a union payload populates.
func payloadFields(p *google.Person) []string {
	var fields []string
	if len(p.PhoneNumbers) > 0 {
		fields = append(fields, "phoneNumbers")
	}
	if len(p.EmailAddresses) > 0 {
		fields = append(fields, "emailAddresses")
	}
	if len(p.Memberships) > 0 {
		fields = append(fields, "memberships")
	}
	if len(p.Biographies) > 0 {
		fields = append(fields, "biographies")
	}
	return fields
}

func (e *Engine) createContact(ctx context.Context, plan *Plan) (string, error) {
	display, given, family := normalize.DisplayName(plan.Contact.Name)
	person := &google.Person{
		Names: []google.Name{{
			DisplayName:      display,
			UnstructuredName: display,
			GivenName:        given,
			FamilyName:       family,
		}},
	}
	for _, p := range plan.Keys.Phones {
		person.PhoneNumbers = append(person.PhoneNumbers, google.PhoneNumber{Value: p})
	}
	for _, em := range plan.Keys.Emails {
		person.EmailAddresses = append(person.EmailAddresses, google.EmailAddress{Value: em})
	}
	if plan.SourceContactID != 0 {
		value := strconv.FormatInt(plan.SourceContactID, 10)
		person.ExternalIDs = []google.ExternalID{{Value: value, Type: externalIDType}}
		person.ClientData = []google.ClientData{{Key: externalIDType, Value: value}}
	}
	if plan.GroupResource != "" {
		person.Memberships = []google.Membership{{
			ContactGroupMembership: &google.ContactGroupMembership{
				ContactGroupResourceName: plan.GroupResource,
			},
		}}
	}

	created, err := e.dir.CreateContact(ctx, person)
	if err != nil {
		return "", err
	}
	if created == nil || created.ResourceName == "" {
		return "", nil
	}
	e.log.Info("created directory contact",
		"amo_contact_id", plan.SourceContactID,
		"resource_name", created.ResourceName)
	return e.postCreateMerge(ctx, plan, created.ResourceName)
}

// postCreateMerge re-runs the matcher after a create. Two deliveries of the
// same contact can race into two creates; when the search now turns up more
// than one record, everything folds into one primary, preferring an existing
// record already tagged with this CRM ID over the fresh create.
func (e *Engine) postCreateMerge(ctx context.Context, plan *Plan, resourceName string) (string, error) {
	candidates, err := e.searcher.FindCandidates(ctx, plan.Keys, resourceName)
	if err != nil {
		e.log.Warn("post-create check failed", "resource_name", resourceName, "error", err)
		return resourceName, nil
	}

	if len(candidates) <= 1 {
		return resourceName, nil
	}

	var primary *MatchCandidate
	for _, c := range candidates {
		if c.ResourceName == resourceName {
			primary = c
			break
		}
	}
	if primary == nil {
		return resourceName, nil
	}
	if plan.SourceContactID != 0 {
		for _, c := range candidates {
			if c.ResourceName != resourceName && c.HasExternalID(plan.SourceContactID) {
				primary = c
				break
			}
		}
	}

	var duplicates []*MatchCandidate
	for _, c := range candidates {
		if c.ResourceName != primary.ResourceName {
			duplicates = append(duplicates, c)
		}
	}
	if len(duplicates) == 0 {
		return primary.ResourceName, nil
	}

	merged, err := e.merger.Merge(ctx, primary, duplicates, plan.Keys, plan.GroupResource)
	if err != nil {
		var missing *MissingEtagError
		if errors.As(err, &missing) {
			e.log.Warn("post-create merge skipped, primary has no etag",
				"resource_name", primary.ResourceName)
			return primary.ResourceName, nil
		}
		return "", err
	}
	e.log.Info("post-create merge performed",
		"amo_contact_id", plan.SourceContactID,
		"primary", merged.ResourceName,
		"duplicates", len(duplicates))
	if err := e.saveLink(ctx, plan.SourceContactID, merged.ResourceName); err != nil {
		return "", err
	}
	return merged.ResourceName, nil
}

// MergeCandidates runs a manual merge for the given keys, used by the debug
// surface to collapse duplicates without a CRM payload.
func (e *Engine) MergeCandidates(ctx context.Context, keys MatchKeys, sourceID int64, mappedResource string) (*MergeOutcome, error) {
	groupResource, err := e.ensureGroup(ctx)
	if err != nil {
		return nil, err
	}
	candidates, err := e.searcher.FindCandidates(ctx, keys, mappedResource)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return &MergeOutcome{Merged: 0, Reason: "no_candidates"}, nil
	}

	mctx := MatchContext{
		SourceContactID: sourceID,
		GroupResource:   groupResource,
		MappedResource:  mappedResource,
	}
	primary, _ := choosePrimary(candidates, keys, mctx)
	if primary == nil {
		return &MergeOutcome{Merged: 0, Reason: "no_primary"}, nil
	}

	var duplicates []*MatchCandidate
	names := make([]string, 0, len(candidates))
	for _, c := range candidates {
		names = append(names, c.ResourceName)
		if c.ResourceName != primary.ResourceName {
			duplicates = append(duplicates, c)
		}
	}
	if len(duplicates) == 0 {
		return &MergeOutcome{
			Merged:     0,
			Reason:     "single_candidate",
			Primary:    primary.ResourceName,
			Candidates: names,
		}, nil
	}

	merged, err := e.merger.Merge(ctx, primary, duplicates, keys, groupResource)
	if err != nil {
		return nil, err
	}
	if err := e.saveLink(ctx, sourceID, merged.ResourceName); err != nil {
		return nil, err
	}
	deleted := make([]string, 0, len(duplicates))
	for _, d := range duplicates {
		deleted = append(deleted, d.ResourceName)
	}
	return &MergeOutcome{
		Merged:  len(duplicates),
		Primary: merged.ResourceName,
		Deleted: deleted,
	}, nil
}
