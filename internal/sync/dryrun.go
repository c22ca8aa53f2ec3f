package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/contactmirror/contactmirror/internal/amocrm"
	"github.com/contactmirror/contactmirror/internal/google"
)

// Directions and modes accepted by the compare and apply surfaces. The older
// deployment spelled directions as targets; both spellings are recognised.
const (
	DirectionBoth     = "both"
	DirectionToGoogle = "amo-to-google"
	DirectionToAmo    = "google-to-amo"

	ModeFast = "fast"
	ModeFull = "full"
)

// ErrInvalidDirection rejects unknown direction values.
var ErrInvalidDirection = errors.New("invalid direction")

// NormalizeDirection canonicalises the direction parameter.
func NormalizeDirection(raw string) (string, error) {
	switch raw {
	case "", DirectionBoth:
		return DirectionBoth, nil
	case DirectionToGoogle, "to_google", "google":
		return DirectionToGoogle, nil
	case DirectionToAmo, "to_amo", "amo":
		return DirectionToAmo, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDirection, raw)
}

// CRM is the slice of the source CRM client the reporter and worker consume.
type CRM interface {
	GetContact(ctx context.Context, contactID int64) (*amocrm.RawContact, error)
	ListContacts(ctx context.Context, limit int, since time.Time) ([]amocrm.Contact, error)
}

// CompareContact is one side of the dry-run comparison with normalised keys.
type CompareContact struct {
	ID           int64    `json:"id,omitempty"`
	ResourceName string   `json:"resource_name,omitempty"`
	Name         string   `json:"name"`
	Phones       []string `json:"phones"`
	Emails       []string `json:"emails"`
}

// SideSummary counts one side of the comparison.
type SideSummary struct {
	Fetched       int `json:"fetched"`
	WithKeys      int `json:"with_keys"`
	SkippedNoKeys int `json:"skipped_no_keys"`
}

// MatchSummary counts key-based pairings between the two sides.
type MatchSummary struct {
	Pairs      int `json:"pairs"`
	AmoOnly    int `json:"amo_only"`
	GoogleOnly int `json:"google_only"`
}

// ActionCounts are the would-be writes for one direction.
type ActionCounts struct {
	Create int `json:"create"`
	Update int `json:"update"`
}

// PairDiff describes what an update would change for one matched pair.
type PairDiff struct {
	NameChanged   bool     `json:"name_changed"`
	MissingEmails []string `json:"missing_emails"`
	MissingPhones []string `json:"missing_phones"`
}

// UpdatePreview is one matched pair that would be updated.
type UpdatePreview struct {
	Amo    CompareContact `json:"amo"`
	Google CompareContact `json:"google"`
	Diff   PairDiff       `json:"diff"`
}

// SideError reports a side that failed or timed out during a parallel fetch.
type SideError struct {
	Side    string `json:"side"`
	Message string `json:"message"`
}

// DryRunReport is the full compare response.
type DryRunReport struct {
	Input struct {
		Limit     int    `json:"limit"`
		Direction string `json:"direction"`
		Mode      string `json:"mode"`
	} `json:"input"`
	Amo     SideSummary  `json:"amo"`
	Google  SideSummary  `json:"google"`
	Match   MatchSummary `json:"match"`
	Actions struct {
		AmoToGoogle ActionCounts `json:"amo_to_google"`
		GoogleToAmo ActionCounts `json:"google_to_amo"`
	} `json:"actions"`
	Samples struct {
		AmoOnly        []CompareContact `json:"amo_only"`
		GoogleOnly     []CompareContact `json:"google_only"`
		UpdatesPreview []UpdatePreview  `json:"updates_preview"`
	} `json:"samples"`
	Debug  map[string]int64 `json:"debug"`
	Errors []SideError      `json:"errors,omitempty"`
}

const (
	sampleLimit     = 5
	fastSideTimeout = 20 * time.Second
	fastLimitCap    = 20
)

// DryRunOptions parameterise a compare run. A zero Since means unbounded.
type DryRunOptions struct {
	Limit     int
	Direction string
	Mode      string
	Since     time.Time
}

// ApplyOptions parameterise a batch apply. When AmoIDs is set the batch is
// exactly those contacts; otherwise the newest Limit contacts are fetched.
type ApplyOptions struct {
	Limit  int
	Since  time.Time
	AmoIDs []int64
}

// ApplyReport summarises one batch apply.
type ApplyReport struct {
	Direction string `json:"direction"`
	Limit     int    `json:"limit"`
	Processed int    `json:"processed"`
	Created   int    `json:"created"`
	Updated   int    `json:"updated"`
	Merged    int    `json:"merged"`
	Skipped   int    `json:"skipped"`
	Samples   struct {
		Created []CompareContact `json:"created"`
		Updated []CompareContact `json:"updated"`
		Merged  []CompareContact `json:"merged"`
		Skipped []CompareContact `json:"skipped"`
	} `json:"samples"`
	Errors []ApplyError `json:"errors"`
}

// ApplyError is one contact that failed during a batch apply.
type ApplyError struct {
	AmoID   int64  `json:"amo_id"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// Reporter runs the read-only compare and the batch apply over both systems.
type Reporter struct {
	crm    CRM
	dir    Directory
	engine *Engine
	log    *slog.Logger
}

// NewReporter creates a reporter.
func NewReporter(crm CRM, dir Directory, engine *Engine, log *slog.Logger) *Reporter {
	return &Reporter{crm: crm, dir: dir, engine: engine, log: log.With("component", "reporter")}
}

// DryRun compares the two sides without writing anything. In both+fast mode
// the limit is capped and the two fetches run concurrently with a per-side
// timeout; a side that fails contributes an error entry instead of aborting
// the whole report.
func (r *Reporter) DryRun(ctx context.Context, opts DryRunOptions) (*DryRunReport, error) {
	direction, err := NormalizeDirection(opts.Direction)
	if err != nil {
		return nil, err
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeFast
	}
	limit := opts.Limit

	ctx, counters := google.WithCounters(ctx)

	var (
		amoContacts    []amocrm.Contact
		googleContacts []CompareContact
		sideErrors     []SideError
	)

	if direction == DirectionBoth && mode == ModeFast {
		if limit > fastLimitCap {
			limit = fastLimitCap
		}
		var group errgroup.Group
		var amoErr, googleErr error
		group.Go(func() error {
			sideCtx, cancel := context.WithTimeout(ctx, fastSideTimeout)
			defer cancel()
			amoContacts, amoErr = r.crm.ListContacts(sideCtx, limit, opts.Since)
			return nil
		})
		group.Go(func() error {
			sideCtx, cancel := context.WithTimeout(ctx, fastSideTimeout)
			defer cancel()
			googleContacts, googleErr = r.fetchDirectoryContacts(sideCtx, limit, opts.Since, nil)
			return nil
		})
		_ = group.Wait()
		if amoErr != nil {
			sideErrors = append(sideErrors, SideError{Side: "amo", Message: amoErr.Error()})
		}
		if googleErr != nil {
			sideErrors = append(sideErrors, SideError{Side: "google", Message: googleErr.Error()})
		}
	} else {
		amoContacts, err = r.crm.ListContacts(ctx, limit, opts.Since)
		if err != nil {
			return nil, fmt.Errorf("fetch amo contacts: %w", err)
		}
		googleContacts, err = r.fetchDirectoryContacts(ctx, limit, opts.Since, amoContacts)
		if err != nil {
			return nil, fmt.Errorf("fetch google contacts: %w", err)
		}
	}

	report := r.compare(amoContacts, googleContacts, direction)
	report.Input.Limit = limit
	report.Input.Direction = direction
	report.Input.Mode = mode
	report.Debug = counters.Snapshot()
	report.Errors = sideErrors
	return report, nil
}

// fetchDirectoryContacts lists the account's contacts and, when CRM contacts
// are supplied (full mode), additionally searches by each of their keys so
// records outside the listed window still show up.
func (r *Reporter) fetchDirectoryContacts(ctx context.Context, limit int, since time.Time, amoContacts []amocrm.Contact) ([]CompareContact, error) {
	persons, err := r.dir.ListConnections(ctx, limit, searchReadMask)
	if err != nil {
		return nil, err
	}

	seen := map[string]struct{}{}
	var contacts []CompareContact
	add := func(person google.Person) {
		if person.ResourceName == "" {
			return
		}
		if _, ok := seen[person.ResourceName]; ok {
			return
		}
		if !since.IsZero() {
			if updated := person.UpdateTime(); !updated.IsZero() && updated.Before(since) {
				return
			}
		}
		seen[person.ResourceName] = struct{}{}
		contacts = append(contacts, compareFromPerson(person))
	}
	for _, person := range persons {
		add(person)
	}

	seenQueries := map[string]struct{}{}
	for _, contact := range amoContacts {
		keys := KeysFromRaw(contact.Phones, contact.Emails)
		for _, query := range append(keys.Phones, keys.Emails...) {
			if _, ok := seenQueries[query]; ok {
				continue
			}
			seenQueries[query] = struct{}{}
			found, err := r.dir.SearchContacts(ctx, query, searchReadMask, nil)
			if err != nil {
				return nil, err
			}
			for _, person := range found {
				add(person)
			}
		}
	}
	return contacts, nil
}

func compareFromPerson(person google.Person) CompareContact {
	contact := CompareContact{ResourceName: person.ResourceName}
	if len(person.Names) > 0 {
		contact.Name = person.Names[0].DisplayName
	}
	for _, phone := range person.PhoneNumbers {
		if phone.Value != "" {
			contact.Phones = append(contact.Phones, phone.Value)
		}
	}
	for _, email := range person.EmailAddresses {
		if email.Value != "" {
			contact.Emails = append(contact.Emails, email.Value)
		}
	}
	return contact
}

// prepare normalises each contact's keys and splits off those with none.
func prepareAmo(contacts []amocrm.Contact) (withKeys, withoutKeys []CompareContact) {
	for _, c := range contacts {
		keys := KeysFromRaw(c.Phones, c.Emails)
		compared := CompareContact{ID: c.ID, Name: c.Name, Phones: keys.Phones, Emails: keys.Emails}
		if keys.Empty() {
			withoutKeys = append(withoutKeys, compared)
		} else {
			withKeys = append(withKeys, compared)
		}
	}
	return withKeys, withoutKeys
}

func prepareGoogle(contacts []CompareContact) (withKeys, withoutKeys []CompareContact) {
	for _, c := range contacts {
		keys := KeysFromRaw(c.Phones, c.Emails)
		compared := CompareContact{ResourceName: c.ResourceName, Name: c.Name, Phones: keys.Phones, Emails: keys.Emails}
		if keys.Empty() {
			withoutKeys = append(withoutKeys, compared)
		} else {
			withKeys = append(withKeys, compared)
		}
	}
	return withKeys, withoutKeys
}

// compare pairs the two sides greedily by shared keys and derives per
// direction action counts. Matching is stable in input order; each directory
// record pairs at most once.
func (r *Reporter) compare(amoContacts []amocrm.Contact, googleContacts []CompareContact, direction string) *DryRunReport {
	report := &DryRunReport{}

	amoWithKeys, amoNoKeys := prepareAmo(amoContacts)
	googleWithKeys, googleNoKeys := prepareGoogle(googleContacts)

	report.Amo = SideSummary{
		Fetched:       len(amoContacts),
		WithKeys:      len(amoWithKeys),
		SkippedNoKeys: len(amoNoKeys),
	}
	report.Google = SideSummary{
		Fetched:       len(googleContacts),
		WithKeys:      len(googleWithKeys),
		SkippedNoKeys: len(googleNoKeys),
	}

	googleByKey := map[string]*CompareContact{}
	for i := range googleWithKeys {
		g := &googleWithKeys[i]
		for _, key := range append(g.Emails, g.Phones...) {
			if _, ok := googleByKey[key]; !ok {
				googleByKey[key] = g
			}
		}
	}

	matched := map[string]struct{}{}
	type pair struct{ amo, google CompareContact }
	var pairs []pair
	var amoOnly []CompareContact
	for _, amoC := range amoWithKeys {
		var counterpart *CompareContact
		for _, key := range append(amoC.Emails, amoC.Phones...) {
			if g, ok := googleByKey[key]; ok {
				if _, taken := matched[g.ResourceName]; !taken {
					counterpart = g
					break
				}
			}
		}
		if counterpart != nil {
			pairs = append(pairs, pair{amo: amoC, google: *counterpart})
			matched[counterpart.ResourceName] = struct{}{}
		} else {
			amoOnly = append(amoOnly, amoC)
		}
	}
	var googleOnly []CompareContact
	for _, g := range googleWithKeys {
		if _, ok := matched[g.ResourceName]; !ok {
			googleOnly = append(googleOnly, g)
		}
	}

	report.Match = MatchSummary{
		Pairs:      len(pairs),
		AmoOnly:    len(amoOnly),
		GoogleOnly: len(googleOnly),
	}

	toGoogleUpdates := 0
	toAmoUpdates := 0
	for _, p := range pairs {
		missingEmails := subtract(p.amo.Emails, p.google.Emails)
		missingPhones := subtract(p.amo.Phones, p.google.Phones)
		extraEmails := subtract(p.google.Emails, p.amo.Emails)
		extraPhones := subtract(p.google.Phones, p.amo.Phones)
		nameChanged := p.amo.Name != p.google.Name

		if nameChanged || len(missingEmails) > 0 || len(missingPhones) > 0 {
			toGoogleUpdates++
		}
		if nameChanged || len(extraEmails) > 0 || len(extraPhones) > 0 {
			toAmoUpdates++
		}
		changed := nameChanged || len(missingEmails) > 0 || len(missingPhones) > 0 ||
			len(extraEmails) > 0 || len(extraPhones) > 0
		if changed && len(report.Samples.UpdatesPreview) < sampleLimit {
			report.Samples.UpdatesPreview = append(report.Samples.UpdatesPreview, UpdatePreview{
				Amo:    p.amo,
				Google: p.google,
				Diff: PairDiff{
					NameChanged:   nameChanged,
					MissingEmails: missingEmails,
					MissingPhones: missingPhones,
				},
			})
		}
	}

	if direction == DirectionBoth || direction == DirectionToGoogle {
		report.Actions.AmoToGoogle = ActionCounts{Create: len(amoOnly), Update: toGoogleUpdates}
	}
	if direction == DirectionBoth || direction == DirectionToAmo {
		report.Actions.GoogleToAmo = ActionCounts{Create: len(googleOnly), Update: toAmoUpdates}
	}

	report.Samples.AmoOnly = headContacts(amoOnly, sampleLimit)
	report.Samples.GoogleOnly = headContacts(googleOnly, sampleLimit)
	return report
}

func subtract(from, remove []string) []string {
	removeSet := make(map[string]struct{}, len(remove))
	for _, v := range remove {
		removeSet[v] = struct{}{}
	}
	var kept []string
	for _, v := range from {
		if _, ok := removeSet[v]; !ok {
			kept = append(kept, v)
		}
	}
	return kept
}

func headContacts(contacts []CompareContact, n int) []CompareContact {
	if len(contacts) <= n {
		return contacts
	}
	return contacts[:n]
}

// Apply runs the engine over a batch of CRM contacts, one by one. Rate-limit
// and directory-auth failures abort the batch so the caller can surface
// them; any other per-contact failure is recorded and the batch continues.
func (r *Reporter) Apply(ctx context.Context, opts ApplyOptions) (*ApplyReport, error) {
	contacts, err := r.applyBatch(ctx, opts)
	if err != nil {
		return nil, err
	}

	report := &ApplyReport{Direction: "to_google", Limit: opts.Limit}
	for _, contact := range contacts {
		if report.Processed >= opts.Limit {
			break
		}
		report.Processed++

		plan, err := r.engine.Plan(ctx, contact)
		var result *Result
		if err == nil {
			result, err = r.engine.Apply(ctx, plan)
		}
		if err != nil {
			var rateLimited *google.RateLimitError
			if errors.As(err, &rateLimited) || errors.Is(err, google.ErrUnauthorized) {
				return nil, err
			}
			r.log.Warn("apply failed for contact", "amo_contact_id", contact.ID, "error", err)
			report.Errors = append(report.Errors, ApplyError{
				AmoID:   contact.ID,
				Reason:  "google_api_error",
				Message: err.Error(),
			})
			continue
		}

		sample := CompareContact{
			ID:           contact.ID,
			ResourceName: result.ResourceName,
			Name:         contact.Name,
			Phones:       contact.Phones,
			Emails:       contact.Emails,
		}
		switch result.Action {
		case ResultCreated:
			report.Created++
			if len(report.Samples.Created) < sampleLimit {
				report.Samples.Created = append(report.Samples.Created, sample)
			}
		case ResultUpdated:
			report.Updated++
			if len(report.Samples.Updated) < sampleLimit {
				report.Samples.Updated = append(report.Samples.Updated, sample)
			}
		case ResultMerged:
			report.Merged++
			if len(report.Samples.Merged) < sampleLimit {
				report.Samples.Merged = append(report.Samples.Merged, sample)
			}
		default:
			report.Skipped++
			if len(report.Samples.Skipped) < sampleLimit {
				report.Samples.Skipped = append(report.Samples.Skipped, sample)
			}
		}
	}
	if report.Errors == nil {
		report.Errors = []ApplyError{}
	}
	return report, nil
}

// applyBatch resolves the batch: explicit IDs when given, otherwise the
// newest contacts from the CRM.
func (r *Reporter) applyBatch(ctx context.Context, opts ApplyOptions) ([]amocrm.Contact, error) {
	if len(opts.AmoIDs) == 0 {
		contacts, err := r.crm.ListContacts(ctx, opts.Limit, opts.Since)
		if err != nil {
			return nil, fmt.Errorf("fetch amo contacts: %w", err)
		}
		return contacts, nil
	}
	var contacts []amocrm.Contact
	for _, id := range opts.AmoIDs {
		raw, err := r.crm.GetContact(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("fetch amo contact %d: %w", id, err)
		}
		contacts = append(contacts, amocrm.ExtractFields(raw))
	}
	return contacts, nil
}
