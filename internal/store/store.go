package store

import (
	"context"
	"time"
)

// Store defines the persistence contract for contact links, external system
// tokens and the pending sync queue.
type Store interface {
	SaveLink(ctx context.Context, amoContactID, googleResourceName string) error
	GetLink(ctx context.Context, amoContactID string) (*Link, error)
	RemapLinks(ctx context.Context, targetResourceName string, sourceResourceNames []string) error

	GetToken(ctx context.Context, system string) (*Token, error)
	SaveToken(ctx context.Context, token *Token) error

	Enqueue(ctx context.Context, amoContactID int64) error
	FetchDue(ctx context.Context, limit int) ([]PendingSync, error)
	Reschedule(ctx context.Context, row *PendingSync, delay time.Duration, errText string) error
	DeadLetter(ctx context.Context, row *PendingSync, reason, detail string) error
	Complete(ctx context.Context, row *PendingSync, googleResourceName string) error
	PendingStats(ctx context.Context) (*PendingStats, error)
	ListPending(ctx context.Context, limit int) ([]PendingSync, error)

	Close() error
}

// Link maps a source CRM contact to a directory resource. Links are never
// deleted; merges remap them to the surviving primary.
type Link struct {
	ID                 int64
	AmoContactID       string
	GoogleResourceName string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Token holds the credential set for an external system ("google", "amocrm").
// The sync core only reads tokens; the auth collaborator owns their lifecycle.
type Token struct {
	ID           int64
	System       string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scopes       string
	AccountID    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PendingSync is a queue row for a contact awaiting reconciliation.
type PendingSync struct {
	ID            int64
	AmoContactID  int64
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PendingStats summarises queue state for the debug surface.
type PendingStats struct {
	Due   int64 `json:"due"`
	Total int64 `json:"total"`
}
