package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrExists   = errors.New("document already exists")
	// ErrVersion is returned for a revision range past the current version.
	ErrVersion = errors.New("version out of range")
)

// DocumentInfo holds the canonical content of a document and its metadata.
type DocumentInfo struct {
	ID        string
	Content   string
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Revision is a whole-document snapshot recorded each time the canonical
// content is replaced. Revision N produced version N.
type Revision struct {
	Version int       `json:"version"`
	Content string    `json:"content"`
	Source  string    `json:"source"`
	At      time.Time `json:"at"`
}

// DocumentStore abstracts persistence of canonical documents.
// Implementations: MemoryStore, CachedStore, FirestoreStore.
type DocumentStore interface {
	Create(ctx context.Context, id, content string) error
	Get(ctx context.Context, id string) (*DocumentInfo, error)
	List(ctx context.Context) ([]DocumentInfo, error)
	UpdateContent(ctx context.Context, id, content string, version int) error
	AppendRevision(ctx context.Context, id string, rev Revision) error
	GetRevisions(ctx context.Context, id string, fromVersion int) ([]Revision, error)
}
