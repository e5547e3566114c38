package vault

import (
	"context"
	"time"
)

// Entry is one wallet record as persisted. The signing key exists in
// it only as AES-GCM ciphertext; KeyCheck is a password verifier
// derived from the KDF output, not from the key material.
type Entry struct {
	ID            string
	Label         string
	Address       string
	Ciphertext    []byte
	Nonce         []byte
	Salt          []byte
	KeyCheck      []byte
	KDFIterations int
	CreatedAt     time.Time
}

// Summary is the listing view of an entry. It never carries
// ciphertext or key material.
type Summary struct {
	ID      string
	Label   string
	Address string
}

// Repository defines the interface for persisting wallet entries.
type Repository interface {
	// Put stores a new entry. Returns ErrDuplicateLabel if the label
	// is already taken.
	Put(ctx context.Context, entry *Entry) error

	// Get retrieves an entry by id. Returns ErrEntryNotFound if absent.
	Get(ctx context.Context, id string) (*Entry, error)

	// GetByLabel retrieves an entry by its display label.
	GetByLabel(ctx context.Context, label string) (*Entry, error)

	// Delete removes an entry. Deleting a non-existent id is not an
	// error.
	Delete(ctx context.Context, id string) error

	// List returns summaries of all entries, ordered by creation time.
	List(ctx context.Context) ([]Summary, error)

	// Ping verifies store connectivity.
	Ping(ctx context.Context) error

	// Close closes the store.
	Close() error
}
