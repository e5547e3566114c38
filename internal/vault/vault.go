// Package vault stores wallet signing keys encrypted at rest and
// gates decryption behind a password. No plaintext key material ever
// touches the persisted store or any log.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"

	"github.com/ovchar/suivault/internal/keys"
	"github.com/ovchar/suivault/internal/secret"
)

const (
	// kdfIterations matches the PBKDF2-HMAC-SHA256 work factor the
	// wallet files were originally written with.
	kdfIterations = 100_000
	saltSize      = 16
	aesKeySize    = 32
)

// keyCheckContext domain-separates the password verifier from the
// encryption key.
var keyCheckContext = []byte("suivault/key-check/v1")

var (
	ErrWrongPassword       = errors.New("wrong password")
	ErrEntryNotFound       = errors.New("wallet entry not found")
	ErrCorruptEntry        = errors.New("wallet entry corrupt")
	ErrInvalidSecretFormat = errors.New("invalid signing key format")
	ErrDuplicateLabel      = errors.New("wallet label already exists")
)

// Vault provides password-gated access to encrypted wallet entries.
type Vault struct {
	repo Repository
}

// New creates a vault over the given repository.
func New(repo Repository) *Vault {
	return &Vault{repo: repo}
}

// Import parses signing-key material, encrypts it under a fresh salt
// and nonce, and persists the entry. The caller's material buffer is
// zeroed before return.
func (v *Vault) Import(ctx context.Context, material []byte, password, label string) (*Entry, error) {
	defer secret.Zero(material)

	seed, err := keys.ParseSeed(material)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecretFormat, err)
	}
	defer secret.Zero(seed)

	address, err := keys.DeriveAddress(seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecretFormat, err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(password, salt, kdfIterations)
	defer secret.Zero(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	entry := &Entry{
		ID:            uuid.NewString(),
		Label:         label,
		Address:       address,
		Ciphertext:    gcm.Seal(nil, nonce, seed, nil),
		Nonce:         nonce,
		Salt:          salt,
		KeyCheck:      keyCheck(key, salt),
		KDFIterations: kdfIterations,
		CreatedAt:     time.Now(),
	}
	if err := v.repo.Put(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Unlock decrypts the entry's signing key into a one-shot secret box.
// A password mismatch is ErrWrongPassword; a record that fails
// integrity checks under the correct password is ErrCorruptEntry.
func (v *Vault) Unlock(ctx context.Context, id, password string) (*secret.Box, error) {
	entry, err := v.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if len(entry.Salt) != saltSize || len(entry.Nonce) == 0 ||
		len(entry.Ciphertext) == 0 || len(entry.KeyCheck) != sha256.Size ||
		entry.KDFIterations <= 0 {
		return nil, fmt.Errorf("%w: malformed record %s", ErrCorruptEntry, entry.ID)
	}

	key := deriveKey(password, entry.Salt, entry.KDFIterations)
	defer secret.Zero(key)

	if subtle.ConstantTimeCompare(keyCheck(key, entry.Salt), entry.KeyCheck) != 1 {
		return nil, ErrWrongPassword
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(entry.Nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length on %s", ErrCorruptEntry, entry.ID)
	}
	seed, err := gcm.Open(nil, entry.Nonce, entry.Ciphertext, nil)
	if err != nil {
		// Password already verified: an authentication failure here
		// means the stored ciphertext was altered.
		return nil, fmt.Errorf("%w: authentication failed on %s", ErrCorruptEntry, entry.ID)
	}

	box := secret.New(seed)
	secret.Zero(seed)
	return box, nil
}

// Remove deletes an entry. Removing a non-existent id is not an error.
func (v *Vault) Remove(ctx context.Context, id string) error {
	return v.repo.Delete(ctx, id)
}

// List returns entry summaries. Never exposes ciphertext or key
// material.
func (v *Vault) List(ctx context.Context) ([]Summary, error) {
	return v.repo.List(ctx)
}

// Resolve looks an entry up by id first, then by label.
func (v *Vault) Resolve(ctx context.Context, ref string) (*Entry, error) {
	entry, err := v.repo.Get(ctx, ref)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, ErrEntryNotFound) {
		return nil, err
	}
	return v.repo.GetByLabel(ctx, ref)
}

func deriveKey(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, aesKeySize, sha256.New)
}

// keyCheck is a password verifier stored beside the ciphertext so a
// wrong password can be told apart from a tampered record.
func keyCheck(key, salt []byte) []byte {
	h := sha256.New()
	h.Write(keyCheckContext)
	h.Write(salt)
	h.Write(key)
	return h.Sum(nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}
