// Package secret holds transient signing-key material with a
// move-once, erase-always discipline.
package secret

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// ErrSpent is returned when a box's value is requested a second time.
var ErrSpent = errors.New("secret already consumed")

// Box owns one plaintext secret. The value can be consumed exactly
// once; scrubbing zeroes the buffer and is safe to call repeatedly.
// A box is never serialized and never prints its contents.
type Box struct {
	mu    sync.Mutex
	buf   []byte
	spent bool
}

// New copies material into a fresh box. The caller should zero its
// own copy after the call.
func New(material []byte) *Box {
	buf := make([]byte, len(material))
	copy(buf, material)
	return &Box{buf: buf}
}

// FromEnv reads name from the environment and unsets it immediately,
// so the value survives only inside the returned box.
func FromEnv(name string) (*Box, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil, fmt.Errorf("environment variable %s not set", name)
	}
	b := New([]byte(v))
	if err := os.Unsetenv(name); err != nil {
		b.Scrub()
		return nil, fmt.Errorf("clear %s: %w", name, err)
	}
	return b, nil
}

// Consume returns the secret bytes and marks the box spent. Ownership
// of the returned slice moves to the caller, who must zero it when
// done. A second call returns ErrSpent.
func (b *Box) Consume() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.spent {
		return nil, ErrSpent
	}
	b.spent = true
	out := b.buf
	b.buf = nil
	return out, nil
}

// Scrub zeroes any remaining material. A scrubbed box cannot be
// consumed.
func (b *Box) Scrub() {
	b.mu.Lock()
	defer b.mu.Unlock()
	Zero(b.buf)
	b.buf = nil
	b.spent = true
}

// Spent reports whether the value has been consumed or scrubbed.
func (b *Box) Spent() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spent
}

// String implements fmt.Stringer so a box can never leak through
// format verbs.
func (b *Box) String() string { return "secret(redacted)" }

// GoString implements fmt.GoStringer for %#v.
func (b *Box) GoString() string { return "secret(redacted)" }

// LogValue implements slog.LogValuer.
func (b *Box) LogValue() slog.Value { return slog.StringValue("(redacted)") }

// Zero overwrites p in place.
func Zero(p []byte) {
	for i := range p {
		p[i] = 0
	}
}
