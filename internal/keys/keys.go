// Package keys parses Sui ed25519 signing keys and derives addresses.
package keys

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"golang.org/x/crypto/blake2b"
)

const (
	// Bech32HRP is the human-readable prefix of exported Sui private keys.
	Bech32HRP = "suiprivkey"

	// Ed25519Flag is the Sui signature-scheme flag byte for ed25519.
	Ed25519Flag = 0x00
)

// ErrInvalidKey is returned when material cannot be parsed as an
// ed25519 signing key.
var ErrInvalidKey = errors.New("invalid signing key format")

// ParseSeed accepts a 32-byte hex seed (optionally 0x-prefixed) or a
// bech32 suiprivkey string and returns the raw ed25519 seed. The
// caller owns the returned slice and should zero it after use.
func ParseSeed(material []byte) ([]byte, error) {
	s := strings.TrimSpace(string(material))
	if strings.HasPrefix(s, Bech32HRP) {
		return parseBech32(s)
	}
	s = strings.TrimPrefix(s, "0x")
	seed, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: not valid hex", ErrInvalidKey)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, ed25519.SeedSize, len(seed))
	}
	return seed, nil
}

func parseBech32(s string) ([]byte, error) {
	hrp, data, err := bech32.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if hrp != Bech32HRP {
		return nil, fmt.Errorf("%w: unexpected prefix %q", ErrInvalidKey, hrp)
	}
	decoded, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	// Flag byte followed by the 32-byte seed.
	if len(decoded) != 1+ed25519.SeedSize || decoded[0] != Ed25519Flag {
		return nil, fmt.Errorf("%w: unsupported key payload", ErrInvalidKey)
	}
	return decoded[1:], nil
}

// DeriveAddress returns the Sui address for an ed25519 seed:
// 0x + hex(blake2b-256(flag || pubkey)).
func DeriveAddress(seed []byte) (string, error) {
	if len(seed) != ed25519.SeedSize {
		return "", fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, ed25519.SeedSize, len(seed))
	}
	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("blake2b init: %w", err)
	}
	h.Write([]byte{Ed25519Flag})
	h.Write(pub)
	return "0x" + hex.EncodeToString(h.Sum(nil)), nil
}

// Signer returns the private key for an ed25519 seed.
func Signer(seed []byte) (ed25519.PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
