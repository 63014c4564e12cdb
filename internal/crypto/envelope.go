// Package crypto implements the sealed-object envelope used for every
// archive, patchset, and base snapshot written to the remote object store:
// XChaCha20-Poly1305 with a random 24-byte nonce, keyed by a per-stream
// sub-key derived from the master key and a domain label.
package crypto

import (
	"crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"
	"lukechampine.com/blake3"

	"github.com/vaultback/vaultback/internal/vaulterr"
)

// KeySize is the length in bytes of both the master key and every derived
// sub-key.
const KeySize = 32

// Domain labels for sub-key derivation, one per remote object kind.
const (
	DomainArchive  = "archive"
	DomainPatchset = "patchset"
	DomainBase     = "base"
)

// MasterKey is the 32-byte key loaded from configuration.
type MasterKey [KeySize]byte

// DeriveSubkey derives a domain-scoped sub-key from the master key using
// BLAKE3 in keyed mode. Distinct domain labels always yield unrelated keys.
func DeriveSubkey(master MasterKey, domain string) [KeySize]byte {
	h := blake3.New(KeySize, master[:])
	_, _ = h.Write([]byte(domain))
	var out [KeySize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Seal encrypts plaintext under subkey, authenticating associatedData (the
// object's logical name), and returns nonce || ciphertext || tag.
func Seal(subkey [KeySize]byte, associatedData, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(subkey[:])
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindIntegrity, "crypto.seal", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, vaulterr.New(vaulterr.KindIO, "crypto.seal", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, associatedData)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Open verifies and decrypts an envelope produced by Seal. Any failure,
// truncated input or MAC mismatch, is reported as a fatal, non-retryable
// IntegrityError.
func Open(subkey [KeySize]byte, associatedData, envelope []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(subkey[:])
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindIntegrity, "crypto.open", err)
	}

	if len(envelope) < chacha20poly1305.NonceSizeX {
		return nil, vaulterr.Wrap(vaulterr.KindIntegrity, "crypto.open", "envelope too short: %d bytes", len(envelope))
	}

	nonce := envelope[:chacha20poly1305.NonceSizeX]
	sealed := envelope[chacha20poly1305.NonceSizeX:]

	plaintext, err := aead.Open(nil, nonce, sealed, associatedData)
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindIntegrity, "crypto.open", err)
	}
	return plaintext, nil
}

// Hash returns the 32-byte BLAKE3 content hash of data, used as block
// identity throughout the manifest.
func Hash(data []byte) [32]byte {
	return blake3.Sum256(data)
}
