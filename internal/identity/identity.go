// Package identity loads the instance's long-term Ed25519 keypair and
// derives Tor v3 onion addresses from Ed25519 public keys.
//
// Grounded on go-node/chat.go's signChat/verifyChat (sign over a canonical
// byte string, verify against a declared public key) and on
// original_source/src/message.rs for the exact onion-v3 checksum
// construction.
package identity

import (
	"crypto/ed25519"
	"encoding/base32"
	"fmt"

	"golang.org/x/crypto/sha3"

	"tormsngr/internal/apperr"
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Identity holds the process's long-term Ed25519 keypair.
type Identity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// Load decodes a base32 (RFC 4648, no padding) 64-byte Ed25519 expanded
// secret key, matching Go's ed25519.PrivateKey wire format (32-byte seed
// followed by the 32-byte public key).
func Load(encoded string) (*Identity, error) {
	raw, err := b32.DecodeString(normalize(encoded))
	if err != nil {
		return nil, apperr.New(apperr.KindBadEncoding, fmt.Errorf("decode private key: %w", err))
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, apperr.New(apperr.KindBadEncoding,
			fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw)))
	}
	priv := ed25519.PrivateKey(raw)
	return &Identity{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

func normalize(s string) string {
	// RFC 4648 base32 alphabet is case-insensitive; callers may hand us an
	// upper- or lowercase string depending on source.
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// Public returns the instance's Ed25519 public key.
func (id *Identity) Public() ed25519.PublicKey { return id.pub }

// Sign signs msg with the instance's long-term key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.priv, msg)
}

// Verify checks sig over msg against the given public key. It is a free
// function (not a method) because inbound verification is always against
// a peer's declared key, never the local identity's.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// onionChecksumPrefix is Tor's domain-separation string for v3 onion
// address checksums (see rend-spec-v3 section 6).
const onionChecksumPrefix = ".onion checksum"

// DeriveOnionV3 derives the 56-character lowercase base32 v3 onion
// hostname (without the ".onion" suffix) for the given Ed25519 public key.
func DeriveOnionV3(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", apperr.New(apperr.KindBadKey, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub)))
	}
	h := sha3.New256()
	h.Write([]byte(onionChecksumPrefix))
	h.Write(pub)
	h.Write([]byte{0x03})
	checksum := h.Sum(nil)

	seq := make([]byte, 0, 35)
	seq = append(seq, pub...)
	seq = append(seq, checksum[:2]...)
	seq = append(seq, 0x03)

	return lowerASCII(b32.EncodeToString(seq)), nil
}

func lowerASCII(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// DecodePublicKey decodes a base32 (RFC 4648, no padding) encoded
// public key, as used in query strings and URLs.
func DecodePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := b32.DecodeString(normalize(encoded))
	if err != nil {
		return nil, apperr.New(apperr.KindBadEncoding, fmt.Errorf("decode pubkey: %w", err))
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, apperr.New(apperr.KindBadKey, fmt.Errorf("pubkey must be %d bytes, got %d", ed25519.PublicKeySize, len(raw)))
	}
	return ed25519.PublicKey(raw), nil
}

// EncodePublicKey encodes a public key as lowercase base32 (RFC 4648, no
// padding), the form used in query strings and URLs.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return lowerASCII(b32.EncodeToString(pub))
}
