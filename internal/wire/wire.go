// Package wire implements the self-authenticating binary envelope
// exchanged between peers over the onion transport.
//
// Layout (big-endian):
//
//	offset 0    size 1   version byte, must be 0x00
//	offset 1    size 32  sender public key
//	offset 33   size 64  Ed25519 signature over bytes [97..]
//	offset 97   size 8   signed timestamp (seconds, two's complement)
//	offset 105  size var UTF-8 content
//
// Grounded directly on original_source/src/wire.rs for byte offsets and
// signing order, and on go-node/chat.go for the Go idiom of
// sign-then-patch-in-place.
package wire

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"tormsngr/internal/apperr"
)

const (
	versionByte  = 0x00
	pubKeyOffset = 1
	sigOffset    = 1 + ed25519.PublicKeySize
	payloadStart = sigOffset + ed25519.SignatureSize // 97
	minFrameSize = payloadStart + 8                  // version+pubkey+sig+timestamp, no content
)

// InboundMessage is what Decode yields on success.
type InboundMessage struct {
	From    ed25519.PublicKey
	Time    int64
	Content string
}

// OutboundDraft is what Encode consumes to produce a signed envelope.
type OutboundDraft struct {
	Time    int64
	Content string
}

// Decode parses and verifies a raw envelope. Every failure mode maps to a
// distinct apperr.Kind so the api surface's HTTP-status dispatch stays a
// simple table lookup.
func Decode(frame []byte) (*InboundMessage, error) {
	if len(frame) < minFrameSize {
		return nil, apperr.New(apperr.KindTruncatedFrame,
			fmt.Errorf("frame too short: got %d bytes, need at least %d", len(frame), minFrameSize))
	}
	if frame[0] != versionByte {
		return nil, apperr.New(apperr.KindUnsupportedVersion,
			fmt.Errorf("unsupported version byte 0x%02x", frame[0]))
	}

	pubBytes := frame[pubKeyOffset:sigOffset]
	if len(pubBytes) != ed25519.PublicKeySize {
		return nil, apperr.New(apperr.KindBadKey, fmt.Errorf("malformed public key"))
	}
	pub := ed25519.PublicKey(append([]byte(nil), pubBytes...))

	sig := frame[sigOffset:payloadStart]
	payload := frame[payloadStart:]

	if !ed25519.Verify(pub, payload, sig) {
		return nil, apperr.New(apperr.KindBadSignature, fmt.Errorf("signature verification failed"))
	}

	t := int64(binary.BigEndian.Uint64(payload[:8]))
	contentBytes := payload[8:]
	if !utf8.Valid(contentBytes) {
		return nil, apperr.New(apperr.KindBadEncoding, fmt.Errorf("content is not valid UTF-8"))
	}

	return &InboundMessage{
		From:    pub,
		Time:    t,
		Content: string(contentBytes),
	}, nil
}

// Encode builds and signs an outbound envelope using the local signer.
// signer.Public() supplies the embedded public key; signer.Sign signs the
// payload bytes [97..].
func Encode(signer interface {
	Public() ed25519.PublicKey
	Sign([]byte) []byte
}, draft OutboundDraft) []byte {
	content := []byte(draft.Content)
	buf := make([]byte, payloadStart+8+len(content))

	buf[0] = versionByte
	copy(buf[pubKeyOffset:sigOffset], signer.Public())
	// buf[sigOffset:payloadStart] left zeroed as a placeholder, patched below.
	binary.BigEndian.PutUint64(buf[payloadStart:payloadStart+8], uint64(draft.Time))
	copy(buf[payloadStart+8:], content)

	sig := signer.Sign(buf[payloadStart:])
	copy(buf[sigOffset:payloadStart], sig)

	return buf
}
