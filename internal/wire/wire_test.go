package wire

import (
	"crypto/ed25519"
	"testing"

	"tormsngr/internal/apperr"
)

type signer struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func (s signer) Public() ed25519.PublicKey { return s.pub }
func (s signer) Sign(msg []byte) []byte    { return ed25519.Sign(s.priv, msg) }

func newSigner(t *testing.T) signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return signer{pub: pub, priv: priv}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := newSigner(t)
	draft := OutboundDraft{Time: 1700000000, Content: "hi there"}
	frame := Encode(s, draft)

	got, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Time != draft.Time {
		t.Errorf("time = %d, want %d", got.Time, draft.Time)
	}
	if got.Content != draft.Content {
		t.Errorf("content = %q, want %q", got.Content, draft.Content)
	}
	if !got.From.Equal(s.pub) {
		t.Errorf("from key mismatch")
	}
}

func TestEncodeDecodeRoundTripNegativeTime(t *testing.T) {
	s := newSigner(t)
	draft := OutboundDraft{Time: -12345, Content: "pre-epoch"}
	frame := Encode(s, draft)

	got, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Time != draft.Time {
		t.Errorf("time = %d, want %d", got.Time, draft.Time)
	}
}

func TestEncodeSize(t *testing.T) {
	s := newSigner(t)
	draft := OutboundDraft{Time: 1, Content: "abc"}
	frame := Encode(s, draft)
	want := 105 + len("abc")
	if len(frame) != want {
		t.Fatalf("frame size = %d, want %d", len(frame), want)
	}
}

func TestDecodeTruncatedFrame(t *testing.T) {
	for _, n := range []int{0, 1, 32, 96} {
		frame := make([]byte, n)
		_, err := Decode(frame)
		if !apperr.Is(err, apperr.KindTruncatedFrame) {
			t.Errorf("len %d: expected truncated-frame error, got %v", n, err)
		}
	}
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	s := newSigner(t)
	frame := Encode(s, OutboundDraft{Time: 1, Content: "x"})
	frame[0] = 0x01
	_, err := Decode(frame)
	if !apperr.Is(err, apperr.KindUnsupportedVersion) {
		t.Fatalf("expected unsupported-version error, got %v", err)
	}
}

func TestDecodeBadSignatureOnPayloadMutation(t *testing.T) {
	s := newSigner(t)
	frame := Encode(s, OutboundDraft{Time: 1700000000, Content: "hello"})

	for i := 97; i < len(frame); i++ {
		mutated := append([]byte(nil), frame...)
		mutated[i] ^= 0xFF
		if _, err := Decode(mutated); !apperr.Is(err, apperr.KindBadSignature) {
			t.Errorf("byte %d: expected bad-signature error, got %v", i, err)
		}
	}
}

func TestDecodeBadSignatureOnSigMutation(t *testing.T) {
	s := newSigner(t)
	frame := Encode(s, OutboundDraft{Time: 1700000000, Content: "hello"})

	for i := 33; i < 97; i++ {
		mutated := append([]byte(nil), frame...)
		mutated[i] ^= 0xFF
		if _, err := Decode(mutated); !apperr.Is(err, apperr.KindBadSignature) {
			t.Errorf("byte %d: expected bad-signature error, got %v", i, err)
		}
	}
}

func TestDecodeBadEncodingOnInvalidUTF8(t *testing.T) {
	s := newSigner(t)
	// Build a frame manually so the signature covers the invalid bytes.
	payload := append([]byte{0, 0, 0, 0, 0, 0, 0, 1}, 0xFF, 0xFE)
	sig := ed25519.Sign(s.priv, payload)
	frame := make([]byte, 0, 97+len(payload))
	frame = append(frame, 0x00)
	frame = append(frame, s.pub...)
	frame = append(frame, sig...)
	frame = append(frame, payload...)

	_, err := Decode(frame)
	if !apperr.Is(err, apperr.KindBadEncoding) {
		t.Fatalf("expected bad-encoding error, got %v", err)
	}
}
