package api

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tormsngr/internal/identity"
	"tormsngr/internal/messenger"
	"tormsngr/internal/store"
	"tormsngr/internal/version"
	"tormsngr/internal/wire"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("component", "api_test")
}

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "messages.db")
	st, err := store.Open(path, 2, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	// SOCKS5 construction only builds a dialer config; it never touches
	// the network until a Send actually dials, so no proxy needs to be
	// running for these handler-level tests.
	msgr, err := messenger.New(testSigner{pub, priv}, st, "127.0.0.1:9050")
	if err != nil {
		t.Fatalf("messenger.New: %v", err)
	}
	return NewServer("hunter2", st, msgr, testLogger()), st
}

func basicAuthHeader(password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte("me:"+password))
}

func TestGetWithoutQueryReturnsVersion(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !bytes.Equal(w.Body.Bytes(), version.Bytes()) {
		t.Fatalf("body = %x, want %x", w.Body.Bytes(), version.Bytes())
	}
}

func TestGetWithQueryWithoutAuthReturnsVersion(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/?type=login", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !bytes.Equal(w.Body.Bytes(), version.Bytes()) {
		t.Fatalf("body = %x, want %x", w.Body.Bytes(), version.Bytes())
	}
}

func TestGetLoginWithAuthSucceeds(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/?type=login", nil)
	req.Header.Set("Authorization", basicAuthHeader("hunter2"))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestGetWithWrongPasswordIsUnauthorized(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/?type=login", nil)
	req.Header.Set("Authorization", basicAuthHeader("wrong"))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestPostUnauthenticatedReceivesEnvelope(t *testing.T) {
	s, st := newTestServer(t)

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	frame := wire.Encode(testSigner{pub, priv}, wire.OutboundDraft{Time: 1700000000, Content: "hi"})

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(frame))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", w.Code, w.Body.String())
	}

	msgs, err := st.ListMessages(pub, store.Limits{}, false)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hi" {
		t.Fatalf("unexpected stored messages: %+v", msgs)
	}
}

func TestPostUnauthenticatedMalformedEnvelopeIsServerError(t *testing.T) {
	s, _ := newTestServer(t)

	// Too short to be a valid envelope: a bad/truncated frame on the
	// unauthenticated receive path is a 500, not a 400, since the POST
	// itself is well-formed and only the envelope content is bad.
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte{0x00, 0x01, 0x02}))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 (body %q)", w.Code, w.Body.String())
	}
}

func TestPostUnauthenticatedBadSignatureIsServerError(t *testing.T) {
	s, _ := newTestServer(t)

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	frame := wire.Encode(testSigner{pub, priv}, wire.OutboundDraft{Time: 1700000000, Content: "hi"})
	frame[len(frame)-1] ^= 0xFF // corrupt the signed content without touching the frame length

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(frame))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 (body %q)", w.Code, w.Body.String())
	}
}

func TestPostAuthenticatedUpsertUser(t *testing.T) {
	s, st := newTestServer(t)
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	body := append([]byte{opUpsertUser}, pub...)
	body = append(body, []byte("alice")...)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Authorization", basicAuthHeader("hunter2"))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", w.Code, w.Body.String())
	}

	users, err := st.ListUsersWithUnreads()
	if err != nil {
		t.Fatalf("ListUsersWithUnreads: %v", err)
	}
	if len(users) != 1 || users[0].Name == nil || *users[0].Name != "alice" {
		t.Fatalf("unexpected users: %+v", users)
	}
}

func TestPostAuthenticatedBadOpcodeIsBadRequest(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte{0xFF}))
	req.Header.Set("Authorization", basicAuthHeader("hunter2"))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestGetMessagesRoundTrip(t *testing.T) {
	s, st := newTestServer(t)
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := st.SaveInbound(pub, 1700000000, "a"); err != nil {
		t.Fatalf("SaveInbound: %v", err)
	}
	if err := st.SaveInbound(pub, 1700000001, "b"); err != nil {
		t.Fatalf("SaveInbound: %v", err)
	}

	url := "/?type=messages&pubkey=" + identity.EncodePublicKey(pub)
	req := httptest.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("Authorization", basicAuthHeader("hunter2"))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", w.Code, w.Body.String())
	}

	msgs := decodeMessages(t, w.Body.Bytes())
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	// Default ordering is id DESC.
	if msgs[0].content != "b" || msgs[1].content != "a" {
		t.Fatalf("unexpected ordering: %+v", msgs)
	}
}

func TestDeleteUserRequiresAuthAndType(t *testing.T) {
	s, st := newTestServer(t)
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := st.UpsertUser(pub, "bob"); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}

	url := "/?type=user&pubkey=" + identity.EncodePublicKey(pub)
	req := httptest.NewRequest(http.MethodDelete, url, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated delete status = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, url, nil)
	req.Header.Set("Authorization", basicAuthHeader("hunter2"))
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("authenticated delete status = %d, want 200", w.Code)
	}
}

func TestDeleteWithoutQueryIsBadRequestRegardlessOfAuth(t *testing.T) {
	s, _ := newTestServer(t)

	// A query-less DELETE is always 400, even with valid credentials: the
	// type check runs before auth is consulted at all.
	req := httptest.NewRequest(http.MethodDelete, "/", nil)
	req.Header.Set("Authorization", basicAuthHeader("hunter2"))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("authenticated query-less delete status = %d, want 400", w.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/", nil)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unauthenticated query-less delete status = %d, want 400", w.Code)
	}
}

func TestUnsupportedMethodIsNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPut, "/", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", w.Code)
	}
}

type testSigner struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func (s testSigner) Public() ed25519.PublicKey { return s.pub }
func (s testSigner) Sign(msg []byte) []byte    { return ed25519.Sign(s.priv, msg) }

type decodedMessage struct {
	inbound    bool
	id         int64
	trackingID uuid.UUID
	time       int64
	content    string
}

func decodeMessages(t *testing.T, raw []byte) []decodedMessage {
	t.Helper()
	var out []decodedMessage
	for len(raw) > 0 {
		if len(raw) < 1+8+16+8+8 {
			t.Fatalf("truncated message frame, %d bytes left", len(raw))
		}
		m := decodedMessage{inbound: raw[0] == 1}
		raw = raw[1:]
		m.id = int64(binary.BigEndian.Uint64(raw[:8]))
		raw = raw[8:]
		u, err := uuid.FromBytes(raw[:16])
		if err != nil {
			t.Fatalf("uuid.FromBytes: %v", err)
		}
		m.trackingID = u
		raw = raw[16:]
		m.time = int64(binary.BigEndian.Uint64(raw[:8]))
		raw = raw[8:]
		contentLen := binary.BigEndian.Uint64(raw[:8])
		raw = raw[8:]
		if uint64(len(raw)) < contentLen {
			t.Fatalf("truncated content, need %d have %d", contentLen, len(raw))
		}
		m.content = string(raw[:contentLen])
		raw = raw[contentLen:]
		out = append(out, m)
	}
	return out
}
