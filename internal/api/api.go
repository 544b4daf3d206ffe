// Package api implements the request-dispatch layer: HTTP Basic auth for
// privileged endpoints, opcode dispatch for authenticated sends and
// address-book edits, and the binary response encodings the owner client
// consumes.
//
// Grounded on keysaver-server/server.go for the mux-plus-method-switch
// handler shape and keysaver-server/auth.go for the middleware pattern,
// generalized from bearer tokens to the spec's single-password Basic auth
// and from JSON bodies to the spec's binary wire formats.
package api

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tormsngr/internal/apperr"
	"tormsngr/internal/identity"
	"tormsngr/internal/messenger"
	"tormsngr/internal/store"
	"tormsngr/internal/version"
)

const (
	opSend       byte = 0x00
	opUpsertUser byte = 0x01
)

// Server dispatches HTTP requests against the store and messenger.
type Server struct {
	password  string
	store     *store.Store
	messenger *messenger.Messenger
	log       *logrus.Entry
}

// NewServer builds a Server. password gates every privileged endpoint via
// HTTP Basic auth with username "me".
func NewServer(password string, st *store.Store, msgr *messenger.Messenger, log *logrus.Entry) *Server {
	return &Server{password: password, store: st, messenger: msgr, log: log}
}

// Handler returns the top-level HTTP handler.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveHTTP)
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		s.handleGet(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// expectedAuthHeader is "Basic "+base64("me:"+password), recomputed per
// request since the password is small and rarely checked on a hot path.
func (s *Server) expectedAuthHeader() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte("me:"+s.password))
}

func (s *Server) hasValidAuth(r *http.Request) bool {
	got := r.Header.Get("Authorization")
	want := s.expectedAuthHeader()
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// handlePost implements §4.5: a request carrying an Authorization header
// is an owner command (send or upsert-user) and must authenticate; a
// request with none is an inbound delivery from a remote peer.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "" {
		if !s.hasValidAuth(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		s.handleCommand(w, r)
		return
	}
	s.handleReceive(w, r)
}

func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read error", http.StatusInternalServerError)
		return
	}
	// Any failure to parse or verify an inbound envelope is a 500, not a
	// 400: the request itself (an unauthenticated POST) is structurally
	// fine, it's the envelope content that didn't check out.
	if err := s.messenger.Receive(body); err != nil {
		s.log.WithError(err).Warn("rejected inbound envelope")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) < 1 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	switch body[0] {
	case opSend:
		s.handleSend(w, r, body[1:])
	case opUpsertUser:
		s.handleUpsertUser(w, body[1:])
	default:
		http.Error(w, "unknown opcode", http.StatusBadRequest)
	}
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, rest []byte) {
	const trackingSize, pubkeySize = 16, ed25519.PublicKeySize
	if len(rest) < trackingSize+pubkeySize {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	trackingID, err := uuid.FromBytes(rest[:trackingSize])
	if err != nil {
		http.Error(w, "bad tracking id", http.StatusBadRequest)
		return
	}
	to := ed25519.PublicKey(append([]byte(nil), rest[trackingSize:trackingSize+pubkeySize]...))
	content := string(rest[trackingSize+pubkeySize:])

	draft := messenger.OutboundDraft{TrackingID: trackingID, To: to, Content: content}
	if err := s.messenger.Send(r.Context(), draft); err != nil {
		s.log.WithError(err).Warn("send failed")
		http.Error(w, err.Error(), apperr.HTTPStatus(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUpsertUser(w http.ResponseWriter, rest []byte) {
	const pubkeySize = ed25519.PublicKeySize
	if len(rest) < pubkeySize {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	pubkey := ed25519.PublicKey(append([]byte(nil), rest[:pubkeySize]...))
	name := string(rest[pubkeySize:])

	if err := s.store.UpsertUser(pubkey, name); err != nil {
		s.log.WithError(err).Error("upsert user failed")
		http.Error(w, err.Error(), apperr.HTTPStatus(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleGet implements §4.5/§6: a query-less GET, or a GET carrying no
// Authorization header, returns the 24-byte version; a GET with both a
// query string and an Authorization header must authenticate and
// dispatches on the `type` parameter.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if r.URL.RawQuery == "" || r.Header.Get("Authorization") == "" {
		w.Write(version.Bytes())
		return
	}
	if !s.hasValidAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	switch q.Get("type") {
	case "users":
		s.handleListUsers(w, q)
	case "login":
		w.WriteHeader(http.StatusOK)
	case "messages":
		s.handleListMessages(w, q)
	case "new":
		s.handleListNewMessages(w, q)
	default:
		http.Error(w, "unknown type", http.StatusBadRequest)
	}
}

// handleDelete checks the query's type before auth: a DELETE whose query
// lacks type=user (including one with no query at all) is always a 400
// regardless of credentials, matching the original's match-arm
// precedence ((_, None) => 400 before the auth check runs). Only once
// type=user is present does auth get checked.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("type") != "user" {
		http.Error(w, "unknown type", http.StatusBadRequest)
		return
	}
	if !s.hasValidAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	pubkey, err := identity.DecodePublicKey(q.Get("pubkey"))
	if err != nil {
		http.Error(w, "bad pubkey", http.StatusInternalServerError)
		return
	}
	if err := s.store.DeleteUser(pubkey); err != nil {
		s.log.WithError(err).Error("delete user failed")
		http.Error(w, err.Error(), apperr.HTTPStatus(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleListUsers(w http.ResponseWriter, values url.Values) {
	users, err := s.store.ListUsersWithUnreads()
	if err != nil {
		s.log.WithError(err).Error("list users failed")
		http.Error(w, err.Error(), apperr.HTTPStatus(err))
		return
	}

	includeRecent := 0
	if v := values.Get("includeRecentMessages"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			includeRecent = n
		}
	}

	var out []byte
	for _, u := range users {
		out = append(out, encodeUser(u)...)
		if includeRecent > 0 {
			limit := includeRecent
			msgs, err := s.store.ListMessages(u.Pubkey, store.Limits{Limit: &limit}, false)
			if err != nil {
				s.log.WithError(err).Error("list recent messages failed")
				http.Error(w, err.Error(), apperr.HTTPStatus(err))
				return
			}
			if len(msgs) > 255 {
				msgs = msgs[:255]
			}
			out = append(out, byte(len(msgs)))
			for _, m := range msgs {
				out = append(out, encodeMessage(m)...)
			}
		}
	}
	w.Write(out)
}

func (s *Server) handleListMessages(w http.ResponseWriter, values url.Values) {
	pubkey, err := identity.DecodePublicKey(values.Get("pubkey"))
	if err != nil {
		http.Error(w, "bad pubkey", http.StatusInternalServerError)
		return
	}
	limits, err := parseLimits(values)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	markAsRead := values.Get("markAsRead") == "true"

	msgs, err := s.store.ListMessages(pubkey, limits, markAsRead)
	if err != nil {
		s.log.WithError(err).Error("list messages failed")
		http.Error(w, err.Error(), apperr.HTTPStatus(err))
		return
	}
	w.Write(encodeMessages(msgs))
}

func (s *Server) handleListNewMessages(w http.ResponseWriter, values url.Values) {
	pubkey, err := identity.DecodePublicKey(values.Get("pubkey"))
	if err != nil {
		http.Error(w, "bad pubkey", http.StatusInternalServerError)
		return
	}
	var limit *int
	if v := values.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = &n
	}
	markAsRead := true
	if v := values.Get("markAsRead"); v != "" {
		markAsRead = v == "true"
	}

	msgs, err := s.store.ListNewMessages(pubkey, limit, markAsRead)
	if err != nil {
		s.log.WithError(err).Error("list new messages failed")
		http.Error(w, err.Error(), apperr.HTTPStatus(err))
		return
	}
	w.Write(encodeMessages(msgs))
}

func parseLimits(values url.Values) (store.Limits, error) {
	var limits store.Limits
	if v := values.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return limits, apperr.New(apperr.KindBadEncoding, err)
		}
		limits.Limit = &n
	}
	if v := values.Get("before"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return limits, apperr.New(apperr.KindBadEncoding, err)
		}
		limits.BeforeAfter = &store.BeforeAfter{Kind: store.Before, ID: id}
	} else if v := values.Get("after"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return limits, apperr.New(apperr.KindBadEncoding, err)
		}
		limits.BeforeAfter = &store.BeforeAfter{Kind: store.After, ID: id}
	}
	return limits, nil
}

func encodeMessages(msgs []store.Message) []byte {
	var out []byte
	for _, m := range msgs {
		out = append(out, encodeMessage(m)...)
	}
	return out
}

func encodeMessage(m store.Message) []byte {
	buf := make([]byte, 1+8+16+8+8+len(m.Content))
	off := 0
	if m.Inbound {
		buf[off] = 1
	}
	off++
	binary.BigEndian.PutUint64(buf[off:], uint64(m.ID))
	off += 8
	copy(buf[off:off+16], m.TrackingID[:])
	off += 16
	binary.BigEndian.PutUint64(buf[off:], uint64(m.Time))
	off += 8
	binary.BigEndian.PutUint64(buf[off:], uint64(len(m.Content)))
	off += 8
	copy(buf[off:], m.Content)
	return buf
}

func encodeUser(u store.UserInfo) []byte {
	name := ""
	if u.Name != nil {
		name = *u.Name
	}
	nameBytes := []byte(name)
	if len(nameBytes) > 255 {
		nameBytes = nameBytes[:255]
	}
	buf := make([]byte, ed25519.PublicKeySize+8+1+len(nameBytes))
	off := 0
	copy(buf[off:off+ed25519.PublicKeySize], u.Pubkey)
	off += ed25519.PublicKeySize
	binary.BigEndian.PutUint64(buf[off:], uint64(u.Unreads))
	off += 8
	buf[off] = byte(len(nameBytes))
	off++
	copy(buf[off:], nameBytes)
	return buf
}
