// Package apperr defines the typed error kinds shared by the wire codec,
// store, and messenger, and maps them to the HTTP status the api package
// should return.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a coarse error category. Every error returned across package
// boundaries in this module can be classified into exactly one of these.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindRemoteRejected
	KindBadEncoding
	KindUnsupportedVersion
	KindBadKey
	KindBadSignature
	KindTruncatedFrame
	KindStorage
	KindConfig
	KindAuth
)

// Error is the concrete error type produced by this module's packages.
// It wraps an underlying cause and carries enough context (a statement
// name, a remote status code) for operator diagnosis without leaking
// that detail into control flow.
type Error struct {
	Kind   Kind
	Stmt   string // set for KindStorage: the offending statement
	Status int    // set for KindRemoteRejected: the remote's HTTP status
	Cause  error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindStorage:
		if e.Stmt != "" {
			return fmt.Sprintf("storage: %s: %v", e.Stmt, e.Cause)
		}
		return fmt.Sprintf("storage: %v", e.Cause)
	case KindRemoteRejected:
		return fmt.Sprintf("remote rejected with status %d", e.Status)
	default:
		if e.Cause != nil {
			return fmt.Sprintf("%s: %v", kindName[e.Kind], e.Cause)
		}
		return kindName[e.Kind]
	}
}

func (e *Error) Unwrap() error { return e.Cause }

var kindName = map[Kind]string{
	KindUnknown:            "unknown",
	KindTransport:          "transport",
	KindRemoteRejected:     "remote rejected",
	KindBadEncoding:        "bad encoding",
	KindUnsupportedVersion: "unsupported version",
	KindBadKey:             "bad key",
	KindBadSignature:       "bad signature",
	KindTruncatedFrame:     "truncated frame",
	KindStorage:            "storage",
	KindConfig:             "config",
	KindAuth:               "auth",
}

// HTTPStatus maps an error's kind to the status code the api surface
// should respond with. A nil error maps to 200; unrecognized errors map
// to 500.
//
// Per the original's handle() wrapper (main.rs), nearly every error that
// surfaces from a handler becomes a 500; the only 400s it returns are the
// request's own structural shape being wrong (missing/malformed opcode,
// un-urlencodable query string) and those are produced directly at the
// call sites that detect them, not through this function. A wire-decode
// or key-decode failure happens only after the request already parsed
// structurally, so none of the Kinds below get a 400 here.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindAuth:
			return http.StatusUnauthorized
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}

func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

func Storage(stmt string, cause error) *Error {
	return &Error{Kind: KindStorage, Stmt: stmt, Cause: cause}
}

func RemoteRejected(status int) *Error {
	return &Error{Kind: KindRemoteRejected, Status: status}
}

func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
