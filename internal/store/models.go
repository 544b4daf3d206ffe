package store

import (
	"crypto/ed25519"

	"github.com/google/uuid"
)

// Message is a stored message row, as returned by ListMessages and
// ListNewMessages.
type Message struct {
	ID         int64
	TrackingID uuid.UUID // uuid.Nil means "absent", per spec's wire contract
	Time       int64
	Inbound    bool
	Content    string
}

// UserInfo is one row of ListUsersWithUnreads: a correspondent, their
// optional local display name, and their unread message count.
type UserInfo struct {
	Pubkey  ed25519.PublicKey
	Name    *string
	Unreads int64
}
