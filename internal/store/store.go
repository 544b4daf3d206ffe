// Package store implements the relational persistence and pagination
// engine: schema, migrations, transactional mark-as-read semantics, and
// per-correspondent windowed pagination.
//
// Grounded on keysaver-server/storage.go for the Store-struct-wraps-*sql.DB
// shape and the sql.Open("sqlite", ...) driver choice, generalized from a
// single table to the three-table schema in original_source/src/db.rs and
// src/migrations/mod.rs, which this package follows for exact SQL shapes.
package store

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"tormsngr/internal/apperr"
	"tormsngr/internal/workerpool"
)

// Store wraps the SQLite connection pool and the bounded worker pool every
// blocking call is funneled through.
type Store struct {
	db   *sql.DB
	pool *workerpool.Pool
}

// Open opens (creating if absent) the SQLite database at path, bounds the
// connection pool at maxConns (spec caps this at 8), and starts a
// workerCount-sized blocking-task pool for this store's operations.
func Open(path string, maxConns, workerCount int) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperr.New(apperr.KindStorage, fmt.Errorf("open %s: %w", path, err))
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	return &Store{
		db:   db,
		pool: workerpool.New(workerCount),
	}, nil
}

// Close releases the connection pool and stops the worker pool.
func (s *Store) Close() error {
	s.pool.Close()
	return s.db.Close()
}

func (s *Store) submit(job workerpool.Job) (any, error) {
	return s.pool.Submit(context.Background(), job)
}

// SaveInbound persists a verified inbound message: inbound=true,
// read=false, tracking_id=NULL.
func (s *Store) SaveInbound(from ed25519.PublicKey, t int64, content string) error {
	_, err := s.submit(func() (any, error) {
		const q = "INSERT INTO messages (user_id, inbound, time, content, read) VALUES (?, true, ?, ?, false)"
		if _, err := s.db.Exec(q, []byte(from), t, content); err != nil {
			return nil, apperr.Storage(q, err)
		}
		return nil, nil
	})
	return err
}

// SaveOutbound persists a message that the remote peer has already
// accepted: inbound=false, read=true, tracking id as given (uuid.Nil
// means absent, stored as NULL).
func (s *Store) SaveOutbound(trackingID uuid.UUID, to ed25519.PublicKey, t int64, content string) error {
	_, err := s.submit(func() (any, error) {
		const q = "INSERT INTO messages (tracking_id, user_id, inbound, time, content, read) VALUES (?, ?, false, ?, ?, true)"
		var trackingArg any
		if trackingID != uuid.Nil {
			b := trackingID
			trackingArg = b[:]
		}
		if _, err := s.db.Exec(q, trackingArg, []byte(to), t, content); err != nil {
			return nil, apperr.Storage(q, err)
		}
		return nil, nil
	})
	return err
}

// UpsertUser inserts or updates a correspondent's local display name.
func (s *Store) UpsertUser(pubkey ed25519.PublicKey, name string) error {
	_, err := s.submit(func() (any, error) {
		const q = "INSERT INTO users (id, name) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET name = excluded.name"
		if _, err := s.db.Exec(q, []byte(pubkey), name); err != nil {
			return nil, apperr.Storage(q, err)
		}
		return nil, nil
	})
	return err
}

// DeleteUser removes a user row. Messages from/to that pubkey are
// retained, since users and messages are linked by key equality, not
// referential integrity.
func (s *Store) DeleteUser(pubkey ed25519.PublicKey) error {
	_, err := s.submit(func() (any, error) {
		const q = "DELETE FROM users WHERE id = ?"
		if _, err := s.db.Exec(q, []byte(pubkey)); err != nil {
			return nil, apperr.Storage(q, err)
		}
		return nil, nil
	})
	return err
}

// ListUsersWithUnreads returns, for every correspondent with at least one
// message, their unread count, plus every user row with no messages at
// an unread count of 0.
func (s *Store) ListUsersWithUnreads() ([]UserInfo, error) {
	v, err := s.submit(func() (any, error) {
		const q = `
			SELECT messages.user_id, users.name, SUM(CASE WHEN messages.read THEN 0 ELSE 1 END)
			FROM messages
			LEFT JOIN users ON messages.user_id = users.id
			GROUP BY messages.user_id, users.name
			UNION ALL
			SELECT users.id, users.name, 0
			FROM users
			WHERE users.id NOT IN (SELECT DISTINCT user_id FROM messages)
		`
		rows, err := s.db.Query(q)
		if err != nil {
			return nil, apperr.Storage(q, err)
		}
		defer rows.Close()

		var out []UserInfo
		for rows.Next() {
			var (
				idBytes []byte
				name    sql.NullString
				unreads int64
			)
			if err := rows.Scan(&idBytes, &name, &unreads); err != nil {
				return nil, apperr.Storage(q, err)
			}
			if len(idBytes) != ed25519.PublicKeySize {
				return nil, apperr.New(apperr.KindBadKey, fmt.Errorf("stored user_id has wrong length %d", len(idBytes)))
			}
			info := UserInfo{Pubkey: ed25519.PublicKey(idBytes), Unreads: unreads}
			if name.Valid {
				n := name.String
				info.Name = &n
			}
			out = append(out, info)
		}
		if err := rows.Err(); err != nil {
			return nil, apperr.Storage(q, err)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]UserInfo), nil
}

// messageSelectQuery returns the fixed statement text of the read-set
// SELECT for a given (cursor, hasLimit) combination; messageMarkReadQuery
// below does the same for the mark-as-read UPDATE. Pre-forming all six
// combinations (matching the Rust original's six-arm match) keeps every
// user-supplied value a bound parameter, never interpolated into SQL text.
func messageSelectQuery(kind BeforeAfterKind, hasLimit bool) string {
	switch kind {
	case Before:
		if hasLimit {
			return "SELECT id, tracking_id, time, inbound, content FROM messages WHERE user_id = ? AND id < ? ORDER BY id DESC LIMIT ?"
		}
		return "SELECT id, tracking_id, time, inbound, content FROM messages WHERE user_id = ? AND id < ? ORDER BY id DESC"
	case After:
		if hasLimit {
			return "SELECT id, tracking_id, time, inbound, content FROM messages WHERE user_id = ? AND id > ? ORDER BY id ASC LIMIT ?"
		}
		return "SELECT id, tracking_id, time, inbound, content FROM messages WHERE user_id = ? AND id > ? ORDER BY id ASC"
	default:
		if hasLimit {
			return "SELECT id, tracking_id, time, inbound, content FROM messages WHERE user_id = ? ORDER BY id DESC LIMIT ?"
		}
		return "SELECT id, tracking_id, time, inbound, content FROM messages WHERE user_id = ? ORDER BY id DESC"
	}
}

func messageMarkReadQuery(kind BeforeAfterKind, hasLimit bool) string {
	switch kind {
	case Before:
		if hasLimit {
			return "UPDATE messages SET read = true WHERE user_id = ? AND id IN (SELECT id FROM messages WHERE user_id = ? AND id < ? ORDER BY id DESC LIMIT ?)"
		}
		return "UPDATE messages SET read = true WHERE user_id = ? AND id IN (SELECT id FROM messages WHERE user_id = ? AND id < ? ORDER BY id DESC)"
	case After:
		if hasLimit {
			return "UPDATE messages SET read = true WHERE user_id = ? AND id IN (SELECT id FROM messages WHERE user_id = ? AND id > ? ORDER BY id ASC LIMIT ?)"
		}
		return "UPDATE messages SET read = true WHERE user_id = ? AND id IN (SELECT id FROM messages WHERE user_id = ? AND id > ? ORDER BY id ASC)"
	default:
		if hasLimit {
			return "UPDATE messages SET read = true WHERE user_id = ? AND id IN (SELECT id FROM messages WHERE user_id = ? ORDER BY id DESC LIMIT ?)"
		}
		return "UPDATE messages SET read = true WHERE user_id = ? AND id IN (SELECT id FROM messages WHERE user_id = ? ORDER BY id DESC)"
	}
}

// ListMessages runs the read-(optionally-mark)-read sequence in a single
// transaction so a concurrent reader never observes a mixed state: if
// markAsRead, the exact window about to be returned is flipped to read
// first, then the identical window is selected.
func (s *Store) ListMessages(pubkey ed25519.PublicKey, limits Limits, markAsRead bool) ([]Message, error) {
	v, err := s.submit(func() (any, error) {
		tx, err := s.db.Begin()
		if err != nil {
			return nil, apperr.Storage("BEGIN", err)
		}
		committed := false
		defer func() {
			if !committed {
				tx.Rollback()
			}
		}()

		kind := limits.cursorKind()
		hasLimit := limits.Limit != nil

		if markAsRead {
			q := messageMarkReadQuery(kind, hasLimit)
			args := markReadArgs(pubkey, kind, limits)
			if _, err := tx.Exec(q, args...); err != nil {
				return nil, apperr.Storage(q, err)
			}
		}

		q := messageSelectQuery(kind, hasLimit)
		args := selectArgs(pubkey, kind, limits)
		rows, err := tx.Query(q, args...)
		if err != nil {
			return nil, apperr.Storage(q, err)
		}
		msgs, err := scanMessages(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}

		if err := tx.Commit(); err != nil {
			return nil, apperr.Storage("COMMIT", err)
		}
		committed = true
		return msgs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Message), nil
}

func markReadArgs(pubkey ed25519.PublicKey, kind BeforeAfterKind, limits Limits) []any {
	args := []any{[]byte(pubkey), []byte(pubkey)}
	switch kind {
	case Before, After:
		args = append(args, limits.BeforeAfter.ID)
	}
	if limits.Limit != nil {
		args = append(args, *limits.Limit)
	}
	return args
}

func selectArgs(pubkey ed25519.PublicKey, kind BeforeAfterKind, limits Limits) []any {
	args := []any{[]byte(pubkey)}
	switch kind {
	case Before, After:
		args = append(args, limits.BeforeAfter.ID)
	}
	if limits.Limit != nil {
		args = append(args, *limits.Limit)
	}
	return args
}

// ListNewMessages finds the smallest-id unread message for pubkey and
// returns (optionally marking read) every message from there forward,
// capped by limit if present.
func (s *Store) ListNewMessages(pubkey ed25519.PublicKey, limit *int, markAsRead bool) ([]Message, error) {
	v, err := s.submit(func() (any, error) {
		tx, err := s.db.Begin()
		if err != nil {
			return nil, apperr.Storage("BEGIN", err)
		}
		committed := false
		defer func() {
			if !committed {
				tx.Rollback()
			}
		}()

		const findQ = "SELECT id FROM messages WHERE user_id = ? AND read = false ORDER BY id ASC LIMIT 1"
		var startID int64
		err = tx.QueryRow(findQ, []byte(pubkey)).Scan(&startID)
		if err == sql.ErrNoRows {
			if err := tx.Commit(); err != nil {
				return nil, apperr.Storage("COMMIT", err)
			}
			committed = true
			return []Message{}, nil
		}
		if err != nil {
			return nil, apperr.Storage(findQ, err)
		}

		if markAsRead {
			var q string
			var args []any
			if limit != nil {
				q = "UPDATE messages SET read = true WHERE user_id = ? AND id IN (SELECT id FROM messages WHERE user_id = ? AND id >= ? ORDER BY id ASC LIMIT ?)"
				args = []any{[]byte(pubkey), []byte(pubkey), startID, *limit}
			} else {
				q = "UPDATE messages SET read = true WHERE user_id = ? AND id IN (SELECT id FROM messages WHERE user_id = ? AND id >= ? ORDER BY id ASC)"
				args = []any{[]byte(pubkey), []byte(pubkey), startID}
			}
			if _, err := tx.Exec(q, args...); err != nil {
				return nil, apperr.Storage(q, err)
			}
		}

		var q string
		var args []any
		if limit != nil {
			q = "SELECT id, tracking_id, time, inbound, content FROM messages WHERE user_id = ? AND id >= ? ORDER BY id ASC LIMIT ?"
			args = []any{[]byte(pubkey), startID, *limit}
		} else {
			q = "SELECT id, tracking_id, time, inbound, content FROM messages WHERE user_id = ? AND id >= ? ORDER BY id ASC"
			args = []any{[]byte(pubkey), startID}
		}
		rows, err := tx.Query(q, args...)
		if err != nil {
			return nil, apperr.Storage(q, err)
		}
		msgs, err := scanMessages(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}

		if err := tx.Commit(); err != nil {
			return nil, apperr.Storage("COMMIT", err)
		}
		committed = true
		return msgs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Message), nil
}

// CountMessagesByUser returns the total number of messages (in either
// direction) stored for a correspondent.
func (s *Store) CountMessagesByUser(pubkey ed25519.PublicKey) (int64, error) {
	v, err := s.submit(func() (any, error) {
		const q = "SELECT count(*) FROM messages WHERE user_id = ?"
		var n int64
		if err := s.db.QueryRow(q, []byte(pubkey)).Scan(&n); err != nil {
			return nil, apperr.Storage(q, err)
		}
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var (
			id         int64
			trackingID []byte
			t          int64
			inbound    bool
			content    string
		)
		if err := rows.Scan(&id, &trackingID, &t, &inbound, &content); err != nil {
			return nil, apperr.Storage("scan message row", err)
		}
		msg := Message{ID: id, Time: t, Inbound: inbound, Content: content}
		if len(trackingID) == 16 {
			u, err := uuid.FromBytes(trackingID)
			if err != nil {
				return nil, apperr.Storage("scan message row", fmt.Errorf("malformed tracking id: %w", err))
			}
			msg.TrackingID = u
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("iterate message rows", err)
	}
	return out, nil
}
