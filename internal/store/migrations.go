package store

import (
	"database/sql"
	"fmt"

	"tormsngr/internal/apperr"
)

// migrationStep is one named, idempotent schema change. Steps are applied
// in order inside a single transaction at startup; a step that
// has already run (its name already appears in the migrations table) is a
// no-op. Grounded directly on original_source/src/migrations/mod.rs's
// name-gated init/tracking_ids pair, generalized into a list so later
// steps slot in the same way.
type migrationStep struct {
	name  string
	apply func(tx *sql.Tx) error
}

var migrationSteps = []migrationStep{
	{name: "init", apply: migrateInit},
	{name: "tracking_ids", apply: migrateTrackingIDs},
}

// Migrate runs every pending migration step inside one transaction. The
// transaction is opened with a plain (deferred) BEGIN, not BEGIN
// EXCLUSIVE: SQLite takes its read and write locks only as the statements
// inside it need them. It is idempotent: running it twice in a row
// against the same database is a no-op on the second run.
func (s *Store) Migrate() error {
	_, err := s.submit(func() (any, error) {
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

		if err := ensureMigrationsTable(tx); err != nil {
			return nil, err
		}

		for _, step := range migrationSteps {
			done, err := migrationApplied(tx, step.name)
			if err != nil {
				return nil, err
			}
			if done {
				continue
			}
			if err := step.apply(tx); err != nil {
				return nil, err
			}
			if _, err := tx.Exec("INSERT INTO migrations (name) VALUES (?)", step.name); err != nil {
				return nil, apperr.Storage("INSERT INTO migrations", err)
			}
		}

		if err := tx.Commit(); err != nil {
			return nil, apperr.Storage("COMMIT", err)
		}
		committed = true
		return nil, nil
	})
	return err
}

func ensureMigrationsTable(tx *sql.Tx) error {
	const q = `CREATE TABLE IF NOT EXISTS migrations (
		time TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		name TEXT
	)`
	if _, err := tx.Exec(q); err != nil {
		return apperr.Storage(q, err)
	}
	return nil
}

func migrationApplied(tx *sql.Tx, name string) (bool, error) {
	const q = "SELECT 1 FROM migrations WHERE name = ? LIMIT 1"
	var one int
	err := tx.QueryRow(q, name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apperr.Storage(q, err)
	}
	return true, nil
}

func migrateInit(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			inbound BOOLEAN NOT NULL,
			time INTEGER NOT NULL,
			content TEXT NOT NULL,
			read BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id BLOB PRIMARY KEY,
			name TEXT NOT NULL
		)`,
	}
	for _, q := range stmts {
		if _, err := tx.Exec(q); err != nil {
			return apperr.Storage(q, fmt.Errorf("migration init: %w", err))
		}
	}
	return nil
}

func migrateTrackingIDs(tx *sql.Tx) error {
	hasCol, err := columnExists(tx, "messages", "tracking_id")
	if err != nil {
		return err
	}
	if !hasCol {
		const q = "ALTER TABLE messages ADD COLUMN tracking_id BLOB"
		if _, err := tx.Exec(q); err != nil {
			return apperr.Storage(q, err)
		}
	}
	stmts := []string{
		"CREATE INDEX IF NOT EXISTS messages_user_id_idx ON messages(user_id)",
		"CREATE INDEX IF NOT EXISTS messages_tracking_id_idx ON messages(tracking_id)",
	}
	for _, q := range stmts {
		if _, err := tx.Exec(q); err != nil {
			return apperr.Storage(q, err)
		}
	}
	return nil
}

func columnExists(tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, apperr.Storage("PRAGMA table_info", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notnull    int
			dflt       sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &primaryKey); err != nil {
			return false, apperr.Storage("PRAGMA table_info", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
