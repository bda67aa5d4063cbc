// Package db persists the intents published on the marketplace and the
// outcome of their auctions
package db

import (
	"database/sql"
	"errors"
)

var (
	// ErrIntentNotFound is returned when the intent id is not in the db
	ErrIntentNotFound = errors.New("intent not found in the db")
	// ErrIntentExists is returned when storing an intent id twice
	ErrIntentExists = errors.New("intent already stored")
	// ErrOutcomeNotFound is returned when no auction outcome is stored for
	// the intent id
	ErrOutcomeNotFound = errors.New("auction outcome not found in the db")
)

// SQLite represents the SQLite database
type SQLite struct {
	db *sql.DB
}

// NewSQLite returns a new *SQLite database
func NewSQLite(db *sql.DB) *SQLite {
	// foreign_keys is a per connection pragma
	db.SetMaxOpenConns(1)
	return &SQLite{
		db: db,
	}
}

// Migrate creates the tables needed for the database
func (r *SQLite) Migrate() error {
	query := `
	PRAGMA foreign_keys = ON;
	`
	_, err := r.db.Exec(query)
	if err != nil {
		return err
	}

	query = `
	CREATE TABLE IF NOT EXISTS intents(
		id BLOB NOT NULL PRIMARY KEY UNIQUE,
		kind TEXT NOT NULL,
		system TEXT NOT NULL,
		signer BLOB NOT NULL,
		startAuctionTimestamp INTEGER NOT NULL,
		endAuctionTimestamp INTEGER NOT NULL,
		payload BLOB NOT NULL,
		expired BOOLEAN NOT NULL DEFAULT 0,
		insertedDatetime DATETIME
	);
	`
	_, err = r.db.Exec(query)
	if err != nil {
		return err
	}

	query = `
	CREATE INDEX IF NOT EXISTS intents_active
	ON intents(kind, system, expired, endAuctionTimestamp);
	`
	_, err = r.db.Exec(query)
	if err != nil {
		return err
	}

	query = `
	CREATE TABLE IF NOT EXISTS auctions(
		intentID BLOB NOT NULL PRIMARY KEY UNIQUE,
		state TEXT NOT NULL,
		eligible INTEGER NOT NULL,
		winner BLOB,
		amount TEXT,
		ethBlockNum INTEGER,
		txHash BLOB,
		insertedDatetime DATETIME,
		FOREIGN KEY(intentID) REFERENCES intents(id)
	);
	`
	_, err = r.db.Exec(query)
	if err != nil {
		return err
	}

	return nil
}

// Close closes the underlying database
func (r *SQLite) Close() error {
	return r.db.Close()
}
