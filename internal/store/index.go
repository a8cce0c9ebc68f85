// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"namespacelabs.dev/buildgraph/schema"
)

//go:embed schema.sql
var schemaSQL string

// index keeps track of which blobs are stored locally and until when they're leased. It also
// hosts the local action cache.
type index struct {
	db *sql.DB
}

func openIndex(path string) (*index, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to index: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply index schema: %w", err)
	}

	return &index{db: db}, nil
}

func (idx *index) Close() error { return idx.db.Close() }

// touch records the blob, extending its lease to at least `until`.
func (idx *index) touch(ctx context.Context, d schema.Digest, until time.Time) error {
	_, err := idx.db.ExecContext(ctx, `INSERT INTO blobs (hash, size, lease_until) VALUES (?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET lease_until = max(lease_until, excluded.lease_until)`,
		d.Hex(), d.SizeBytes, until.UnixNano())
	return err
}

// forgetExpired drops the blob if its lease ended before `now`. Returns true if it did.
func (idx *index) forgetExpired(ctx context.Context, d schema.Digest, now time.Time) (bool, error) {
	res, err := idx.db.ExecContext(ctx, `DELETE FROM blobs WHERE hash = ? AND lease_until < ?`, d.Hex(), now.UnixNano())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (idx *index) count(ctx context.Context) (int, error) {
	var n int
	err := idx.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blobs`).Scan(&n)
	return n, err
}

// expired returns the blobs whose lease ended before `now`.
func (idx *index) expired(ctx context.Context, now time.Time) ([]schema.Digest, error) {
	rows, err := idx.db.QueryContext(ctx, `SELECT hash, size FROM blobs WHERE lease_until < ?`, now.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []schema.Digest
	for rows.Next() {
		var hash string
		var size int64
		if err := rows.Scan(&hash, &size); err != nil {
			return nil, err
		}

		d, err := schema.NewDigest(hash, size)
		if err != nil {
			return nil, err
		}

		res = append(res, d)
	}

	return res, rows.Err()
}

func (idx *index) loadActionResult(ctx context.Context, action schema.Digest) ([]byte, bool, error) {
	var result []byte
	err := idx.db.QueryRowContext(ctx, `SELECT result FROM action_results WHERE action_hash = ? AND action_size = ?`,
		action.Hex(), action.SizeBytes).Scan(&result)
	if err == sql.ErrNoRows {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return result, true, nil
}

func (idx *index) storeActionResult(ctx context.Context, action schema.Digest, result []byte) error {
	_, err := idx.db.ExecContext(ctx, `INSERT INTO action_results (action_hash, action_size, result, created) VALUES (?, ?, ?, ?)
		ON CONFLICT(action_hash) DO UPDATE SET action_size = excluded.action_size, result = excluded.result, created = excluded.created`,
		action.Hex(), action.SizeBytes, result, time.Now().UnixNano())
	return err
}

func (idx *index) pruneActionResults(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := idx.db.ExecContext(ctx, `DELETE FROM action_results WHERE created < ?`, olderThan.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
