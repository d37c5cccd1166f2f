package rpc

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"lukechampine.com/blake3"
	_ "modernc.org/sqlite"
)

var (
	// ErrIdempotencyConflict is returned when a key is reused with a
	// different request.
	ErrIdempotencyConflict = errors.New("idempotency key reuse with different request")
	// ErrIdempotencyInFlight is returned while another request holding the
	// same key is still executing.
	ErrIdempotencyInFlight = errors.New("idempotency key in use by a request still in progress")
)

// pendingStatus marks a reserved key whose response is not stored yet.
const pendingStatus = 0

// IdempotencyStore persists responses of mutating RPC calls keyed by the
// caller and its Idempotency-Key header.
type IdempotencyStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// StoredResponse represents a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

// NewIdempotencyStore opens the sqlite database at path. Entries older than
// ttl are ignored and pruned; a non-positive ttl keeps them forever.
func NewIdempotencyStore(path string, ttl time.Duration) (*IdempotencyStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	store := &IdempotencyStore{db: db, ttl: ttl, now: time.Now}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *IdempotencyStore) init() error {
	const schema = `CREATE TABLE IF NOT EXISTS idempotency_keys (
            client TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at INTEGER NOT NULL,
            PRIMARY KEY(client, idempotency_key)
        );`
	_, err := s.db.Exec(schema)
	return err
}

func (s *IdempotencyStore) Close() error {
	return s.db.Close()
}

// Reserve claims (client, key) for the request identified by requestHash.
// It returns (nil, nil) when the caller now owns the key and must run the
// request, the stored response when the request already completed,
// ErrIdempotencyInFlight while another holder is still running it, and
// ErrIdempotencyConflict when the key was used for a different request.
func (s *IdempotencyStore) Reserve(ctx context.Context, client, key, requestHash string) (*StoredResponse, error) {
	now := s.now().Unix()
	if s.ttl > 0 {
		const purge = `DELETE FROM idempotency_keys WHERE client = ? AND idempotency_key = ? AND created_at < ?`
		if _, err := s.db.ExecContext(ctx, purge, client, key, s.now().Add(-s.ttl).Unix()); err != nil {
			return nil, err
		}
	}
	const claim = `INSERT OR IGNORE INTO idempotency_keys(client, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, claim, client, key, requestHash, pendingStatus, []byte{}, now)
	if err != nil {
		return nil, err
	}
	if claimed, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if claimed == 1 {
		return nil, nil
	}

	const query = `SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE client = ? AND idempotency_key = ?`
	var (
		status     int
		body       []byte
		storedHash string
	)
	err = s.db.QueryRowContext(ctx, query, client, key).Scan(&status, &body, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		// Released between the claim and the read; the caller may retry.
		return nil, ErrIdempotencyInFlight
	}
	if err != nil {
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyConflict
	}
	if status == pendingStatus {
		return nil, ErrIdempotencyInFlight
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

// Complete stores the response of a reserved request for replay.
func (s *IdempotencyStore) Complete(ctx context.Context, client, key, requestHash string, status int, body []byte) error {
	const stmt = `UPDATE idempotency_keys SET response_status = ?, response_body = ? WHERE client = ? AND idempotency_key = ? AND request_hash = ? AND response_status = ?`
	_, err := s.db.ExecContext(ctx, stmt, status, body, client, key, requestHash, pendingStatus)
	return err
}

// Release drops a reservation whose request did not produce a replayable
// response, so the client can retry with the same key.
func (s *IdempotencyStore) Release(ctx context.Context, client, key, requestHash string) error {
	const stmt = `DELETE FROM idempotency_keys WHERE client = ? AND idempotency_key = ? AND request_hash = ? AND response_status = ?`
	_, err := s.db.ExecContext(ctx, stmt, client, key, requestHash, pendingStatus)
	return err
}

// Prune deletes expired entries and returns how many were removed.
func (s *IdempotencyStore) Prune(ctx context.Context) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.ttl).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// hashRequest binds an idempotency key to the caller, the method and the
// compacted parameters.
func hashRequest(client, method string, params []json.RawMessage) string {
	hasher := blake3.New(32, nil)
	hasher.Write([]byte(client))
	hasher.Write([]byte{0})
	hasher.Write([]byte(strings.ToLower(method)))
	for _, param := range params {
		hasher.Write([]byte{0})
		var compact bytes.Buffer
		if err := json.Compact(&compact, param); err != nil {
			hasher.Write(param)
			continue
		}
		hasher.Write(compact.Bytes())
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
