// Package store implements the SQLite storage layer: schema
// migrations, the append-only event log with hash chaining, exchanges,
// ingest checkpoints, FTS5 keyword indexes, and maintenance.
//
// Write discipline: one dedicated connection serialized behind a mutex
// performs all writes; a pooled set of read connections serves queries.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"diachron/internal/chain"
	"diachron/internal/logging"
)

// Store errors.
var (
	ErrNotFound  = errors.New("store: not found")
	ErrImmutable = errors.New("store: events are immutable")
	ErrClosed    = errors.New("store: closed")
	ErrReadOnly  = errors.New("store: opened read-only")
)

// Options tunes the store connections.
type Options struct {
	// MaxReadConnections is the read pool size. Default 4.
	MaxReadConnections int

	// BusyTimeoutMs is the SQLite busy timeout. Default 10000.
	BusyTimeoutMs int

	// CheckpointInterval is the chain checkpoint cadence. Default 24h.
	CheckpointInterval time.Duration
}

func (o *Options) withDefaults() Options {
	opts := Options{
		MaxReadConnections: 4,
		BusyTimeoutMs:      10000,
		CheckpointInterval: 24 * time.Hour,
	}
	if o == nil {
		return opts
	}
	if o.MaxReadConnections > 0 {
		opts.MaxReadConnections = o.MaxReadConnections
	}
	if o.BusyTimeoutMs > 0 {
		opts.BusyTimeoutMs = o.BusyTimeoutMs
	}
	if o.CheckpointInterval > 0 {
		opts.CheckpointInterval = o.CheckpointInterval
	}
	return opts
}

// Store is the SQLite-backed storage layer.
type Store struct {
	path    string
	writeDB *sql.DB
	readDB  *sql.DB
	writeMu sync.Mutex
	opts    Options
	log     *logging.Logger

	// signCheckpoint, when set, produces a signature for a new chain
	// checkpoint. Configured by the daemon when a signing key exists.
	signCheckpoint func(cp *chain.Checkpoint) []byte
}

// Open opens (or creates) the database at path and applies migrations.
func Open(path string, opts *Options, log *logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.Default()
	}
	o := opts.withDefaults()

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL&_foreign_keys=on",
		path, o.BusyTimeoutMs,
	)

	writeDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	if err := requireFTS5(writeDB); err != nil {
		writeDB.Close()
		return nil, err
	}

	readDB, err := sql.Open("sqlite3", dsn+"&mode=ro&_query_only=true")
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("open read pool: %w", err)
	}
	readDB.SetMaxOpenConns(o.MaxReadConnections)

	s := &Store{
		path:    path,
		writeDB: writeDB,
		readDB:  readDB,
		opts:    o,
		log:     log.WithComponent("store"),
	}

	if err := s.migrate(context.Background()); err != nil {
		s.Close()
		return nil, err
	}

	// The read pool cannot open a missing file in ro mode, so ping it
	// only after migrations have created the database.
	if err := readDB.Ping(); err != nil {
		s.Close()
		return nil, fmt.Errorf("ping read pool: %w", err)
	}

	return s, nil
}

// OpenReadOnly opens an existing database for queries only: no
// migrations run and no write connection is taken. Used by the offline
// verifier so checking the evidence never mutates it.
func OpenReadOnly(path string, opts *Options, log *logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.Default()
	}
	o := opts.withDefaults()

	dsn := fmt.Sprintf(
		"file:%s?mode=ro&_query_only=true&_busy_timeout=%d",
		path, o.BusyTimeoutMs,
	)
	readDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open read-only database: %w", err)
	}
	readDB.SetMaxOpenConns(o.MaxReadConnections)

	if err := readDB.Ping(); err != nil {
		readDB.Close()
		return nil, fmt.Errorf("open read-only database: %w", err)
	}
	if err := requireFTS5(readDB); err != nil {
		readDB.Close()
		return nil, err
	}

	return &Store{
		path:   path,
		readDB: readDB,
		opts:   o,
		log:    log.WithComponent("store"),
	}, nil
}

// requireFTS5 checks that the linked SQLite carries the FTS5 module.
// mattn/go-sqlite3 compiles it in only under the sqlite_fts5 build
// tag; without it the schema's virtual tables fail with a cryptic
// "no such module" deep inside migration or query planning.
func requireFTS5(db *sql.DB) error {
	var n int
	if err := db.QueryRow(
		`SELECT COUNT(*) FROM pragma_module_list WHERE name = 'fts5'`).Scan(&n); err != nil {
		return fmt.Errorf("probe fts5 module: %w", err)
	}
	if n == 0 {
		return errors.New("store: sqlite driver built without FTS5, rebuild with -tags sqlite_fts5")
	}
	return nil
}

// SetCheckpointSigner installs the checkpoint signature hook.
func (s *Store) SetCheckpointSigner(sign func(cp *chain.Checkpoint) []byte) {
	s.signCheckpoint = sign
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes both connection pools.
func (s *Store) Close() error {
	var firstErr error
	if s.readDB != nil {
		if err := s.readDB.Close(); err != nil {
			firstErr = err
		}
	}
	if s.writeDB != nil {
		if err := s.writeDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// execWrite runs fn under the writer lock, retrying once on a
// transient SQLite error (busy/locked).
func (s *Store) execWrite(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.writeDB == nil {
		return ErrReadOnly
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.runTx(ctx, fn)
	if err != nil && isTransient(err) {
		s.log.Debug("retrying transient write error", "error", err)
		time.Sleep(50 * time.Millisecond)
		err = s.runTx(ctx, fn)
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// isTransient reports whether err is a retryable SQLite error.
func isTransient(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// nowUTC returns the current time as an RFC 3339 UTC string, the
// canonical timestamp format throughout the store.
func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// EncodeVector serializes a float32 vector as little-endian bytes.
func EncodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeVector deserializes a little-endian float32 vector.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("decode vector: length %d not a multiple of 4", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}

// nullStr converts a *string to sql.NullString.
func nullStr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// strPtr converts a sql.NullString to *string.
func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// nullInt converts a *int64 to sql.NullInt64.
func nullInt(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}

// intPtr converts a sql.NullInt64 to *int64.
func intPtr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}
