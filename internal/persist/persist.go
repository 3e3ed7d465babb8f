// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package persist

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math"
	"net/url"
	"strings"
	gosync "sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
)

// MaxConns is the default ceiling on open database connections.
const MaxConns = 4

var (
	// ErrNotFound is returned by single row reads that match nothing.
	ErrNotFound = errors.New("persist: not found")

	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("persist: database closed")

	errHistoryDecrease = errors.New("attempt to decrease the latest history_id")
)

var (
	createTableSql = []string{
		// The messages table holds the cached metadata of each
		// message.
		//
		// Field: message_id
		//
		//   GMail API: Users.messages resource "id" field.  The
		//   API exposes it as a uint64 encoded in hex; it is
		//   stored through orderedToSigned so that SQLite's
		//   signed integers sort in the same order.
		//
		// Field: history_id
		//
		//   GMail API: Users.messages resource "historyId" field,
		//   stored through orderedToSigned.
		//
		// Field: internal_date
		//
		//   Milliseconds since the epoch.  Full sync replaces
		//   messages window by window on this column, hence the
		//   index.
		//
		// Field: label_ids
		//
		//   Comma separated label IDs, never duplicated.
		`
CREATE TABLE IF NOT EXISTS messages (
message_id INTEGER NOT NULL PRIMARY KEY,
thread_id TEXT NOT NULL,
history_id INTEGER NOT NULL,
field_to TEXT NOT NULL DEFAULT '',
field_from TEXT NOT NULL DEFAULT '',
subject TEXT NOT NULL DEFAULT '',
snippet TEXT NOT NULL DEFAULT '',
internal_date INTEGER NOT NULL,
label_ids TEXT NOT NULL DEFAULT ''
);`,
		`CREATE INDEX IF NOT EXISTS messages_internal_date ON messages (internal_date);`,
		// The labels table mirrors Users.labels resources.
		//
		// Field: type
		//
		//   Valid values are "system" or "user".
		`
CREATE TABLE IF NOT EXISTS labels (
label_id TEXT NOT NULL PRIMARY KEY,
name TEXT NOT NULL,
type TEXT NOT NULL,
label_list_visibility TEXT NOT NULL DEFAULT '',
message_list_visibility TEXT NOT NULL DEFAULT '',
messages_total INTEGER NOT NULL DEFAULT 0,
text_color TEXT NOT NULL DEFAULT '',
background_color TEXT NOT NULL DEFAULT ''
);`,
		// The emails table caches raw message bodies.  A body
		// belongs to exactly one message and goes away with it.
		`
CREATE TABLE IF NOT EXISTS emails (
id INTEGER PRIMARY KEY,
message_pk INTEGER NOT NULL UNIQUE
  REFERENCES messages (message_id) ON DELETE CASCADE,
payload BLOB NOT NULL
);`,
		// The contacts table mirrors the user's People API
		// connections.  It is replaced wholesale on each contact
		// sync.
		`
CREATE TABLE IF NOT EXISTS contacts (
resource_name TEXT NOT NULL PRIMARY KEY,
etag TEXT NOT NULL DEFAULT '',
name TEXT NOT NULL DEFAULT '',
email TEXT NOT NULL DEFAULT ''
);`,
		// The app_info table holds a single row describing sync
		// progress.
		//
		// Field: last_time_synced
		//
		//   Milliseconds since the epoch, zero if never.
		//
		// Field: latest_history_id
		//
		//   The highest history ID observed, stored through
		//   orderedToSigned.  It never decreases.
		`
CREATE TABLE IF NOT EXISTS app_info (
id INTEGER NOT NULL PRIMARY KEY CHECK (id = 0),
last_synced_date INTEGER NOT NULL DEFAULT 0,
date_of_oldest_email INTEGER NOT NULL DEFAULT 0,
last_time_synced INTEGER NOT NULL DEFAULT 0,
latest_history_id INTEGER NOT NULL
);`,
		// The change_list table queues user actions taken while
		// offline, replayed in id order.
		`
CREATE TABLE IF NOT EXISTS change_list (
id INTEGER PRIMARY KEY AUTOINCREMENT,
api_type TEXT NOT NULL,
action_type TEXT NOT NULL,
payload BLOB NOT NULL
);`,
	}
)

// DB is the local cache.  Connections are borrowed from a bounded pool
// with Acquire and returned with Release.
type DB struct {
	db   *sqlx.DB
	path string
	max  int

	idle chan *Conn
	sem  chan struct{}

	// gate is held shared by write transactions and exclusively
	// by Checkpoint.
	gate gosync.RWMutex

	mu     gosync.Mutex
	closed bool
}

// Conn is one borrowed database connection.
type Conn struct {
	*sqlx.Conn
}

// Tx is a write transaction on a borrowed connection.  Commit and
// Rollback return the connection to the pool.
type Tx struct {
	tx   *sqlx.Tx
	db   *DB
	conn *Conn
	done bool
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open opens or creates the cache at path with at most maxConns open
// connections.  A maxConns of zero means MaxConns.
func Open(ctx context.Context, path string, maxConns int) (*DB, error) {
	if maxConns <= 0 {
		maxConns = MaxConns
	}
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  The default of 5
	// seconds is too short in practice, especially in slower
	// debug builds; go with 5 minutes.
	var busyTimeout = int(5*time.Minute) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)},
		"_journal_mode": {"WAL"},
		"_foreign_keys": {"on"},
		"_synchronous":  {"NORMAL"},
	})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	log.Printf("opening database at %q\n", dsn)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	if err = initSchema(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}

	return &DB{
		db:   db,
		path: path,
		max:  maxConns,
		idle: make(chan *Conn, maxConns),
		sem:  make(chan struct{}, maxConns),
	}, nil
}

// Path returns the database file name.
func (db *DB) Path() string {
	return db.path
}

// Close closes idle connections and the database.  Connections still
// borrowed are closed when released.
func (db *DB) Close() error {
	db.mu.Lock()
	db.closed = true
	db.mu.Unlock()
	for {
		select {
		case c := <-db.idle:
			c.Close()
			<-db.sem
		default:
			return db.db.Close()
		}
	}
}

func (db *DB) isClosed() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.closed
}

// Acquire borrows a connection.  It reuses an idle one, opens a fresh
// one if fewer than the maximum are open, and otherwise waits for a
// Release.
func (db *DB) Acquire(ctx context.Context) (*Conn, error) {
	if db.isClosed() {
		return nil, ErrClosed
	}
	select {
	case c := <-db.idle:
		return c, nil
	default:
	}
	select {
	case c := <-db.idle:
		return c, nil
	case db.sem <- struct{}{}:
		c, err := db.db.Connx(ctx)
		if err != nil {
			<-db.sem
			return nil, errors.Wrap(err, "opening database connection")
		}
		return &Conn{c}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a borrowed connection.  Connections in excess of the
// pool's capacity, or released after Close, are closed.
func (db *DB) Release(c *Conn) {
	if !db.isClosed() {
		select {
		case db.idle <- c:
			return
		default:
		}
	}
	c.Close()
	<-db.sem
}

func (db *DB) withConn(ctx context.Context, f func(*Conn) error) error {
	c, err := db.Acquire(ctx)
	if err != nil {
		return err
	}
	defer db.Release(c)
	return f(c)
}

// Begin starts a write transaction.  It waits while a checkpoint is in
// progress.
func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	db.gate.RLock()
	c, err := db.Acquire(ctx)
	if err != nil {
		db.gate.RUnlock()
		return nil, err
	}
	tx, err := c.BeginTxx(ctx, nil)
	if err != nil {
		db.Release(c)
		db.gate.RUnlock()
		return nil, errors.Wrap(err, "begin transaction failed")
	}
	return &Tx{tx: tx, db: db, conn: c}, nil
}

func (tx *Tx) finish() {
	tx.done = true
	tx.db.Release(tx.conn)
	tx.db.gate.RUnlock()
}

func (tx *Tx) Commit() error {
	if tx.done {
		return sql.ErrTxDone
	}
	defer tx.finish()
	return errors.Wrap(tx.tx.Commit(), "commit failed")
}

// Rollback aborts the transaction.  It is a no-op after Commit, so it
// may be deferred.
func (tx *Tx) Rollback() error {
	if tx.done {
		return nil
	}
	defer tx.finish()
	return tx.tx.Rollback()
}

func initSchema(ctx context.Context, db *sqlx.DB) error {
	for _, sql := range createTableSql {
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}

	return nil
}

func orderedToSigned(u uint64) int64 {
	return int64(u - -math.MinInt64) // Imagine 0..255 -> -128..127
}

func orderedToUnsigned(s int64) uint64 {
	return uint64(s) + -math.MinInt64 // Imagine -128..127 -> 0..255
}
