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

	"github.com/jmoiron/sqlx"
	"github.com/matta/mailsync/internal/message"
	"github.com/pkg/errors"
)

type messageRow struct {
	MessageID    int64  `db:"message_id"`
	ThreadID     string `db:"thread_id"`
	HistoryID    int64  `db:"history_id"`
	To           string `db:"field_to"`
	From         string `db:"field_from"`
	Subject      string `db:"subject"`
	Snippet      string `db:"snippet"`
	InternalDate int64  `db:"internal_date"`
	LabelIDs     string `db:"label_ids"`
}

func toRow(m *message.Message) messageRow {
	return messageRow{
		MessageID:    orderedToSigned(m.ID),
		ThreadID:     m.ThreadID,
		HistoryID:    orderedToSigned(m.HistoryID),
		To:           m.To,
		From:         m.From,
		Subject:      m.Subject,
		Snippet:      m.Snippet,
		InternalDate: m.InternalDate,
		LabelIDs:     message.JoinLabels(m.LabelIDs),
	}
}

func (r *messageRow) message() *message.Message {
	return &message.Message{
		ID:           orderedToUnsigned(r.MessageID),
		ThreadID:     r.ThreadID,
		HistoryID:    orderedToUnsigned(r.HistoryID),
		To:           r.To,
		From:         r.From,
		Subject:      r.Subject,
		Snippet:      r.Snippet,
		InternalDate: r.InternalDate,
		LabelIDs:     message.SplitLabels(r.LabelIDs),
	}
}

func toMessages(rows []messageRow) []*message.Message {
	out := make([]*message.Message, len(rows))
	for i := range rows {
		out[i] = rows[i].message()
	}
	return out
}

const (
	insertMessageSql = `
INSERT INTO messages
(message_id, thread_id, history_id, field_to, field_from, subject, snippet, internal_date, label_ids)
VALUES
(:message_id, :thread_id, :history_id, :field_to, :field_from, :subject, :snippet, :internal_date, :label_ids)`

	upsertSuffix = `
ON CONFLICT (message_id) DO UPDATE SET
thread_id = excluded.thread_id,
history_id = excluded.history_id,
field_to = excluded.field_to,
field_from = excluded.field_from,
subject = excluded.subject,
snippet = excluded.snippet,
internal_date = excluded.internal_date,
label_ids = excluded.label_ids`

	ignoreSuffix = `
ON CONFLICT (message_id) DO NOTHING`

	selectMessageSql = `
SELECT message_id, thread_id, history_id, field_to, field_from, subject, snippet, internal_date, label_ids
FROM messages`
)

func (tx *Tx) putMessages(ctx context.Context, q string, msgs []*message.Message) error {
	stmt, err := tx.tx.PrepareNamedContext(ctx, q)
	if err != nil {
		return errors.Wrap(err, "db prepare statement failed for message insert")
	}
	defer stmt.Close()
	for _, m := range msgs {
		if _, err := stmt.ExecContext(ctx, toRow(m)); err != nil {
			return errors.Wrapf(err, "inserting message %s", message.FormatID(m.ID))
		}
	}
	return nil
}

// UpsertMessages inserts msgs, overwriting rows that already exist.
func (tx *Tx) UpsertMessages(ctx context.Context, msgs []*message.Message) error {
	return tx.putMessages(ctx, insertMessageSql+upsertSuffix, msgs)
}

// InsertMessages inserts msgs, leaving rows that already exist alone.
func (tx *Tx) InsertMessages(ctx context.Context, msgs []*message.Message) error {
	return tx.putMessages(ctx, insertMessageSql+ignoreSuffix, msgs)
}

// ReplaceRange deletes every message with an internal date in
// [begin, end) and then upserts msgs.
func (tx *Tx) ReplaceRange(ctx context.Context, begin, end int64, msgs []*message.Message) error {
	const q = `DELETE FROM messages WHERE internal_date >= ? AND internal_date < ?`
	if _, err := tx.tx.ExecContext(ctx, q, begin, end); err != nil {
		return errors.Wrap(err, "deleting message range")
	}
	return tx.UpsertMessages(ctx, msgs)
}

func signedIDs(ids []uint64) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = orderedToSigned(id)
	}
	return out
}

// DeleteMessages deletes the messages with the given ids along with
// their cached bodies.
func (tx *Tx) DeleteMessages(ctx context.Context, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	q, args, err := sqlx.In(`DELETE FROM messages WHERE message_id IN (?)`, signedIDs(ids))
	if err != nil {
		return errors.Wrap(err, "building message delete")
	}
	if _, err := tx.tx.ExecContext(ctx, tx.tx.Rebind(q), args...); err != nil {
		return errors.Wrap(err, "deleting messages")
	}
	return nil
}

// UpdateLabels replaces the label set of one message.
func (tx *Tx) UpdateLabels(ctx context.Context, id uint64, labels []string) error {
	const q = `UPDATE messages SET label_ids = ? WHERE message_id = ?`
	if _, err := tx.tx.ExecContext(ctx, q, message.JoinLabels(labels), orderedToSigned(id)); err != nil {
		return errors.Wrapf(err, "updating labels of message %s", message.FormatID(id))
	}
	return nil
}

// PutEmail caches the raw body of a message.
func (tx *Tx) PutEmail(ctx context.Context, id uint64, payload []byte) error {
	const q = `
INSERT INTO emails (message_pk, payload) VALUES (?, ?)
ON CONFLICT (message_pk) DO UPDATE SET payload = excluded.payload`
	if _, err := tx.tx.ExecContext(ctx, q, orderedToSigned(id), payload); err != nil {
		return errors.Wrapf(err, "caching body of message %s", message.FormatID(id))
	}
	return nil
}

// Message reads one message within the transaction.
func (tx *Tx) Message(ctx context.Context, id uint64) (*message.Message, error) {
	var row messageRow
	err := tx.tx.GetContext(ctx, &row, selectMessageSql+` WHERE message_id = ?`, orderedToSigned(id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading message %s", message.FormatID(id))
	}
	return row.message(), nil
}

// Message reads one message.
func (db *DB) Message(ctx context.Context, id uint64) (*message.Message, error) {
	var row messageRow
	err := db.withConn(ctx, func(c *Conn) error {
		return c.GetContext(ctx, &row, selectMessageSql+` WHERE message_id = ?`, orderedToSigned(id))
	})
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading message %s", message.FormatID(id))
	}
	return row.message(), nil
}

// Messages reads the messages with the given ids.  Ids with no row
// are skipped.
func (db *DB) Messages(ctx context.Context, ids []uint64) ([]*message.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q, args, err := sqlx.In(selectMessageSql+` WHERE message_id IN (?) ORDER BY internal_date DESC`, signedIDs(ids))
	if err != nil {
		return nil, errors.Wrap(err, "building message query")
	}
	var rows []messageRow
	err = db.withConn(ctx, func(c *Conn) error {
		return c.SelectContext(ctx, &rows, c.Rebind(q), args...)
	})
	if err != nil {
		return nil, errors.Wrap(err, "reading messages")
	}
	return toMessages(rows), nil
}

// ListMessages returns one page of messages, newest first.  An empty
// label matches every message.
func (db *DB) ListMessages(ctx context.Context, label string, offset, limit int) ([]*message.Message, error) {
	q := selectMessageSql
	var args []interface{}
	if label != "" {
		q += ` WHERE (',' || label_ids || ',') LIKE ?`
		args = append(args, "%,"+label+",%")
	}
	q += ` ORDER BY internal_date DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	var rows []messageRow
	err := db.withConn(ctx, func(c *Conn) error {
		return c.SelectContext(ctx, &rows, q, args...)
	})
	if err != nil {
		return nil, errors.Wrap(err, "listing messages")
	}
	return toMessages(rows), nil
}

// MessagesInRange returns the messages with an internal date in
// [begin, end), newest first.
func (db *DB) MessagesInRange(ctx context.Context, begin, end int64) ([]*message.Message, error) {
	var rows []messageRow
	err := db.withConn(ctx, func(c *Conn) error {
		return c.SelectContext(ctx, &rows,
			selectMessageSql+` WHERE internal_date >= ? AND internal_date < ? ORDER BY internal_date DESC`,
			begin, end)
	})
	if err != nil {
		return nil, errors.Wrap(err, "reading message range")
	}
	return toMessages(rows), nil
}

// Email returns the cached raw body of a message, or ErrNotFound.
func (db *DB) Email(ctx context.Context, id uint64) ([]byte, error) {
	var payload []byte
	err := db.withConn(ctx, func(c *Conn) error {
		return c.GetContext(ctx, &payload, `SELECT payload FROM emails WHERE message_pk = ?`, orderedToSigned(id))
	})
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading body of message %s", message.FormatID(id))
	}
	return payload, nil
}
