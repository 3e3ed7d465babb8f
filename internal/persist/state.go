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
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/matta/mailsync/internal/message"
	"github.com/pkg/errors"
)

type appInfoRow struct {
	LastSyncedDate    int64 `db:"last_synced_date"`
	DateOfOldestEmail int64 `db:"date_of_oldest_email"`
	LastTimeSynced    int64 `db:"last_time_synced"`
	LatestHistoryID   int64 `db:"latest_history_id"`
}

const selectAppInfoSql = `
SELECT last_synced_date, date_of_oldest_email, last_time_synced, latest_history_id
FROM app_info WHERE id = 0`

func (r appInfoRow) info() message.AppInfo {
	info := message.AppInfo{
		LastSyncedDate:    r.LastSyncedDate,
		DateOfOldestEmail: r.DateOfOldestEmail,
		LatestHistoryID:   orderedToUnsigned(r.LatestHistoryID),
	}
	if r.LastTimeSynced != 0 {
		info.LastTimeSynced = time.UnixMilli(r.LastTimeSynced)
	}
	return info
}

// AppInfo returns the sync progress, or the zero AppInfo if nothing
// has been synced yet.
func (db *DB) AppInfo(ctx context.Context) (message.AppInfo, error) {
	var row appInfoRow
	err := db.withConn(ctx, func(c *Conn) error {
		return c.GetContext(ctx, &row, selectAppInfoSql)
	})
	if err == sql.ErrNoRows {
		return message.AppInfo{}, nil
	}
	if err != nil {
		return message.AppInfo{}, errors.Wrap(err, "reading app info")
	}
	return row.info(), nil
}

// SaveAppInfo stores the sync progress.  It refuses to move
// LatestHistoryID backwards.
func (tx *Tx) SaveAppInfo(ctx context.Context, info message.AppInfo) error {
	var cur appInfoRow
	err := tx.tx.GetContext(ctx, &cur, selectAppInfoSql)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return errors.Wrap(err, "reading app info")
	default:
		if latest := orderedToUnsigned(cur.LatestHistoryID); info.LatestHistoryID < latest {
			return errors.Wrapf(errHistoryDecrease, "%d < %d", info.LatestHistoryID, latest)
		}
	}

	var synced int64
	if !info.LastTimeSynced.IsZero() {
		synced = info.LastTimeSynced.UnixMilli()
	}
	const q = `
INSERT INTO app_info (id, last_synced_date, date_of_oldest_email, last_time_synced, latest_history_id)
VALUES (0, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
last_synced_date = excluded.last_synced_date,
date_of_oldest_email = excluded.date_of_oldest_email,
last_time_synced = excluded.last_time_synced,
latest_history_id = excluded.latest_history_id`
	_, err = tx.tx.ExecContext(ctx, q, info.LastSyncedDate, info.DateOfOldestEmail, synced,
		orderedToSigned(info.LatestHistoryID))
	return errors.Wrap(err, "saving app info")
}

// Labels returns every cached label.
func (db *DB) Labels(ctx context.Context) ([]message.Label, error) {
	var labels []message.Label
	err := db.withConn(ctx, func(c *Conn) error {
		return c.SelectContext(ctx, &labels, `SELECT * FROM labels ORDER BY label_id`)
	})
	return labels, errors.Wrap(err, "reading labels")
}

const upsertLabelSql = `
INSERT INTO labels
(label_id, name, type, label_list_visibility, message_list_visibility, messages_total, text_color, background_color)
VALUES
(:label_id, :name, :type, :label_list_visibility, :message_list_visibility, :messages_total, :text_color, :background_color)
ON CONFLICT (label_id) DO UPDATE SET
name = excluded.name,
type = excluded.type,
label_list_visibility = excluded.label_list_visibility,
message_list_visibility = excluded.message_list_visibility,
messages_total = excluded.messages_total,
text_color = excluded.text_color,
background_color = excluded.background_color`

// ApplyLabelDiff writes a label diff to the cache.
func (tx *Tx) ApplyLabelDiff(ctx context.Context, diff message.LabelDiff) error {
	for _, set := range [][]message.Label{diff.Added, diff.Updated} {
		for _, l := range set {
			if _, err := tx.tx.NamedExecContext(ctx, upsertLabelSql, l); err != nil {
				return errors.Wrapf(err, "writing label %q", l.ID)
			}
		}
	}
	if len(diff.Deleted) == 0 {
		return nil
	}
	q, args, err := sqlx.In(`DELETE FROM labels WHERE label_id IN (?)`, diff.Deleted)
	if err != nil {
		return errors.Wrap(err, "building label delete")
	}
	_, err = tx.tx.ExecContext(ctx, tx.tx.Rebind(q), args...)
	return errors.Wrap(err, "deleting labels")
}

const upsertContactSql = `
INSERT INTO contacts (resource_name, etag, name, email)
VALUES (:resource_name, :etag, :name, :email)
ON CONFLICT (resource_name) DO UPDATE SET
etag = excluded.etag,
name = excluded.name,
email = excluded.email`

// Contacts returns every cached contact ordered by name.
func (db *DB) Contacts(ctx context.Context) ([]message.Contact, error) {
	var contacts []message.Contact
	err := db.withConn(ctx, func(c *Conn) error {
		return c.SelectContext(ctx, &contacts, `SELECT * FROM contacts ORDER BY name, resource_name`)
	})
	return contacts, errors.Wrap(err, "reading contacts")
}

// ReplaceContacts replaces the whole contact table.
func (tx *Tx) ReplaceContacts(ctx context.Context, contacts []message.Contact) error {
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM contacts`); err != nil {
		return errors.Wrap(err, "clearing contacts")
	}
	for _, c := range contacts {
		if err := tx.UpsertContact(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Tx) UpsertContact(ctx context.Context, c message.Contact) error {
	_, err := tx.tx.NamedExecContext(ctx, upsertContactSql, c)
	return errors.Wrapf(err, "writing contact %q", c.ResourceName)
}

func (tx *Tx) DeleteContact(ctx context.Context, resourceName string) error {
	_, err := tx.tx.ExecContext(ctx, `DELETE FROM contacts WHERE resource_name = ?`, resourceName)
	return errors.Wrapf(err, "deleting contact %q", resourceName)
}

// AppendChange queues an offline action and returns its id.
func (tx *Tx) AppendChange(ctx context.Context, apiType, actionType string, payload []byte) (int64, error) {
	const q = `INSERT INTO change_list (api_type, action_type, payload) VALUES (?, ?, ?)`
	res, err := tx.tx.ExecContext(ctx, q, apiType, actionType, payload)
	if err != nil {
		return 0, errors.Wrap(err, "queueing offline change")
	}
	return res.LastInsertId()
}

// DeleteChanges removes replayed or abandoned offline actions.
func (tx *Tx) DeleteChanges(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	q, args, err := sqlx.In(`DELETE FROM change_list WHERE id IN (?)`, ids)
	if err != nil {
		return errors.Wrap(err, "building change delete")
	}
	_, err = tx.tx.ExecContext(ctx, tx.tx.Rebind(q), args...)
	return errors.Wrap(err, "deleting offline changes")
}

// Changes returns the queued offline actions in the order they were
// taken.
func (db *DB) Changes(ctx context.Context) ([]message.Change, error) {
	var changes []message.Change
	err := db.withConn(ctx, func(c *Conn) error {
		return c.SelectContext(ctx, &changes, `SELECT id, api_type, action_type, payload FROM change_list ORDER BY id`)
	})
	return changes, errors.Wrap(err, "reading offline changes")
}
