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

package sync

import (
	"context"
	"log"
	"sort"

	"github.com/matta/mailsync/internal/history"
	"github.com/matta/mailsync/internal/message"
	"github.com/matta/mailsync/internal/persist"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Concurrent cache reads during a short sync.  One connection is left
// for the write transaction.
const labelReaders = persist.MaxConns - 1

// ShortSyncResult reports what a short sync changed, so that callers
// holding their own copies of cached rows can apply the same deltas.
type ShortSyncResult struct {
	Records map[uint64]*history.Record `json:"records"`

	// Deleted holds the last cached state of deleted messages.
	Deleted []*message.Message `json:"deleted"`
}

// ShortSync applies the change log since the last recorded history id.
// It does nothing, returning nil, while a full sync runs.
func (e *Engine) ShortSync(ctx context.Context, g MessageStorage) (*ShortSyncResult, error) {
	if e.Running() {
		log.Print("short sync: full sync in progress; skipping")
		return nil, nil
	}
	e.gate.Lock()
	defer e.gate.Unlock()

	res, err := e.shortSync(ctx, g)
	if err != nil {
		return nil, errors.Wrap(err, "short sync")
	}
	return res, nil
}

func (e *Engine) shortSync(ctx context.Context, g MessageStorage) (*ShortSyncResult, error) {
	info, err := e.AppInfo(ctx)
	if err != nil {
		return nil, err
	}
	if info.LatestHistoryID == 0 {
		return nil, ErrNoHistory
	}
	hs, latest, err := g.ListHistory(ctx, info.LatestHistoryID, e.MaxHistoryPages)
	if err != nil {
		return nil, err
	}
	entries, err := history.FromGmail(hs)
	if err != nil {
		return nil, err
	}
	records, err := history.Parse(entries)
	if err != nil {
		return nil, err
	}
	log.Printf("short sync: %d change log entries for %d messages since %d", len(entries), len(records), info.LatestHistoryID)

	var deleted, added, relabeled []uint64
	for id, r := range records {
		switch {
		case r.Deleted():
			deleted = append(deleted, id)
		case r.Added():
			added = append(added, id)
		case r.LabelsOnly():
			relabeled = append(relabeled, id)
		}
	}
	sortIDs(deleted)
	sortIDs(added)
	sortIDs(relabeled)

	// Added messages the server no longer has are left out.
	var inserts []*message.Message
	if len(added) > 0 {
		msgs, err := g.GetMetadata(ctx, added)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			if r := records[m.ID]; r != nil && r.Added() {
				r.Message = m
				inserts = append(inserts, m)
			}
		}
	}

	res := &ShortSyncResult{Records: records}
	if len(deleted) > 0 {
		if res.Deleted, err = e.db.Messages(ctx, deleted); err != nil {
			return nil, err
		}
	}
	updates, err := e.readLabels(ctx, records, relabeled)
	if err != nil {
		return nil, err
	}

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := tx.DeleteMessages(ctx, deleted); err != nil {
		return nil, err
	}
	if err := tx.InsertMessages(ctx, inserts); err != nil {
		return nil, err
	}
	for _, m := range updates {
		if m == nil {
			continue
		}
		if err := tx.UpdateLabels(ctx, m.ID, m.LabelIDs); err != nil {
			return nil, err
		}
	}

	// Fetched messages carry their current history id, which may be
	// past records not yet listed; only the listing's cursor is safe.
	info.LatestHistoryID = max(info.LatestHistoryID, latest)
	info.LastTimeSynced = e.now()
	if err := e.saveAppInfo(ctx, tx, info); err != nil {
		return nil, err
	}
	log.Printf("short sync: %d deleted, %d added, %d relabeled; history id %d",
		len(deleted), len(inserts), len(relabeled), info.LatestHistoryID)
	return res, nil
}

// readLabels reads the cached rows of relabeled messages concurrently
// and returns them with the records' deltas applied.  Messages that
// are not cached yield nil.
func (e *Engine) readLabels(ctx context.Context, records map[uint64]*history.Record, ids []uint64) ([]*message.Message, error) {
	out := make([]*message.Message, len(ids))
	grp, ctx := errgroup.WithContext(ctx)
	grp.SetLimit(labelReaders)
	for i, id := range ids {
		i, id := i, id
		grp.Go(func() error {
			m, err := e.db.Message(ctx, id)
			if errors.Cause(err) == persist.ErrNotFound {
				return nil
			}
			if err != nil {
				return err
			}
			m.LabelIDs = history.Apply(m.LabelIDs, records[id])
			out[i] = m
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func sortIDs(ids []uint64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
