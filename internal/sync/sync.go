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

/*
Package sync keeps the local cache in step with the remote mailbox.

A full sync backfills the cache by walking backward in time, one date
window at a time, until it finds the oldest message.  Progress is
saved after every window, so an interrupted backfill resumes where it
stopped.  A short sync applies the remote change log since the last
history id seen.  The two never overlap: a short sync started while a
full sync runs does nothing.
*/
package sync

import (
	"context"
	"log"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/matta/mailsync/internal/gmail"
	"github.com/matta/mailsync/internal/message"
	"github.com/matta/mailsync/internal/persist"
	"github.com/pkg/errors"
)

const (
	day = 24 * time.Hour

	// A fresh backfill walks back in 30 day windows; a resumed one
	// in 7 day windows.
	DefaultRestartWindow = 30 * day
	DefaultResumeWindow  = 7 * day

	// A backfill untouched for this long starts over.
	staleAfter = 7 * day

	// DefaultMaxListPages bounds the id pages listed per window,
	// 500 ids each.
	DefaultMaxListPages = 100

	// DefaultMaxHistoryPages bounds the change log pages read by
	// one short sync.
	DefaultMaxHistoryPages = 50
)

var (
	// ErrNoHistory is returned by ShortSync before any full sync
	// has recorded a history id.
	ErrNoHistory = errors.New("no history id recorded; full sync required")

	// ErrHistoryExpired is returned by ShortSync when the server
	// no longer has the change log since the recorded history id.
	ErrHistoryExpired = gmail.ErrHistoryExpired
)

// FullSyncState is the position of the backfill state machine.
type FullSyncState int

const (
	NotStarted FullSyncState = iota
	InProgress
	Resuming
	BoundaryCheck
	Done
)

func (s FullSyncState) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case InProgress:
		return "in progress"
	case Resuming:
		return "resuming"
	case BoundaryCheck:
		return "boundary check"
	case Done:
		return "done"
	}
	return "unknown"
}

// Engine runs syncs against one local cache.
type Engine struct {
	db *persist.DB

	// Now returns the current time.  Tests replace it.
	Now func() time.Time

	RestartWindow   time.Duration
	ResumeWindow    time.Duration
	MaxListPages    int
	MaxHistoryPages int

	// gate sequences full and short syncs.
	gate gosync.Mutex
	full atomic.Bool

	mu     gosync.Mutex
	state  FullSyncState
	info   message.AppInfo
	loaded bool
}

func New(db *persist.DB) *Engine {
	return &Engine{
		db:              db,
		Now:             time.Now,
		RestartWindow:   DefaultRestartWindow,
		ResumeWindow:    DefaultResumeWindow,
		MaxListPages:    DefaultMaxListPages,
		MaxHistoryPages: DefaultMaxHistoryPages,
	}
}

// Running reports whether a full sync is in progress.
func (e *Engine) Running() bool {
	return e.full.Load()
}

// State returns the position of the last or current full sync.
func (e *Engine) State() FullSyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s FullSyncState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != s {
		log.Printf("full sync: %v -> %v", e.state, s)
	}
	e.state = s
}

// AppInfo returns the sync progress, reading it from the cache on
// first use.
func (e *Engine) AppInfo(ctx context.Context) (message.AppInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded {
		return e.info, nil
	}
	info, err := e.db.AppInfo(ctx)
	if err != nil {
		return message.AppInfo{}, err
	}
	e.info, e.loaded = info, true
	return info, nil
}

// saveAppInfo stores info within tx and, once tx commits, remembers
// it.
func (e *Engine) saveAppInfo(ctx context.Context, tx *persist.Tx, info message.AppInfo) error {
	if err := tx.SaveAppInfo(ctx, info); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.mu.Lock()
	e.info, e.loaded = info, true
	e.mu.Unlock()
	return nil
}

func (e *Engine) now() time.Time {
	return e.Now().Truncate(time.Second)
}

// FullSync backfills the cache.  An error aborts the attempt; the
// progress saved by completed windows is kept and the next call
// resumes from it.
func (e *Engine) FullSync(ctx context.Context, g MessageStorage) error {
	e.full.Store(true)
	defer e.full.Store(false)
	e.gate.Lock()
	defer e.gate.Unlock()

	err := e.fullSync(ctx, g)
	if err != nil {
		e.setState(NotStarted)
		return errors.Wrap(err, "full sync")
	}
	return nil
}

func (e *Engine) fullSync(ctx context.Context, g MessageStorage) error {
	info, err := e.AppInfo(ctx)
	if err != nil {
		return err
	}
	now := e.now()
	recent := !info.LastTimeSynced.IsZero() && now.Sub(info.LastTimeSynced) < staleAfter

	var (
		end   time.Time
		span  time.Duration
		state FullSyncState
	)
	switch {
	case info.BackfillComplete() && recent:
		log.Print("full sync: backfill complete")
		e.setState(Done)
		return nil
	case !info.BackfillComplete() && recent && info.LastSyncedDate != 0:
		log.Printf("full sync: resuming from %v", time.UnixMilli(info.LastSyncedDate))
		end = time.UnixMilli(info.LastSyncedDate).Truncate(time.Second).Add(time.Second)
		span, state = e.ResumeWindow, Resuming
	default:
		log.Print("full sync: starting from the present")
		info.LastSyncedDate = 0
		info.DateOfOldestEmail = 0
		end = now
		span, state = e.RestartWindow, InProgress
	}
	e.setState(state)

	for {
		begin := end.Add(-span)
		ids, truncated, err := g.ListWindow(ctx, begin, end, e.MaxListPages)
		if err != nil {
			return err
		}
		var msgs []*message.Message
		if len(ids) > 0 {
			if msgs, err = g.GetMetadata(ctx, ids); err != nil {
				return err
			}
		}
		next := begin
		if truncated && len(msgs) > 0 {
			// Only the newest part of the window was listed.
			// Replace just that part and list again below the
			// oldest message seen.
			oldest := msgs[0].InternalDate
			for _, m := range msgs {
				oldest = min(oldest, m.InternalDate)
			}
			begin = time.UnixMilli(oldest)
			next = begin.Truncate(time.Second).Add(time.Second)
			if !next.Before(end) {
				next = begin.Truncate(time.Second)
			}
			log.Printf("full sync: window listing truncated at %v", begin)
		}
		if info, err = e.saveWindow(ctx, info, begin, end, msgs); err != nil {
			return err
		}
		log.Printf("full sync: window [%v, %v) had %d messages", begin, end, len(msgs))
		if len(ids) > 0 {
			end = next
			continue
		}

		e.setState(BoundaryCheck)
		older, err := g.NewestBefore(ctx, begin)
		if err != nil {
			return err
		}
		if older == nil {
			break
		}
		// Jump so the next window ends just after the message
		// found.
		end = time.UnixMilli(older.InternalDate).Truncate(time.Second).Add(time.Second)
		e.setState(state)
	}

	info.DateOfOldestEmail = info.LastSyncedDate
	if info.DateOfOldestEmail == 0 {
		// The mailbox is empty.
		info.DateOfOldestEmail = now.UnixMilli()
	}
	info.LastTimeSynced = e.now()
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.saveAppInfo(ctx, tx, info); err != nil {
		return err
	}
	log.Printf("full sync: oldest message %v", time.UnixMilli(info.DateOfOldestEmail))
	e.setState(Done)

	// A restore after a crash mid backfill starts from this copy.
	if err := e.db.Checkpoint(ctx); err != nil {
		log.Printf("full sync: no safety copy: %v", err)
	}
	return nil
}

// saveWindow replaces the cached messages of [begin, end) with msgs
// and records the progress in one transaction.
func (e *Engine) saveWindow(ctx context.Context, info message.AppInfo, begin, end time.Time, msgs []*message.Message) (message.AppInfo, error) {
	cached, err := e.db.MessagesInRange(ctx, begin.UnixMilli(), end.UnixMilli())
	if err != nil {
		return info, err
	}
	if gone := len(cached) - countListed(cached, msgs); gone > 0 {
		log.Printf("full sync: %d cached messages in [%v, %v) are gone from the server", gone, begin, end)
	}
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return info, err
	}
	defer tx.Rollback()
	if err := tx.ReplaceRange(ctx, begin.UnixMilli(), end.UnixMilli(), msgs); err != nil {
		return info, err
	}
	if len(msgs) > 0 {
		oldest := msgs[0].InternalDate
		for _, m := range msgs {
			oldest = min(oldest, m.InternalDate)
			info.LatestHistoryID = max(info.LatestHistoryID, m.HistoryID)
		}
		info.LastSyncedDate = oldest
	}
	info.LastTimeSynced = e.now()
	if err := e.saveAppInfo(ctx, tx, info); err != nil {
		return info, err
	}
	return info, nil
}

// countListed returns how many of the cached messages are among msgs.
func countListed(cached, msgs []*message.Message) int {
	listed := make(map[uint64]bool, len(msgs))
	for _, m := range msgs {
		listed[m.ID] = true
	}
	n := 0
	for _, m := range cached {
		if listed[m.ID] {
			n++
		}
	}
	return n
}

// SyncLabels brings the cached labels in line with the server and
// returns what changed.
func (e *Engine) SyncLabels(ctx context.Context, g LabelLister) (message.LabelDiff, error) {
	var diff message.LabelDiff
	remote, err := g.ListLabels(ctx)
	if err != nil {
		return diff, err
	}
	cached, err := e.db.Labels(ctx)
	if err != nil {
		return diff, err
	}
	diff = DiffLabels(cached, remote)
	if diff.Empty() {
		return diff, nil
	}
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return diff, err
	}
	defer tx.Rollback()
	if err := tx.ApplyLabelDiff(ctx, diff); err != nil {
		return diff, err
	}
	log.Printf("labels: %d added, %d updated, %d deleted", len(diff.Added), len(diff.Updated), len(diff.Deleted))
	return diff, tx.Commit()
}

// DiffLabels compares a cached label list against a fresh one.
func DiffLabels(cached, remote []message.Label) message.LabelDiff {
	var diff message.LabelDiff
	old := make(map[string]message.Label, len(cached))
	for _, l := range cached {
		old[l.ID] = l
	}
	for _, l := range remote {
		prev, ok := old[l.ID]
		switch {
		case !ok:
			diff.Added = append(diff.Added, l)
		case prev != l:
			diff.Updated = append(diff.Updated, l)
		}
		delete(old, l.ID)
	}
	for _, l := range cached {
		if _, ok := old[l.ID]; ok {
			diff.Deleted = append(diff.Deleted, l.ID)
		}
	}
	return diff
}

// SyncContacts replaces the cached address book with the server's.
func (e *Engine) SyncContacts(ctx context.Context, c ContactLister) ([]message.Contact, error) {
	contacts, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := tx.ReplaceContacts(ctx, contacts); err != nil {
		return nil, err
	}
	return contacts, tx.Commit()
}

// Sync runs a label sync and then whichever message sync the cache
// needs: a short sync when a history id is known, falling back to a
// full sync when the change log has expired, followed by a full sync
// that continues any unfinished backfill.
func (e *Engine) Sync(ctx context.Context, g MessageStorage) error {
	profile, err := g.GetProfile(ctx)
	if err != nil {
		return err
	}
	log.Println("Syncing", profile.EmailAddress, "at history id", profile.HistoryID)
	if _, err := e.SyncLabels(ctx, g); err != nil {
		return errors.Wrap(err, "failed to sync labels")
	}
	info, err := e.AppInfo(ctx)
	if err != nil {
		return err
	}
	if info.LatestHistoryID != 0 {
		_, err := e.ShortSync(ctx, g)
		switch {
		case errors.Cause(err) == ErrHistoryExpired:
			log.Print("history expired; forcing a full sync")
			if err := e.expire(ctx); err != nil {
				return err
			}
		case err != nil:
			return errors.Wrap(err, "failed to sync")
		}
	}
	return e.FullSync(ctx, g)
}

// expire forgets the last sync time so that the next full sync starts
// over.
func (e *Engine) expire(ctx context.Context) error {
	info, err := e.AppInfo(ctx)
	if err != nil {
		return err
	}
	info.LastTimeSynced = time.Time{}
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return e.saveAppInfo(ctx, tx, info)
}
