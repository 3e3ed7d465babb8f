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
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/matta/mailsync/internal/message"
	"github.com/matta/mailsync/internal/persist"
	"github.com/pkg/errors"
	gmail_api "google.golang.org/api/gmail/v1"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type window struct {
	begin, end time.Time
}

// fakeMailbox is an in-memory MessageStorage.  With a pageSize,
// listings stop after maxPages pages of that many ids; history pages
// hold one record each.
type fakeMailbox struct {
	msgs     map[uint64]*message.Message
	labels   []message.Label
	history  []*gmail_api.History
	latest   uint64
	histErr  error
	pageSize int

	windows []window
	checks  []time.Time
}

func newFakeMailbox(msgs ...*message.Message) *fakeMailbox {
	f := &fakeMailbox{msgs: make(map[uint64]*message.Message)}
	for _, m := range msgs {
		f.msgs[m.ID] = m
	}
	return f
}

func (f *fakeMailbox) ListWindow(ctx context.Context, begin, end time.Time, maxPages int) ([]uint64, bool, error) {
	f.windows = append(f.windows, window{begin, end})
	var in []*message.Message
	for _, m := range f.msgs {
		if m.InternalDate >= begin.UnixMilli() && m.InternalDate < end.UnixMilli() {
			in = append(in, m)
		}
	}
	sort.Slice(in, func(i, j int) bool { return in[i].InternalDate > in[j].InternalDate })
	truncated := false
	if f.pageSize > 0 && maxPages > 0 && len(in) > f.pageSize*maxPages {
		in, truncated = in[:f.pageSize*maxPages], true
	}
	ids := make([]uint64, len(in))
	for i, m := range in {
		ids[i] = m.ID
	}
	return ids, truncated, nil
}

func (f *fakeMailbox) NewestBefore(ctx context.Context, t time.Time) (*message.Message, error) {
	f.checks = append(f.checks, t)
	var newest *message.Message
	for _, m := range f.msgs {
		if m.InternalDate < t.UnixMilli() && (newest == nil || m.InternalDate > newest.InternalDate) {
			newest = m
		}
	}
	return newest, nil
}

func (f *fakeMailbox) GetMetadata(ctx context.Context, ids []uint64) ([]*message.Message, error) {
	var out []*message.Message
	for _, id := range ids {
		if m, ok := f.msgs[id]; ok {
			c := *m
			out = append(out, &c)
		}
	}
	return out, nil
}

func (f *fakeMailbox) ListHistory(ctx context.Context, start uint64, maxPages int) ([]*gmail_api.History, uint64, error) {
	if f.histErr != nil {
		return nil, 0, f.histErr
	}
	var hs []*gmail_api.History
	for _, h := range f.history {
		if h.Id > start {
			hs = append(hs, h)
		}
	}
	if maxPages > 0 && len(hs) > maxPages {
		hs = hs[:maxPages]
		return hs, hs[len(hs)-1].Id, nil
	}
	return hs, f.latest, nil
}

func (f *fakeMailbox) GetProfile(ctx context.Context) (*message.Profile, error) {
	return &message.Profile{EmailAddress: "user@example.com", HistoryID: f.latest}, nil
}

func (f *fakeMailbox) ListLabels(ctx context.Context) ([]message.Label, error) {
	return f.labels, nil
}

func newTestEngine(t *testing.T) (*Engine, *persist.DB) {
	t.Helper()
	db, err := persist.Open(context.Background(), filepath.Join(t.TempDir(), "cache.db"), persist.MaxConns)
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	e := New(db)
	e.Now = func() time.Time { return now }
	return e, db
}

func msgAt(id uint64, date time.Time, labels ...string) *message.Message {
	return &message.Message{
		ID:           id,
		ThreadID:     message.FormatID(id),
		HistoryID:    100 + id,
		Subject:      "subject " + message.FormatID(id),
		InternalDate: date.UnixMilli(),
		LabelIDs:     message.NormalizeLabels(labels),
	}
}

func cachedIDs(t *testing.T, db *persist.DB) []uint64 {
	t.Helper()
	msgs, err := db.ListMessages(context.Background(), "", 0, 1000)
	if err != nil {
		t.Fatalf("ListMessages() = %v", err)
	}
	var ids []uint64
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	sortIDs(ids)
	return ids
}

func TestFullSyncFindsOldestMessage(t *testing.T) {
	// One message a day for 45 days.
	var msgs []*message.Message
	var want []uint64
	for d := 0; d < 45; d++ {
		id := uint64(d + 1)
		msgs = append(msgs, msgAt(id, now.Add(-time.Duration(d)*day-time.Hour)))
		want = append(want, id)
	}
	oldest := msgs[len(msgs)-1].InternalDate
	f := newFakeMailbox(msgs...)
	e, db := newTestEngine(t)

	if err := e.FullSync(context.Background(), f); err != nil {
		t.Fatalf("FullSync() = %v", err)
	}
	if got := e.State(); got != Done {
		t.Errorf("State() = %v, want %v", got, Done)
	}
	info, err := db.AppInfo(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info.DateOfOldestEmail != oldest {
		t.Errorf("DateOfOldestEmail = %v, want %v", time.UnixMilli(info.DateOfOldestEmail), time.UnixMilli(oldest))
	}
	if !info.LastTimeSynced.Equal(now) {
		t.Errorf("LastTimeSynced = %v, want %v", info.LastTimeSynced, now)
	}
	if info.LatestHistoryID != 145 {
		t.Errorf("LatestHistoryID = %d, want 145", info.LatestHistoryID)
	}
	for _, w := range f.windows {
		if w.end.Sub(w.begin) > DefaultRestartWindow {
			t.Errorf("window [%v, %v) longer than %v", w.begin, w.end, DefaultRestartWindow)
		}
	}
	if len(f.windows) != 3 {
		t.Errorf("listed %d windows, want 3", len(f.windows))
	}
	if diff := cmp.Diff(want, cachedIDs(t, db)); diff != "" {
		t.Errorf("cached ids mismatch (-want +got):\n%s", diff)
	}
}

func TestFullSyncTruncatedWindow(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")
	db, err := persist.Open(ctx, path, persist.MaxConns)
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer db.Close()
	e := New(db)
	e.Now = func() time.Time { return now }
	e.MaxListPages = 1

	// Ten messages an hour apart, listed three at a time.
	var msgs []*message.Message
	var want []uint64
	for i := 0; i < 10; i++ {
		id := uint64(i + 1)
		msgs = append(msgs, msgAt(id, now.Add(-time.Duration(i)*time.Hour-30*time.Minute)))
		want = append(want, id)
	}
	f := newFakeMailbox(msgs...)
	f.pageSize = 3

	if err := e.FullSync(ctx, f); err != nil {
		t.Fatalf("FullSync() = %v", err)
	}
	if diff := cmp.Diff(want, cachedIDs(t, db)); diff != "" {
		t.Errorf("cached ids mismatch (-want +got):\n%s", diff)
	}
	info, err := db.AppInfo(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if oldest := msgs[9].InternalDate; info.DateOfOldestEmail != oldest {
		t.Errorf("DateOfOldestEmail = %v, want %v", time.UnixMilli(info.DateOfOldestEmail), time.UnixMilli(oldest))
	}
	for i := 1; i < len(f.windows); i++ {
		if !f.windows[i].end.Before(f.windows[i-1].end) {
			t.Errorf("window %d ends at %v, not before window %d at %v", i, f.windows[i].end, i-1, f.windows[i-1].end)
		}
	}
	if _, err := os.Stat(persist.SafetyCopyPath(path)); err != nil {
		t.Errorf("no safety copy after a completed full sync: %v", err)
	}
}

func TestFullSyncJumpsGap(t *testing.T) {
	f := newFakeMailbox(
		msgAt(1, now.Add(-day)),
		msgAt(2, now.Add(-200*day)),
	)
	e, db := newTestEngine(t)
	if err := e.FullSync(context.Background(), f); err != nil {
		t.Fatalf("FullSync() = %v", err)
	}
	info, err := db.AppInfo(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if want := f.msgs[2].InternalDate; info.DateOfOldestEmail != want {
		t.Errorf("DateOfOldestEmail = %v, want %v", info.DateOfOldestEmail, want)
	}
	if len(f.checks) != 2 {
		t.Errorf("made %d boundary checks, want 2", len(f.checks))
	}
	if diff := cmp.Diff([]uint64{1, 2}, cachedIDs(t, db)); diff != "" {
		t.Errorf("cached ids mismatch (-want +got):\n%s", diff)
	}
}

func TestFullSyncResumes(t *testing.T) {
	ctx := context.Background()
	e, db := newTestEngine(t)
	frontier := now.Add(-40 * day)
	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	err = tx.SaveAppInfo(ctx, message.AppInfo{
		LastSyncedDate:  frontier.UnixMilli(),
		LastTimeSynced:  now.Add(-2 * day),
		LatestHistoryID: 500,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	f := newFakeMailbox(msgAt(1, frontier.Add(-3*day)))
	if err := e.FullSync(ctx, f); err != nil {
		t.Fatalf("FullSync() = %v", err)
	}
	if len(f.windows) == 0 {
		t.Fatal("no windows listed")
	}
	first := f.windows[0]
	if !first.end.Equal(frontier.Add(time.Second)) || first.end.Sub(first.begin) != DefaultResumeWindow {
		t.Errorf("first window = [%v, %v), want %v ending at %v", first.begin, first.end, DefaultResumeWindow, frontier.Add(time.Second))
	}
	info, err := db.AppInfo(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if info.LatestHistoryID != 500 {
		t.Errorf("LatestHistoryID = %d, want 500", info.LatestHistoryID)
	}
	if want := f.msgs[1].InternalDate; info.DateOfOldestEmail != want {
		t.Errorf("DateOfOldestEmail = %v, want %v", info.DateOfOldestEmail, want)
	}
}

func TestFullSyncCompleteIsDone(t *testing.T) {
	ctx := context.Background()
	e, db := newTestEngine(t)
	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	err = tx.SaveAppInfo(ctx, message.AppInfo{
		LastSyncedDate:    1,
		DateOfOldestEmail: 1,
		LastTimeSynced:    now.Add(-time.Hour),
		LatestHistoryID:   7,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	f := newFakeMailbox(msgAt(1, now.Add(-time.Hour)))
	if err := e.FullSync(ctx, f); err != nil {
		t.Fatalf("FullSync() = %v", err)
	}
	if len(f.windows) != 0 {
		t.Errorf("listed %d windows, want 0", len(f.windows))
	}
	if got := e.State(); got != Done {
		t.Errorf("State() = %v, want %v", got, Done)
	}
}

func TestFullSyncEmptyMailbox(t *testing.T) {
	e, db := newTestEngine(t)
	if err := e.FullSync(context.Background(), newFakeMailbox()); err != nil {
		t.Fatalf("FullSync() = %v", err)
	}
	info, err := db.AppInfo(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !info.BackfillComplete() {
		t.Errorf("BackfillComplete() = false after syncing an empty mailbox")
	}
}

func hist(id uint64) *gmail_api.History {
	return &gmail_api.History{Id: id}
}

func ref(id string) *gmail_api.Message {
	return &gmail_api.Message{Id: id}
}

func TestShortSync(t *testing.T) {
	ctx := context.Background()
	e, db := newTestEngine(t)
	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	cached := []*message.Message{
		msgAt(1, now.Add(-3*time.Hour), "INBOX"),
		msgAt(2, now.Add(-2*time.Hour), "INBOX"),
		msgAt(3, now.Add(-time.Hour), "INBOX"),
	}
	if err := tx.UpsertMessages(ctx, cached); err != nil {
		t.Fatal(err)
	}
	if err := tx.SaveAppInfo(ctx, message.AppInfo{LatestHistoryID: 150, DateOfOldestEmail: 1}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	f := newFakeMailbox(msgAt(4, now, "INBOX", "UNREAD"))
	f.latest = 200
	h1 := hist(160)
	h1.LabelsRemoved = []*gmail_api.HistoryLabelRemoved{{LabelIds: []string{"INBOX"}, Message: ref("1")}}
	h1.LabelsAdded = []*gmail_api.HistoryLabelAdded{
		{LabelIds: []string{"STARRED"}, Message: ref("1")},
		{LabelIds: []string{"TRASH"}, Message: ref("2")},
	}
	h2 := hist(170)
	h2.MessagesDeleted = []*gmail_api.HistoryMessageDeleted{{Message: ref("2")}}
	h3 := hist(180)
	h3.MessagesAdded = []*gmail_api.HistoryMessageAdded{{Message: ref("4")}}
	f.history = []*gmail_api.History{h1, h2, h3}

	res, err := e.ShortSync(ctx, f)
	if err != nil {
		t.Fatalf("ShortSync() = %v", err)
	}
	if len(res.Records) != 3 {
		t.Errorf("len(Records) = %d, want 3", len(res.Records))
	}
	if len(res.Deleted) != 1 || res.Deleted[0].ID != 2 {
		t.Errorf("Deleted = %v, want message 2", res.Deleted)
	}
	if diff := cmp.Diff([]uint64{1, 3, 4}, cachedIDs(t, db)); diff != "" {
		t.Errorf("cached ids mismatch (-want +got):\n%s", diff)
	}
	m1, err := db.Message(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"STARRED"}, m1.LabelIDs); diff != "" {
		t.Errorf("labels of message 1 mismatch (-want +got):\n%s", diff)
	}
	m4, err := db.Message(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(f.msgs[4], m4); diff != "" {
		t.Errorf("message 4 mismatch (-want +got):\n%s", diff)
	}
	info, err := db.AppInfo(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if info.LatestHistoryID != 200 {
		t.Errorf("LatestHistoryID = %d, want 200", info.LatestHistoryID)
	}
	if !info.LastTimeSynced.Equal(now) {
		t.Errorf("LastTimeSynced = %v, want %v", info.LastTimeSynced, now)
	}
}

func TestShortSyncStopsAtPageCap(t *testing.T) {
	ctx := context.Background()
	e, db := newTestEngine(t)
	e.MaxHistoryPages = 1
	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.UpsertMessages(ctx, []*message.Message{msgAt(1, now.Add(-time.Hour), "INBOX")}); err != nil {
		t.Fatal(err)
	}
	if err := tx.SaveAppInfo(ctx, message.AppInfo{LatestHistoryID: 150, DateOfOldestEmail: 1}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	added := msgAt(4, now, "INBOX")
	added.HistoryID = 900
	f := newFakeMailbox(added)
	f.latest = 950
	h1 := hist(160)
	h1.LabelsAdded = []*gmail_api.HistoryLabelAdded{{LabelIds: []string{"STARRED"}, Message: ref("1")}}
	h2 := hist(170)
	h2.MessagesAdded = []*gmail_api.HistoryMessageAdded{{Message: ref("4")}}
	f.history = []*gmail_api.History{h1, h2}

	tests := []struct {
		wantHistory uint64
		wantIDs     []uint64
	}{
		// The first pass reads only the record at 160.
		{160, []uint64{1}},
		{950, []uint64{1, 4}},
	}
	for i, tt := range tests {
		if _, err := e.ShortSync(ctx, f); err != nil {
			t.Fatalf("ShortSync() #%d = %v", i, err)
		}
		info, err := db.AppInfo(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if info.LatestHistoryID != tt.wantHistory {
			t.Errorf("ShortSync() #%d: LatestHistoryID = %d, want %d", i, info.LatestHistoryID, tt.wantHistory)
		}
		if diff := cmp.Diff(tt.wantIDs, cachedIDs(t, db)); diff != "" {
			t.Errorf("ShortSync() #%d: cached ids mismatch (-want +got):\n%s", i, diff)
		}
	}
	m1, err := db.Message(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"INBOX", "STARRED"}, m1.LabelIDs); diff != "" {
		t.Errorf("labels of message 1 mismatch (-want +got):\n%s", diff)
	}
}

func TestShortSyncNoHistory(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.ShortSync(context.Background(), newFakeMailbox()); errors.Cause(err) != ErrNoHistory {
		t.Errorf("ShortSync() = %v, want ErrNoHistory", err)
	}
}

func TestShortSyncSkippedDuringFullSync(t *testing.T) {
	e, _ := newTestEngine(t)
	e.full.Store(true)
	res, err := e.ShortSync(context.Background(), newFakeMailbox())
	if res != nil || err != nil {
		t.Errorf("ShortSync() = %v, %v; want nil, nil", res, err)
	}
}

func TestShortSyncHistoryExpired(t *testing.T) {
	ctx := context.Background()
	e, db := newTestEngine(t)
	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.SaveAppInfo(ctx, message.AppInfo{LatestHistoryID: 9}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	f := newFakeMailbox()
	f.histErr = errors.Wrap(ErrHistoryExpired, "start history id 9")
	if _, err := e.ShortSync(ctx, f); errors.Cause(err) != ErrHistoryExpired {
		t.Errorf("ShortSync() = %v, want ErrHistoryExpired", err)
	}
}

func TestDiffLabels(t *testing.T) {
	cached := []message.Label{
		{ID: "INBOX", Name: "INBOX", Type: "system"},
		{ID: "Label_1", Name: "Work", Type: "user"},
		{ID: "Label_2", Name: "Old", Type: "user"},
	}
	remote := []message.Label{
		{ID: "INBOX", Name: "INBOX", Type: "system"},
		{ID: "Label_1", Name: "Work stuff", Type: "user"},
		{ID: "Label_3", Name: "New", Type: "user"},
	}
	want := message.LabelDiff{
		Added:   []message.Label{{ID: "Label_3", Name: "New", Type: "user"}},
		Updated: []message.Label{{ID: "Label_1", Name: "Work stuff", Type: "user"}},
		Deleted: []string{"Label_2"},
	}
	if diff := cmp.Diff(want, DiffLabels(cached, remote)); diff != "" {
		t.Errorf("DiffLabels() mismatch (-want +got):\n%s", diff)
	}
}

func TestSyncLabels(t *testing.T) {
	ctx := context.Background()
	e, db := newTestEngine(t)
	f := newFakeMailbox()
	f.labels = []message.Label{{ID: "INBOX", Name: "INBOX", Type: "system"}}
	diff, err := e.SyncLabels(ctx, f)
	if err != nil {
		t.Fatalf("SyncLabels() = %v", err)
	}
	if len(diff.Added) != 1 {
		t.Errorf("SyncLabels() added %d labels, want 1", len(diff.Added))
	}
	diff, err = e.SyncLabels(ctx, f)
	if err != nil {
		t.Fatalf("SyncLabels() = %v", err)
	}
	if !diff.Empty() {
		t.Errorf("second SyncLabels() = %+v, want empty", diff)
	}
	labels, err := db.Labels(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(f.labels, labels); diff != "" {
		t.Errorf("cached labels mismatch (-want +got):\n%s", diff)
	}
}

type fakeContacts []message.Contact

func (f fakeContacts) List(ctx context.Context) ([]message.Contact, error) {
	return f, nil
}

func TestSyncContacts(t *testing.T) {
	ctx := context.Background()
	e, db := newTestEngine(t)
	want := fakeContacts{
		{ResourceName: "people/c2", Name: "Ada", Email: "ada@example.com"},
		{ResourceName: "people/c1", Name: "Bob", Email: "bob@example.com"},
	}
	if _, err := e.SyncContacts(ctx, want); err != nil {
		t.Fatalf("SyncContacts() = %v", err)
	}
	got, err := db.Contacts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	sort.Slice(got, func(i, j int) bool { return got[i].Name < got[j].Name })
	if diff := cmp.Diff([]message.Contact(want), got); diff != "" {
		t.Errorf("cached contacts mismatch (-want +got):\n%s", diff)
	}
}
