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

package history

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	gmail_api "google.golang.org/api/gmail/v1"
)

func TestLabelFusionCancels(t *testing.T) {
	records, err := Parse([]Entry{
		{Kind: LabelsAdded, MessageID: 1, LabelIDs: []string{"X", "Y"}},
		{Kind: LabelsRemoved, MessageID: 1, LabelIDs: []string{"X"}},
		{Kind: LabelsRemoved, MessageID: 2, LabelIDs: []string{"UNREAD"}},
		{Kind: LabelsAdded, MessageID: 2, LabelIDs: []string{"UNREAD"}},
	})
	if err != nil {
		t.Fatalf("Parse() = %v", err)
	}
	r := records[1]
	if diff := cmp.Diff([]string{"Y"}, Sorted(r.LabelsAdded)); diff != "" {
		t.Errorf("message 1 LabelsAdded mismatch (-want +got):\n%s", diff)
	}
	if len(r.LabelsRemoved) != 0 {
		t.Errorf("message 1 LabelsRemoved = %v, want empty", Sorted(r.LabelsRemoved))
	}
	if !r.LabelsOnly() {
		t.Errorf("message 1 LabelsOnly() = false, want true")
	}
	r = records[2]
	if len(r.LabelsAdded) != 0 || len(r.LabelsRemoved) != 0 {
		t.Errorf("message 2 deltas = +%v -%v, want none", Sorted(r.LabelsAdded), Sorted(r.LabelsRemoved))
	}
}

func TestDeleteWins(t *testing.T) {
	records, err := Parse([]Entry{
		{Kind: LabelsAdded, MessageID: 7, LabelIDs: []string{"STARRED"}},
		{Kind: LabelsRemoved, MessageID: 7, LabelIDs: []string{"INBOX"}},
		{Kind: MessageDeleted, MessageID: 7},
		{Kind: LabelsAdded, MessageID: 7, LabelIDs: []string{"TRASH"}},
	})
	if err != nil {
		t.Fatalf("Parse() = %v", err)
	}
	r := records[7]
	if r.Kind() != MessageDeleted || !r.Deleted() || r.Added() {
		t.Errorf("Kind() = %v, want MessageDeleted", r.Kind())
	}
	if len(r.LabelsAdded) != 0 || len(r.LabelsRemoved) != 0 {
		t.Errorf("deltas = +%v -%v, want none", Sorted(r.LabelsAdded), Sorted(r.LabelsRemoved))
	}
}

func TestAddStartsFresh(t *testing.T) {
	records, err := Parse([]Entry{
		{Kind: LabelsAdded, MessageID: 3, LabelIDs: []string{"STARRED"}},
		{Kind: MessageAdded, MessageID: 3},
		{Kind: LabelsRemoved, MessageID: 3, LabelIDs: []string{"UNREAD"}},
	})
	if err != nil {
		t.Fatalf("Parse() = %v", err)
	}
	r := records[3]
	if !r.Added() {
		t.Errorf("Added() = false, want true")
	}
	if diff := cmp.Diff([]string{"UNREAD"}, Sorted(r.LabelsRemoved)); diff != "" {
		t.Errorf("LabelsRemoved mismatch (-want +got):\n%s", diff)
	}
	if len(r.LabelsAdded) != 0 {
		t.Errorf("LabelsAdded = %v, want empty", Sorted(r.LabelsAdded))
	}
}

func TestUnknownEntry(t *testing.T) {
	if _, err := Parse([]Entry{{Kind: Kind(99), MessageID: 1}}); errors.Cause(err) != ErrUnknownEntry {
		t.Errorf("Parse(unknown kind) = %v, want ErrUnknownEntry", err)
	}
	_, err := FromGmail([]*gmail_api.History{{Id: 5}})
	if errors.Cause(err) != ErrUnknownEntry {
		t.Errorf("FromGmail(empty record) = %v, want ErrUnknownEntry", err)
	}
}

func TestApply(t *testing.T) {
	r := newRecord(1)
	r.Merge(Entry{Kind: LabelsAdded, LabelIDs: []string{"STARRED", "INBOX"}})
	r.Merge(Entry{Kind: LabelsRemoved, LabelIDs: []string{"UNREAD"}})
	got := Apply([]string{"INBOX", "UNREAD", "IMPORTANT"}, r)
	want := []string{"INBOX", "IMPORTANT", "STARRED"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Apply() mismatch (-want +got):\n%s", diff)
	}
}

func TestFromGmail(t *testing.T) {
	hs := []*gmail_api.History{
		{Id: 10, MessagesAdded: []*gmail_api.HistoryMessageAdded{
			{Message: &gmail_api.Message{Id: "a1", ThreadId: "a1", LabelIds: []string{"INBOX"}}},
		}},
		{Id: 11, LabelsAdded: []*gmail_api.HistoryLabelAdded{
			{Message: &gmail_api.Message{Id: "b2"}, LabelIds: []string{"STARRED"}},
		}},
		{Id: 12, LabelsRemoved: []*gmail_api.HistoryLabelRemoved{
			{Message: &gmail_api.Message{Id: "b2"}, LabelIds: []string{"STARRED"}},
		}},
		{Id: 13, MessagesDeleted: []*gmail_api.HistoryMessageDeleted{
			{Message: &gmail_api.Message{Id: "c3"}},
		}},
	}
	entries, err := FromGmail(hs)
	if err != nil {
		t.Fatalf("FromGmail() = %v", err)
	}
	var kinds []Kind
	for _, e := range entries {
		kinds = append(kinds, e.Kind)
	}
	if diff := cmp.Diff([]Kind{MessageAdded, LabelsAdded, LabelsRemoved, MessageDeleted}, kinds); diff != "" {
		t.Errorf("entry kinds mismatch (-want +got):\n%s", diff)
	}
	records, err := Parse(entries)
	if err != nil {
		t.Fatalf("Parse() = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Parse() returned %d records, want 3", len(records))
	}
	if r := records[0xb2]; r.LabelsOnly() {
		t.Errorf("record b2 should have cancelled out, got +%v -%v", Sorted(r.LabelsAdded), Sorted(r.LabelsRemoved))
	}
	if !records[0xa1].Added() || !records[0xc3].Deleted() {
		t.Errorf("records a1, c3 = %v, %v; want added, deleted", records[0xa1].Kind(), records[0xc3].Kind())
	}

	b, err := json.Marshal(records[0xc3])
	if err != nil {
		t.Fatalf("Marshal() = %v", err)
	}
	if got, want := string(b), `{"message_id":"c3","kind":"deleted"}`; got != want {
		t.Errorf("Marshal() = %s, want %s", got, want)
	}
}
