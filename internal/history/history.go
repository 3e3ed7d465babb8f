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
Package history consolidates Gmail change log entries into one record
per message.

The rules, applied in change log order:

  - A deletion discards any label changes queued for the message and
    marks it deleted.
  - An addition starts a fresh record.
  - Label additions and removals cancel each other: adding a label that
    is pending removal drops the removal, and vice versa.
  - Label changes after a deletion are ignored.
*/
package history

import (
	"encoding/json"
	"sort"

	"github.com/matta/mailsync/internal/message"
	"github.com/pkg/errors"
	gmail_api "google.golang.org/api/gmail/v1"
)

// ErrUnknownEntry is returned for a change log entry of a kind this
// package does not understand.
var ErrUnknownEntry = errors.New("history: unknown change log entry")

// Kind identifies one kind of change log entry.
type Kind int

const (
	MessageAdded Kind = iota + 1
	MessageDeleted
	LabelsAdded
	LabelsRemoved
)

func (k Kind) String() string {
	switch k {
	case MessageAdded:
		return "MessageAdded"
	case MessageDeleted:
		return "MessageDeleted"
	case LabelsAdded:
		return "LabelsAdded"
	case LabelsRemoved:
		return "LabelsRemoved"
	}
	return "Unknown"
}

// Entry is one raw change log entry.
type Entry struct {
	Kind      Kind
	MessageID uint64

	// LabelIDs is set for LabelsAdded and LabelsRemoved.
	LabelIDs []string

	// Message is set for MessageAdded when the change log carried
	// the message.  It is usually only an id and thread id.
	Message *message.Message
}

// Record is the consolidated intent for one message.
type Record struct {
	MessageID uint64

	added   bool
	deleted bool

	// Pending label deltas.  A label is never in both sets.
	LabelsAdded   map[string]bool
	LabelsRemoved map[string]bool

	// Message holds the full message once fetched.
	Message *message.Message
}

// Kind returns MessageDeleted, MessageAdded, or, for a record that
// only changes labels, LabelsAdded.
func (r *Record) Kind() Kind {
	switch {
	case r.deleted:
		return MessageDeleted
	case r.added:
		return MessageAdded
	}
	return LabelsAdded
}

// MarshalJSON encodes the record for cache update notifications.
func (r *Record) MarshalJSON() ([]byte, error) {
	kind := "labels"
	switch r.Kind() {
	case MessageDeleted:
		kind = "deleted"
	case MessageAdded:
		kind = "added"
	}
	return json.Marshal(struct {
		MessageID     string           `json:"message_id"`
		Kind          string           `json:"kind"`
		LabelsAdded   []string         `json:"labels_added,omitempty"`
		LabelsRemoved []string         `json:"labels_removed,omitempty"`
		Message       *message.Message `json:"message,omitempty"`
	}{
		MessageID:     message.FormatID(r.MessageID),
		Kind:          kind,
		LabelsAdded:   Sorted(r.LabelsAdded),
		LabelsRemoved: Sorted(r.LabelsRemoved),
		Message:       r.Message,
	})
}

// Added reports whether the record describes a newly added message.
func (r *Record) Added() bool { return r.added && !r.deleted }

// Deleted reports whether the record describes a deleted message.
func (r *Record) Deleted() bool { return r.deleted }

// LabelsOnly reports whether the record only changes labels.
func (r *Record) LabelsOnly() bool {
	return !r.added && !r.deleted && (len(r.LabelsAdded) > 0 || len(r.LabelsRemoved) > 0)
}

func newRecord(id uint64) *Record {
	return &Record{
		MessageID:     id,
		LabelsAdded:   make(map[string]bool),
		LabelsRemoved: make(map[string]bool),
	}
}

// Merge folds one entry into the record.
func (r *Record) Merge(e Entry) error {
	switch e.Kind {
	case MessageDeleted:
		r.deleted = true
		r.added = false
		r.Message = nil
		r.LabelsAdded = make(map[string]bool)
		r.LabelsRemoved = make(map[string]bool)
	case MessageAdded:
		*r = *newRecord(r.MessageID)
		r.added = true
		r.Message = e.Message
	case LabelsAdded:
		if r.deleted {
			return nil
		}
		for _, l := range e.LabelIDs {
			if r.LabelsRemoved[l] {
				delete(r.LabelsRemoved, l)
			} else {
				r.LabelsAdded[l] = true
			}
		}
	case LabelsRemoved:
		if r.deleted {
			return nil
		}
		for _, l := range e.LabelIDs {
			if r.LabelsAdded[l] {
				delete(r.LabelsAdded, l)
			} else {
				r.LabelsRemoved[l] = true
			}
		}
	default:
		return errors.Wrapf(ErrUnknownEntry, "kind %d for message %s", e.Kind, message.FormatID(e.MessageID))
	}
	return nil
}

// Parse consolidates entries, given in change log order, into one
// record per message id.
func Parse(entries []Entry) (map[uint64]*Record, error) {
	records := make(map[uint64]*Record)
	for _, e := range entries {
		r, ok := records[e.MessageID]
		if !ok {
			r = newRecord(e.MessageID)
			records[e.MessageID] = r
		}
		if err := r.Merge(e); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// Apply returns labels with the record's pending deltas applied.
func Apply(labels []string, r *Record) []string {
	out := make([]string, 0, len(labels)+len(r.LabelsAdded))
	for _, l := range labels {
		if !r.LabelsRemoved[l] {
			out = append(out, l)
		}
	}
	out = append(out, Sorted(r.LabelsAdded)...)
	return message.NormalizeLabels(out)
}

// Sorted returns the members of a label set in order.
func Sorted(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// FromGmail flattens Gmail history records into entries.  A record
// carrying none of the known changes is an error.
func FromGmail(hs []*gmail_api.History) ([]Entry, error) {
	var entries []Entry
	for _, h := range hs {
		n := len(entries)
		for _, d := range h.MessagesDeleted {
			id, err := messageID(d.Message)
			if err != nil {
				return nil, err
			}
			entries = append(entries, Entry{Kind: MessageDeleted, MessageID: id})
		}
		for _, a := range h.MessagesAdded {
			id, err := messageID(a.Message)
			if err != nil {
				return nil, err
			}
			entries = append(entries, Entry{
				Kind:      MessageAdded,
				MessageID: id,
				Message: &message.Message{
					ID:        id,
					ThreadID:  a.Message.ThreadId,
					HistoryID: a.Message.HistoryId,
					LabelIDs:  message.NormalizeLabels(a.Message.LabelIds),
				},
			})
		}
		for _, l := range h.LabelsAdded {
			id, err := messageID(l.Message)
			if err != nil {
				return nil, err
			}
			entries = append(entries, Entry{Kind: LabelsAdded, MessageID: id, LabelIDs: l.LabelIds})
		}
		for _, l := range h.LabelsRemoved {
			id, err := messageID(l.Message)
			if err != nil {
				return nil, err
			}
			entries = append(entries, Entry{Kind: LabelsRemoved, MessageID: id, LabelIDs: l.LabelIds})
		}
		// Records listing only h.Messages carry no change we
		// act on.
		if len(entries) == n && len(h.Messages) == 0 {
			return nil, errors.Wrapf(ErrUnknownEntry, "history record %d", h.Id)
		}
	}
	return entries, nil
}

func messageID(m *gmail_api.Message) (uint64, error) {
	if m == nil {
		return 0, errors.Wrap(ErrUnknownEntry, "change without a message")
	}
	return message.ParseID(m.Id)
}
