package message

// This file provides the common data objects used by the rest of the
// program.

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Message defines the cached metadata of one mail message.
type Message struct {
	// The permanent and unique ID of the message.  GMail exposes
	// it as a uint64 encoded in hex.
	ID uint64 `json:"id"`

	// The permanent and unique ID of the thread associated with
	// the message.
	ThreadID string `json:"thread_id"`

	// The history ID of the last change to this message.  Values
	// are monotonic-ish: they increase, but not densely.
	HistoryID uint64 `json:"history_id"`

	To      string `json:"to"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	Snippet string `json:"snippet"`

	// The server assigned creation time, in epoch milliseconds.
	InternalDate int64 `json:"internal_date"`

	// The current set of label identifiers associated with the
	// message.  These identifiers are not the user visible label
	// names!
	LabelIDs []string `json:"label_ids"`
}

// Label defines a GMail label as cached locally.
type Label struct {
	ID   string `json:"id" db:"label_id"`
	Name string `json:"name" db:"name"`

	// Either "system" or "user".
	Type string `json:"type" db:"type"`

	LabelListVisibility   string `json:"label_list_visibility" db:"label_list_visibility"`
	MessageListVisibility string `json:"message_list_visibility" db:"message_list_visibility"`
	MessagesTotal         int64  `json:"messages_total" db:"messages_total"`
	TextColor             string `json:"text_color" db:"text_color"`
	BackgroundColor       string `json:"background_color" db:"background_color"`
}

// LabelDiff describes how a freshly fetched label list differs from
// the cached one.
type LabelDiff struct {
	Added   []Label  `json:"added"`
	Updated []Label  `json:"updated"`
	Deleted []string `json:"deleted"`
}

// Empty reports whether the diff carries no change.
func (d LabelDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Deleted) == 0
}

// Contact defines one entry in the user's address book.
type Contact struct {
	// The People API resource name, e.g. "people/c123".
	ResourceName string `json:"resource_name" db:"resource_name"`

	// Optimistic concurrency token; updates must present the
	// current value.
	ETag string `json:"etag" db:"etag"`

	Name  string `json:"name" db:"name"`
	Email string `json:"email" db:"email"`
}

// AppInfo defines the synchronization progress of the local cache.
type AppInfo struct {
	// The internal date of the backfill frontier.
	LastSyncedDate int64 `json:"last_synced_date"`

	// The internal date of the oldest message in the mailbox, once
	// the backfill has found the mailbox boundary.  Zero until
	// then.
	DateOfOldestEmail int64 `json:"date_of_oldest_email"`

	// Wall clock time of the last sync progress.
	LastTimeSynced time.Time `json:"last_time_synced"`

	// The highest history ID observed.  Never decreases.
	LatestHistoryID uint64 `json:"latest_history_id"`
}

// BackfillComplete reports whether the full sync has reached the
// oldest message in the mailbox.
func (a AppInfo) BackfillComplete() bool {
	return a.DateOfOldestEmail != 0
}

// Change is one user action captured while offline, waiting to be
// replayed.
type Change struct {
	ID         int64  `json:"id" db:"id"`
	APIType    string `json:"api_type" db:"api_type"`
	ActionType string `json:"action_type" db:"action_type"`
	Payload    []byte `json:"payload" db:"payload"`
}

// Profile defines per-account information in a message mailbox.
type Profile struct {
	EmailAddress string

	// The ID of the mailbox's current history record.
	HistoryID uint64
}

// ParseID converts a remote hex message id into its integer form.
func ParseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid message id %q", s)
	}
	return id, nil
}

// FormatID converts an integer message id back to the form the
// remote API expects.
func FormatID(id uint64) string {
	return strconv.FormatUint(id, 16)
}

const labelSep = ","

// NormalizeLabels returns labels with duplicates and empty entries
// removed, preserving first occurrence order.
func NormalizeLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	seen := make(map[string]bool, len(labels))
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

// JoinLabels serializes a label set for storage.
func JoinLabels(labels []string) string {
	return strings.Join(NormalizeLabels(labels), labelSep)
}

// SplitLabels parses a label set serialized by JoinLabels.
func SplitLabels(s string) []string {
	if s == "" {
		return []string{}
	}
	return NormalizeLabels(strings.Split(s, labelSep))
}

// HasLabel reports whether the message carries the label.
func (m *Message) HasLabel(id string) bool {
	for _, l := range m.LabelIDs {
		if l == id {
			return true
		}
	}
	return false
}
