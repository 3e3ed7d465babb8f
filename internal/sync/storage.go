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

// This file declares what the sync engine needs from the remote
// mailbox and address book.  *gmail.Service and *people.Service
// satisfy these.

import (
	"context"
	"time"

	"github.com/matta/mailsync/internal/message"
	gmail_api "google.golang.org/api/gmail/v1"
)

// MessageLister lists message identifiers from a message storage
// system.
type MessageLister interface {
	// ListWindow lists messages received in [begin, end), newest
	// first.  truncated reports that maxPages stopped the listing
	// before its oldest messages.
	ListWindow(ctx context.Context, begin, end time.Time, maxPages int) (ids []uint64, truncated bool, err error)

	// NewestBefore returns the newest message received before t,
	// or nil.
	NewestBefore(ctx context.Context, t time.Time) (*message.Message, error)
}

// MessageMetaGetter gets per message metadata from a message storage
// system.
type MessageMetaGetter interface {
	GetMetadata(ctx context.Context, ids []uint64) ([]*message.Message, error)
}

// HistoryLister reads the change log of a message storage system.
// The returned history id is the point up to which the log was read.
type HistoryLister interface {
	ListHistory(ctx context.Context, startHistoryID uint64, maxPages int) ([]*gmail_api.History, uint64, error)
}

// MessageProfiler gets per account metadata from a message storage
// system.
type MessageProfiler interface {
	GetProfile(ctx context.Context) (*message.Profile, error)
}

type LabelLister interface {
	ListLabels(ctx context.Context) ([]message.Label, error)
}

// MessageStorage provides all possible actions available to deal with
// message storage.
type MessageStorage interface {
	MessageLister
	MessageMetaGetter
	HistoryLister
	MessageProfiler
	LabelLister
}

// ContactLister lists the user's address book.
type ContactLister interface {
	List(ctx context.Context) ([]message.Contact, error)
}
