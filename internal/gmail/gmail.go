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

package gmail

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/matta/mailsync/internal/batch"
	"github.com/matta/mailsync/internal/credential"
	"github.com/matta/mailsync/internal/message"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	gmail_api "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	ModifyScope = gmail_api.GmailModifyScope

	// See https://developers.google.com/gmail/api/v1/reference/quota
	quotaUnitsMessagesGet     = 5
	quotaUnitsPerGetProfile   = 2
	quotaUnitsPerHistoryList  = 2
	quotaUnitsPerMessagesList = 5
	quotaUnitsPerLabelsList   = 1
	quotaUnitsPerSend         = 100
	quotaUnitsPerTrash        = 5
	quotaUnitsPerDelete       = 10
	quotaUnitsPerModify       = 5

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond

	// History pages start small, since most short syncs see few
	// changes, and grow to the API's maximum.
	initialHistoryPageSize = 10
	maxHistoryPageSize     = 100

	// Gmail caps messages.list pages at 500 ids.
	listPageSize = 500
)

// metadataHeaders are the headers cached for every message.
var metadataHeaders = []string{"From", "To", "Subject"}

var (
	ErrMessageNotFound = errors.New("gmail message not found")

	// ErrUnauthorized is returned when a call is refused again
	// after the token was refreshed.
	ErrUnauthorized = errors.New("gmail: still unauthorized after token refresh")

	// ErrHistoryExpired is returned when the start history id is
	// too old for the server to answer.  A full sync is needed.
	ErrHistoryExpired = errors.New("gmail history id expired")
)

// NewLimiter returns a limiter pacing requests below the per user
// quota.  One limiter should be shared by every Service of an account.
func NewLimiter() *rate.Limiter {
	return rate.NewLimiter(rateLimitPerSecond, rateLimitBurst)
}

// Service provides access to messages stored in Google's GMail
// system.
type Service struct {
	service *gmail_api.Service
	limiter *rate.Limiter
	batch   *batch.Engine
	tokens  batch.TokenProvider

	// sleep waits between retries.  Tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

// Config configures a Service.
type Config struct {
	// Client authorizes every direct call, e.g. through a
	// credential.Transport.
	Client *http.Client

	// Endpoint overrides the API base URL, e.g. for tests.
	Endpoint string

	// Limiter is shared by all services of one account.  If nil
	// a new one is created.
	Limiter *rate.Limiter

	// Batch fetches message metadata.  Its Limiter and Cost are
	// set by New.
	Batch *batch.Engine

	// Tokens, if set, drops the Gmail token when a direct call is
	// refused with 401 or 410, so that the retry refreshes it.
	Tokens batch.TokenProvider
}

func New(ctx context.Context, cfg Config) (*Service, error) {
	opts := []option.ClientOption{option.WithHTTPClient(cfg.Client)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	s, err := gmail_api.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating gmail service")
	}
	l := cfg.Limiter
	if l == nil {
		l = NewLimiter()
	}
	if cfg.Batch != nil {
		cfg.Batch.Limiter = l
		cfg.Batch.Cost = quotaUnitsMessagesGet
	}
	return &Service{service: s, limiter: l, batch: cfg.Batch, tokens: cfg.Tokens, sleep: batch.Sleep}, nil
}

func isChat(msg *gmail_api.Message) bool {
	for _, label := range msg.LabelIds {
		if label == "CHAT" {
			return true
		}
	}
	return false
}

// FromAPI converts a Gmail API message, fetched in metadata or full
// format, into a cached message.
func FromAPI(msg *gmail_api.Message) (*message.Message, error) {
	id, err := message.ParseID(msg.Id)
	if err != nil {
		return nil, err
	}
	m := &message.Message{
		ID:           id,
		ThreadID:     msg.ThreadId,
		HistoryID:    msg.HistoryId,
		Snippet:      msg.Snippet,
		InternalDate: msg.InternalDate,
		LabelIDs:     message.NormalizeLabels(msg.LabelIds),
	}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch strings.ToLower(h.Name) {
			case "from":
				m.From = h.Value
			case "to":
				m.To = h.Value
			case "subject":
				m.Subject = h.Value
			}
		}
	}
	return m, nil
}

func (s *Service) wait(ctx context.Context, units int) error {
	return s.limiter.WaitN(ctx, units)
}

// ListLabels returns every label of the mailbox.
func (s *Service) ListLabels(ctx context.Context) ([]message.Label, error) {
	if err := s.wait(ctx, quotaUnitsPerLabelsList); err != nil {
		return nil, err
	}
	resp, err := s.service.Users.Labels.List("me").Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrap(err, "listing gmail labels")
	}
	labels := make([]message.Label, 0, len(resp.Labels))
	for _, l := range resp.Labels {
		label := message.Label{
			ID:                    l.Id,
			Name:                  l.Name,
			Type:                  l.Type,
			LabelListVisibility:   l.LabelListVisibility,
			MessageListVisibility: l.MessageListVisibility,
			MessagesTotal:         l.MessagesTotal,
		}
		if l.Color != nil {
			label.TextColor = l.Color.TextColor
			label.BackgroundColor = l.Color.BackgroundColor
		}
		labels = append(labels, label)
	}
	return labels, nil
}

// list pages through messages.list for query q, stopping after
// maxPages pages.  A maxResults of zero means full pages.  truncated
// reports that maxPages stopped the listing while more pages remained.
func (s *Service) list(ctx context.Context, q string, maxResults int64, maxPages int) (ids []uint64, truncated bool, err error) {
	req := s.service.Users.Messages.List("me").Q(q).IncludeSpamTrash(true)
	if maxResults > 0 {
		req = req.MaxResults(maxResults)
	} else {
		req = req.MaxResults(listPageSize)
	}
	for page := 0; ; page++ {
		if maxPages > 0 && page >= maxPages {
			log.Printf("stopped listing %q after %d pages; total %d", q, page, len(ids))
			return ids, true, nil
		}
		if err := s.wait(ctx, quotaUnitsPerMessagesList); err != nil {
			return nil, false, err
		}
		resp, err := req.Context(ctx).Do()
		if err != nil {
			return nil, false, errors.Wrapf(err, "listing gmail messages %q", q)
		}
		for _, m := range resp.Messages {
			id, err := message.ParseID(m.Id)
			if err != nil {
				return nil, false, err
			}
			ids = append(ids, id)
		}
		log.Printf("listed page of Gmail messages; count %d; total so far %d", len(resp.Messages), len(ids))
		if resp.NextPageToken == "" || (maxResults > 0 && int64(len(ids)) >= maxResults) {
			return ids, false, nil
		}
		req = req.PageToken(resp.NextPageToken)
	}
}

// windowQuery selects every message, spam and trash included, with an
// internal date in [begin, end).
func windowQuery(begin, end time.Time) string {
	return fmt.Sprintf("in:anywhere after:%d before:%d", begin.Unix(), end.Unix())
}

// ListWindow lists the ids of messages received in [begin, end),
// newest first, reading at most maxPages pages.
func (s *Service) ListWindow(ctx context.Context, begin, end time.Time, maxPages int) ([]uint64, bool, error) {
	return s.list(ctx, windowQuery(begin, end), 0, maxPages)
}

// NewestBefore returns the newest message received before t, or nil
// if there is none.
func (s *Service) NewestBefore(ctx context.Context, t time.Time) (*message.Message, error) {
	ids, _, err := s.list(ctx, fmt.Sprintf("in:anywhere before:%d", t.Unix()), 1, 1)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	msgs, err := s.GetMetadata(ctx, ids[:1])
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0], nil
}

func metadataPath(id uint64) string {
	v := url.Values{"format": {"metadata"}, "metadataHeaders": metadataHeaders}
	return fmt.Sprintf("/gmail/v1/users/me/messages/%s?%s", message.FormatID(id), v.Encode())
}

// GetMetadata fetches the cached fields of many messages with batch
// requests.  Messages that cannot be fetched, and chats, are left
// out.
func (s *Service) GetMetadata(ctx context.Context, ids []uint64) ([]*message.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	calls := make([]batch.Call, len(ids))
	for i, id := range ids {
		calls[i] = batch.Call{Method: http.MethodGet, Path: metadataPath(id)}
	}
	bodies, err := s.batch.ExecuteAll(ctx, calls)
	if err != nil {
		return nil, errors.Wrap(err, "fetching gmail message metadata")
	}
	msgs := make([]*message.Message, 0, len(bodies))
	for _, b := range bodies {
		var raw gmail_api.Message
		if err := json.Unmarshal(b, &raw); err != nil {
			return nil, errors.Wrap(err, "decoding gmail message")
		}
		if isChat(&raw) {
			continue
		}
		m, err := FromAPI(&raw)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	log.Printf("fetched metadata of %d of %d messages", len(msgs), len(ids))
	return msgs, nil
}

// ListHistory returns the history records after startHistoryID and a
// cursor to resume from.  Pages grow from 10 to 100 records; at most
// maxPages pages are read.  When every page was read the cursor is the
// mailbox's current history id.  When maxPages cut the listing short
// it is the id of the last record read, so the unread records are
// listed again next time.
func (s *Service) ListHistory(ctx context.Context, startHistoryID uint64, maxPages int) ([]*gmail_api.History, uint64, error) {
	var (
		records []*gmail_api.History
		read    = startHistoryID
		token   string
		size    int64 = initialHistoryPageSize
	)
	for page := 0; maxPages <= 0 || page < maxPages; page++ {
		if err := s.wait(ctx, quotaUnitsPerHistoryList); err != nil {
			return nil, 0, err
		}
		req := s.service.Users.History.List("me").Context(ctx).
			StartHistoryId(startHistoryID).
			HistoryTypes("messageAdded", "messageDeleted", "labelAdded", "labelRemoved").
			MaxResults(size)
		if token != "" {
			req = req.PageToken(token)
		}
		resp, err := req.Do()
		if err != nil {
			if isNotFound(err) {
				return nil, 0, errors.Wrapf(ErrHistoryExpired, "start history id %d", startHistoryID)
			}
			return nil, 0, errors.Wrap(err, "listing gmail history")
		}
		records = append(records, resp.History...)
		for _, h := range resp.History {
			read = max(read, h.Id)
		}
		log.Printf("listed page of Gmail history; count %d; total so far %d", len(resp.History), len(records))
		if resp.NextPageToken == "" {
			return records, max(read, resp.HistoryId), nil
		}
		token = resp.NextPageToken
		if size *= 2; size > maxHistoryPageSize {
			size = maxHistoryPageSize
		}
	}
	log.Printf("stopped listing Gmail history after %d pages at history id %d", maxPages, read)
	return records, read, nil
}

func isNotFound(err error) bool {
	if e, ok := errors.Cause(err).(*googleapi.Error); ok {
		return e.Code == http.StatusNotFound
	}
	return false
}

func (s *Service) GetProfile(ctx context.Context) (*message.Profile, error) {
	if err := s.wait(ctx, quotaUnitsPerGetProfile); err != nil {
		return nil, err
	}
	u, err := s.service.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrap(err, "getting gmail profile")
	}
	return &message.Profile{
		EmailAddress: u.EmailAddress,
		HistoryID:    u.HistoryId,
	}, nil
}

// do runs a direct call.  Calls the server throttles (403, 429) are
// retried after an exponential backoff that ends in
// batch.ErrBackoffExceeded.  A call refused as unauthorized (401, 410)
// is retried once with a fresh token.
func (s *Service) do(ctx context.Context, units int, call func() (*gmail_api.Message, error)) (*gmail_api.Message, error) {
	var (
		b         batch.Backoff
		refreshed bool
	)
	for {
		if err := s.wait(ctx, units); err != nil {
			return nil, err
		}
		msg, err := call()
		if err == nil {
			return msg, nil
		}
		cause, ok := errors.Cause(err).(*googleapi.Error)
		if !ok {
			return nil, err
		}
		switch cause.Code {
		case http.StatusUnauthorized, http.StatusGone:
			if refreshed {
				return nil, errors.Wrap(ErrUnauthorized, err.Error())
			}
			refreshed = true
			if s.tokens != nil {
				s.tokens.Invalidate(credential.FamilyGmail)
			}
		case http.StatusForbidden, http.StatusTooManyRequests:
			d, berr := b.Next()
			if berr != nil {
				return nil, errors.Wrapf(berr, "last status %d", cause.Code)
			}
			log.Printf("gmail: status %d; backing off for %v", cause.Code, d)
			if err := s.sleep(ctx, d); err != nil {
				return nil, err
			}
		case http.StatusNotFound:
			log.Printf("Warning: message not found...")
			return nil, ErrMessageNotFound
		default:
			return nil, err
		}
	}
}
