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

package router

import (
	"context"
	"encoding/json"
	"log"

	"github.com/matta/mailsync/internal/framing"
	"github.com/matta/mailsync/internal/gmail"
	"github.com/matta/mailsync/internal/handle"
	"github.com/matta/mailsync/internal/message"
	"github.com/matta/mailsync/internal/persist"
	"github.com/pkg/errors"
)

// Mail topics.
const (
	TopicPage         = "page"
	TopicGetEmail     = "get_email"
	TopicSend         = "send"
	TopicTrash        = "trash"
	TopicUntrash      = "untrash"
	TopicDelete       = "delete"
	TopicModifyLabels = "modify_labels"
	TopicShortSync    = "short_sync"
	TopicFullSync     = "full_sync"
	TopicSyncLabels   = "sync_labels"
)

const defaultPageSize = 50

// PageRequest asks for one page of cached messages, newest first.
type PageRequest struct {
	Label  string `json:"label"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
}

// MessageRequest names one message by its remote id.
type MessageRequest struct {
	ID string `json:"id"`
}

type ModifyRequest struct {
	ID     string   `json:"id"`
	Add    []string `json:"add"`
	Remove []string `json:"remove"`
}

func (r *Router) mailRoutes() {
	ch := framing.ChannelMail
	r.handle(ch, TopicPage, r.page)
	r.handle(ch, TopicGetEmail, r.getEmail)
	r.action("gmail.users.messages.send", TopicSend, r.send)
	r.action("gmail.users.messages.trash", TopicTrash, r.trash)
	r.action("gmail.users.messages.untrash", TopicUntrash, r.untrash)
	r.action("gmail.users.messages.delete", TopicDelete, r.delete)
	r.action("gmail.users.messages.modify", TopicModifyLabels, r.modifyLabels)
	r.handle(ch, TopicShortSync, r.shortSync)
	r.handle(ch, TopicFullSync, r.fullSync)
	r.handle(ch, TopicSyncLabels, r.syncLabels)
}

func decode(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(payload, v), "decoding request")
}

func decodeID(payload json.RawMessage) (uint64, error) {
	var req MessageRequest
	if err := decode(payload, &req); err != nil {
		return 0, err
	}
	return message.ParseID(req.ID)
}

func (r *Router) page(ctx context.Context, h *handle.Handle, payload json.RawMessage) (interface{}, error) {
	req := PageRequest{Limit: defaultPageSize}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return r.db.ListMessages(ctx, req.Label, req.Offset, req.Limit)
}

// getEmail returns a readable message body, fetching and caching it on
// first use.
func (r *Router) getEmail(ctx context.Context, h *handle.Handle, payload json.RawMessage) (interface{}, error) {
	id, err := decodeID(payload)
	if err != nil {
		return nil, err
	}
	raw, err := r.db.Email(ctx, id)
	if errors.Cause(err) == persist.ErrNotFound {
		if raw, err = h.Mail.GetMessageFull(ctx, id); err != nil {
			return nil, err
		}
		if err := r.cacheEmail(ctx, id, raw); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return gmail.ParseEmail(raw)
}

// cacheEmail stores a body for a message that is in the cache.
func (r *Router) cacheEmail(ctx context.Context, id uint64, raw []byte) error {
	return r.write(ctx, func(tx *persist.Tx) error {
		if _, err := tx.Message(ctx, id); errors.Cause(err) == persist.ErrNotFound {
			return nil
		} else if err != nil {
			return err
		}
		return tx.PutEmail(ctx, id, raw)
	})
}

func (r *Router) write(ctx context.Context, f func(*persist.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := f(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Router) send(ctx context.Context, h *handle.Handle, payload json.RawMessage) (interface{}, error) {
	var out gmail.Outgoing
	if err := decode(payload, &out); err != nil {
		return nil, err
	}
	return h.Mail.Send(ctx, &out)
}

// relabel records a message's new label set as returned by the
// server.
func (r *Router) relabel(ctx context.Context, m *message.Message) error {
	return r.write(ctx, func(tx *persist.Tx) error {
		return tx.UpdateLabels(ctx, m.ID, m.LabelIDs)
	})
}

func (r *Router) trash(ctx context.Context, h *handle.Handle, payload json.RawMessage) (interface{}, error) {
	id, err := decodeID(payload)
	if err != nil {
		return nil, err
	}
	m, err := h.Mail.Trash(ctx, id)
	if err != nil {
		return nil, err
	}
	return m, r.relabel(ctx, m)
}

func (r *Router) untrash(ctx context.Context, h *handle.Handle, payload json.RawMessage) (interface{}, error) {
	id, err := decodeID(payload)
	if err != nil {
		return nil, err
	}
	m, err := h.Mail.Untrash(ctx, id)
	if err != nil {
		return nil, err
	}
	return m, r.relabel(ctx, m)
}

func (r *Router) delete(ctx context.Context, h *handle.Handle, payload json.RawMessage) (interface{}, error) {
	id, err := decodeID(payload)
	if err != nil {
		return nil, err
	}
	if err := h.Mail.Delete(ctx, id); err != nil {
		return nil, err
	}
	return nil, r.write(ctx, func(tx *persist.Tx) error {
		return tx.DeleteMessages(ctx, []uint64{id})
	})
}

func (r *Router) modifyLabels(ctx context.Context, h *handle.Handle, payload json.RawMessage) (interface{}, error) {
	var req ModifyRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	id, err := message.ParseID(req.ID)
	if err != nil {
		return nil, err
	}
	m, err := h.Mail.Modify(ctx, id, req.Add, req.Remove)
	if err != nil {
		return nil, err
	}
	return m, r.relabel(ctx, m)
}

// shortSync replays offline changes and then applies the remote change
// log.  The reconciled records are also pushed as a notification.
func (r *Router) shortSync(ctx context.Context, h *handle.Handle, payload json.RawMessage) (interface{}, error) {
	if err := r.ApplyOfflineChanges(ctx); err != nil {
		log.Printf("router: offline changes not replayed: %v", err)
	}
	res, err := r.engine.ShortSync(ctx, h.Mail)
	if err != nil {
		return nil, err
	}
	if res != nil && (len(res.Records) > 0 || len(res.Deleted) > 0) {
		r.notify(framing.NotifyHistory, res)
	}
	return res, nil
}

func (r *Router) fullSync(ctx context.Context, h *handle.Handle, payload json.RawMessage) (interface{}, error) {
	if err := r.engine.FullSync(ctx, h.Mail); err != nil {
		return nil, err
	}
	return r.engine.AppInfo(ctx)
}

func (r *Router) syncLabels(ctx context.Context, h *handle.Handle, payload json.RawMessage) (interface{}, error) {
	diff, err := r.engine.SyncLabels(ctx, h.Mail)
	if err != nil {
		return nil, err
	}
	if !diff.Empty() {
		r.notify(framing.NotifyLabels, diff)
	}
	return diff, nil
}
