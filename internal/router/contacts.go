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

	"github.com/matta/mailsync/internal/framing"
	"github.com/matta/mailsync/internal/handle"
	"github.com/matta/mailsync/internal/message"
	"github.com/matta/mailsync/internal/people"
	"github.com/matta/mailsync/internal/persist"
	"github.com/pkg/errors"
)

// Contacts topics.
const (
	TopicList   = "list"
	TopicAdd    = "add"
	TopicEdit   = "edit"
	TopicRemove = "remove"
	TopicSync   = "sync"
)

func (r *Router) contactRoutes() {
	ch := framing.ChannelContacts
	r.handle(ch, TopicList, r.listContacts)
	r.action("people.people.createContact", TopicAdd, r.addContact)
	r.action("people.people.updateContact", TopicEdit, r.editContact)
	r.action("people.people.deleteContact", TopicRemove, r.removeContact)
	r.handle(ch, TopicSync, r.syncContacts)
}

func (r *Router) listContacts(ctx context.Context, h *handle.Handle, payload json.RawMessage) (interface{}, error) {
	return r.db.Contacts(ctx)
}

func (r *Router) storeContact(ctx context.Context, c message.Contact) error {
	return r.write(ctx, func(tx *persist.Tx) error {
		return tx.UpsertContact(ctx, c)
	})
}

func (r *Router) addContact(ctx context.Context, h *handle.Handle, payload json.RawMessage) (interface{}, error) {
	var c message.Contact
	if err := decode(payload, &c); err != nil {
		return nil, err
	}
	c, err := h.Contacts.Create(ctx, c)
	if err != nil {
		return nil, err
	}
	return c, r.storeContact(ctx, c)
}

// editContact updates a contact.  A stale etag fails with
// people.ErrConflict; the caller is expected to sync and retry.
func (r *Router) editContact(ctx context.Context, h *handle.Handle, payload json.RawMessage) (interface{}, error) {
	var c message.Contact
	if err := decode(payload, &c); err != nil {
		return nil, err
	}
	if c.ResourceName == "" {
		return nil, errors.New("contact has no resource name")
	}
	c, err := h.Contacts.Update(ctx, c)
	if err != nil {
		return nil, err
	}
	return c, r.storeContact(ctx, c)
}

// removeContact deletes a contact.  One already gone from the server
// is removed from the cache all the same.
func (r *Router) removeContact(ctx context.Context, h *handle.Handle, payload json.RawMessage) (interface{}, error) {
	var c message.Contact
	if err := decode(payload, &c); err != nil {
		return nil, err
	}
	err := h.Contacts.Delete(ctx, c.ResourceName)
	if err != nil && errors.Cause(err) != people.ErrNotFound {
		return nil, err
	}
	return nil, r.write(ctx, func(tx *persist.Tx) error {
		return tx.DeleteContact(ctx, c.ResourceName)
	})
}

func (r *Router) syncContacts(ctx context.Context, h *handle.Handle, payload json.RawMessage) (interface{}, error) {
	contacts, err := r.engine.SyncContacts(ctx, h.Contacts)
	if err != nil {
		return nil, err
	}
	r.notify(framing.NotifyContacts, contacts)
	return contacts, nil
}
