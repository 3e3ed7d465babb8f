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

// User actions that fail because the server cannot be reached are
// kept in the change list and replayed, oldest first, before the next
// short sync.  A replayed action the server rejects is dropped: the
// server's state wins and the following short sync brings the cache
// in line with it.

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"

	"github.com/matta/mailsync/internal/credential"
	"github.com/matta/mailsync/internal/framing"
	"github.com/matta/mailsync/internal/handle"
	"github.com/matta/mailsync/internal/persist"
	"github.com/pkg/errors"
)

// queuedError reports an action that was recorded for replay.
type queuedError struct {
	change int64
	err    error
}

func (e *queuedError) Error() string {
	return fmt.Sprintf("offline; queued as change %d: %v", e.change, e.err)
}

func (e *queuedError) Unwrap() error { return e.err }

// isTransient reports whether err means the server could not be
// reached.
func isTransient(err error) bool {
	var ne net.Error
	return errors.As(err, &ne)
}

// channels maps an API family to the channel whose handles call it.
var channels = map[string]framing.Channel{
	credential.FamilyGmail:  framing.ChannelMail,
	credential.FamilyPeople: framing.ChannelContacts,
}

// channelOf returns the channel of a queued change's api type: an API
// method id such as "gmail.users.messages.trash", or a channel name.
func channelOf(apiType string) framing.Channel {
	if ch, ok := channels[credential.FamilyOfMethod(apiType)]; ok {
		return ch
	}
	return framing.Channel(apiType)
}

// offline records h's payload under the API method it calls when the
// call cannot reach the server.
func (r *Router) offline(method, topic string, h handler) handler {
	return func(ctx context.Context, hd *handle.Handle, payload json.RawMessage) (interface{}, error) {
		v, err := h(ctx, hd, payload)
		if err == nil || !isTransient(err) {
			return v, err
		}
		var id int64
		qerr := r.write(ctx, func(tx *persist.Tx) error {
			var err error
			id, err = tx.AppendChange(ctx, method, topic, payload)
			return err
		})
		if qerr != nil {
			log.Printf("router: could not queue %s: %v", method, qerr)
			return nil, err
		}
		return nil, &queuedError{change: id, err: err}
	}
}

// ApplyOfflineChanges replays queued actions in the order they were
// taken.  It stops at the first action that still cannot reach the
// server, keeping it and everything after it queued.
func (r *Router) ApplyOfflineChanges(ctx context.Context) error {
	r.replay.Lock()
	defer r.replay.Unlock()

	changes, err := r.db.Changes(ctx)
	if err != nil {
		return err
	}
	for _, c := range changes {
		ch := channelOf(c.APIType)
		h, ok := r.actions[route{ch, c.ActionType}]
		if !ok {
			log.Printf("router: dropping change %d: unknown action %s/%s", c.ID, c.APIType, c.ActionType)
		} else {
			hd, put, err := r.borrow(ctx, ch)
			if err != nil {
				return err
			}
			_, err = h(ctx, hd, c.Payload)
			put()
			switch {
			case err == nil:
				log.Printf("router: replayed change %d (%s/%s)", c.ID, c.APIType, c.ActionType)
			case isTransient(err):
				return errors.Wrapf(err, "replaying change %d", c.ID)
			default:
				log.Printf("router: dropping change %d (%s/%s): %v", c.ID, c.APIType, c.ActionType, err)
			}
		}
		err := r.write(ctx, func(tx *persist.Tx) error {
			return tx.DeleteChanges(ctx, []int64{c.ID})
		})
		if err != nil {
			return err
		}
	}
	return nil
}
