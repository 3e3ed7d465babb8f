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

// Package worker serves one connection from the interactive process:
// events in, replies and notifications out.
package worker

import (
	"context"
	"io"
	"log"

	"github.com/matta/mailsync/internal/framing"
	"github.com/matta/mailsync/internal/router"
	"github.com/pkg/errors"
)

// Serve reads events from conn and dispatches them to r until a
// shutdown event arrives, ctx is done, or the connection fails.  On
// shutdown it waits for work in flight, writes the last replies and
// closes conn and cache.
//
// A read or framing error is returned; the connection cannot be used
// any further.
func Serve(ctx context.Context, conn *framing.Conn, r *router.Router, cache io.Closer) error {
	events := make(chan framing.Event)
	errc := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		for {
			env, err := conn.ReadEnvelope()
			if err == nil && env.Kind != framing.KindEvent {
				err = errors.Errorf("worker: unexpected %q envelope", env.Kind)
			}
			if err != nil {
				errc <- err
				return
			}
			select {
			case events <- *env.Event:
			case <-stop:
				return
			}
		}
	}()

	for {
		select {
		case ev := <-events:
			err := r.Dispatch(ctx, ev)
			if err == router.ErrClosed {
				log.Printf("worker: ignoring event %d after shutdown", ev.ID)
				continue
			}
			if err != nil {
				return finish(conn, r, cache, errors.Wrapf(err, "dispatching event %d", ev.ID))
			}
			if r.Closed() {
				return finish(conn, r, cache, nil)
			}
		case <-r.Ready():
			if err := flush(conn, r); err != nil {
				return finish(conn, r, cache, err)
			}
		case err := <-errc:
			return finish(conn, r, cache, errors.Wrap(err, "reading event"))
		case <-ctx.Done():
			log.Print("worker: context done; shutting down")
			return finish(conn, r, cache, nil)
		}
	}
}

// flush writes every finished reply, then the queued notifications.
func flush(conn *framing.Conn, r *router.Router) error {
	results, notes := r.Drain()
	for i := range results {
		env := framing.Envelope{Kind: framing.KindReply, Reply: &results[i].Reply}
		if err := conn.WriteEnvelope(env); err != nil {
			return errors.Wrapf(err, "writing reply to event %d", results[i].Event.ID)
		}
	}
	for i := range notes {
		env := framing.Envelope{Kind: framing.KindNotify, Notify: &notes[i]}
		if err := conn.WriteEnvelope(env); err != nil {
			return errors.Wrap(err, "writing notification")
		}
	}
	return nil
}

// finish waits for work in flight, writes what it produced unless the
// connection already failed, and releases conn and cache.
func finish(conn *framing.Conn, r *router.Router, cache io.Closer, cause error) error {
	r.Wait()
	if cause == nil {
		cause = flush(conn, r)
	}
	if err := conn.Close(); err != nil && cause == nil {
		cause = errors.Wrap(err, "closing connection")
	}
	if err := cache.Close(); err != nil && cause == nil {
		cause = errors.Wrap(err, "closing cache")
	}
	return cause
}
