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
Package router runs the work requested by events from the interactive
process.

Each event borrows an API handle from the pool of its channel and runs
in its own goroutine.  Finished work is collected by Drain, which
returns the handle to its pool and yields the reply for the event.
Handlers may also queue notifications, which Drain yields after the
replies.
*/
package router

import (
	"context"
	"encoding/json"
	"log"
	gosync "sync"

	"github.com/matta/mailsync/internal/framing"
	"github.com/matta/mailsync/internal/handle"
	"github.com/matta/mailsync/internal/persist"
	"github.com/matta/mailsync/internal/pool"
	"github.com/matta/mailsync/internal/sync"
	"github.com/pkg/errors"
)

// ErrClosed is returned by Dispatch after a shutdown event.
var ErrClosed = errors.New("router: shut down")

// TopicShutdown is the control topic that stops the router.
const TopicShutdown = "shutdown"

// HandlePool is a pool of API handles of one family.
type HandlePool = pool.Pool[*handle.Handle]

// A handler does the work of one topic.  Its result becomes the reply
// payload.
type handler func(ctx context.Context, h *handle.Handle, payload json.RawMessage) (interface{}, error)

type route struct {
	channel framing.Channel
	topic   string
}

// Result pairs an event with its reply.
type Result struct {
	Event framing.Event
	Reply framing.Reply
}

// task is one event in flight.
type task struct {
	h     *handle.Handle
	ev    framing.Event
	pool  *HandlePool
	reply framing.Reply
}

// Config holds what a Router works with.
type Config struct {
	DB       *persist.DB
	Sync     *sync.Engine
	Mail     *HandlePool
	Contacts *HandlePool
}

type Router struct {
	db     *persist.DB
	engine *sync.Engine
	pools  map[framing.Channel]*HandlePool
	routes map[route]handler

	// actions are the user actions that may be queued for replay.
	actions map[route]handler

	wg     gosync.WaitGroup
	ready  chan struct{}
	replay gosync.Mutex

	mu       gosync.Mutex
	inflight map[framing.Channel]map[*task]struct{}
	done     []*task
	notes    []framing.Notification
	closed   bool
}

func New(cfg Config) *Router {
	r := &Router{
		db:     cfg.DB,
		engine: cfg.Sync,
		pools: map[framing.Channel]*HandlePool{
			framing.ChannelMail:     cfg.Mail,
			framing.ChannelContacts: cfg.Contacts,
		},
		routes:  make(map[route]handler),
		actions: make(map[route]handler),
		ready:   make(chan struct{}, 1),
		inflight: map[framing.Channel]map[*task]struct{}{
			framing.ChannelMail:     {},
			framing.ChannelContacts: {},
		},
	}
	r.mailRoutes()
	r.contactRoutes()
	return r
}

func (r *Router) handle(ch framing.Channel, topic string, h handler) {
	r.routes[route{ch, topic}] = h
}

// action registers a user action, named by the API method it calls.
// When it fails because the server cannot be reached it is recorded
// for replay.
func (r *Router) action(method, topic string, h handler) {
	ch := channelOf(method)
	r.actions[route{ch, topic}] = h
	r.handle(ch, topic, r.offline(method, topic, h))
}

// Dispatch starts the work for ev.  Failures to route or to obtain a
// handle are reported in the event's reply, not returned.
func (r *Router) Dispatch(ctx context.Context, ev framing.Event) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if ev.Channel == framing.ChannelControl && ev.Topic == TopicShutdown {
		log.Print("router: shutdown requested")
		r.closed = true
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if ev.Channel == framing.ChannelControl {
		r.finish(&task{ev: ev}, nil, errors.Errorf("unknown control topic %q", ev.Topic))
		return nil
	}

	h, ok := r.routes[route{ev.Channel, ev.Topic}]
	if !ok {
		r.finish(&task{ev: ev}, nil, errors.Errorf("no handler for %s/%s", ev.Channel, ev.Topic))
		return nil
	}
	p := r.pools[ev.Channel]
	hd, err := p.Get(ctx)
	if err != nil {
		r.finish(&task{ev: ev}, nil, err)
		return nil
	}
	t := &task{h: hd, ev: ev, pool: p}

	r.mu.Lock()
	r.inflight[ev.Channel][t] = struct{}{}
	r.mu.Unlock()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		v, err := h(ctx, hd, ev.Payload)
		r.finish(t, v, err)
	}()
	return nil
}

// finish records the outcome of t and signals Ready.
func (r *Router) finish(t *task, v interface{}, err error) {
	t.reply = framing.Reply{EventID: t.ev.ID, Channel: t.ev.Channel, Topic: t.ev.Topic}
	if err == nil && v != nil {
		t.reply.Payload, err = json.Marshal(v)
	}
	if err != nil {
		var q *queuedError
		if errors.As(err, &q) {
			t.reply.Queued = true
		}
		log.Printf("router: %s/%s event %d failed: %v", t.ev.Channel, t.ev.Topic, t.ev.ID, err)
		t.reply.Error = err.Error()
	}

	r.mu.Lock()
	delete(r.inflight[t.ev.Channel], t)
	r.done = append(r.done, t)
	r.mu.Unlock()
	select {
	case r.ready <- struct{}{}:
	default:
	}
}

// notify queues a notification for the next Drain.
func (r *Router) notify(kind string, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("router: dropping %s notification: %v", kind, err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, framing.Notification{Kind: kind, Payload: b})
}

// Ready receives a value after work finishes.  One value may stand
// for several finished tasks.
func (r *Router) Ready() <-chan struct{} {
	return r.ready
}

// Drain collects finished work without blocking.  Handles go back to
// their pools.  Notifications queued by the finished work are returned
// after the replies.
func (r *Router) Drain() ([]Result, []framing.Notification) {
	r.mu.Lock()
	done, notes := r.done, r.notes
	r.done, r.notes = nil, nil
	r.mu.Unlock()

	results := make([]Result, 0, len(done))
	for _, t := range done {
		if t.pool != nil {
			t.pool.Put(t.h)
		}
		results = append(results, Result{Event: t.ev, Reply: t.reply})
	}
	return results, notes
}

// Pending returns the number of events in flight.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, set := range r.inflight {
		n += len(set)
	}
	return n
}

// Closed reports whether a shutdown event has been dispatched.
func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Wait blocks until no work is in flight.
func (r *Router) Wait() {
	r.wg.Wait()
}

// borrow takes a handle from the pool of ch for work that did not
// come with one.
func (r *Router) borrow(ctx context.Context, ch framing.Channel) (*handle.Handle, func(), error) {
	p := r.pools[ch]
	h, err := p.Get(ctx)
	if err != nil {
		return nil, nil, err
	}
	return h, func() { p.Put(h) }, nil
}
