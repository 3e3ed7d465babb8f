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

package worker

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/matta/mailsync/internal/credential"
	"github.com/matta/mailsync/internal/framing"
	"github.com/matta/mailsync/internal/handle"
	"github.com/matta/mailsync/internal/message"
	"github.com/matta/mailsync/internal/persist"
	"github.com/matta/mailsync/internal/pool"
	"github.com/matta/mailsync/internal/router"
	"github.com/matta/mailsync/internal/sync"
	"github.com/pkg/errors"
)

// start runs Serve on one end of a pipe and returns the other end.
func start(t *testing.T) (*framing.Conn, <-chan error) {
	t.Helper()
	ctx := context.Background()
	db, err := persist.Open(ctx, filepath.Join(t.TempDir(), "cache.db"), persist.MaxConns)
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.UpsertMessages(ctx, []*message.Message{{ID: 0x10, InternalDate: 5, LabelIDs: []string{"INBOX"}}}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	f := handle.NewFactory(handle.Options{Tokens: credential.New()})
	r := router.New(router.Config{
		DB:       db,
		Sync:     sync.New(db),
		Mail:     pool.New(f.Func(credential.FamilyGmail), 1),
		Contacts: pool.New(f.Func(credential.FamilyPeople), 1),
	})

	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	errc := make(chan error, 1)
	go func() {
		errc <- Serve(ctx, framing.NewConn(server), r, db)
	}()
	return framing.NewConn(client), errc
}

func send(t *testing.T, c *framing.Conn, ev framing.Event) {
	t.Helper()
	if err := c.WriteEnvelope(framing.Envelope{Kind: framing.KindEvent, Event: &ev}); err != nil {
		t.Fatalf("WriteEnvelope() = %v", err)
	}
}

func wait(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("Serve() did not return")
	}
	return nil
}

func TestServe(t *testing.T) {
	c, errc := start(t)

	send(t, c, framing.Event{ID: 1, Channel: framing.ChannelMail, Topic: router.TopicPage, Payload: json.RawMessage(`{"label":"INBOX","limit":5}`)})
	env, err := c.ReadEnvelope()
	if err != nil {
		t.Fatalf("ReadEnvelope() = %v", err)
	}
	if env.Kind != framing.KindReply || env.Reply.EventID != 1 || env.Reply.Error != "" {
		t.Fatalf("envelope = %+v, want a successful reply to event 1", env)
	}
	var msgs []message.Message
	if err := json.Unmarshal(env.Reply.Payload, &msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != 0x10 {
		t.Errorf("page = %+v, want message 10", msgs)
	}

	send(t, c, framing.Event{ID: 2, Channel: framing.ChannelControl, Topic: router.TopicShutdown})
	if err := wait(t, errc); err != nil {
		t.Errorf("Serve() = %v, want nil after shutdown", err)
	}
	if _, err := c.ReadEnvelope(); errors.Cause(err) != framing.ErrClosed {
		t.Errorf("ReadEnvelope() after shutdown = %v, want ErrClosed", err)
	}
}

func TestServeUndecodableFrame(t *testing.T) {
	c, errc := start(t)
	// An empty frame is well formed but holds no envelope.
	if err := c.WriteFrame(nil); err != nil {
		t.Fatal(err)
	}
	if err := wait(t, errc); err == nil {
		t.Error("Serve() = nil, want an error for a non-envelope frame")
	}
}

func TestServeRejectsReplyEnvelope(t *testing.T) {
	c, errc := start(t)
	err := c.WriteEnvelope(framing.Envelope{Kind: framing.KindReply, Reply: &framing.Reply{EventID: 9}})
	if err != nil {
		t.Fatal(err)
	}
	if err := wait(t, errc); err == nil {
		t.Error("Serve() = nil, want an error for a reply envelope")
	}
}

func TestServeUnknownControlTopic(t *testing.T) {
	c, errc := start(t)

	send(t, c, framing.Event{ID: 1, Channel: framing.ChannelControl, Topic: "pause"})
	env, err := c.ReadEnvelope()
	if err != nil {
		t.Fatalf("ReadEnvelope() = %v", err)
	}
	if env.Kind != framing.KindReply || env.Reply.EventID != 1 || env.Reply.Error == "" {
		t.Fatalf("envelope = %+v, want an error reply to event 1", env)
	}
	select {
	case err := <-errc:
		t.Fatalf("Serve() = %v after an unknown control topic, want it to keep serving", err)
	default:
	}

	send(t, c, framing.Event{ID: 2, Channel: framing.ChannelControl, Topic: router.TopicShutdown})
	if err := wait(t, errc); err != nil {
		t.Errorf("Serve() = %v, want nil after shutdown", err)
	}
}
