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

package framing

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Version is the envelope schema version written by this program.
const Version = 1

// ErrVersion is returned when decoding an envelope of an unsupported
// version.
var ErrVersion = errors.New("framing: unsupported envelope version")

// Channel names the logical API domain an event belongs to.
type Channel string

const (
	ChannelMail     Channel = "mail"
	ChannelContacts Channel = "contacts"
	ChannelControl  Channel = "control"
)

// Envelope kinds.
const (
	KindEvent  = "event"
	KindReply  = "reply"
	KindNotify = "notify"
)

// Event is a user initiated request flowing from the interactive
// process to the worker.
type Event struct {
	// Monotonic per connection, assigned by the sender.
	ID      uint64          `json:"id"`
	Channel Channel         `json:"channel"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply carries the result of one Event back to its sender.
type Reply struct {
	EventID uint64          `json:"event_id"`
	Channel Channel         `json:"channel"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Error holds the failure, if any.  Failures are reported
	// here rather than by tearing down the connection.
	Error string `json:"error,omitempty"`

	// Queued is set when the request could not reach the server
	// and was recorded for replay.
	Queued bool `json:"queued,omitempty"`
}

// Notification is an unsolicited cache update pushed to the
// interactive process.
type Notification struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Notification kinds.
const (
	NotifyLabels   = "labels"
	NotifyHistory  = "history"
	NotifyContacts = "contacts"
)

// Envelope is the versioned schema of every frame payload.
type Envelope struct {
	Version int           `json:"v"`
	Kind    string        `json:"kind"`
	Event   *Event        `json:"event,omitempty"`
	Reply   *Reply        `json:"reply,omitempty"`
	Notify  *Notification `json:"notify,omitempty"`
}

// Encode serializes env, stamping the current version.
func Encode(env Envelope) ([]byte, error) {
	env.Version = Version
	switch env.Kind {
	case KindEvent:
		if env.Event == nil {
			return nil, errors.New("framing: event envelope without event")
		}
	case KindReply:
		if env.Reply == nil {
			return nil, errors.New("framing: reply envelope without reply")
		}
	case KindNotify:
		if env.Notify == nil {
			return nil, errors.New("framing: notify envelope without notification")
		}
	default:
		return nil, errors.Errorf("framing: unknown envelope kind %q", env.Kind)
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "encoding envelope")
	}
	return b, nil
}

// Decode parses a frame payload into an Envelope.
func Decode(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "decoding envelope")
	}
	if env.Version != Version {
		return Envelope{}, errors.Wrapf(ErrVersion, "got version %d", env.Version)
	}
	switch {
	case env.Kind == KindEvent && env.Event != nil:
	case env.Kind == KindReply && env.Reply != nil:
	case env.Kind == KindNotify && env.Notify != nil:
	default:
		return Envelope{}, errors.Errorf("framing: envelope kind %q has no body", env.Kind)
	}
	return env, nil
}

// WriteEnvelope encodes env and writes it as one frame.
func (w *Writer) WriteEnvelope(env Envelope) error {
	b, err := Encode(env)
	if err != nil {
		return err
	}
	return w.WriteFrame(b)
}

// ReadEnvelope reads and decodes the next frame.
func (r *Reader) ReadEnvelope() (Envelope, error) {
	b, err := r.ReadFrame()
	if err != nil {
		return Envelope{}, err
	}
	return Decode(b)
}
