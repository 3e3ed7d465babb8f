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
	"bytes"
	"encoding/json"
	"testing"
	"testing/iotest"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

func TestRoundTrip(t *testing.T) {
	// Sizes straddling each change in the number of length digits.
	sizes := []int{0, 1, 9, 10, 99, 100, 999, 1000, 9999, 10000, 100000}
	var stream bytes.Buffer
	w := NewWriter(&stream)
	var want [][]byte
	for i, n := range sizes {
		p := bytes.Repeat([]byte{byte('a' + i)}, n)
		want = append(want, p)
		if err := w.WriteFrame(p); err != nil {
			t.Fatalf("WriteFrame(len %d) = %v", n, err)
		}
	}

	// Force every read to be short.
	r := NewReader(iotest.OneByteReader(&stream))
	for i, p := range want {
		got, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame() #%d = %v", i, err)
		}
		if !bytes.Equal(got, p) {
			t.Errorf("ReadFrame() #%d returned %d bytes, want %d", i, len(got), len(p))
		}
	}
	if _, err := r.ReadFrame(); err != ErrClosed {
		t.Errorf("ReadFrame() at end = %v, want ErrClosed", err)
	}
}

func TestAppendFrame(t *testing.T) {
	cases := []struct {
		payload string
		want    string
	}{
		{"", "\x010"},
		{"x", "\x011x"},
		{"0123456789", "\x0210" + "0123456789"},
	}
	for _, tc := range cases {
		if got := string(AppendFrame(nil, []byte(tc.payload))); got != tc.want {
			t.Errorf("AppendFrame(%q) = %q, want %q", tc.payload, got, tc.want)
		}
	}
}

func TestReadFrameErrors(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  error
	}{
		{"empty stream", "", ErrClosed},
		{"closed inside length", "\x031", ErrClosed},
		{"closed inside payload", "\x015ab", ErrClosed},
		{"zero length-of-length", "\x00", ErrMalformed},
		{"non digit", "\x021x", ErrMalformed},
		{"sign", "\x02-1", ErrMalformed},
		{"overflows int", "\x1399999999999999999999", ErrMalformed},
		{"max int", "\x139223372036854775807", ErrMalformed},
		{"over frame limit", "\x0867108865", ErrMalformed},
		{"at frame limit", "\x0867108864", ErrClosed},
	}
	for _, tc := range cases {
		r := NewReader(bytes.NewReader([]byte(tc.input)))
		if _, err := r.ReadFrame(); err != tc.want {
			t.Errorf("%s: ReadFrame() = %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestEnvelope(t *testing.T) {
	var stream bytes.Buffer
	w := NewWriter(&stream)
	r := NewReader(&stream)

	in := Envelope{Kind: KindEvent, Event: &Event{
		ID:      7,
		Channel: ChannelMail,
		Topic:   "trash",
		Payload: json.RawMessage(`{"id":"18c2"}`),
	}}
	if err := w.WriteEnvelope(in); err != nil {
		t.Fatalf("WriteEnvelope() = %v", err)
	}
	got, err := r.ReadEnvelope()
	if err != nil {
		t.Fatalf("ReadEnvelope() = %v", err)
	}
	in.Version = Version
	if diff := cmp.Diff(in, got); diff != "" {
		t.Errorf("envelope mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRejects(t *testing.T) {
	cases := []string{
		`{"v":2,"kind":"event","event":{"id":1}}`,
		`{"v":1,"kind":"reply"}`,
		`{"v":1,"kind":"bogus","event":{"id":1}}`,
		`not json`,
	}
	for _, c := range cases {
		if _, err := Decode([]byte(c)); err == nil {
			t.Errorf("Decode(%s) = nil error, want error", c)
		}
	}
	if _, err := Decode([]byte(cases[0])); errors.Cause(err) != ErrVersion {
		t.Errorf("Decode(v2) = %v, want ErrVersion", err)
	}
}
