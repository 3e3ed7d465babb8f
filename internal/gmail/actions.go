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
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/matta/mailsync/internal/message"
	"github.com/pkg/errors"
	gmail_api "google.golang.org/api/gmail/v1"
)

// Outgoing is a plain text message to send.
type Outgoing struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`

	// ThreadID, when set, files the message in an existing thread.
	ThreadID string `json:"thread_id,omitempty"`
}

func parseAddressList(addrs []string) ([]*mail.Address, error) {
	var out []*mail.Address
	for _, a := range addrs {
		list, err := mail.ParseAddressList(a)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid address %q", a)
		}
		out = append(out, list...)
	}
	return out, nil
}

// BuildRaw renders out as an RFC 5322 message.
func BuildRaw(out *Outgoing, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetSubject(out.Subject)
	if out.From != "" {
		from, err := parseAddressList([]string{out.From})
		if err != nil {
			return nil, err
		}
		h.SetAddressList("From", from)
	}
	to, err := parseAddressList(out.To)
	if err != nil {
		return nil, err
	}
	if len(to) == 0 {
		return nil, errors.New("message has no recipients")
	}
	h.SetAddressList("To", to)
	if len(out.Cc) > 0 {
		cc, err := parseAddressList(out.Cc)
		if err != nil {
			return nil, err
		}
		h.SetAddressList("Cc", cc)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, errors.Wrap(err, "writing message header")
	}
	if _, err := io.WriteString(w, out.Body); err != nil {
		return nil, errors.Wrap(err, "writing message body")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "writing message body")
	}
	return buf.Bytes(), nil
}

// Send sends out and returns the sent message as the server stored it.
func (s *Service) Send(ctx context.Context, out *Outgoing) (*message.Message, error) {
	raw, err := BuildRaw(out, time.Now())
	if err != nil {
		return nil, err
	}
	req := &gmail_api.Message{
		Raw:      base64.URLEncoding.EncodeToString(raw),
		ThreadId: out.ThreadID,
	}
	msg, err := s.do(ctx, quotaUnitsPerSend, func() (*gmail_api.Message, error) {
		return s.service.Users.Messages.Send("me", req).Context(ctx).Do()
	})
	if err != nil {
		return nil, errors.Wrap(err, "sending message")
	}
	return FromAPI(msg)
}

// Trash moves a message to the trash and returns its new state.
func (s *Service) Trash(ctx context.Context, id uint64) (*message.Message, error) {
	msg, err := s.do(ctx, quotaUnitsPerTrash, func() (*gmail_api.Message, error) {
		return s.service.Users.Messages.Trash("me", message.FormatID(id)).Context(ctx).Do()
	})
	if err != nil {
		return nil, errors.Wrapf(err, "trashing message %s", message.FormatID(id))
	}
	return FromAPI(msg)
}

// Untrash restores a message from the trash and returns its new state.
func (s *Service) Untrash(ctx context.Context, id uint64) (*message.Message, error) {
	msg, err := s.do(ctx, quotaUnitsPerTrash, func() (*gmail_api.Message, error) {
		return s.service.Users.Messages.Untrash("me", message.FormatID(id)).Context(ctx).Do()
	})
	if err != nil {
		return nil, errors.Wrapf(err, "restoring message %s", message.FormatID(id))
	}
	return FromAPI(msg)
}

// Delete permanently deletes a message.
func (s *Service) Delete(ctx context.Context, id uint64) error {
	_, err := s.do(ctx, quotaUnitsPerDelete, func() (*gmail_api.Message, error) {
		return nil, s.service.Users.Messages.Delete("me", message.FormatID(id)).Context(ctx).Do()
	})
	return errors.Wrapf(err, "deleting message %s", message.FormatID(id))
}

// Modify adds and removes labels of a message and returns its new
// state.
func (s *Service) Modify(ctx context.Context, id uint64, add, remove []string) (*message.Message, error) {
	req := &gmail_api.ModifyMessageRequest{AddLabelIds: add, RemoveLabelIds: remove}
	msg, err := s.do(ctx, quotaUnitsPerModify, func() (*gmail_api.Message, error) {
		return s.service.Users.Messages.Modify("me", message.FormatID(id), req).Context(ctx).Do()
	})
	if err != nil {
		return nil, errors.Wrapf(err, "modifying labels of message %s", message.FormatID(id))
	}
	return FromAPI(msg)
}

// GetMessageFull fetches the raw RFC 5322 form of a message.
func (s *Service) GetMessageFull(ctx context.Context, id uint64) ([]byte, error) {
	msg, err := s.do(ctx, quotaUnitsMessagesGet, func() (*gmail_api.Message, error) {
		return s.service.Users.Messages.Get("me", message.FormatID(id)).Context(ctx).Format("raw").Do()
	})
	if err != nil {
		return nil, errors.Wrapf(err, "getting message %s from gmail", message.FormatID(id))
	}
	raw, err := base64.URLEncoding.DecodeString(msg.Raw)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding message %s from gmail", message.FormatID(id))
	}
	return raw, nil
}

// Email is the readable form of a raw message.
type Email struct {
	From        string    `json:"from"`
	To          string    `json:"to"`
	Cc          string    `json:"cc,omitempty"`
	Subject     string    `json:"subject"`
	Date        time.Time `json:"date"`
	Text        string    `json:"text"`
	HTML        string    `json:"html,omitempty"`
	Attachments []string  `json:"attachments,omitempty"`
}

// ParseEmail extracts headers, text and attachment names from a raw
// message.
func ParseEmail(raw []byte) (*Email, error) {
	r, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "parsing message")
	}
	defer r.Close()

	e := &Email{
		From: r.Header.Get("From"),
		To:   r.Header.Get("To"),
		Cc:   r.Header.Get("Cc"),
	}
	if e.Subject, err = r.Header.Subject(); err != nil {
		e.Subject = r.Header.Get("Subject")
	}
	if d, err := r.Header.Date(); err == nil {
		e.Date = d
	}

	for {
		p, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading message part")
		}
		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			ctype, _, _ := h.ContentType()
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return nil, errors.Wrap(err, "reading message part")
			}
			switch {
			case strings.HasPrefix(ctype, "text/html"):
				if e.HTML == "" {
					e.HTML = string(b)
				}
			case ctype == "" || strings.HasPrefix(ctype, "text/"):
				if e.Text == "" {
					e.Text = string(b)
				}
			}
		case *mail.AttachmentHeader:
			name, _ := h.Filename()
			e.Attachments = append(e.Attachments, name)
		}
	}
	return e, nil
}
