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
Package batch bundles many logical Google API calls into one
multipart/mixed HTTP request and splits the response back into per-call
results.

Parts that fail with 401 or 410 cause one token refresh and are sent
again.  Parts that fail with 403 or 429 are sent again after an
exponential backoff.  Any other failing part is logged and dropped.
*/
package batch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// MaxCalls is the most calls one batch request may carry.
	MaxCalls = 100

	// DefaultEndpoint is the Gmail batch endpoint.
	DefaultEndpoint = "https://www.googleapis.com/batch/gmail/v1"

	// Chunks of one ExecuteAll run concurrently up to this limit.
	maxConcurrentBatches = 2
)

var (
	ErrTooManyCalls     = errors.New("batch: too many calls in one batch")
	ErrBackoffExceeded  = errors.New("batch: backoff exceeded")
	ErrUnauthorized     = errors.New("batch: still unauthorized after token refresh")
	errMalformedPartRef = errors.New("batch: response part has unknown Content-ID")
)

// Call is one logical API call.  Path is relative to the API host and
// includes the query string, e.g.
// "/gmail/v1/users/me/messages/18c2?format=metadata".
type Call struct {
	Method string
	Path   string
	Body   []byte
}

// TokenProvider supplies bearer tokens for an API family.
// *credential.Cache satisfies it.
type TokenProvider interface {
	Token(ctx context.Context, family string) (*oauth2.Token, error)
	Invalidate(family string)
}

// Engine executes batches against one batch endpoint.
type Engine struct {
	Client   *http.Client
	Endpoint string
	Family   string
	Tokens   TokenProvider

	// Limiter, when set, is charged Cost units for every part
	// sent, including parts that are sent again.
	Limiter *rate.Limiter
	Cost    int

	// Sleep waits between retries.  Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (e *Engine) client() *http.Client {
	if e.Client != nil {
		return e.Client
	}
	return http.DefaultClient
}

func (e *Engine) endpoint() string {
	if e.Endpoint != "" {
		return e.Endpoint
	}
	return DefaultEndpoint
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	return Sleep(ctx, d)
}

// Sleep waits for d, or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff yields the delays 1s, 2s, 4s, ... 32s and then fails.
type Backoff struct {
	next time.Duration
}

const (
	initialBackoff = time.Second
	maxBackoff     = 32 * time.Second
)

// Next returns the next delay, or ErrBackoffExceeded once the delay
// would exceed the cap.
func (b *Backoff) Next() (time.Duration, error) {
	if b.next == 0 {
		b.next = initialBackoff
	}
	if b.next > maxBackoff {
		return 0, ErrBackoffExceeded
	}
	d := b.next
	b.next *= 2
	return d, nil
}

func (e *Engine) backoff(ctx context.Context, b *Backoff) error {
	d, err := b.Next()
	if err != nil {
		return err
	}
	log.Printf("batch: backing off for %v", d)
	return e.sleep(ctx, d)
}

// partResult is one parsed part of a batch response.
type partResult struct {
	index  int
	status int
	body   []byte
}

// Execute sends calls as one batch and returns the bodies of the calls
// that succeeded.  Bodies of calls that were retried follow those that
// succeeded on the first attempt.
func (e *Engine) Execute(ctx context.Context, calls []Call) ([]json.RawMessage, error) {
	if len(calls) > MaxCalls {
		return nil, errors.Wrapf(ErrTooManyCalls, "%d calls, limit %d", len(calls), MaxCalls)
	}
	id := uuid.New().String()
	pending := make([]int, len(calls))
	for i := range pending {
		pending[i] = i
	}

	var (
		results   []json.RawMessage
		b         Backoff
		refreshed bool
	)
	for len(pending) > 0 {
		if e.Limiter != nil && e.Cost > 0 {
			for range pending {
				if err := e.Limiter.WaitN(ctx, e.Cost); err != nil {
					return nil, err
				}
			}
		}
		tok, err := e.Tokens.Token(ctx, e.Family)
		if err != nil {
			return nil, err
		}

		parts, status, err := e.send(ctx, tok, id, calls, pending)
		if err != nil {
			log.Printf("batch: request of %d parts failed: %v", len(pending), err)
			if err := e.backoff(ctx, &b); err != nil {
				return nil, errors.Wrap(err, "batch: endpoint unreachable")
			}
			continue
		}
		switch {
		case status == http.StatusUnauthorized:
			if refreshed {
				return nil, ErrUnauthorized
			}
			refreshed = true
			e.Tokens.Invalidate(e.Family)
			continue
		case status == http.StatusForbidden || status == http.StatusTooManyRequests || status >= 500:
			if err := e.backoff(ctx, &b); err != nil {
				return nil, err
			}
			continue
		case status/100 != 2:
			return nil, errors.Errorf("batch: endpoint returned %d", status)
		}

		var auth, throttled []int
		seen := make(map[int]bool, len(parts))
		for _, p := range parts {
			if p.index < 0 || p.index >= len(calls) || seen[p.index] {
				log.Printf("batch: ignoring unexpected response part %d", p.index)
				continue
			}
			seen[p.index] = true
			switch {
			case p.status/100 == 2:
				results = append(results, json.RawMessage(p.body))
			case p.status == http.StatusUnauthorized || p.status == http.StatusGone:
				auth = append(auth, p.index)
			case p.status == http.StatusForbidden || p.status == http.StatusTooManyRequests:
				throttled = append(throttled, p.index)
			default:
				log.Printf("batch: dropping %s %s: status %d: %s",
					calls[p.index].Method, calls[p.index].Path, p.status, bytes.TrimSpace(p.body))
			}
		}
		for _, i := range pending {
			if !seen[i] {
				throttled = append(throttled, i)
			}
		}

		pending = append(auth, throttled...)
		if len(auth) > 0 {
			if refreshed {
				return nil, ErrUnauthorized
			}
			refreshed = true
			e.Tokens.Invalidate(e.Family)
		}
		if len(throttled) > 0 {
			if err := e.backoff(ctx, &b); err != nil {
				return nil, err
			}
		}
	}
	return results, nil
}

// ExecuteAll splits calls into batches of at most MaxCalls and runs
// them concurrently.
func (e *Engine) ExecuteAll(ctx context.Context, calls []Call) ([]json.RawMessage, error) {
	var chunks [][]Call
	for len(calls) > MaxCalls {
		chunks = append(chunks, calls[:MaxCalls])
		calls = calls[MaxCalls:]
	}
	if len(calls) > 0 {
		chunks = append(chunks, calls)
	}

	out := make([][]json.RawMessage, len(chunks))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentBatches)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			res, err := e.Execute(ctx, chunk)
			out[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var results []json.RawMessage
	for _, r := range out {
		results = append(results, r...)
	}
	return results, nil
}

func contentID(id string, index int) string {
	return fmt.Sprintf("<%s+%d>", id, index)
}

// partIndex recovers the call index from a response Content-ID of the
// form "<response-ID+N>".
func partIndex(id, header string) (int, error) {
	s := strings.TrimSuffix(strings.TrimPrefix(header, "<"), ">")
	s = strings.TrimPrefix(s, "response-")
	prefix := id + "+"
	if !strings.HasPrefix(s, prefix) {
		return 0, errors.Wrapf(errMalformedPartRef, "%q", header)
	}
	n, err := strconv.Atoi(s[len(prefix):])
	if err != nil {
		return 0, errors.Wrapf(errMalformedPartRef, "%q", header)
	}
	return n, nil
}

// encode writes the multipart body for the pending calls and returns
// its content type.
func encode(w io.Writer, id string, calls []Call, pending []int) (string, error) {
	mw := multipart.NewWriter(w)
	for _, i := range pending {
		c := calls[i]
		h := make(textproto.MIMEHeader)
		h.Set("Content-Type", "application/http")
		h.Set("Content-ID", contentID(id, i))
		pw, err := mw.CreatePart(h)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(pw, "%s %s HTTP/1.1\r\n", c.Method, c.Path)
		if len(c.Body) > 0 {
			fmt.Fprintf(pw, "Content-Type: application/json\r\nContent-Length: %d\r\n", len(c.Body))
		}
		io.WriteString(pw, "\r\n")
		if _, err := pw.Write(c.Body); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}
	return "multipart/mixed; boundary=" + mw.Boundary(), nil
}

// send posts one batch.  A non-nil error means the endpoint could not
// be reached or its response could not be read.
func (e *Engine) send(ctx context.Context, tok *oauth2.Token, id string, calls []Call, pending []int) ([]partResult, int, error) {
	var body bytes.Buffer
	ctype, err := encode(&body, id, calls, pending)
	if err != nil {
		return nil, 0, errors.Wrap(err, "encoding batch")
	}
	req, err := http.NewRequest(http.MethodPost, e.endpoint(), &body)
	if err != nil {
		return nil, 0, errors.Wrap(err, "building batch request")
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", ctype)
	tok.SetAuthHeader(req)

	resp, err := e.client().Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, nil
	}
	parts, err := decode(resp, id)
	if err != nil {
		return nil, 0, err
	}
	return parts, resp.StatusCode, nil
}

func decode(resp *http.Response, id string) ([]partResult, error) {
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, errors.Wrap(err, "parsing batch response content type")
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return nil, errors.Errorf("batch response has content type %q", mediaType)
	}
	mr := multipart.NewReader(resp.Body, params["boundary"])
	var parts []partResult
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			return parts, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading batch response")
		}
		index, err := partIndex(id, p.Header.Get("Content-ID"))
		if err != nil {
			log.Print(err)
			continue
		}
		r, err := http.ReadResponse(bufio.NewReader(p), nil)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing part %d of batch response", index)
		}
		b, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "reading part %d of batch response", index)
		}
		parts = append(parts, partResult{index: index, status: r.StatusCode, body: b})
	}
}
