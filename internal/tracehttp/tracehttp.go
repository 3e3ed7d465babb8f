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

// Package tracehttp logs HTTP traffic for debugging.
package tracehttp

import (
	"log"
	"net/http"
	"net/http/httputil"
)

const redacted = "REDACTED"

// traceTransport is an http.RoundTripper that logs the request and
// response while delegating the real work to another
// http.RoundTripper.  Credentials are never logged.
type traceTransport struct {
	delegate http.RoundTripper
	logger   *log.Logger
}

func (t *traceTransport) printf(format string, v ...interface{}) {
	if t.logger != nil {
		t.logger.Printf(format, v...)
		return
	}
	log.Printf(format, v...)
}

// redact returns a shallow copy of req without its credentials.
func redact(req *http.Request) *http.Request {
	if req.Header.Get("Authorization") == "" && req.URL.Query().Get("key") == "" {
		return req
	}
	r := req.Clone(req.Context())
	if r.Header.Get("Authorization") != "" {
		r.Header.Set("Authorization", redacted)
	}
	if q := r.URL.Query(); q.Get("key") != "" {
		q.Set("key", redacted)
		r.URL.RawQuery = q.Encode()
	}
	return r
}

// RoundTrip logs a dump of the request and response while delegating
// the round trip to the delegate.
func (t *traceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	shown := redact(req)
	dump, err := httputil.DumpRequestOut(shown, true)
	if err == nil {
		t.printf("> %s", dump)
	}
	// DumpRequestOut replaced the body of the clone.
	if shown != req {
		req.Body = shown.Body
	}
	resp, err := t.delegate.RoundTrip(req)
	if err != nil {
		t.printf("! %s %s: %v", req.Method, req.URL.Redacted(), err)
		return nil, err
	}
	if dump, err := httputil.DumpResponse(resp, true); err == nil {
		t.printf("< %s", dump)
	}
	return resp, nil
}

// Wrap returns a RoundTripper tracing d to the standard logger.
func Wrap(d http.RoundTripper) http.RoundTripper {
	return &traceTransport{delegate: d}
}

// WrapLogger returns a RoundTripper tracing d to l.
func WrapLogger(d http.RoundTripper, l *log.Logger) http.RoundTripper {
	return &traceTransport{delegate: d, logger: l}
}

// Inject a traceTransport into http.DefaultTransport
func WrapDefaultTransport() {
	http.DefaultTransport = Wrap(http.DefaultTransport)
}
