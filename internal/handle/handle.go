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
Package handle builds authorized API handles for the Gmail and People
APIs.

Every handle shares one credential.Cache.  Tokens are attached per
request by credential.Transport, which also forgets a token the server
rejected with 401.  The client's notion of token expiry is at most an
optimization; the server may invalidate a token at any time.

An API key, when configured, is sent with every request as required by
some Google Workspace setups.
*/
package handle

import (
	"context"
	"net/http"

	"github.com/matta/mailsync/internal/batch"
	"github.com/matta/mailsync/internal/credential"
	"github.com/matta/mailsync/internal/gmail"
	"github.com/matta/mailsync/internal/people"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi/transport"
)

// Handle is one authorized API handle.  Exactly one of Mail and
// Contacts is set, according to Family.
type Handle struct {
	Family   string
	Mail     *gmail.Service
	Contacts *people.Service
}

// Options configure a Factory.
type Options struct {
	Tokens *credential.Cache

	// Base carries every request.  Nil means
	// http.DefaultTransport.
	Base http.RoundTripper

	// APIKey is optional.
	APIKey string

	// Endpoint overrides, for tests.
	GmailEndpoint  string
	BatchEndpoint  string
	PeopleEndpoint string
}

// Factory creates handles.  Handles of one family share a rate
// limiter.
type Factory struct {
	opts       Options
	client     *http.Client
	batchBase  *http.Client
	mailLimit  *rate.Limiter
	peopleRate *rate.Limiter
}

func NewFactory(opts Options) *Factory {
	base := opts.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if opts.APIKey != "" {
		base = &transport.APIKey{Key: opts.APIKey, Transport: base}
	}
	return &Factory{
		opts:       opts,
		client:     &http.Client{Transport: &credential.Transport{Cache: opts.Tokens, Base: base}},
		batchBase:  &http.Client{Transport: base},
		mailLimit:  gmail.NewLimiter(),
		peopleRate: people.NewLimiter(),
	}
}

// Client returns the authorized HTTP client shared by all handles.
func (f *Factory) Client() *http.Client {
	return f.client
}

// New creates a handle for family.
func (f *Factory) New(ctx context.Context, family string) (*Handle, error) {
	switch family {
	case credential.FamilyGmail:
		engine := &batch.Engine{
			Client:   f.batchBase,
			Endpoint: f.opts.BatchEndpoint,
			Family:   credential.FamilyGmail,
			Tokens:   f.opts.Tokens,
		}
		cfg := gmail.Config{
			Client:   f.client,
			Endpoint: f.opts.GmailEndpoint,
			Limiter:  f.mailLimit,
			Batch:    engine,
		}
		if f.opts.Tokens != nil {
			cfg.Tokens = f.opts.Tokens
		}
		s, err := gmail.New(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Handle{Family: family, Mail: s}, nil
	case credential.FamilyPeople:
		s, err := people.New(ctx, f.client, f.opts.PeopleEndpoint, f.peopleRate)
		if err != nil {
			return nil, err
		}
		return &Handle{Family: family, Contacts: s}, nil
	}
	return nil, errors.Errorf("no API handle for family %q", family)
}

// Func returns a constructor for handles of one family, suitable for a
// pool.
func (f *Factory) Func(family string) func(context.Context) (*Handle, error) {
	return func(ctx context.Context) (*Handle, error) {
		return f.New(ctx, family)
	}
}
