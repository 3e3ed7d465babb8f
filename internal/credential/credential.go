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
Package credential caches short lived OAuth 2.0 bearer tokens, one per
remote API family, and refreshes them on demand.

The cache's notion of expiry is only an optimization.  The server may
reject a token at any time; callers that see a 401 call Invalidate and
retry at their own layer.  Concurrent callers asking for the same
family while a refresh is in flight share that refresh.
*/
package credential

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"strings"
	gosync "sync"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// ErrRefresh is returned when a token could not be refreshed.  It is
// an authorization failure and is not retried here.
var ErrRefresh = errors.New("credential: token refresh failed")

// API families known to this program.
const (
	FamilyGmail  = "gmail"
	FamilyPeople = "people"
)

// Credentials hold what is needed to mint access tokens for one API
// family: the OAuth client (id, secret, token endpoint) and the
// user's long lived refresh token.
type Credentials struct {
	Config       *oauth2.Config
	RefreshToken string
}

// Cache holds one bearer token per API family.
type Cache struct {
	mu     gosync.Mutex
	creds  map[string]Credentials
	tokens map[string]*oauth2.Token
	group  singleflight.Group
}

func New() *Cache {
	return &Cache{
		creds:  make(map[string]Credentials),
		tokens: make(map[string]*oauth2.Token),
	}
}

// SetCredentials registers the credentials for an API family and
// drops any token cached for it.
func (c *Cache) SetCredentials(family string, cr Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds[family] = cr
	delete(c.tokens, family)
}

// Seed stores an already known token, e.g. one persisted by the
// consent flow.
func (c *Cache) Seed(family string, tok *oauth2.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[family] = tok
}

// Token returns a valid access token for family, refreshing it if the
// cached one is missing or expired.
func (c *Cache) Token(ctx context.Context, family string) (*oauth2.Token, error) {
	c.mu.Lock()
	tok := c.tokens[family]
	c.mu.Unlock()
	if tok.Valid() {
		return tok, nil
	}
	v, err, _ := c.group.Do(family, func() (interface{}, error) {
		return c.refresh(ctx, family)
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

// Invalidate forgets the cached token for family so that the next
// Token call refreshes it.
func (c *Cache) Invalidate(family string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, family)
}

// refresh exchanges the refresh token for a new access token.  It is
// the only path that stores a refreshed token.
func (c *Cache) refresh(ctx context.Context, family string) (*oauth2.Token, error) {
	c.mu.Lock()
	cr, ok := c.creds[family]
	if tok := c.tokens[family]; tok.Valid() {
		// Another caller refreshed while we queued.
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()
	if !ok || cr.Config == nil {
		return nil, errors.Wrapf(ErrRefresh, "no credentials for API family %q", family)
	}

	log.Printf("refreshing access token for %s", family)
	src := cr.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: cr.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, errors.Wrapf(ErrRefresh, "%s: %v", family, err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = cr.RefreshToken
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[family] = tok
	if tok.RefreshToken != cr.RefreshToken {
		cr.RefreshToken = tok.RefreshToken
		c.creds[family] = cr
	}
	return tok, nil
}

// Validate sets the Authorization header of req from the cached token
// for the request's API family.
func (c *Cache) Validate(req *http.Request) error {
	family := FamilyOf(req.URL)
	tok, err := c.Token(req.Context(), family)
	if err != nil {
		return err
	}
	tok.SetAuthHeader(req)
	return nil
}

// FamilyOf extracts the API family from a request URL.  Both the
// per-API hosts (gmail.googleapis.com) and the shared host with a
// path prefix (www.googleapis.com/gmail/v1, /batch/gmail/v1,
// /v1/people) are understood.
func FamilyOf(u *url.URL) string {
	host := u.Hostname()
	if i := strings.IndexByte(host, '.'); i > 0 {
		if first := host[:i]; first != "www" && strings.HasSuffix(host, ".googleapis.com") {
			return first
		}
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) > 1 && (parts[0] == "batch" || isVersion(parts[0])) {
		return parts[1]
	}
	return parts[0]
}

// isVersion matches path segments such as "v1".
func isVersion(s string) bool {
	if len(s) < 2 || s[0] != 'v' {
		return false
	}
	for _, c := range s[1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// FamilyOfMethod extracts the API family from a discovery method id
// such as "gmail.users.messages.get".
func FamilyOfMethod(method string) string {
	if i := strings.IndexByte(method, '.'); i >= 0 {
		return method[:i]
	}
	return method
}

// Transport is an http.RoundTripper that authorizes every request
// from the cache and invalidates the family's token when the server
// answers 401.
type Transport struct {
	Cache *Cache
	Base  http.RoundTripper
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip authorizes a clone of req and delegates it.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	if err := t.Cache.Validate(r); err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, err
	}
	resp, err := t.base().RoundTrip(r)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		t.Cache.Invalidate(FamilyOf(r.URL))
	}
	return resp, nil
}
