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

// Package people provides access to the user's contacts through the
// Google People API.
package people

import (
	"context"
	"log"
	"net/http"

	"github.com/matta/mailsync/internal/message"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	people_api "google.golang.org/api/people/v1"
)

const (
	ContactsScope = people_api.ContactsScope

	personFields = "names,emailAddresses,metadata"
	updateFields = "names,emailAddresses"
	pageSize     = 1000

	// The People API allows 90 read and 60 write requests per
	// minute per user.
	requestsPerSecond = 1
	burst             = 10
)

// ErrConflict is returned when a contact changed on the server since
// its etag was read.
var ErrConflict = errors.New("contact changed on the server")

// ErrNotFound is returned for a contact that no longer exists.
var ErrNotFound = errors.New("contact not found")

type Service struct {
	service *people_api.Service
	limiter *rate.Limiter
}

func NewLimiter() *rate.Limiter {
	return rate.NewLimiter(requestsPerSecond, burst)
}

// New returns a Service making calls with client.  An empty endpoint
// means the public API; a nil limiter means a new one.
func New(ctx context.Context, client *http.Client, endpoint string, limiter *rate.Limiter) (*Service, error) {
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	s, err := people_api.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating people service")
	}
	if limiter == nil {
		limiter = NewLimiter()
	}
	return &Service{service: s, limiter: limiter}, nil
}

// ToContact converts a person into a cached contact, using the
// primary name and email address.
func ToContact(p *people_api.Person) message.Contact {
	c := message.Contact{ResourceName: p.ResourceName, ETag: p.Etag}
	for _, n := range p.Names {
		name := n.DisplayName
		if name == "" {
			name = n.UnstructuredName
		}
		if c.Name == "" || (n.Metadata != nil && n.Metadata.Primary) {
			c.Name = name
		}
	}
	for _, e := range p.EmailAddresses {
		if c.Email == "" || (e.Metadata != nil && e.Metadata.Primary) {
			c.Email = e.Value
		}
	}
	return c
}

func toPerson(c message.Contact) *people_api.Person {
	p := &people_api.Person{Etag: c.ETag}
	if c.Name != "" {
		p.Names = []*people_api.Name{{UnstructuredName: c.Name}}
	}
	if c.Email != "" {
		p.EmailAddresses = []*people_api.EmailAddress{{Value: c.Email}}
	}
	return p
}

func classify(err error) error {
	if e, ok := errors.Cause(err).(*googleapi.Error); ok {
		switch e.Code {
		case http.StatusNotFound:
			return ErrNotFound
		case http.StatusBadRequest, http.StatusConflict, http.StatusPreconditionFailed:
			for _, item := range e.Errors {
				if item.Reason == "failedPrecondition" {
					return ErrConflict
				}
			}
			if e.Code != http.StatusBadRequest {
				return ErrConflict
			}
		}
	}
	return err
}

// List returns every contact of the user.
func (s *Service) List(ctx context.Context) ([]message.Contact, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var contacts []message.Contact
	req := s.service.People.Connections.List("people/me").
		PersonFields(personFields).
		PageSize(pageSize)
	err := req.Pages(ctx, func(page *people_api.ListConnectionsResponse) error {
		for _, p := range page.Connections {
			contacts = append(contacts, ToContact(p))
		}
		log.Printf("listed page of contacts; count %d; total so far %d", len(page.Connections), len(contacts))
		if page.NextPageToken != "" {
			return s.limiter.Wait(ctx)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "listing contacts")
	}
	return contacts, nil
}

// Create adds a contact and returns it as stored.
func (s *Service) Create(ctx context.Context, c message.Contact) (message.Contact, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return message.Contact{}, err
	}
	p, err := s.service.People.CreateContact(toPerson(c)).PersonFields(personFields).Context(ctx).Do()
	if err != nil {
		return message.Contact{}, errors.Wrap(classify(err), "creating contact")
	}
	return ToContact(p), nil
}

// Update overwrites the name and email of a contact.  c.ETag must be
// the server's current etag.
func (s *Service) Update(ctx context.Context, c message.Contact) (message.Contact, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return message.Contact{}, err
	}
	p, err := s.service.People.UpdateContact(c.ResourceName, toPerson(c)).
		UpdatePersonFields(updateFields).
		PersonFields(personFields).
		Context(ctx).Do()
	if err != nil {
		return message.Contact{}, errors.Wrapf(classify(err), "updating contact %q", c.ResourceName)
	}
	return ToContact(p), nil
}

// Delete removes a contact.
func (s *Service) Delete(ctx context.Context, resourceName string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := s.service.People.DeleteContact(resourceName).Context(ctx).Do(); err != nil {
		return errors.Wrapf(classify(err), "deleting contact %q", resourceName)
	}
	return nil
}
