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

// Package pool keeps idle, reusable resources such as authorized API
// handles.  A pool grows by one whenever it is asked for a resource
// while empty and never shrinks.
package pool

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Pool holds idle values of type T.  Get transfers ownership of a
// value to the caller and Put transfers it back; a value is never
// handed to two callers at once.
type Pool[T any] struct {
	factory func(ctx context.Context) (T, error)
	seed    int

	mu      sync.Mutex
	idle    []T
	created int
}

// New returns a pool that creates values with factory.  Fill creates
// the first seed values ahead of use.
func New[T any](factory func(ctx context.Context) (T, error), seed int) *Pool[T] {
	return &Pool[T]{factory: factory, seed: seed, idle: make([]T, 0, seed)}
}

// Fill creates idle values until the pool has created at least its
// seed count.
func (p *Pool[T]) Fill(ctx context.Context) error {
	for p.Created() < p.seed {
		v, err := p.create(ctx)
		if err != nil {
			return err
		}
		p.Put(v)
	}
	return nil
}

// Get returns an idle value, creating exactly one new value if none is
// idle.
func (p *Pool[T]) Get(ctx context.Context) (T, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		v := p.idle[n-1]
		var zero T
		p.idle[n-1] = zero
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return v, nil
	}
	p.mu.Unlock()
	return p.create(ctx)
}

func (p *Pool[T]) create(ctx context.Context) (T, error) {
	v, err := p.factory(ctx)
	if err != nil {
		var zero T
		return zero, errors.Wrap(err, "creating pooled resource")
	}
	p.mu.Lock()
	p.created++
	p.mu.Unlock()
	return v, nil
}

// Put returns v to the idle set.
func (p *Pool[T]) Put(v T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idle = append(p.idle, v)
}

// Len returns the number of idle values.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Created returns how many values the pool has created.
func (p *Pool[T]) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}
