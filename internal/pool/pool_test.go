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

package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type handle struct{ n int }

func counter() (func(context.Context) (*handle, error), *int) {
	n := 0
	var mu sync.Mutex
	return func(context.Context) (*handle, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return &handle{n: n}, nil
	}, &n
}

func TestGetPut(t *testing.T) {
	ctx := context.Background()
	factory, _ := counter()
	p := New(factory, 0)

	h, err := p.Get(ctx)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if p.Created() != 1 {
		t.Errorf("Created() = %d, want 1", p.Created())
	}
	p.Put(h)
	again, err := p.Get(ctx)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if again != h {
		t.Errorf("Get() after Put() returned %p, want the same handle %p", again, h)
	}
	if p.Created() != 1 {
		t.Errorf("Created() = %d after reuse, want 1", p.Created())
	}

	// Empty again: the next Get grows the pool by one.
	other, _ := p.Get(ctx)
	if other == h || p.Created() != 2 {
		t.Errorf("Get() on empty pool = %v, Created() = %d; want a new handle and 2", other, p.Created())
	}
}

func TestFill(t *testing.T) {
	factory, _ := counter()
	p := New(factory, 3)
	if err := p.Fill(context.Background()); err != nil {
		t.Fatalf("Fill() = %v", err)
	}
	if p.Len() != 3 || p.Created() != 3 {
		t.Errorf("after Fill(): Len() = %d, Created() = %d; want 3, 3", p.Len(), p.Created())
	}
}

func TestNoAliasing(t *testing.T) {
	ctx := context.Background()
	factory, _ := counter()
	p := New(factory, 0)

	var (
		mu    sync.Mutex
		inUse = map[*handle]bool{}
		wg    sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Get(ctx)
			if err != nil {
				t.Errorf("Get() = %v", err)
				return
			}
			mu.Lock()
			if inUse[h] {
				t.Errorf("handle %d handed out twice", h.n)
			}
			inUse[h] = true
			mu.Unlock()

			mu.Lock()
			delete(inUse, h)
			mu.Unlock()
			p.Put(h)
		}()
	}
	wg.Wait()
	if p.Len() != p.Created() {
		t.Errorf("Len() = %d, Created() = %d; every handle should be idle", p.Len(), p.Created())
	}
}

func TestFactoryError(t *testing.T) {
	boom := errors.New("boom")
	p := New(func(context.Context) (int, error) { return 0, boom }, 0)
	if _, err := p.Get(context.Background()); err == nil {
		t.Error("Get() = nil error, want error")
	}
	if p.Created() != 0 {
		t.Errorf("Created() = %d, want 0", p.Created())
	}
}
