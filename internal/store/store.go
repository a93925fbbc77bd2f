// Package store owns decoded PCM buffers for one session, keyed by track id.
package store

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/satindergrewal/stemdeck/internal/audio"
)

// ByteSource yields the encoded bytes of one track. Sources are re-openable.
type ByteSource interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Decoder converts encoded bytes to PCM.
type Decoder interface {
	Decode(ctx context.Context, data []byte) (*audio.Buffer, error)
}

// Item is one track to load.
type Item struct {
	ID     string
	Source ByteSource
}

// Store holds decoded buffers. Buffers are immutable once registered; readers
// share them without copying.
type Store struct {
	dec Decoder

	mu      sync.RWMutex
	buffers map[string]*audio.Buffer
}

// New creates an empty store.
func New(dec Decoder) *Store {
	return &Store{dec: dec, buffers: make(map[string]*audio.Buffer)}
}

// Load fetches and decodes one track, then registers it under id.
func (s *Store) Load(ctx context.Context, id string, src ByteSource) (*audio.Buffer, error) {
	rc, err := src.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", id, err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", id, err)
	}

	buf, err := s.dec.Decode(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	buf.ID = id

	s.mu.Lock()
	s.buffers[id] = buf
	s.mu.Unlock()
	return buf, nil
}

// LoadAll loads every item concurrently. done is called once per item, from
// the loading goroutine, as soon as that item finishes. LoadAll returns when
// every item has finished.
func (s *Store) LoadAll(ctx context.Context, items []Item, done func(id string, buf *audio.Buffer, err error)) {
	var wg sync.WaitGroup
	for _, it := range items {
		wg.Add(1)
		go func(it Item) {
			defer wg.Done()
			start := time.Now()
			buf, err := s.Load(ctx, it.ID, it.Source)
			if err != nil {
				log.Printf("Stem %s failed to load: %v", it.ID, err)
			} else {
				log.Printf("Stem %s decoded (%.1fs audio in %v)", it.ID, buf.Duration().Seconds(), time.Since(start).Round(time.Millisecond))
			}
			if done != nil {
				done(it.ID, buf, err)
			}
		}(it)
	}
	wg.Wait()
}

// Get returns the buffer registered under id.
func (s *Store) Get(id string) (*audio.Buffer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buffers[id]
	return b, ok
}

// Put registers an already-decoded buffer.
func (s *Store) Put(id string, buf *audio.Buffer) {
	s.mu.Lock()
	buf.ID = id
	s.buffers[id] = buf
	s.mu.Unlock()
}

// Remove drops one buffer.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	delete(s.buffers, id)
	s.mu.Unlock()
}

// Release drops every buffer.
func (s *Store) Release() {
	s.mu.Lock()
	s.buffers = make(map[string]*audio.Buffer)
	s.mu.Unlock()
}

// Len returns the number of registered buffers.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buffers)
}

// IDs returns the registered ids in sorted order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.buffers))
	for id := range s.buffers {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Duration returns the length of the longest registered buffer.
func (s *Store) Duration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var longest time.Duration
	for _, b := range s.buffers {
		if d := b.Duration(); d > longest {
			longest = d
		}
	}
	return longest
}
