// Package memory is an in-process ObjectStore, used for local runs and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mosajjal/logshuttle/pkg/storage"
)

// Store keeps objects in a map. The clock is replaceable so callers can
// exercise expiry logic.
type Store struct {
	mu      sync.Mutex
	objects map[string]storage.Object
	Now     func() time.Time
	// FailPut makes every Put fail with this error when set
	FailPut error
}

// New returns an empty store using the wall clock.
func New() *Store {
	return &Store{objects: make(map[string]storage.Object), Now: time.Now}
}

func (s *Store) Get(_ context.Context, key string) (*storage.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	body := append([]byte(nil), obj.Body...)
	return &storage.Object{Body: body, LastModified: obj.LastModified}, nil
}

func (s *Store) Put(_ context.Context, key string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPut != nil {
		return s.FailPut
	}
	s.objects[key] = storage.Object{Body: append([]byte(nil), body...), LastModified: s.Now()}
	return nil
}

// Delete is idempotent.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Touch rewrites the modification time of key.
func (s *Store) Touch(key string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj, ok := s.objects[key]; ok {
		obj.LastModified = at
		s.objects[key] = obj
	}
}

// Len returns the number of stored objects.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
