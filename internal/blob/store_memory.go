package blob

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"veriflow/pkg/platform/sentinel"
)

const memoryScheme = "mem://"

type InMemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	failPut error
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{objects: make(map[string][]byte)}
}

// FailPuts makes every subsequent Put fail with err. Used to simulate an
// outage in tests and local runs.
func (s *InMemoryStore) FailPuts(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPut = err
}

func (s *InMemoryStore) Put(_ context.Context, p Payload) (string, error) {
	data, err := p.Bytes()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut != nil {
		return "", uploadFailed(s.failPut)
	}
	url := memoryScheme + string(p.Kind) + "/" + uuid.NewString()
	s.objects[url] = append([]byte(nil), data...)
	return url, nil
}

func (s *InMemoryStore) Fetch(_ context.Context, url string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[url]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}
