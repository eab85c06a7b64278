package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type memoryObject struct {
	data        []byte
	contentType string
}

type MemoryStore struct {
	mu      sync.RWMutex
	objects map[Bucket]map[string]memoryObject
}

var _ ContentStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: map[Bucket]map[string]memoryObject{
			BucketOriginals: {},
			BucketVariants:  {},
		},
	}
}

func (s *MemoryStore) Put(_ context.Context, bucket Bucket, key string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	objects, ok := s.objects[bucket]
	if !ok {
		return fmt.Errorf("unknown bucket %q", bucket)
	}
	objects[key] = memoryObject{data: append([]byte(nil), data...), contentType: contentType}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, bucket Bucket, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[bucket][key]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
	}
	return append([]byte(nil), obj.data...), nil
}

func (s *MemoryStore) Delete(_ context.Context, bucket Bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.objects[bucket], key)
	return nil
}

func (s *MemoryStore) ContentType(bucket Bucket, key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.objects[bucket][key].contentType
}

func (s *MemoryStore) Keys(bucket Bucket) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.objects[bucket]))
	for k := range s.objects[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
