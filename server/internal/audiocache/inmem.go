package audiocache

import (
	"context"
	"sync"
)

// InMemoryStore 是一个基于内存的音频缓存实现。
// 注意：重启即丢数据，只用于测试和本地调试；生产路径用 SQLiteStore。
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string][]byte)}
}

// Get 返回该 key 的音频字节副本；未命中返回 ErrNotFound。
// 返回副本是为了防止调用方改动缓存内部状态。
func (s *InMemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}

	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Put 写入该 key 的音频字节，已存在则整体覆盖。
func (s *InMemoryStore) Put(_ context.Context, key string, data []byte) error {
	stored := make([]byte, len(data))
	copy(stored, data)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = stored
	return nil
}

// Has 报告该 key 是否已缓存。
func (s *InMemoryStore) Has(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.data[key]
	return ok, nil
}
