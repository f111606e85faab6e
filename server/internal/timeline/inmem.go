package timeline

import (
	"context"
	"sync"

	"debate-replay/server/internal/model"
)

// InMemoryStore 是一个基于内存的播放时间线存储实现。
type InMemoryStore struct {
	mu     sync.RWMutex
	events map[string][]model.Event
	seq    map[string]int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		events: make(map[string][]model.Event),
		seq:    make(map[string]int64),
	}
}

// Append 追加事件到时间线，并为该 player 分配单调递增 seq。
func (s *InMemoryStore) Append(_ context.Context, playerID string, evt *model.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq[playerID]++
	seq := s.seq[playerID]

	eventCopy := *evt
	eventCopy.Seq = seq
	eventCopy.PlayerID = playerID
	s.events[playerID] = append(s.events[playerID], eventCopy)

	return seq, nil
}

// List 返回该 player 的全量事件副本，防止调用方改动内部状态。
func (s *InMemoryStore) List(_ context.Context, playerID string) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[playerID]
	out := make([]model.Event, len(events))
	copy(out, events)
	return out, nil
}
