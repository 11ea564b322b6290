package secretstore

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore 在进程内保存 JSON 副本，用于测试与一次性运行。
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemoryStore 返回空的 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

func (s *MemoryStore) Load(_ context.Context, name string, v any) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	s.mu.RLock()
	raw, ok := s.docs[name]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

func (s *MemoryStore) Save(_ context.Context, name string, v any) error {
	if err := validateName(name); err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.docs[name] = raw
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.docs, name)
	s.mu.Unlock()
	return nil
}
