package cache

import (
	"encoding/json"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Memory is a bounded in-memory Store backed by two LRU segments, one for
// entity fragments and one for query results.
type Memory struct {
	entities *lru.Cache[string, json.RawMessage]
	queries  *lru.Cache[string, json.RawMessage]
}

// NewMemory creates a Memory store. Capacities must be >= 1.
func NewMemory(entityCapacity, listCapacity int) (*Memory, error) {
	entities, err := lru.New[string, json.RawMessage](entityCapacity)
	if err != nil {
		return nil, err
	}
	queries, err := lru.New[string, json.RawMessage](listCapacity)
	if err != nil {
		return nil, err
	}
	return &Memory{entities: entities, queries: queries}, nil
}

func (m *Memory) ReadQuery(key string) (json.RawMessage, bool) {
	return m.queries.Get(key)
}

func (m *Memory) WriteQuery(key string, data json.RawMessage) {
	m.queries.Add(key, data)
}

func (m *Memory) ReadFragment(ref string) (json.RawMessage, bool) {
	return m.entities.Get(ref)
}

func (m *Memory) WriteFragment(ref string, data json.RawMessage) {
	m.entities.Add(ref, data)
}

func (m *Memory) Evict(ref string) bool {
	return m.entities.Remove(ref)
}

func (m *Memory) Identify(entityType, id string) string {
	return entityType + ":" + id
}
