package scheduler

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// ConditioningState is an opaque snapshot of the model's recurrent
// state, cached by name so a turn can specialize the shared model
// without retraining.
type ConditioningState struct {
	ID   string
	Data []byte
}

// StateCache is the scheduler's named conditioning-state LRU. It is only ever touched by the scheduler
// worker goroutine, so it needs no internal locking of its own.
type StateCache struct {
	cache *lru.Cache[string, *ConditioningState]
}

// NewStateCache builds a state cache with the given capacity.
func NewStateCache(capacity int) (*StateCache, error) {
	if capacity <= 0 {
		capacity = 8
	}
	cache, err := lru.New[string, *ConditioningState](capacity)
	if err != nil {
		return nil, err
	}
	return &StateCache{cache: cache}, nil
}

// Load returns the cached snapshot for id, or nil if absent (the worker
// should fall back to the model's base state).
func (c *StateCache) Load(id string) *ConditioningState {
	if id == "" {
		return nil
	}
	state, ok := c.cache.Get(id)
	if !ok {
		return nil
	}
	return state
}

// Store saves (or refreshes) a snapshot under id, evicting the least
// recently used entry if the cache is full.
func (c *StateCache) Store(id string, data []byte) {
	if id == "" {
		return
	}
	c.cache.Add(id, &ConditioningState{ID: id, Data: data})
}
