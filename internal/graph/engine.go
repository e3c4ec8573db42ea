package graph

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"missionctl/internal/domain/state"
)

const defaultCacheSize = 256

// Engine caches resolved graphs per mission. The store invalidates an
// entry on every task mutation, so a cached graph is always consistent
// with the committed state it was built from.
type Engine struct {
	cache *lru.Cache[string, *Graph]
}

// NewEngine creates a graph engine with an LRU of resolved graphs.
func NewEngine() *Engine {
	cache, err := lru.New[string, *Graph](defaultCacheSize)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}
	return &Engine{cache: cache}
}

// Resolve returns the cached graph for the mission, rebuilding it from the
// given tasks when absent.
func (e *Engine) Resolve(missionID string, tasks []*state.Task) (*Graph, error) {
	if g, ok := e.cache.Get(missionID); ok {
		return g, nil
	}
	g, err := Build(tasks)
	if err != nil {
		return nil, err
	}
	e.cache.Add(missionID, g)
	return g, nil
}

// Invalidate drops the cached graph for a mission.
func (e *Engine) Invalidate(missionID string) {
	e.cache.Remove(missionID)
}
