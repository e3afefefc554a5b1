package stores

import (
	"sync"

	"go.opentelemetry.io/otel/attribute"
)

// GlobalAttributes is an externally settable attribute set applied to every
// record. Iteration order is insertion order.
type GlobalAttributes struct {
	mu     sync.RWMutex
	keys   []string
	values map[string]attribute.Value
}

// NewGlobalAttributes creates an empty attribute set.
func NewGlobalAttributes() *GlobalAttributes {
	return &GlobalAttributes{values: make(map[string]attribute.Value)}
}

// Set stores value under key, keeping the original position of an existing key.
func (g *GlobalAttributes) Set(key string, value attribute.Value) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.values[key]; !ok {
		g.keys = append(g.keys, key)
	}
	g.values[key] = value
}

// Get returns the value stored under key.
func (g *GlobalAttributes) Get(key string) (attribute.Value, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	v, ok := g.values[key]
	return v, ok
}

// GetAll returns a point-in-time copy. Later writes never affect it.
func (g *GlobalAttributes) GetAll() []attribute.KeyValue {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]attribute.KeyValue, 0, len(g.keys))
	for _, k := range g.keys {
		out = append(out, attribute.KeyValue{Key: attribute.Key(k), Value: g.values[k]})
	}
	return out
}

// Remove deletes key if present.
func (g *GlobalAttributes) Remove(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.values[key]; !ok {
		return
	}
	delete(g.values, key)
	for i, k := range g.keys {
		if k == key {
			g.keys = append(g.keys[:i:i], g.keys[i+1:]...)
			break
		}
	}
}

// Clear removes every attribute.
func (g *GlobalAttributes) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.keys = nil
	g.values = make(map[string]attribute.Value)
}

// Len returns the number of attributes.
func (g *GlobalAttributes) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.keys)
}
