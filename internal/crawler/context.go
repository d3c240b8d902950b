package crawler

import (
	"encoding/json"
	"fmt"
	"maps"
)

// Context is the key/value state carried along one crawl lineage.
// It is immutable: Merge returns a new Context and never touches the
// receiver, so sibling requests fanned out from one page never share state.
type Context struct {
	values map[string]any
}

// NewContext copies m into a new Context.
func NewContext(m map[string]any) Context {
	if len(m) == 0 {
		return Context{}
	}
	return Context{values: maps.Clone(m)}
}

// Get returns the value stored under key.
func (c Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// String returns the value under key rendered as a string, or "" when absent.
func (c Context) String(key string) string {
	v, ok := c.values[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Len reports the number of keys.
func (c Context) Len() int {
	return len(c.values)
}

// Merge returns a copy of c with every entry of m added, overwriting on collision.
func (c Context) Merge(m map[string]any) Context {
	if len(m) == 0 {
		return c
	}
	next := make(map[string]any, len(c.values)+len(m))
	maps.Copy(next, c.values)
	maps.Copy(next, m)
	return Context{values: next}
}

// Map returns a copy of the underlying values.
func (c Context) Map() map[string]any {
	if c.values == nil {
		return map[string]any{}
	}
	return maps.Clone(c.values)
}

// MarshalJSON encodes the context as a plain JSON object.
func (c Context) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(c.Map())
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	return data, nil
}

// UnmarshalJSON decodes a JSON object; null leaves the context empty.
func (c *Context) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("unmarshal context: %w", err)
	}
	c.values = m
	return nil
}
