package task

import (
	"fmt"
	"sort"
)

// Context is the read-only handle shared by every Run invocation of one
// runner. It is built once by Setup and never mutated afterwards, so
// concurrent Run calls may read it without synchronisation.
type Context struct {
	values map[string]any
}

// Value returns the value stored under key.
func (c *Context) Value(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.values[key]
	return v, ok
}

// String returns the value under key formatted as a string, or "" if absent.
func (c *Context) String(key string) string {
	v, ok := c.Value(key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Bool interprets the value under key as a boolean flag.
func (c *Context) Bool(key string) bool {
	v, ok := c.Value(key)
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true" || b == "1" || b == "yes"
	default:
		return false
	}
}

// Keys lists the stored keys in sorted order.
func (c *Context) Keys() []string {
	if c == nil {
		return nil
	}
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Builder collects values during Setup. It is discarded once frozen.
type Builder struct {
	values map[string]any
	frozen bool
}

// NewBuilder returns a builder seeded with the task params.
func NewBuilder(params map[string]string) *Builder {
	b := &Builder{values: make(map[string]any, len(params))}
	for k, v := range params {
		b.values[k] = v
	}
	return b
}

// Set stores a value. It panics after Freeze, which is a programming error
// in the logic's Setup.
func (b *Builder) Set(key string, value any) {
	if b.frozen {
		panic(fmt.Sprintf("task: context is read-only, cannot set %q after setup", key))
	}
	b.values[key] = value
}

// Param returns a seeded parameter, or "" if absent.
func (b *Builder) Param(key string) string {
	s, _ := b.values[key].(string)
	return s
}

// Freeze produces the read-only Context.
func (b *Builder) Freeze() *Context {
	b.frozen = true
	values := make(map[string]any, len(b.values))
	for k, v := range b.values {
		values[k] = v
	}
	return &Context{values: values}
}
