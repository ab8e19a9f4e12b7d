package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// JSONContext wraps the open key/value execution context of an instance.
// Authoring content is data, not code, so no closed schema is enforced here;
// the engine only ever reads the fields it needs through typed getters.
type JSONContext struct {
	data map[string]any
}

// NewJSONContext creates a context from raw JSON bytes.
func NewJSONContext(b []byte) *JSONContext {
	ctx := &JSONContext{
		data: make(map[string]any),
	}
	if len(b) > 0 {
		json.Unmarshal(b, &ctx.data)
	}
	return ctx
}

// NewJSONContextFromMap creates a context from a map.
func NewJSONContextFromMap(m map[string]any) *JSONContext {
	if m == nil {
		m = make(map[string]any)
	}
	return &JSONContext{data: m}
}

// Get resolves a nested path, e.g. Get("offer", "amount") reads offer.amount.
func (c *JSONContext) Get(keys ...string) (any, bool) {
	if len(keys) == 0 {
		return nil, false
	}

	current := any(c.data)
	for _, key := range keys {
		currentMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		val, exists := currentMap[key]
		if !exists {
			return nil, false
		}
		current = val
	}
	return current, true
}

// GetPath resolves a dot-separated path ("offer.amount"). A missing segment
// returns ok=false rather than an error; guard operators treat that as the
// absent value.
func (c *JSONContext) GetPath(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	return c.Get(strings.Split(path, ".")...)
}

// GetString reads a string value.
func (c *JSONContext) GetString(keys ...string) (string, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

// GetInt64 reads an int64 value, tolerating the numeric types JSON
// round-trips produce.
func (c *JSONContext) GetInt64(keys ...string) (int64, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return 0, false
	}

	switch v := val.(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// GetFloat64 reads a float64 value.
func (c *JSONContext) GetFloat64(keys ...string) (float64, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return 0, false
	}

	switch v := val.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// GetBool reads a boolean value.
func (c *JSONContext) GetBool(keys ...string) (bool, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return false, false
	}
	b, ok := val.(bool)
	return b, ok
}

// Set writes a value under a nested path, creating intermediate maps.
func (c *JSONContext) Set(keys []string, value any) error {
	if len(keys) == 0 {
		return fmt.Errorf("keys cannot be empty")
	}

	current := c.data
	for i := 0; i < len(keys)-1; i++ {
		key := keys[i]
		if _, ok := current[key]; !ok {
			current[key] = make(map[string]any)
		}

		nextMap, ok := current[key].(map[string]any)
		if !ok {
			// intermediate value is not a map, overwrite it
			nextMap = make(map[string]any)
			current[key] = nextMap
		}
		current = nextMap
	}

	current[keys[len(keys)-1]] = value
	return nil
}

// Delete removes the value at the given path.
func (c *JSONContext) Delete(keys ...string) {
	if len(keys) == 0 {
		return
	}

	if len(keys) == 1 {
		delete(c.data, keys[0])
		return
	}

	current := c.data
	for i := 0; i < len(keys)-1; i++ {
		if nextMap, ok := current[keys[i]].(map[string]any); ok {
			current = nextMap
		} else {
			return
		}
	}
	delete(current, keys[len(keys)-1])
}

// Merge overlays the given map onto the context, top-level key by key.
// Later writers win, which is how transition-supplied context accumulates.
func (c *JSONContext) Merge(m map[string]any) {
	for k, v := range m {
		c.data[k] = v
	}
}

// ToBytes serializes to JSON.
func (c *JSONContext) ToBytes() ([]byte, error) {
	return json.Marshal(c.data)
}

func (c *JSONContext) ToBytesWithoutError() []byte {
	bytes, err := json.Marshal(c.data)
	if err != nil {
		return nil
	}
	return bytes
}

// ToMap returns the underlying map (a reference, not a copy).
func (c *JSONContext) ToMap() map[string]any {
	return c.data
}

// Clone deep-copies the context through a JSON round trip.
func (c *JSONContext) Clone() *JSONContext {
	b, _ := c.ToBytes()
	return NewJSONContext(b)
}

// Unmarshal decodes the context into a typed struct.
func (c *JSONContext) Unmarshal(v any) error {
	b, err := c.ToBytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// MergeJSONContexts merges several contexts, later ones winning per key.
func MergeJSONContexts(contexts ...*JSONContext) *JSONContext {
	result := NewJSONContext(nil)
	for _, ctx := range contexts {
		if ctx != nil {
			for k, v := range ctx.data {
				result.data[k] = v
			}
		}
	}
	return result
}
