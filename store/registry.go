package store

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// TypedSerializer is a Serializer that tags values with registered type
// names so Deserialize can rebuild concrete Go structs instead of untyped
// maps. Unregistered values fall back to plain JSON under the default tag.
//
//	ser := store.NewTypedSerializer()
//	ser.Register("AgentState", AgentState{})
//
//	saver, err := sqlite.NewSqliteSaver(sqlite.SqliteOptions{
//		Path:       "./checkpoints.db",
//		Serializer: ser,
//	})
type TypedSerializer struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
	names map[reflect.Type]string
}

var _ Serializer = (*TypedSerializer)(nil)

// NewTypedSerializer creates an empty typed serializer.
func NewTypedSerializer() *TypedSerializer {
	return &TypedSerializer{
		types: make(map[string]reflect.Type),
		names: make(map[reflect.Type]string),
	}
}

// Register associates a type name with the concrete type of value. Only
// structs and pointers to structs can be registered. Registering the same
// type under a different name is an error.
func (s *TypedSerializer) Register(name string, value any) error {
	t := reflect.TypeOf(value)
	base := t
	if base.Kind() == reflect.Ptr {
		base = base.Elem()
	}
	if base.Kind() != reflect.Struct {
		return fmt.Errorf("type %s must be a struct or pointer to struct", t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.names[t]; ok && existing != name {
		return fmt.Errorf("type %v already registered as %s", t, existing)
	}
	s.types[name] = t
	s.names[t] = name
	return nil
}

// Serialize implements Serializer. Registered values are tagged with their
// registered name; everything else is tagged with the default JSON tag.
func (s *TypedSerializer) Serialize(value any) (string, []byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal value: %w", err)
	}

	s.mu.RLock()
	name, ok := s.names[reflect.TypeOf(value)]
	s.mu.RUnlock()
	if !ok {
		return JSONTag, data, nil
	}
	return name, data, nil
}

// Deserialize implements Serializer. A registered tag yields a value of
// the registered concrete type; the default tag yields JSON's dynamic
// typing.
func (s *TypedSerializer) Deserialize(typeTag string, data []byte) (any, error) {
	if typeTag == JSONTag {
		return JSONSerializer{}.Deserialize(typeTag, data)
	}

	s.mu.RLock()
	t, ok := s.types[typeTag]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown type tag: %q", typeTag)
	}

	if t.Kind() == reflect.Ptr {
		v := reflect.New(t.Elem())
		if err := json.Unmarshal(data, v.Interface()); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", typeTag, err)
		}
		return v.Interface(), nil
	}

	v := reflect.New(t)
	if err := json.Unmarshal(data, v.Interface()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", typeTag, err)
	}
	return v.Elem().Interface(), nil
}

// DefaultTag implements Serializer.
func (s *TypedSerializer) DefaultTag() string {
	return JSONTag
}
