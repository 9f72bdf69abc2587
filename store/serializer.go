package store

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Serializer turns arbitrary checkpoint, metadata and write payloads into
// typed byte blobs and back. Checkpoint and write values keep the tag the
// serializer assigns them per value; metadata is always stored under the
// serializer's default tag.
//
// Serialization failures propagate to the caller untranslated.
type Serializer interface {
	// Serialize encodes value, returning the type tag to persist
	// alongside the bytes.
	Serialize(value any) (typeTag string, data []byte, err error)

	// Deserialize decodes data previously produced under typeTag.
	Deserialize(typeTag string, data []byte) (any, error)

	// DefaultTag is the tag used for metadata blobs.
	DefaultTag() string
}

// JSONTag is the type tag the default serializer assigns to every value.
const JSONTag = "json"

// JSONSerializer encodes values with encoding/json. Decoded values carry
// JSON's dynamic typing: objects become map[string]any and numbers become
// float64.
type JSONSerializer struct{}

var _ Serializer = JSONSerializer{}

// Serialize implements Serializer.
func (JSONSerializer) Serialize(value any) (string, []byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	return JSONTag, data, nil
}

// Deserialize implements Serializer.
func (JSONSerializer) Deserialize(typeTag string, data []byte) (any, error) {
	if typeTag != JSONTag {
		return nil, fmt.Errorf("unknown type tag: %q", typeTag)
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return value, nil
}

// DefaultTag implements Serializer.
func (JSONSerializer) DefaultTag() string {
	return JSONTag
}

// valueEqual compares a deserialized metadata value against a filter value.
// Numbers are compared by magnitude so a filter written with an int matches
// a value decoded by JSON as float64.
func valueEqual(got, want any) bool {
	gf, gok := toFloat(got)
	wf, wok := toFloat(want)
	if gok && wok {
		return gf == wf
	}
	return reflect.DeepEqual(got, want)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
