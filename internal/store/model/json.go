package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONField wraps an arbitrary serializable value for storage in a jsonb
// column. Use MakeJSONField to build one; nil pointers round-trip as SQL
// NULL.
type JSONField[T any] struct {
	Data T
}

func MakeJSONField[T any](data T) *JSONField[T] {
	return &JSONField[T]{Data: data}
}

func (j JSONField[T]) Value() (driver.Value, error) {
	return json.Marshal(j.Data)
}

func (j *JSONField[T]) Scan(value interface{}) error {
	if value == nil {
		var zero T
		j.Data = zero
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for JSONField", value)
	}
	return json.Unmarshal(raw, &j.Data)
}

func (j JSONField[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(j.Data)
}

func (j *JSONField[T]) UnmarshalJSON(b []byte) error {
	return json.Unmarshal(b, &j.Data)
}

func (JSONField[T]) GormDataType() string {
	return "jsonb"
}

// JSONMap is a map persisted as a jsonb object.
type JSONMap[K comparable, V any] map[K]V

func (m JSONMap[K, V]) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (m *JSONMap[K, V]) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for JSONMap", value)
	}
	return json.Unmarshal(raw, m)
}

func (JSONMap[K, V]) GormDataType() string {
	return "jsonb"
}

// JSONSlice is a slice persisted as a jsonb array.
type JSONSlice[T any] []T

func (s JSONSlice[T]) Value() (driver.Value, error) {
	if s == nil {
		return json.Marshal([]T{})
	}
	return json.Marshal(s)
}

func (s *JSONSlice[T]) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for JSONSlice", value)
	}
	return json.Unmarshal(raw, s)
}

func (JSONSlice[T]) GormDataType() string {
	return "jsonb"
}
