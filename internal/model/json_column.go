package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONColumn stores V as a JSON document in a single column.
type JSONColumn[T any] struct {
	V T
}

func NewJSONColumn[T any](v T) JSONColumn[T] { return JSONColumn[T]{V: v} }

func (c JSONColumn[T]) Value() (driver.Value, error) {
	b, err := json.Marshal(c.V)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (c *JSONColumn[T]) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		var zero T
		c.V = zero
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("json column: unsupported source type %T", src)
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, &c.V)
}

func (c JSONColumn[T]) MarshalJSON() ([]byte, error) { return json.Marshal(c.V) }

func (c *JSONColumn[T]) UnmarshalJSON(b []byte) error { return json.Unmarshal(b, &c.V) }
