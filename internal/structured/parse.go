// internal/structured/parse.go
package structured

import (
	"fmt"

	"github.com/buger/jsonparser"
)

// Parse reads a JSON document into a Node, keeping object keys in document order.
func Parse(data []byte) (Node, error) {
	value, dataType, _, err := jsonparser.Get(data)
	if err != nil {
		return nil, fmt.Errorf("parse structured value: %w", err)
	}
	return parseValue(value, dataType)
}

func parseValue(value []byte, dataType jsonparser.ValueType) (Node, error) {
	switch dataType {
	case jsonparser.Object:
		rec := NewRecord()
		err := jsonparser.ObjectEach(value, func(key, child []byte, childType jsonparser.ValueType, _ int) error {
			node, err := parseValue(child, childType)
			if err != nil {
				return fmt.Errorf("field %q: %w", key, err)
			}
			rec.Set(string(key), node)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return rec, nil

	case jsonparser.Array:
		seq := Sequence{}
		var firstErr error
		_, err := jsonparser.ArrayEach(value, func(item []byte, itemType jsonparser.ValueType, _ int, err error) {
			if firstErr != nil {
				return
			}
			if err != nil {
				firstErr = err
				return
			}
			node, err := parseValue(item, itemType)
			if err != nil {
				firstErr = fmt.Errorf("item %d: %w", len(seq), err)
				return
			}
			seq = append(seq, node)
		})
		if err == nil {
			err = firstErr
		}
		if err != nil {
			return nil, err
		}
		return seq, nil

	case jsonparser.String:
		s, err := jsonparser.ParseString(value)
		if err != nil {
			return nil, err
		}
		return String(s), nil

	case jsonparser.Number:
		return Number(string(value)), nil

	case jsonparser.Boolean:
		b, err := jsonparser.ParseBoolean(value)
		if err != nil {
			return nil, err
		}
		return Bool(b), nil

	case jsonparser.Null:
		return Null(), nil

	default:
		return nil, fmt.Errorf("unsupported JSON value type %s", dataType)
	}
}
