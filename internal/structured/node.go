// internal/structured/node.go
// Package structured turns nested ground-truth records into flat target
// strings made of paired key markers.
package structured

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Node is a Record, a Sequence or a Scalar.
type Node interface {
	isNode()
}

// Kind is the JSON type a Scalar was read from.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBool
	KindNull
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindNull:
		return "null"
	default:
		return "string"
	}
}

// Scalar is a leaf value kept in its string form. Numbers keep their JSON
// literal text.
type Scalar struct {
	Text string
	Kind Kind
}

// Sequence is an ordered list of nodes.
type Sequence []Node

// Record is a set of named fields in insertion order.
type Record struct {
	fields *orderedmap.OrderedMap[string, Node]
}

func (Scalar) isNode()   {}
func (Sequence) isNode() {}
func (*Record) isNode()  {}

// String returns a string scalar.
func String(s string) Scalar { return Scalar{Text: s, Kind: KindString} }

// Number returns a numeric scalar from its literal text.
func Number(literal string) Scalar { return Scalar{Text: literal, Kind: KindNumber} }

// Bool returns a boolean scalar.
func Bool(b bool) Scalar {
	if b {
		return Scalar{Text: "true", Kind: KindBool}
	}
	return Scalar{Text: "false", Kind: KindBool}
}

// Null returns the null scalar.
func Null() Scalar { return Scalar{Text: "null", Kind: KindNull} }

// NewRecord returns an empty record.
func NewRecord() *Record {
	return &Record{fields: orderedmap.New[string, Node]()}
}

// Set stores value under key. A new key goes last; an existing key keeps its
// position.
func (r *Record) Set(key string, value Node) *Record {
	r.fields.Set(key, value)
	return r
}

// Get returns the value stored under key.
func (r *Record) Get(key string) (Node, bool) {
	return r.fields.Get(key)
}

// Len returns the number of fields.
func (r *Record) Len() int { return r.fields.Len() }

// Keys returns the field names in insertion order.
func (r *Record) Keys() []string {
	keys := make([]string, 0, r.fields.Len())
	for pair := r.fields.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}
