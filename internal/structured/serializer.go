// internal/structured/serializer.go
package structured

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// TextSequenceKey marks a record whose only field is already the target text.
const TextSequenceKey = "text_sequence"

// DefaultSeparator joins the items of a Sequence.
const DefaultSeparator = "<sep/>"

// Registry is the part of vocab.Registry the serializer needs.
type Registry interface {
	Extend(ctx context.Context, candidates ...string) (int, error)
	Placeholder(value string) (string, bool)
}

// Serializer flattens nodes into marker-delimited strings such as
// "<name>Ada</name><age>36</age>".
type Serializer struct {
	// Registry receives new marker tokens and resolves categorical
	// placeholders. It may be nil.
	Registry Registry
	// SortKeys orders record keys descending; otherwise insertion order is used.
	SortKeys bool
	// Register allows new key markers to be added to the vocabulary. Only the
	// training split should set it.
	Register bool
	// Separator goes between sequence items; empty selects DefaultSeparator.
	Separator string
}

// Serialize returns the target string for n.
func (s *Serializer) Serialize(ctx context.Context, n Node) (string, error) {
	var sb strings.Builder
	if err := s.write(ctx, &sb, n); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (s *Serializer) write(ctx context.Context, sb *strings.Builder, n Node) error {
	switch v := n.(type) {
	case *Record:
		return s.writeRecord(ctx, sb, v)
	case Sequence:
		return s.writeSequence(ctx, sb, v)
	case Scalar:
		sb.WriteString(s.scalar(v))
		return nil
	case nil:
		return fmt.Errorf("serialize: nil node")
	default:
		return fmt.Errorf("serialize: unexpected node %T", n)
	}
}

func (s *Serializer) writeRecord(ctx context.Context, sb *strings.Builder, r *Record) error {
	if r.Len() == 1 {
		if v, ok := r.Get(TextSequenceKey); ok {
			if sc, ok := v.(Scalar); ok {
				sb.WriteString(sc.Text)
				return nil
			}
			return s.write(ctx, sb, v)
		}
	}

	keys := r.Keys()
	if s.SortKeys {
		slices.Sort(keys)
		slices.Reverse(keys)
	}

	for _, key := range keys {
		open, closing := OpenMarker(key), CloseMarker(key)
		if err := s.register(ctx, open, closing); err != nil {
			return fmt.Errorf("register markers for %q: %w", key, err)
		}
		value, _ := r.Get(key)
		sb.WriteString(open)
		if err := s.write(ctx, sb, value); err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		sb.WriteString(closing)
	}
	return nil
}

func (s *Serializer) writeSequence(ctx context.Context, sb *strings.Builder, seq Sequence) error {
	sep := s.separator()
	if len(seq) > 1 {
		if err := s.register(ctx, sep); err != nil {
			return fmt.Errorf("register separator: %w", err)
		}
	}
	for i, item := range seq {
		if i > 0 {
			sb.WriteString(sep)
		}
		if err := s.write(ctx, sb, item); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
	}
	return nil
}

func (s *Serializer) scalar(v Scalar) string {
	if s.Registry != nil {
		if tok, ok := s.Registry.Placeholder(v.Text); ok {
			return tok
		}
	}
	return v.Text
}

func (s *Serializer) register(ctx context.Context, tokens ...string) error {
	if !s.Register || s.Registry == nil {
		return nil
	}
	_, err := s.Registry.Extend(ctx, tokens...)
	return err
}

func (s *Serializer) separator() string {
	if s.Separator == "" {
		return DefaultSeparator
	}
	return s.Separator
}

// OpenMarker returns the opening marker for key.
func OpenMarker(key string) string { return "<" + key + ">" }

// CloseMarker returns the closing marker for key.
func CloseMarker(key string) string { return "</" + key + ">" }
