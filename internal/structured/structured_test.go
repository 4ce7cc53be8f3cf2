// internal/structured/structured_test.go
package structured

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwiater/vqatrain/internal/vocab"
)

type recordingRegistry struct {
	calls        [][]string
	placeholders map[string]bool
}

func (r *recordingRegistry) Extend(_ context.Context, candidates ...string) (int, error) {
	r.calls = append(r.calls, candidates)
	return len(candidates), nil
}

func (r *recordingRegistry) Placeholder(value string) (string, bool) {
	tok := vocab.PlaceholderToken(value)
	return tok, r.placeholders[tok]
}

type memTokens struct{ seen map[string]bool }

func (m *memTokens) AddTokens(tokens []string) int {
	n := 0
	for _, tok := range tokens {
		if !m.seen[tok] {
			m.seen[tok] = true
			n++
		}
	}
	return n
}
func (m *memTokens) Size() int                { return len(m.seen) }
func (m *memTokens) Contains(tok string) bool { return m.seen[tok] }

type nopResizer struct{ calls int }

func (n *nopResizer) ResizeDecoderEmbeddings(context.Context, int) error {
	n.calls++
	return nil
}

func TestSerializeKeyOrder(t *testing.T) {
	ctx := context.Background()
	rec := NewRecord().Set("a", String("y")).Set("b", String("x"))

	sorted := &Serializer{SortKeys: true}
	out, err := sorted.Serialize(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, "<b>x</b><a>y</a>", out)

	insertion := &Serializer{SortKeys: false}
	out, err = insertion.Serialize(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, "<a>y</a><b>x</b>", out)
}

func TestSerializeTextSequenceShortcut(t *testing.T) {
	reg := &recordingRegistry{}
	s := &Serializer{Registry: reg, SortKeys: true, Register: true}

	out, err := s.Serialize(context.Background(), NewRecord().Set(TextSequenceKey, String("hello")))
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.Empty(t, reg.calls, "text_sequence must not register markers")
}

func TestSerializeRegistersMarkersOnlyWhenEnabled(t *testing.T) {
	ctx := context.Background()
	rec := NewRecord().Set("question", String("q")).Set("answer", String("a"))

	reg := &recordingRegistry{}
	s := &Serializer{Registry: reg, SortKeys: true, Register: true}
	_, err := s.Serialize(ctx, rec)
	require.NoError(t, err)
	want := [][]string{{"<question>", "</question>"}, {"<answer>", "</answer>"}}
	if diff := cmp.Diff(want, reg.calls); diff != "" {
		t.Fatalf("registrations mismatch (-want +got):\n%s", diff)
	}

	reg = &recordingRegistry{}
	s = &Serializer{Registry: reg, SortKeys: true, Register: false}
	out, err := s.Serialize(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, "<question>q</question><answer>a</answer>", out)
	assert.Empty(t, reg.calls)
}

func TestSerializeNestedWithRealRegistry(t *testing.T) {
	ctx := context.Background()
	resizer := &nopResizer{}
	reg := vocab.New(&memTokens{seen: map[string]bool{}}, resizer)
	s := &Serializer{Registry: reg, SortKeys: true, Register: true}

	node, err := Parse([]byte(`{"menu": [{"nm": "latte", "cnt": 2}, {"nm": "bagel", "cnt": 1}], "total": "7.50"}`))
	require.NoError(t, err)

	out, err := s.Serialize(ctx, node)
	require.NoError(t, err)
	assert.Equal(t, "<total>7.50</total><menu><nm>latte</nm><cnt>2</cnt><sep/><nm>bagel</nm><cnt>1</cnt></menu>", out)

	// second pass registers nothing new
	before := resizer.calls
	_, err = s.Serialize(ctx, node)
	require.NoError(t, err)
	assert.Equal(t, before, resizer.calls)
	assert.Contains(t, reg.AddedTokens(), "<sep/>")
}

func TestSerializePlaceholders(t *testing.T) {
	ctx := context.Background()
	reg := vocab.New(&memTokens{seen: map[string]bool{}}, &nopResizer{})
	_, err := reg.AddCategorical(ctx, "yes")
	require.NoError(t, err)

	s := &Serializer{Registry: reg, SortKeys: true}
	out, err := s.Serialize(ctx, NewRecord().Set("ok", String("yes")).Set("note", String("yes please")))
	require.NoError(t, err)
	assert.Equal(t, "<ok><yes/></ok><note>yes please</note>", out)
}

// A number and a string with the same text share one placeholder.
func TestSerializePlaceholderCollidesAcrossKinds(t *testing.T) {
	ctx := context.Background()
	reg := vocab.New(&memTokens{seen: map[string]bool{}}, &nopResizer{})
	_, err := reg.AddCategorical(ctx, "1")
	require.NoError(t, err)

	s := &Serializer{Registry: reg}
	num, err := s.Serialize(ctx, Number("1"))
	require.NoError(t, err)
	str, err := s.Serialize(ctx, String("1"))
	require.NoError(t, err)
	assert.Equal(t, "<1/>", num)
	assert.Equal(t, num, str)
}

func TestSerializeScalars(t *testing.T) {
	s := &Serializer{}
	node := Sequence{Bool(true), Null(), Number("3.25"), String("plain")}
	out, err := s.Serialize(context.Background(), node)
	require.NoError(t, err)
	assert.Equal(t, "true<sep/>null<sep/>3.25<sep/>plain", out)

	_, err = s.Serialize(context.Background(), nil)
	assert.Error(t, err)
}

func TestParseKeepsDocumentOrder(t *testing.T) {
	node, err := Parse([]byte(`{"zeta": "1", "alpha": {"k": null, "b": true}, "mid": [1, "two"], "esc": "a\"b"}`))
	require.NoError(t, err)

	rec, ok := node.(*Record)
	require.True(t, ok)
	assert.Equal(t, []string{"zeta", "alpha", "mid", "esc"}, rec.Keys())

	alpha, _ := rec.Get("alpha")
	assert.Equal(t, []string{"k", "b"}, alpha.(*Record).Keys())

	mid, _ := rec.Get("mid")
	if diff := cmp.Diff(Sequence{Number("1"), String("two")}, mid); diff != "" {
		t.Fatalf("sequence mismatch (-want +got):\n%s", diff)
	}

	esc, _ := rec.Get("esc")
	assert.Equal(t, String(`a"b`), esc)

	_, err = Parse([]byte(`{"broken": `))
	assert.Error(t, err)
}
