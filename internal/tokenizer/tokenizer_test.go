// internal/tokenizer/tokenizer_test.go
package tokenizer

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newTestTokenizer(t *testing.T) *Tokenizer {
	t.Helper()
	vocab := []string{"<pad>", "</s>", "<unk>", "▁", "▁cat", "▁the", "c", "a", "t", "s", "▁a", "?", "▁is"}
	tok, err := New(vocab, DefaultOptions())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return tok
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tok := newTestTokenizer(t)

	ids := tok.Encode("the cat")
	if diff := cmp.Diff([]int32{5, 4}, ids); diff != "" {
		t.Fatalf("Encode mismatch (-want +got):\n%s", diff)
	}

	text, err := tok.Decode(ids)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if text != "the cat" {
		t.Fatalf("expected %q, got %q", "the cat", text)
	}
}

func TestEncodeCollapsesWhitespace(t *testing.T) {
	tok := newTestTokenizer(t)
	if diff := cmp.Diff(tok.Encode("the cat"), tok.Encode("  the \t cat")); diff != "" {
		t.Fatalf("whitespace should not change encoding (-want +got):\n%s", diff)
	}
}

func TestEncodeUnknownRune(t *testing.T) {
	tok := newTestTokenizer(t)
	if diff := cmp.Diff([]int32{3, 2}, tok.Encode("x")); diff != "" {
		t.Fatalf("Encode mismatch (-want +got):\n%s", diff)
	}
}

func TestAddTokensMatchedVerbatim(t *testing.T) {
	tok := newTestTokenizer(t)
	before := tok.Size()

	if n := tok.AddTokens([]string{"<s_answer>", "<b>", "<s_answer>", ""}); n != 2 {
		t.Fatalf("expected 2 tokens added, got %d", n)
	}
	if n := tok.AddTokens([]string{"<b>"}); n != 0 {
		t.Fatalf("expected re-adding to be a no-op, got %d", n)
	}
	if tok.Size() != before+2 {
		t.Fatalf("expected size %d, got %d", before+2, tok.Size())
	}
	if !tok.Contains("<s_answer>") {
		t.Fatal("expected <s_answer> to be in the vocabulary")
	}

	answerID, _ := tok.ID("<s_answer>")
	ids := tok.Encode("<s_answer>cat")
	if diff := cmp.Diff([]int32{answerID, 6, 7, 8}, ids); diff != "" {
		t.Fatalf("Encode mismatch (-want +got):\n%s", diff)
	}

	text, err := tok.Decode(ids)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if text != "<s_answer>cat" {
		t.Fatalf("expected added token to survive decode, got %q", text)
	}
}

func TestAddTokensPrefersLongestMatch(t *testing.T) {
	tok := newTestTokenizer(t)
	tok.AddTokens([]string{"<b>", "<b_total>"})
	long, _ := tok.ID("<b_total>")
	if diff := cmp.Diff([]int32{long}, tok.Encode("<b_total>")); diff != "" {
		t.Fatalf("Encode mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeTextLengthHandling(t *testing.T) {
	tok := newTestTokenizer(t)

	ids, err := tok.EncodeText("the cat", EncodeOptions{MaxLength: 5, PadToMax: true, Truncate: true})
	if err != nil {
		t.Fatalf("EncodeText() error: %v", err)
	}
	if diff := cmp.Diff([]int32{5, 4, 1, 0, 0}, ids); diff != "" {
		t.Fatalf("padded mismatch (-want +got):\n%s", diff)
	}

	ids, err = tok.EncodeText("the cat", EncodeOptions{MaxLength: 2, PadToMax: true, Truncate: true})
	if err != nil {
		t.Fatalf("EncodeText() error: %v", err)
	}
	if diff := cmp.Diff([]int32{5, 1}, ids); diff != "" {
		t.Fatalf("truncated sequence should keep EOS (-want +got):\n%s", diff)
	}

	_, err = tok.EncodeText("the cat", EncodeOptions{MaxLength: 2})
	var tokErr *TokenizationError
	if !errors.As(err, &tokErr) {
		t.Fatalf("expected TokenizationError, got %v", err)
	}
	if tokErr.Length != 3 || tokErr.MaxLength != 2 {
		t.Fatalf("unexpected error fields: %+v", tokErr)
	}

	if _, err := tok.EncodeText("the", EncodeOptions{PadToMax: true}); !errors.As(err, &tokErr) {
		t.Fatalf("expected padding without max length to fail, got %v", err)
	}
}

func TestDecodeRejectsInvalidID(t *testing.T) {
	tok := newTestTokenizer(t)
	if _, err := tok.Decode([]int32{4, 99}); err == nil {
		t.Fatal("expected error for out-of-range id")
	}
}

func TestNewValidatesVocabulary(t *testing.T) {
	if _, err := New([]string{"<pad>", "</s>", "<unk>", "</s>"}, DefaultOptions()); err == nil {
		t.Fatal("expected duplicate piece to fail")
	}
	if _, err := New([]string{"<pad>", "<unk>"}, DefaultOptions()); err == nil {
		t.Fatal("expected missing EOS token to fail")
	}
}

func TestLoadTokenizerJSON(t *testing.T) {
	body := `{
  "added_tokens": [
    {"id": 0, "content": "<pad>", "special": true},
    {"id": 4, "content": "<s_docvqa>", "special": false}
  ],
  "model": {
    "type": "Unigram",
    "vocab": [["<pad>", 0.0], ["</s>", 0.0], ["<unk>", 0.0], ["▁cat", -1.5]]
  }
}`
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	tok, err := Load(path, DefaultOptions())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if tok.Size() != 5 {
		t.Fatalf("expected 5 pieces, got %d", tok.Size())
	}
	if diff := cmp.Diff([]int32{4, 3}, tok.Encode("<s_docvqa> cat")); diff != "" {
		t.Fatalf("Encode mismatch (-want +got):\n%s", diff)
	}
}

func TestParseIDMapVocabulary(t *testing.T) {
	body := `{"model": {"type": "WordPiece", "vocab": {"</s>": 1, "<pad>": 0, "<unk>": 2}}}`
	tok, err := Parse([]byte(body), DefaultOptions())
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if tok.Pad().ID != 0 || tok.EOS().ID != 1 || tok.Unk().ID != 2 {
		t.Fatalf("unexpected special ids: pad=%d eos=%d unk=%d", tok.Pad().ID, tok.EOS().ID, tok.Unk().ID)
	}

	if _, err := Parse([]byte(`{"model": {"vocab": {"<pad>": 0, "</s>": 0}}}`), DefaultOptions()); err == nil {
		t.Fatal("expected duplicate id to fail")
	}
}
