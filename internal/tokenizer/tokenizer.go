// internal/tokenizer/tokenizer.go
// Package tokenizer implements a SentencePiece-style tokenizer whose
// vocabulary can grow at runtime. Added tokens are matched verbatim before
// the remaining text is split into word pieces.
package tokenizer

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/dlclark/regexp2"
)

// wordBoundary marks the start of a word inside a piece.
const wordBoundary = "▁"

// splitPattern pre-splits text into words, numbers, punctuation runs and whitespace.
var splitPattern = regexp2.MustCompile(`'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`, regexp2.None)

// SpecialToken pairs a special token's text with its id.
type SpecialToken struct {
	Text string
	ID   int32
}

// Options names the special tokens and controls EOS handling.
type Options struct {
	PadToken string
	EOSToken string
	UnkToken string
	// AddEOS appends the EOS token to every EncodeText result.
	AddEOS bool
}

// DefaultOptions matches T5-style vocabularies used by Pix2Struct checkpoints.
func DefaultOptions() Options {
	return Options{PadToken: "<pad>", EOSToken: "</s>", UnkToken: "<unk>", AddEOS: true}
}

// EncodeOptions controls length handling in EncodeText.
type EncodeOptions struct {
	MaxLength int
	PadToMax  bool
	Truncate  bool
}

// Tokenizer maps text to token ids and back. It is safe for concurrent use;
// AddTokens takes the write lock.
type Tokenizer struct {
	mu          sync.RWMutex
	pieces      []string
	ids         map[string]int32
	added       []string
	maxPieceLen int

	pad, eos, unk SpecialToken
	addEOS        bool
}

// New builds a tokenizer over an ordered vocabulary; a piece's id is its index.
func New(vocab []string, opts Options) (*Tokenizer, error) {
	t := &Tokenizer{
		pieces: make([]string, 0, len(vocab)),
		ids:    make(map[string]int32, len(vocab)),
		addEOS: opts.AddEOS,
	}
	for i, piece := range vocab {
		if _, dup := t.ids[piece]; dup {
			return nil, fmt.Errorf("tokenizer: duplicate piece %q at id %d", piece, i)
		}
		t.ids[piece] = int32(i)
		t.pieces = append(t.pieces, piece)
		t.maxPieceLen = max(t.maxPieceLen, utf8.RuneCountInString(piece))
	}

	var err error
	if t.pad, err = t.special(opts.PadToken, "pad"); err != nil {
		return nil, err
	}
	if t.eos, err = t.special(opts.EOSToken, "eos"); err != nil {
		return nil, err
	}
	if t.unk, err = t.special(opts.UnkToken, "unk"); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tokenizer) special(text, role string) (SpecialToken, error) {
	if text == "" {
		return SpecialToken{}, fmt.Errorf("tokenizer: %s token is not configured", role)
	}
	id, ok := t.ids[text]
	if !ok {
		return SpecialToken{}, fmt.Errorf("tokenizer: %s token %q is not in the vocabulary", role, text)
	}
	return SpecialToken{Text: text, ID: id}, nil
}

// Pad returns the padding token.
func (t *Tokenizer) Pad() SpecialToken { return t.pad }

// EOS returns the end-of-sequence token.
func (t *Tokenizer) EOS() SpecialToken { return t.eos }

// Unk returns the unknown-piece token.
func (t *Tokenizer) Unk() SpecialToken { return t.unk }

// Size returns the current vocabulary size.
func (t *Tokenizer) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pieces)
}

// Contains reports whether token is already in the vocabulary.
func (t *Tokenizer) Contains(token string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.ids[token]
	return ok
}

// ID returns the id of an exact piece.
func (t *Tokenizer) ID(piece string) (int32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.ids[piece]
	return id, ok
}

// AddTokens appends unknown tokens to the vocabulary and returns how many were added.
// Added tokens are matched verbatim by Encode.
func (t *Tokenizer) AddTokens(tokens []string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, token := range tokens {
		if token == "" {
			continue
		}
		if _, ok := t.ids[token]; ok {
			continue
		}
		t.ids[token] = int32(len(t.pieces))
		t.pieces = append(t.pieces, token)
		t.added = append(t.added, token)
		t.maxPieceLen = max(t.maxPieceLen, utf8.RuneCountInString(token))
		n++
	}
	if n > 0 {
		// longest first so "</b_total>" wins over "</b>"
		slices.SortStableFunc(t.added, func(a, b string) int { return len(b) - len(a) })
	}
	return n
}

// Encode converts text to ids without special tokens, padding or truncation.
func (t *Tokenizer) Encode(text string) []int32 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []int32
	for i, seg := range t.splitAdded(text) {
		if seg.added {
			ids = append(ids, t.ids[seg.text])
			continue
		}
		ids = t.encodeSegment(seg.text, i == 0, ids)
	}
	return ids
}

// EncodeText encodes text, appends EOS when configured, and applies opts.
func (t *Tokenizer) EncodeText(text string, opts EncodeOptions) ([]int32, error) {
	ids := t.Encode(text)
	if t.addEOS {
		ids = append(ids, t.eos.ID)
	}

	if opts.MaxLength > 0 && len(ids) > opts.MaxLength {
		if !opts.Truncate {
			return nil, &TokenizationError{Text: text, Length: len(ids), MaxLength: opts.MaxLength, Reason: "sequence exceeds max length and truncation is disabled"}
		}
		if t.addEOS {
			ids = append(ids[:opts.MaxLength-1], t.eos.ID)
		} else {
			ids = ids[:opts.MaxLength]
		}
	}

	if opts.PadToMax {
		if opts.MaxLength <= 0 {
			return nil, &TokenizationError{Text: text, Length: len(ids), MaxLength: opts.MaxLength, Reason: "padding requires a positive max length"}
		}
		for len(ids) < opts.MaxLength {
			ids = append(ids, t.pad.ID)
		}
	}
	return ids, nil
}

// Decode converts ids to text. Special and added tokens are kept verbatim.
func (t *Tokenizer) Decode(ids []int32) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || int(id) >= len(t.pieces) {
			return "", fmt.Errorf("tokenizer: invalid token id: %d", id)
		}
		sb.WriteString(t.pieces[id])
	}
	out := strings.ReplaceAll(sb.String(), wordBoundary, " ")
	return strings.TrimPrefix(out, " "), nil
}

type segment struct {
	text  string
	added bool
}

// splitAdded cuts text around added tokens. Callers hold the read lock.
func (t *Tokenizer) splitAdded(text string) []segment {
	if len(t.added) == 0 {
		return []segment{{text: text}}
	}

	var segs []segment
	start := 0
	for i := 0; i < len(text); {
		match := ""
		for _, tok := range t.added {
			if strings.HasPrefix(text[i:], tok) {
				match = tok
				break
			}
		}
		if match == "" {
			_, size := utf8.DecodeRuneInString(text[i:])
			i += size
			continue
		}
		if start < i {
			segs = append(segs, segment{text: text[start:i]})
		}
		segs = append(segs, segment{text: match, added: true})
		i += len(match)
		start = i
	}
	if start < len(text) {
		segs = append(segs, segment{text: text[start:]})
	}
	return segs
}

// encodeSegment appends the pieces of a plain text segment. Only the first
// segment of a text receives the leading word boundary.
func (t *Tokenizer) encodeSegment(s string, first bool, ids []int32) []int32 {
	s = collapseSpaces(s)
	if first {
		s = strings.TrimLeft(s, " ")
		if s == "" {
			return ids
		}
		s = " " + s
	}
	if s == "" {
		return ids
	}

	m, err := splitPattern.FindStringMatch(s)
	for err == nil && m != nil {
		chunk := strings.ReplaceAll(m.String(), " ", wordBoundary)
		ids = t.encodeChunk(chunk, ids)
		m, err = splitPattern.FindNextMatch(m)
	}
	return ids
}

// encodeChunk greedily matches the longest known piece at each position.
func (t *Tokenizer) encodeChunk(chunk string, ids []int32) []int32 {
	runes := []rune(chunk)
	for i := 0; i < len(runes); {
		matched := false
		for j := min(len(runes), i+t.maxPieceLen); j > i; j-- {
			if id, ok := t.ids[string(runes[i:j])]; ok {
				ids = append(ids, id)
				i = j
				matched = true
				break
			}
		}
		if !matched {
			ids = append(ids, t.unk.ID)
			i++
		}
	}
	return ids
}

func collapseSpaces(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	inSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !inSpace {
				sb.WriteByte(' ')
			}
			inSpace = true
			continue
		}
		inSpace = false
		sb.WriteRune(r)
	}
	return sb.String()
}
