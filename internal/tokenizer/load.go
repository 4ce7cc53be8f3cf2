// internal/tokenizer/load.go
package tokenizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"slices"
)

// tokenizerFile is the subset of a Hugging Face tokenizer.json that we read.
type tokenizerFile struct {
	AddedTokens []addedToken `json:"added_tokens"`
	Model struct {
		Type  string          `json:"type"`
		Vocab json.RawMessage `json:"vocab"`
	} `json:"model"`
}

type addedToken struct {
	ID      int32  `json:"id"`
	Content string `json:"content"`
	Special bool   `json:"special"`
}

// Load reads a tokenizer.json. Unigram vocabularies (a list of [piece, score]
// pairs) and id maps ({"piece": id}) are supported.
func Load(path string, opts Options) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer %q: %w", path, err)
	}
	return Parse(data, opts)
}

// Parse builds a tokenizer from tokenizer.json bytes.
func Parse(data []byte, opts Options) (*Tokenizer, error) {
	var tf tokenizerFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("decode tokenizer: %w", err)
	}

	vocab, err := parseVocab(tf.Model.Vocab)
	if err != nil {
		return nil, fmt.Errorf("decode %s vocabulary: %w", tf.Model.Type, err)
	}

	added := slices.Clone(tf.AddedTokens)
	slices.SortFunc(added, func(a, b addedToken) int { return int(a.ID - b.ID) })
	for _, tok := range added {
		switch {
		case int(tok.ID) < len(vocab):
			if vocab[tok.ID] != tok.Content {
				return nil, fmt.Errorf("added token %q conflicts with piece %q at id %d", tok.Content, vocab[tok.ID], tok.ID)
			}
		case int(tok.ID) == len(vocab):
			vocab = append(vocab, tok.Content)
		default:
			return nil, fmt.Errorf("added token %q has id %d past vocabulary end %d", tok.Content, tok.ID, len(vocab))
		}
	}

	t, err := New(vocab, opts)
	if err != nil {
		return nil, err
	}

	// non-special added tokens are matched verbatim, same as runtime additions
	for _, tok := range added {
		if !tok.Special {
			t.markAdded(tok.Content)
		}
	}
	return t, nil
}

func parseVocab(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("missing vocab")
	}

	if raw[0] == '[' {
		var pairs [][2]json.RawMessage
		if err := json.Unmarshal(raw, &pairs); err != nil {
			return nil, err
		}
		vocab := make([]string, len(pairs))
		for i, pair := range pairs {
			if err := json.Unmarshal(pair[0], &vocab[i]); err != nil {
				return nil, fmt.Errorf("piece %d: %w", i, err)
			}
		}
		return vocab, nil
	}

	var byPiece map[string]int32
	if err := json.Unmarshal(raw, &byPiece); err != nil {
		return nil, err
	}
	vocab := make([]string, len(byPiece))
	seen := make([]bool, len(byPiece))
	for piece, id := range byPiece {
		if id < 0 || int(id) >= len(vocab) || seen[id] {
			return nil, fmt.Errorf("piece %q has invalid or duplicate id %d", piece, id)
		}
		vocab[id] = piece
		seen[id] = true
	}
	return vocab, nil
}

func (t *Tokenizer) markAdded(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !slices.Contains(t.added, token) {
		t.added = append(t.added, token)
		slices.SortStableFunc(t.added, func(a, b string) int { return len(b) - len(a) })
	}
}
