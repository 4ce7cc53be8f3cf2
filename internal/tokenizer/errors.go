// internal/tokenizer/errors.go
package tokenizer

import (
	"fmt"

	"github.com/mwiater/vqatrain/internal/util"
)

// TokenizationError reports text that cannot be brought to the requested
// length by truncation or padding.
type TokenizationError struct {
	Text      string
	Length    int
	MaxLength int
	Reason    string
}

func (e *TokenizationError) Error() string {
	return fmt.Sprintf("tokenization failed for %q (length %d, max %d): %s", util.TruncateRunes(e.Text, 40), e.Length, e.MaxLength, e.Reason)
}
