// internal/util/util.go
// Package util holds small file and string helpers shared by the reporting code.
package util

import (
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

// WriteFileAtomic writes data next to path and renames it into place, so
// readers never observe a partially written file. Parent directories are
// created as needed.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, 0o644); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}

// TruncateRunes shortens text to at most n runes, marking the cut with an ellipsis.
func TruncateRunes(text string, n int) string {
	if n < 0 {
		n = 0
	}
	count := 0
	for i := range text {
		if count == n {
			return text[:i] + "…"
		}
		count++
	}
	return text
}

// Wrap breaks text into lines of at most width runes. Words are kept whole
// unless they are longer than width; blank input lines are preserved.
// A non-positive width returns the input lines untouched.
func Wrap(text string, width int) []string {
	paragraphs := strings.Split(text, "\n")
	if width <= 0 {
		return paragraphs
	}

	var lines []string
	for _, para := range paragraphs {
		words := strings.Fields(para)
		if len(words) == 0 {
			lines = append(lines, "")
			continue
		}
		line, lineLen := "", 0
		flush := func() {
			if lineLen > 0 {
				lines = append(lines, line)
				line, lineLen = "", 0
			}
		}
		for _, word := range words {
			n := utf8.RuneCountInString(word)
			switch {
			case lineLen > 0 && lineLen+1+n <= width:
				line += " " + word
				lineLen += 1 + n
			case n <= width:
				flush()
				line, lineLen = word, n
			default:
				flush()
				runes := []rune(word)
				for len(runes) > width {
					lines = append(lines, string(runes[:width]))
					runes = runes[width:]
				}
				line, lineLen = string(runes), len(runes)
			}
		}
		flush()
	}
	return lines
}

// FileName maps s to a lowercase name made of letters, digits, '-' and '_'.
// Runs of other characters collapse into a single '-'.
func FileName(s string) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.ToLower(s) {
		if r < utf8.RuneSelf && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-') {
			if pending && b.Len() > 0 {
				b.WriteByte('-')
			}
			pending = false
			b.WriteRune(r)
			continue
		}
		pending = true
	}
	return strings.Trim(b.String(), "-_")
}
