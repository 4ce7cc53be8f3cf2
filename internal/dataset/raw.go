// internal/dataset/raw.go
// Package dataset turns raw question/answer records into encoded model
// inputs and batches them for the trainer.
package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/mwiater/vqatrain/internal/structured"
)

// RawExample is one record of a dataset file.
type RawExample struct {
	ImagePath string `json:"image_path"`
	Question  string `json:"question"`
	Answer    string `json:"answer"`
	// GroundTruth optionally holds a structured target: {"gt_parse": {...}},
	// {"gt_parses": [...]}, a bare record, or any of these encoded as a string.
	GroundTruth json.RawMessage `json:"ground_truth,omitempty"`
}

const recordSchema = `{
  "type": "object",
  "required": ["image_path", "question", "answer"],
  "properties": {
    "image_path": {"type": "string", "minLength": 1},
    "question": {"type": "string"},
    "answer": {"type": "string"},
    "ground_truth": {"type": ["object", "string", "null"]}
  }
}`

var recordValidator = mustSchema(recordSchema)

func mustSchema(def string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(def))
	if err != nil {
		panic(fmt.Sprintf("dataset: invalid record schema: %v", err))
	}
	return schema
}

// LoadExamples reads a JSON array or a JSONL file of RawExample records.
// Every record is validated before it is decoded.
func LoadExamples(path string) ([]RawExample, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset %q: %w", path, err)
	}
	examples, err := ParseExamples(data)
	if err != nil {
		return nil, fmt.Errorf("dataset %q: %w", path, err)
	}
	return examples, nil
}

// ParseExamples decodes a JSON array or JSONL payload.
func ParseExamples(data []byte) ([]RawExample, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var records []json.RawMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("decode record array: %w", err)
		}
	} else {
		scanner := bufio.NewScanner(bytes.NewReader(trimmed))
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			records = append(records, json.RawMessage(bytes.Clone(line)))
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("scan records: %w", err)
		}
	}

	examples := make([]RawExample, 0, len(records))
	for i, rec := range records {
		if err := validateRecord(rec); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		var ex RawExample
		if err := json.Unmarshal(rec, &ex); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		examples = append(examples, ex)
	}
	return examples, nil
}

func validateRecord(rec json.RawMessage) error {
	result, err := recordValidator.Validate(gojsonschema.NewBytesLoader(rec))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}
	var details []string
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return fmt.Errorf("record failed validation: %s", strings.Join(details, "; "))
}

// GroundTruths returns the structured targets of the example, if any.
func (r RawExample) GroundTruths() ([]structured.Node, error) {
	raw := bytes.TrimSpace(r.GroundTruth)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("decode ground truth string: %w", err)
		}
		raw = []byte(inner)
	}

	node, err := structured.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("ground truth: %w", err)
	}

	rec, ok := node.(*structured.Record)
	if !ok {
		return []structured.Node{node}, nil
	}
	if parses, ok := rec.Get("gt_parses"); ok {
		seq, ok := parses.(structured.Sequence)
		if !ok {
			return nil, fmt.Errorf("ground truth: gt_parses must be a list")
		}
		return []structured.Node(seq), nil
	}
	if parse, ok := rec.Get("gt_parse"); ok {
		if _, ok := parse.(*structured.Record); !ok {
			return nil, fmt.Errorf("ground truth: gt_parse must be an object")
		}
		return []structured.Node{parse}, nil
	}
	return []structured.Node{rec}, nil
}

// NormalizeText removes right-to-left marks and surrounding whitespace.
func NormalizeText(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\u200f", ""))
}
