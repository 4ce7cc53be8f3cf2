// internal/trainer/errors.go
package trainer

import "fmt"

// GenerationError reports a generation call that did not return one usable
// sequence per example.
type GenerationError struct {
	BatchSize int
	Sequences int
	Err       error
}

func (e *GenerationError) Error() string {
	msg := fmt.Sprintf("generation returned %d sequences for a batch of %d", e.Sequences, e.BatchSize)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GenerationError) Unwrap() error { return e.Err }
