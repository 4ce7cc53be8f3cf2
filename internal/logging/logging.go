// internal/logging/logging.go
// Package logging routes the standard logger to stdout and an optional log file
// and provides the message builders used by training, evaluation and backend calls.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

var (
	mu      sync.Mutex
	logFile *os.File
	debug   bool
)

// Init sends log output to stdout and, when logPath is set, appends it to that file.
func Init(logPath string) error {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}

	var writers []io.Writer
	writers = append(writers, os.Stdout)

	if logPath != "" {
		if dir := filepath.Dir(logPath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		logFile = file
		writers = append(writers, logFile)
	}

	log.SetOutput(io.MultiWriter(writers...))
	return nil
}

// Close detaches the log file, if any, and restores stderr output.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile == nil {
		return nil
	}
	log.SetOutput(os.Stderr)
	err := logFile.Close()
	logFile = nil
	return err
}

// SetDebug toggles LogDebug output.
func SetDebug(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	debug = enabled
}

// DebugEnabled reports whether LogDebug output is enabled.
func DebugEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return debug
}

// LogEvent writes a formatted line to the log.
func LogEvent(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Println(msg)
}

// LogDebug writes a formatted line prefixed with [DEBUG] when debug output is enabled.
func LogDebug(format string, args ...any) {
	if !DebugEnabled() {
		return
	}
	log.Println("[DEBUG] " + fmt.Sprintf(format, args...))
}

// LogStep records a training or evaluation step, e.g. "[TRAIN] epoch=1 step=4 loss=0.41".
func LogStep(phase string, epoch, step int, fields map[string]any) {
	log.Println(buildStepMessage(phase, epoch, step, fields))
}

// LogRequest records traffic between vqatrain and a model backend.
func LogRequest(direction, backend, endpoint string, payload any) {
	msg := buildRequestMessage(direction, backend, endpoint, payload)
	log.Println(msg)
}

func buildStepMessage(phase string, epoch, step int, fields map[string]any) string {
	p := strings.ToUpper(strings.TrimSpace(phase))
	if p == "" {
		p = "STEP"
	}
	parts := []string{fmt.Sprintf("[%s]", p)}
	parts = append(parts, fmt.Sprintf("epoch=%d", epoch))
	parts = append(parts, fmt.Sprintf("step=%d", step))
	for _, key := range slices.Sorted(maps.Keys(fields)) {
		parts = append(parts, fmt.Sprintf("%s=%s", key, formatValue(fields[key])))
	}
	return strings.Join(parts, " ")
}

func buildRequestMessage(direction, backend, endpoint string, payload any) string {
	dir := strings.TrimSpace(direction)
	if dir != "" {
		dir = strings.ToUpper(dir)
	}
	backendValue := strings.TrimSpace(backend)
	if backendValue == "" {
		backendValue = "unknown"
	}
	parts := []string{fmt.Sprintf("[%s]", dir)}
	parts = append(parts, fmt.Sprintf("backend=%s", backendValue))
	if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
		parts = append(parts, fmt.Sprintf("endpoint=%s", endpoint))
	}
	parts = append(parts, fmt.Sprintf("payload=%s", formatPayload(payload)))
	return strings.Join(parts, " ")
}

func formatValue(v any) string {
	switch val := v.(type) {
	case float64:
		return fmt.Sprintf("%.4f", val)
	case float32:
		return fmt.Sprintf("%.4f", val)
	case string:
		if strings.ContainsAny(val, " \t\n") || val == "" {
			return fmt.Sprintf("%q", val)
		}
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

func formatPayload(payload any) string {
	switch v := payload.(type) {
	case nil:
		return "null"
	case string:
		if strings.TrimSpace(v) == "" {
			return `""`
		}
		return v
	case []byte:
		if len(v) == 0 {
			return "[]"
		}
		return fmt.Sprintf("<%d bytes>", len(v))
	case fmt.Stringer:
		return v.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
