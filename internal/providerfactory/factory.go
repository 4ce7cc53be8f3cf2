// internal/providerfactory/factory.go
package providerfactory

import (
	"fmt"
	"strings"

	"github.com/mwiater/vqatrain/internal/appconfig"
	"github.com/mwiater/vqatrain/internal/logging"
	"github.com/mwiater/vqatrain/internal/metrics"
	"github.com/mwiater/vqatrain/internal/providers"
	"github.com/mwiater/vqatrain/internal/providers/remote"
)

// BackendRemote is the CBOR-over-HTTP model server.
const BackendRemote = "remote"

// backendType normalizes the configured backend type. An empty type selects
// the remote backend.
func backendType(cfg appconfig.Backend) (string, error) {
	switch t := strings.ToLower(strings.TrimSpace(cfg.Type)); t {
	case "", BackendRemote, "http":
		return BackendRemote, nil
	default:
		return "", fmt.Errorf("unsupported backend type %q", cfg.Type)
	}
}

// NewModel selects and configures the model backend based on the training
// configuration and wraps it with latency metrics when metrics are enabled
// and an aggregator is supplied.
func NewModel(cfg *appconfig.Config, aggregator *metrics.Aggregator) (providers.Model, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config provided to provider factory")
	}
	if _, err := backendType(cfg.Backend); err != nil {
		return nil, err
	}

	provider, err := remote.New(cfg.Backend)
	if err != nil {
		return nil, err
	}
	var model providers.Model = provider
	logging.LogEvent("model backend ready: %s (%s)", cfg.Backend.URL, cfg.Backend.PatchPrecision())

	if cfg.Metrics && aggregator != nil {
		model = metrics.NewProvider(model, aggregator)
	}
	return model, nil
}
