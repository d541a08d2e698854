package llmprovider

import (
	"fmt"
	"strings"
	"time"

	"github.com/petal-labs/iris/providers"
	// Auto-register common providers.
	_ "github.com/petal-labs/iris/providers/anthropic"
	_ "github.com/petal-labs/iris/providers/ollama"
	_ "github.com/petal-labs/iris/providers/openai"

	"github.com/petal-labs/jarvis/runtime"
)

// EchoProvider selects the offline EchoGenerator.
const EchoProvider = "echo"

// Config selects and configures a generator.
type Config struct {
	// Provider is an iris provider name (openai, anthropic, ollama) or "echo".
	Provider string

	APIKey string

	// Model is used when a request does not name one.
	Model string

	// ChunkSize and Delay configure the echo generator.
	ChunkSize int
	Delay     time.Duration
}

// NewGenerator creates a runtime.Generator for the configured provider.
// It delegates to the iris provider registry for everything except "echo".
func NewGenerator(cfg Config) (runtime.Generator, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if name == "" || name == EchoProvider {
		return &EchoGenerator{ChunkSize: cfg.ChunkSize, Delay: cfg.Delay}, nil
	}
	provider, err := providers.Create(name, cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("creating provider %q: %w", name, err)
	}
	return &irisGenerator{provider: provider, model: cfg.Model}, nil
}
