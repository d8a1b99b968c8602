package generation

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/meridian-labs/coevolve/config"
	"github.com/meridian-labs/coevolve/internal/loop"
)

// StaticService is a deterministic offline generation service. It echoes a
// shaped response derived from the prompt so the loop can run end to end with
// no network dependency.
type StaticService struct{}

// NewStaticService returns the offline service.
func NewStaticService() *StaticService { return &StaticService{} }

// GenerateText produces a deterministic response keyed on the prompt content.
func (s *StaticService) GenerateText(_ context.Context, prompt string) (string, error) {
	h := fnv.New32a()
	h.Write([]byte(prompt))
	tag := h.Sum32() % 1000

	first := prompt
	if idx := strings.IndexByte(first, '\n'); idx > 0 {
		first = first[:idx]
	}
	return fmt.Sprintf("[offline-%03d] %s", tag, strings.TrimSpace(first)), nil
}

// NewService builds the configured generation service.
func NewService(cfg config.GenerationConfig) (loop.GenerationService, error) {
	switch cfg.Provider {
	case "", "static":
		return NewStaticService(), nil
	case "openai":
		return NewOpenAIClient(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported generation provider: %s", cfg.Provider)
	}
}
