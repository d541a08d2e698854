package runtime

import "context"

// Message is one conversation message handed to a Generator.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest is the prompt context for one turn.
type GenerateRequest struct {
	Model       string
	System      string
	Messages    []Message
	Temperature *float64
	MaxTokens   int
}

// Usage reports token counts when the provider supplies them.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Chunk is one incremental piece of generated text. The last chunk on a
// channel has Done set, or Err set when generation failed.
type Chunk struct {
	Delta string
	Index int
	Done  bool
	Usage *Usage
	Err   error
}

// Generator produces text for a turn as a stream of chunks. Implementations
// must stop sending and close the channel once ctx is done.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (<-chan Chunk, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req GenerateRequest) (<-chan Chunk, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req GenerateRequest) (<-chan Chunk, error) {
	return f(ctx, req)
}
