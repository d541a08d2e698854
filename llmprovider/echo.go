package llmprovider

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/petal-labs/jarvis/runtime"
)

// DefaultChunkSize is the part size used when splitting complete text into
// stream deltas.
const DefaultChunkSize = 24

// EchoGenerator replies with the last user message, split into fixed-size
// parts. It needs no network access.
type EchoGenerator struct {
	// ChunkSize is the number of runes per delta (default: DefaultChunkSize).
	ChunkSize int

	// Delay is slept between deltas.
	Delay time.Duration

	// Prefix is prepended to the reply.
	Prefix string
}

// Generate implements runtime.Generator.
func (g *EchoGenerator) Generate(ctx context.Context, req runtime.GenerateRequest) (<-chan runtime.Chunk, error) {
	reply := g.Prefix + lastUserMessage(req.Messages)
	parts := ChunkText(reply, g.ChunkSize)

	out := make(chan runtime.Chunk)
	go func() {
		defer close(out)
		for i, p := range parts {
			if i > 0 && g.Delay > 0 {
				timer := time.NewTimer(g.Delay)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return
				}
			}
			select {
			case out <- runtime.Chunk{Delta: p, Index: i}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- runtime.Chunk{Done: true, Index: len(parts)}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// ChunkText splits text into parts of at most size runes. Empty text yields
// no parts.
func ChunkText(text string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if text == "" {
		return nil
	}
	parts := make([]string, 0, utf8.RuneCountInString(text)/size+1)
	var b strings.Builder
	n := 0
	for _, r := range text {
		b.WriteRune(r)
		n++
		if n == size {
			parts = append(parts, b.String())
			b.Reset()
			n = 0
		}
	}
	if b.Len() > 0 {
		parts = append(parts, b.String())
	}
	return parts
}

func lastUserMessage(messages []runtime.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

var _ runtime.Generator = (*EchoGenerator)(nil)
