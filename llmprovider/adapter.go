// Package llmprovider bridges iris LLM providers to the runtime.Generator
// interface used by streaming turns, and ships an offline echo generator
// for development and tests.
package llmprovider

import (
	"context"
	"fmt"

	iriscore "github.com/petal-labs/iris/core"

	"github.com/petal-labs/jarvis/runtime"
)

// irisGenerator wraps an iris Provider to implement runtime.Generator.
type irisGenerator struct {
	provider iriscore.Provider
	model    string
}

// Generate starts a streaming chat on the provider and forwards its deltas.
// The returned channel is closed after a final chunk (Done or Err) or as soon
// as ctx is done.
func (g *irisGenerator) Generate(ctx context.Context, req runtime.GenerateRequest) (<-chan runtime.Chunk, error) {
	chatReq := g.toRequest(req)

	stream, err := g.provider.StreamChat(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("provider stream chat failed: %w", err)
	}

	out := make(chan runtime.Chunk, 1)

	go func() {
		defer close(out)

		send := func(c runtime.Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		index := 0
		for chunk := range stream.Ch {
			if chunk.Delta == "" {
				continue
			}
			if !send(runtime.Chunk{Delta: chunk.Delta, Index: index}) {
				return
			}
			index++
		}
		if ctx.Err() != nil {
			return
		}

		select {
		case err, ok := <-stream.Err:
			if ok && err != nil {
				send(runtime.Chunk{Err: fmt.Errorf("provider stream: %w", err), Index: index})
				return
			}
		default:
		}

		final := runtime.Chunk{Done: true, Index: index}
		select {
		case resp, ok := <-stream.Final:
			if ok && resp != nil {
				final.Usage = &runtime.Usage{
					InputTokens:  resp.Usage.PromptTokens,
					OutputTokens: resp.Usage.CompletionTokens,
					TotalTokens:  resp.Usage.TotalTokens,
				}
			}
		case <-ctx.Done():
			return
		}
		send(final)
	}()

	return out, nil
}

// toRequest converts a runtime.GenerateRequest to an iris ChatRequest.
func (g *irisGenerator) toRequest(req runtime.GenerateRequest) *iriscore.ChatRequest {
	messages := make([]iriscore.Message, 0, len(req.Messages)+1)

	if req.System != "" {
		messages = append(messages, iriscore.Message{
			Role:    iriscore.RoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, iriscore.Message{
			Role:    toIrisRole(m.Role),
			Content: m.Content,
		})
	}

	model := req.Model
	if model == "" {
		model = g.model
	}
	chatReq := &iriscore.ChatRequest{
		Model:    iriscore.ModelID(model),
		Messages: messages,
	}

	if req.Temperature != nil {
		temp := float32(*req.Temperature)
		chatReq.Temperature = &temp
	}
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		chatReq.MaxTokens = &maxTokens
	}

	return chatReq
}

// toIrisRole converts a string role to an iris Role constant.
func toIrisRole(role string) iriscore.Role {
	switch role {
	case "system":
		return iriscore.RoleSystem
	case "user":
		return iriscore.RoleUser
	case "assistant":
		return iriscore.RoleAssistant
	case "tool":
		return iriscore.RoleTool
	default:
		return iriscore.RoleUser
	}
}

// Compile-time interface check.
var _ runtime.Generator = (*irisGenerator)(nil)
