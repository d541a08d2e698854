package llmprovider

import (
	"reflect"
	"strings"
	"testing"
)

func TestNewGenerator_KnownProviders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		provider string
		wantType string
	}{
		{"openai", "openai", "*openai.OpenAI"},
		{"anthropic", "anthropic", "*anthropic.Anthropic"},
		{"ollama", "ollama", "*ollama.Ollama"},
		{"provider names are case-insensitive", "OpenAI", "*openai.OpenAI"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			gen, err := NewGenerator(Config{Provider: tt.provider, APIKey: "test-key", Model: "m"})
			if err != nil {
				t.Fatalf("NewGenerator() error = %v", err)
			}
			ig, ok := gen.(*irisGenerator)
			if !ok {
				t.Fatalf("expected *irisGenerator, got %T", gen)
			}
			if got := reflect.TypeOf(ig.provider).String(); got != tt.wantType {
				t.Fatalf("provider type = %q, want %q", got, tt.wantType)
			}
			if ig.model != "m" {
				t.Errorf("model = %q, want m", ig.model)
			}
		})
	}
}

func TestNewGenerator_Echo(t *testing.T) {
	for _, name := range []string{"", "echo", "ECHO"} {
		gen, err := NewGenerator(Config{Provider: name, ChunkSize: 8})
		if err != nil {
			t.Fatalf("NewGenerator(%q): %v", name, err)
		}
		echo, ok := gen.(*EchoGenerator)
		if !ok {
			t.Fatalf("NewGenerator(%q) = %T, want *EchoGenerator", name, gen)
		}
		if echo.ChunkSize != 8 {
			t.Errorf("ChunkSize = %d, want 8", echo.ChunkSize)
		}
	}
}

func TestNewGenerator_UnknownProvider(t *testing.T) {
	t.Parallel()

	_, err := NewGenerator(Config{Provider: "definitely-not-a-provider"})
	if err == nil {
		t.Fatal("expected error for unknown provider, got nil")
	}
	if !strings.Contains(err.Error(), "unknown provider") {
		t.Fatalf("error = %q, want to contain %q", err.Error(), "unknown provider")
	}
}
