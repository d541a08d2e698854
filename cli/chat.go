package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

// NewChatCmd creates the "chat" subcommand.
func NewChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat <prompt>",
		Short: "Stream a chat completion from a running server",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runChat,
	}

	cmd.Flags().String("url", "http://localhost:8080", "Server base URL")
	cmd.Flags().String("session", "", "Session id (default: server generated)")
	cmd.Flags().String("model", "", "Model override")
	cmd.Flags().String("system", "", "System prompt")
	cmd.Flags().Bool("status", false, "Print status events to stderr")

	return cmd
}

type chatOptions struct {
	BaseURL string
	Session string
	Model   string
	System  string
	Prompt  string
	Status  bool
}

func runChat(cmd *cobra.Command, args []string) error {
	var opts chatOptions
	opts.BaseURL, _ = cmd.Flags().GetString("url")
	opts.Session, _ = cmd.Flags().GetString("session")
	opts.Model, _ = cmd.Flags().GetString("model")
	opts.System, _ = cmd.Flags().GetString("system")
	opts.Status, _ = cmd.Flags().GetBool("status")
	opts.Prompt = strings.Join(args, " ")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := streamChat(ctx, http.DefaultClient, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		if ctx.Err() != nil {
			return exitError(exitRequest, "interrupted")
		}
		return exitError(exitRequest, "%v", err)
	}
	return nil
}

// sseFrame is one parsed Server-Sent Events message.
type sseFrame struct {
	Event string
	Data  string
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type chatStreamError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// streamChat posts a streaming completion and copies content deltas to out.
func streamChat(ctx context.Context, client *http.Client, opts chatOptions, out, status io.Writer) error {
	body, err := json.Marshal(map[string]any{
		"prompt":     opts.Prompt,
		"system":     opts.System,
		"model":      opts.Model,
		"session_id": opts.Session,
		"stream":     true,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(opts.BaseURL, "/")+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("chat request: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	if opts.Status {
		fmt.Fprintf(status, "stream %s (session %s)\n", resp.Header.Get("X-Stream-ID"), resp.Header.Get("X-Session-ID"))
	}

	var streamErr error
	err = readSSE(resp.Body, func(f sseFrame) bool {
		if f.Data == "[DONE]" {
			return false
		}
		switch f.Event {
		case "status":
			if opts.Status {
				fmt.Fprintf(status, "status: %s\n", f.Data)
			}
		case "error":
			var e chatStreamError
			if json.Unmarshal([]byte(f.Data), &e) == nil && e.Error.Type != "" {
				streamErr = fmt.Errorf("stream %s: %s", e.Error.Type, e.Error.Message)
			} else {
				streamErr = fmt.Errorf("stream error: %s", f.Data)
			}
		default:
			var c chatChunk
			if err := json.Unmarshal([]byte(f.Data), &c); err != nil {
				return true
			}
			for _, choice := range c.Choices {
				fmt.Fprint(out, choice.Delta.Content)
			}
		}
		return true
	})
	fmt.Fprintln(out)
	if streamErr != nil {
		return streamErr
	}
	return err
}

// readSSE calls fn for each message until fn returns false or r ends.
// Comment lines such as heartbeats are skipped.
func readSSE(r io.Reader, fn func(sseFrame) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var cur sseFrame
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) == 0 && cur.Event == "" {
				continue
			}
			cur.Data = strings.Join(data, "\n")
			if !fn(cur) {
				return nil
			}
			cur = sseFrame{}
			data = data[:0]
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			cur.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return scanner.Err()
}
