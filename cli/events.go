package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/jarvis/bus"
	"github.com/petal-labs/jarvis/runtime"
)

// NewEventsCmd creates the "events" command group.
func NewEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the event log of a running server",
	}
	cmd.AddCommand(newEventsTailCmd())
	return cmd
}

func newEventsTailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow events by long-polling /v1/events",
		Args:  cobra.NoArgs,
		RunE:  runEventsTail,
	}

	cmd.Flags().String("url", "http://localhost:8080", "Server base URL")
	cmd.Flags().Uint64("after", 0, "Start after this event id")
	cmd.Flags().String("session", "", "Only this session's events plus global ones")
	cmd.Flags().String("types", "", "Comma-separated type prefixes")
	cmd.Flags().Duration("wait", 25*time.Second, "Long-poll wait per request")
	cmd.Flags().Int("max", 0, "Stop after N events (0 = follow forever)")
	cmd.Flags().Bool("json", false, "Print one JSON event per line")

	return cmd
}

// tailOptions are the parsed flags of "events tail".
type tailOptions struct {
	BaseURL string
	After   uint64
	Session string
	Types   string
	Wait    time.Duration
	Max     int
	JSON    bool
}

func runEventsTail(cmd *cobra.Command, _ []string) error {
	var opts tailOptions
	opts.BaseURL, _ = cmd.Flags().GetString("url")
	opts.After, _ = cmd.Flags().GetUint64("after")
	opts.Session, _ = cmd.Flags().GetString("session")
	opts.Types, _ = cmd.Flags().GetString("types")
	opts.Wait, _ = cmd.Flags().GetDuration("wait")
	opts.Max, _ = cmd.Flags().GetInt("max")
	opts.JSON, _ = cmd.Flags().GetBool("json")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := &http.Client{Timeout: opts.Wait + 10*time.Second}
	err := tailEvents(ctx, client, opts, cmd.OutOrStdout())
	if err != nil && ctx.Err() == nil {
		return exitError(exitRequest, "%v", err)
	}
	return nil
}

// tailEvents polls until ctx is done, Max events were printed or a request
// fails.
func tailEvents(ctx context.Context, client *http.Client, opts tailOptions, out io.Writer) error {
	cursor := opts.After
	printed := 0
	for {
		page, err := pollEvents(ctx, client, opts, cursor)
		if err != nil {
			return err
		}
		for _, e := range page.Events {
			if err := printEvent(out, e, opts.JSON); err != nil {
				return err
			}
			printed++
			if opts.Max > 0 && printed >= opts.Max {
				return nil
			}
		}
		cursor = page.LastSeq
		if ctx.Err() != nil {
			return nil
		}
	}
}

func pollEvents(ctx context.Context, client *http.Client, opts tailOptions, after uint64) (bus.Page, error) {
	u, err := url.Parse(strings.TrimRight(opts.BaseURL, "/") + "/v1/events")
	if err != nil {
		return bus.Page{}, fmt.Errorf("invalid server url: %w", err)
	}
	q := u.Query()
	q.Set("after", strconv.FormatUint(after, 10))
	q.Set("wait_ms", strconv.FormatInt(opts.Wait.Milliseconds(), 10))
	if opts.Types != "" {
		q.Set("types", opts.Types)
	}
	if opts.Session != "" {
		q.Set("session_id", opts.Session)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return bus.Page{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return bus.Page{}, fmt.Errorf("polling events: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return bus.Page{}, fmt.Errorf("polling events: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var page bus.Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return bus.Page{}, fmt.Errorf("decoding events: %w", err)
	}
	return page, nil
}

func printEvent(w io.Writer, e runtime.Event, asJSON bool) error {
	if asJSON {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}

	session := e.SessionID
	if session == "" {
		session = "-"
	}
	payload := ""
	if len(e.Payload) > 0 {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return err
		}
		payload = string(data)
	}
	_, err := fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", e.Seq, e.Type, session, payload)
	return err
}
