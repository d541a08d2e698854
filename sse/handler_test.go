package sse_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/jarvis/bus"
	"github.com/petal-labs/jarvis/runtime"
	"github.com/petal-labs/jarvis/sse"
)

// helper to create a test event with the given type and session.
func testEvent(t runtime.EventType, sessionID string) runtime.Event {
	e := runtime.NewEvent(t, sessionID)
	e.Time = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	e.Payload["token"] = string(t)
	return e
}

// sseMessage represents a parsed SSE message from the stream.
type sseMessage struct {
	ID    string
	Event string
	Data  string
}

// parseSSEMessages reads SSE messages from the response body string.
func parseSSEMessages(body string) []sseMessage {
	var msgs []sseMessage
	scanner := bufio.NewScanner(strings.NewReader(body))

	var current sseMessage
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			// Empty line = end of message.
			if current.ID != "" || current.Event != "" || current.Data != "" {
				msgs = append(msgs, current)
				current = sseMessage{}
			}
			continue
		}

		if strings.HasPrefix(line, ": ") {
			// Comment line (heartbeat).
			continue
		}

		if strings.HasPrefix(line, "id: ") {
			current.ID = strings.TrimPrefix(line, "id: ")
		} else if strings.HasPrefix(line, "event: ") {
			current.Event = strings.TrimPrefix(line, "event: ")
		} else if strings.HasPrefix(line, "data: ") {
			current.Data = strings.TrimPrefix(line, "data: ")
		}
	}

	return msgs
}

// setupTestServer creates a test mux with the SSE handler registered.
func setupTestServer(store bus.EventLog, heartbeat time.Duration) *httptest.Server {
	handler := sse.NewHandler(store)
	if heartbeat > 0 {
		handler.Heartbeat = heartbeat
	}
	mux := http.NewServeMux()
	mux.Handle("GET /v1/events/stream", handler)
	return httptest.NewServer(mux)
}

func appendAll(t *testing.T, store bus.EventStore, events ...runtime.Event) {
	t.Helper()
	for _, e := range events {
		if err := store.Append(context.Background(), e); err != nil {
			t.Fatal(err)
		}
	}
}

func fetch(ctx context.Context, url string, header http.Header) (*http.Response, string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, "", err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body), nil
}

func get(t *testing.T, ctx context.Context, url string, header http.Header) (*http.Response, string) {
	t.Helper()
	resp, body, err := fetch(ctx, url, header)
	if err != nil {
		t.Fatal(err)
	}
	return resp, body
}

func TestHandler_SnapshotThenDeadline(t *testing.T) {
	store := bus.NewMemEventStore(100)
	appendAll(t, store,
		testEvent(runtime.EventChatStart, "s1"),
		testEvent(runtime.EventStreamDelta, "s1"),
		testEvent(runtime.EventChatEnd, "s1"),
	)

	ts := setupTestServer(store, 0)
	defer ts.Close()

	resp, body := get(t, context.Background(), ts.URL+"/v1/events/stream?max_ms=50", nil)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("expected Content-Type text/event-stream, got %s", ct)
	}
	if !strings.HasPrefix(body, ": heartbeat\n\n") {
		t.Errorf("stream should open with a heartbeat, got %q", body)
	}

	msgs := parseSSEMessages(body)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d: %s", len(msgs), body)
	}
	if msgs[0].ID != "1" || msgs[0].Event != "chat.start" {
		t.Errorf("first message = %+v, want id 1 chat.start", msgs[0])
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(msgs[1].Data), &parsed); err != nil {
		t.Fatalf("failed to parse data JSON: %v", err)
	}
	if parsed["type"] != "agent.stream.delta" {
		t.Errorf("got type %v, want agent.stream.delta", parsed["type"])
	}
	if parsed["id"] != float64(2) {
		t.Errorf("got id %v, want 2", parsed["id"])
	}
	if parsed["session_id"] != "s1" {
		t.Errorf("got session_id %v, want s1", parsed["session_id"])
	}
	if _, ok := parsed["ts"]; !ok {
		t.Error("data should carry ts")
	}
}

func TestHandler_SinceCursor(t *testing.T) {
	store := bus.NewMemEventStore(100)
	for i := 0; i < 5; i++ {
		appendAll(t, store, testEvent(runtime.EventChatToken, "s1"))
	}

	ts := setupTestServer(store, 0)
	defer ts.Close()

	_, body := get(t, context.Background(), ts.URL+"/v1/events/stream?since_id=3&max_ms=20", nil)
	msgs := parseSSEMessages(body)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages (seq 4 and 5), got %d: %s", len(msgs), body)
	}
	if msgs[0].ID != "4" || msgs[1].ID != "5" {
		t.Errorf("got ids %s,%s, want 4,5", msgs[0].ID, msgs[1].ID)
	}

	// Last-Event-ID resumes the same way.
	_, body = get(t, context.Background(), ts.URL+"/v1/events/stream?max_ms=20",
		http.Header{"Last-Event-ID": []string{"4"}})
	msgs = parseSSEMessages(body)
	if len(msgs) != 1 || msgs[0].ID != "5" {
		t.Errorf("Last-Event-ID resume got %+v, want only id 5", msgs)
	}
}

func TestHandler_Filters(t *testing.T) {
	store := bus.NewMemEventStore(100)
	appendAll(t, store,
		testEvent(runtime.EventStreamDelta, "s1"), // 1
		testEvent(runtime.EventChatToken, "s1"),   // 2
		testEvent(runtime.EventStreamDelta, "s2"), // 3
		testEvent(runtime.EventSessionSwitch, ""), // 4
		testEvent(runtime.EventStreamError, "s1"), // 5
	)

	ts := setupTestServer(store, 0)
	defer ts.Close()

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"no filter", "", []string{"1", "2", "3", "4", "5"}},
		{"type prefix", "types=agent.stream", []string{"1", "3", "5"}},
		{"several prefixes", "types=chat.,session.", []string{"2", "4"}},
		{"session includes global", "session_id=s1", []string{"1", "2", "4", "5"}},
		{"session and type", "session_id=s2&types=agent.", []string{"3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, body := get(t, context.Background(), ts.URL+"/v1/events/stream?max_ms=20&"+tt.query, nil)
			msgs := parseSSEMessages(body)
			var ids []string
			for _, m := range msgs {
				ids = append(ids, m.ID)
			}
			if strings.Join(ids, ",") != strings.Join(tt.want, ",") {
				t.Errorf("got ids %v, want %v", ids, tt.want)
			}
		})
	}
}

func TestHandler_LiveEvents(t *testing.T) {
	store := bus.NewMemEventStore(100)
	appendAll(t, store, testEvent(runtime.EventChatStart, "s1"))

	ts := setupTestServer(store, 0)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resultCh := make(chan string, 1)
	go func() {
		_, body, _ := fetch(ctx, ts.URL+"/v1/events/stream?max_events=3", nil)
		resultCh <- body
	}()

	// Give the handler time to reach the long poll.
	deadline := time.Now().Add(2 * time.Second)
	for store.Waiters() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	appendAll(t, store,
		testEvent(runtime.EventStreamDelta, "s1"),
		testEvent(runtime.EventStreamFinal, "s1"),
		testEvent(runtime.EventChatEnd, "s1"),
	)

	body := <-resultCh
	msgs := parseSSEMessages(body)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages (max_events), got %d: %s", len(msgs), body)
	}
	want := []string{"chat.start", "agent.stream.delta", "agent.stream.final"}
	for i, w := range want {
		if msgs[i].Event != w {
			t.Errorf("message %d: got %s, want %s", i, msgs[i].Event, w)
		}
	}
}

func TestHandler_FilteredCursorAdvances(t *testing.T) {
	store := bus.NewMemEventStore(100)
	ts := setupTestServer(store, 0)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resultCh := make(chan string, 1)
	go func() {
		_, body, _ := fetch(ctx, ts.URL+"/v1/events/stream?types=agent.stream.final&max_events=1", nil)
		resultCh <- body
	}()

	deadline := time.Now().Add(2 * time.Second)
	for store.Waiters() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	for i := 0; i < 10; i++ {
		appendAll(t, store, testEvent(runtime.EventStreamDelta, "s1"))
	}
	appendAll(t, store, testEvent(runtime.EventStreamFinal, "s1"))

	body := <-resultCh
	msgs := parseSSEMessages(body)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d: %s", len(msgs), body)
	}
	if msgs[0].ID != "11" {
		t.Errorf("got id %s, want 11", msgs[0].ID)
	}
}

func TestHandler_Heartbeat(t *testing.T) {
	store := bus.NewMemEventStore(100)
	ts := setupTestServer(store, 20*time.Millisecond)
	defer ts.Close()

	_, body := get(t, context.Background(), ts.URL+"/v1/events/stream?max_ms=150", nil)

	if n := strings.Count(body, ": heartbeat\n\n"); n < 3 {
		t.Errorf("expected at least 3 heartbeats, got %d: %q", n, body)
	}
	if msgs := parseSSEMessages(body); len(msgs) != 0 {
		t.Errorf("expected no messages, got %d", len(msgs))
	}
}

func TestHandler_ClientDisconnect(t *testing.T) {
	store := bus.NewMemEventStore(100)
	ts := setupTestServer(store, time.Hour)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/events/stream", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	deadline := time.Now().Add(2 * time.Second)
	for store.Waiters() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	deadline = time.Now().Add(2 * time.Second)
	for store.Waiters() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := store.Waiters(); n != 0 {
		t.Errorf("got %d waiters after disconnect, want 0", n)
	}
}

func TestHandler_StoreClosed(t *testing.T) {
	store := bus.NewMemEventStore(100)
	ts := setupTestServer(store, time.Hour)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resultCh := make(chan string, 1)
	go func() {
		_, body, _ := fetch(ctx, ts.URL+"/v1/events/stream", nil)
		resultCh <- body
	}()

	deadline := time.Now().Add(2 * time.Second)
	for store.Waiters() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	_ = store.Close()

	select {
	case <-resultCh:
	case <-ctx.Done():
		t.Fatal("stream did not end after the store closed")
	}
}

func TestHandler_BadParams(t *testing.T) {
	store := bus.NewMemEventStore(100)
	ts := setupTestServer(store, 0)
	defer ts.Close()

	for _, q := range []string{"since_id=abc", "max_events=-1", "max_ms=soon"} {
		resp, _ := get(t, context.Background(), ts.URL+"/v1/events/stream?"+q, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: got status %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestParseTypes(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"  ", nil},
		{"chat.", []string{"chat."}},
		{"chat., agent.stream ,,", []string{"chat.", "agent.stream"}},
	}
	for _, tt := range tests {
		got := sse.ParseTypes(tt.in)
		if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
			t.Errorf("ParseTypes(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
