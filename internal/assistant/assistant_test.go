package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/curtbushko/teams-cdr/internal/cdr"
	"github.com/curtbushko/teams-cdr/internal/config"
	"github.com/curtbushko/teams-cdr/internal/httpclient"
	"github.com/curtbushko/teams-cdr/internal/llm"
	"github.com/curtbushko/teams-cdr/internal/watchlist"
)

type fakeSource struct {
	records   []map[string]interface{}
	err       error
	lastQuery cdr.Query
}

func (f *fakeSource) ListCallRecords(ctx context.Context, query cdr.Query) ([]map[string]interface{}, error) {
	f.lastQuery = query
	return f.records, f.err
}

func (f *fakeSource) GetCallRecord(ctx context.Context, id string) (map[string]interface{}, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeSource) ListSessions(ctx context.Context, callID string) ([]map[string]interface{}, error) {
	return nil, nil
}

type fakeChatter struct {
	reply       string
	err         error
	lastMessage string
	lastContext string
	lastHistory []llm.Message
}

func (f *fakeChatter) Chat(ctx context.Context, message, callContext string, history []llm.Message, opts *llm.Options) (string, error) {
	f.lastMessage = message
	f.lastContext = callContext
	f.lastHistory = history
	return f.reply, f.err
}

func rawCall(id, email string) map[string]interface{} {
	return map[string]interface{}{
		"id":            id,
		"type":          "peerToPeer",
		"startDateTime": "2024-01-15T10:00:00Z",
		"endDateTime":   "2024-01-15T10:05:00Z",
		"participants": []interface{}{
			map[string]interface{}{"user": map[string]interface{}{"id": "u-" + id, "displayName": id, "userPrincipalName": email}},
		},
	}
}

var fixedNow = time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC)

func newTestAssistant(source cdr.Source, chat Chatter, wl watchlist.Watchlist) *Assistant {
	var service *cdr.Service
	if source != nil {
		service = cdr.NewService(source)
	}
	a := New(service, chat, wl, Options{})
	a.now = func() time.Time { return fixedNow }
	return a
}

func TestProcessQueryNotConfigured(t *testing.T) {
	tests := []struct {
		name     string
		source   cdr.Source
		chat     Chatter
		expected string
	}{
		{name: "graph missing", source: nil, chat: &fakeChatter{}, expected: GraphNotConfiguredMessage},
		{name: "llm missing", source: &fakeSource{}, chat: nil, expected: LLMNotConfiguredMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAssistant(tt.source, tt.chat, nil)
			response, err := a.ProcessQuery(context.Background(), "How many calls?")
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if response != tt.expected {
				t.Errorf("Unexpected response %q", response)
			}
			if len(a.History()) != 0 {
				t.Error("History should not grow without an answer")
			}
		})
	}
}

func TestProcessQuery(t *testing.T) {
	source := &fakeSource{records: []map[string]interface{}{rawCall("call-1", "alice@contoso.com")}}
	chat := &fakeChatter{reply: "One call."}
	a := newTestAssistant(source, chat, nil)

	response, err := a.ProcessQuery(context.Background(), "How many calls?")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if response != "One call." {
		t.Errorf("Unexpected response %q", response)
	}

	if source.lastQuery.Limit != 100 {
		t.Errorf("Expected fetch limit 100, got %d", source.lastQuery.Limit)
	}
	if !source.lastQuery.To.Equal(fixedNow) || !source.lastQuery.From.Equal(fixedNow.Add(-7*24*time.Hour)) {
		t.Errorf("Unexpected window %v - %v", source.lastQuery.From, source.lastQuery.To)
	}

	if chat.lastMessage != "How many calls?" {
		t.Errorf("Unexpected message %q", chat.lastMessage)
	}
	if !strings.HasPrefix(chat.lastContext, "Found 1 call record(s):") {
		t.Errorf("Unexpected context %q", chat.lastContext)
	}
	if !strings.Contains(chat.lastContext, "Summary Statistics:\n- Total Calls: 1") {
		t.Errorf("Context missing summary block: %q", chat.lastContext)
	}
	if len(chat.lastHistory) != 0 {
		t.Errorf("First turn should have no history")
	}

	if _, err := a.ProcessQuery(context.Background(), "And yesterday?"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(chat.lastHistory) != 2 || chat.lastHistory[0].Content != "How many calls?" || chat.lastHistory[1].Content != "One call." {
		t.Errorf("Second turn should carry the first exchange, got %+v", chat.lastHistory)
	}
	if len(a.History()) != 4 {
		t.Errorf("Expected 4 history messages, got %d", len(a.History()))
	}

	a.ClearHistory()
	if len(a.History()) != 0 {
		t.Error("ClearHistory did not reset the conversation")
	}
}

func TestProcessQueryNoRecords(t *testing.T) {
	chat := &fakeChatter{reply: "No calls."}
	a := newTestAssistant(&fakeSource{}, chat, nil)

	if _, err := a.ProcessQuery(context.Background(), "Any calls?"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if chat.lastContext != cdr.NoRecordsMessage {
		t.Errorf("Expected no-records context, got %q", chat.lastContext)
	}
}

func TestProcessQueryErrors(t *testing.T) {
	sourceErr := errors.New("graph unavailable")
	a := newTestAssistant(&fakeSource{err: sourceErr}, &fakeChatter{}, nil)
	if _, err := a.ProcessQuery(context.Background(), "q"); !errors.Is(err, sourceErr) {
		t.Errorf("Expected source error, got %v", err)
	}

	chatErr := errors.New("rate limited")
	a = newTestAssistant(&fakeSource{}, &fakeChatter{err: chatErr}, nil)
	if _, err := a.ProcessQuery(context.Background(), "q"); !errors.Is(err, chatErr) {
		t.Errorf("Expected chat error, got %v", err)
	}
	if len(a.History()) != 0 {
		t.Error("Failed turn should not be recorded")
	}
}

func TestProcessQueryWatchlist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watched.txt")
	if err := os.WriteFile(path, []byte("alice@contoso.com\n"), 0644); err != nil {
		t.Fatalf("Failed to write watchlist: %v", err)
	}
	wl, err := watchlist.New(watchlist.Config{FilePath: path})
	if err != nil {
		t.Fatalf("Failed to load watchlist: %v", err)
	}
	defer wl.Close()

	source := &fakeSource{records: []map[string]interface{}{
		rawCall("call-alice", "alice@contoso.com"),
		rawCall("call-bob", "bob@contoso.com"),
	}}
	chat := &fakeChatter{reply: "ok"}
	a := newTestAssistant(source, chat, wl)

	if _, err := a.ProcessQuery(context.Background(), "q"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.HasPrefix(chat.lastContext, "Found 1 call record(s):") || !strings.Contains(chat.lastContext, "call-alice") {
		t.Errorf("Watchlist not applied: %q", chat.lastContext)
	}
}

func TestReloadWatchlist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watched.txt")
	if err := os.WriteFile(path, []byte("alice@contoso.com\n"), 0644); err != nil {
		t.Fatalf("Failed to write watchlist: %v", err)
	}
	wl, err := watchlist.New(watchlist.Config{FilePath: path})
	if err != nil {
		t.Fatalf("Failed to load watchlist: %v", err)
	}
	defer wl.Close()

	source := &fakeSource{records: []map[string]interface{}{
		rawCall("call-alice", "alice@contoso.com"),
		rawCall("call-bob", "bob@contoso.com"),
	}}
	chat := &fakeChatter{reply: "ok"}
	a := newTestAssistant(source, chat, wl)

	if err := os.WriteFile(path, []byte("alice@contoso.com\nbob@contoso.com\n"), 0644); err != nil {
		t.Fatalf("Failed to rewrite watchlist: %v", err)
	}
	count, err := a.ReloadWatchlist()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if count != 2 {
		t.Errorf("ReloadWatchlist() = %d, want 2", count)
	}

	if _, err := a.ProcessQuery(context.Background(), "q"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.HasPrefix(chat.lastContext, "Found 2 call record(s):") {
		t.Errorf("Reloaded watchlist not applied: %q", chat.lastContext)
	}

	none := newTestAssistant(source, chat, nil)
	if count, err := none.ReloadWatchlist(); err != nil || count != 0 {
		t.Errorf("ReloadWatchlist() without watchlist = %d, %v; want 0, nil", count, err)
	}
}

func TestProcessQueryWithLLMClient(t *testing.T) {
	var received struct {
		Messages []llm.Message `json:"messages"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Alice had one call."}}]}`))
	}))
	defer server.Close()

	client := llm.NewClient(httpclient.New(httpclient.Config{Timeout: 5 * time.Second}),
		config.OpenAIConfig{APIKey: "k", BaseURL: server.URL, Model: "gpt-4"}, false)

	source := &fakeSource{records: []map[string]interface{}{rawCall("call-1", "alice@contoso.com")}}
	a := newTestAssistant(source, client, nil)

	response, err := a.ProcessQuery(context.Background(), "What did Alice do?")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if response != "Alice had one call." {
		t.Errorf("Unexpected response %q", response)
	}
	last := received.Messages[len(received.Messages)-1].Content
	if !strings.HasPrefix(last, "Call Record Data:\nFound 1 call record(s):") || !strings.HasSuffix(last, "Question: What did Alice do?") {
		t.Errorf("Unexpected prompt %q", last)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := &config.Config{Context: config.ContextConfig{MaxRecords: 5, LookbackDays: 14, FetchLimit: 50}}
	opts := OptionsFromConfig(cfg)
	if opts.Lookback != 14*24*time.Hour || opts.FetchLimit != 50 || opts.MaxContextRecords != 5 {
		t.Errorf("Unexpected options %+v", opts)
	}
}
