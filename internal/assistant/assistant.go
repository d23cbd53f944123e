// Package assistant answers natural-language questions about recent Teams
// calls by combining the call record service with a chat-completion model
package assistant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/curtbushko/teams-cdr/internal/cdr"
	"github.com/curtbushko/teams-cdr/internal/config"
	"github.com/curtbushko/teams-cdr/internal/llm"
	"github.com/curtbushko/teams-cdr/internal/logging"
	"github.com/curtbushko/teams-cdr/internal/watchlist"
)

const (
	GraphNotConfiguredMessage = "Microsoft Graph API is not configured. " +
		"Please set AZURE_TENANT_ID, AZURE_CLIENT_ID, and AZURE_CLIENT_SECRET " +
		"environment variables to fetch call records."

	LLMNotConfiguredMessage = "OpenAI API is not configured. " +
		"Please set OPENAI_API_KEY or configure Azure OpenAI " +
		"to use natural language processing."
)

// Chatter sends a question with call context and prior turns to a model
type Chatter interface {
	Chat(ctx context.Context, message, callContext string, history []llm.Message, opts *llm.Options) (string, error)
}

// Options controls how much call data is put in front of the model
type Options struct {
	Lookback          time.Duration // Window of calls fetched per question
	FetchLimit        int           // Maximum records fetched per question
	MaxContextRecords int           // Maximum records listed in the prompt
}

// OptionsFromConfig reads Options from the context section of cfg
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Lookback:          cfg.Lookback(),
		FetchLimit:        cfg.Context.FetchLimit,
		MaxContextRecords: cfg.Context.MaxRecords,
	}
}

// Assistant keeps a conversation about call records. It is safe for
// concurrent use, though turns are serialized.
type Assistant struct {
	service   *cdr.Service
	chat      Chatter
	watchlist watchlist.Watchlist
	opts      Options
	now       func() time.Time

	mu      sync.Mutex
	history []llm.Message
}

// New creates an Assistant. A nil service or chat makes ProcessQuery answer
// with the matching configuration message; a nil watchlist keeps every call.
func New(service *cdr.Service, chat Chatter, wl watchlist.Watchlist, opts Options) *Assistant {
	if opts.Lookback <= 0 {
		opts.Lookback = cdr.DefaultLookback
	}
	if opts.FetchLimit <= 0 {
		opts.FetchLimit = 100
	}
	if opts.MaxContextRecords <= 0 {
		opts.MaxContextRecords = cdr.DefaultContextRecords
	}
	return &Assistant{
		service:   service,
		chat:      chat,
		watchlist: wl,
		opts:      opts,
		now:       time.Now,
		history:   []llm.Message{},
	}
}

// ProcessQuery answers query using calls from the configured lookback
// window. Missing Graph or model configuration is reported as the answer
// rather than as an error.
func (a *Assistant) ProcessQuery(ctx context.Context, query string) (string, error) {
	logging.InfoWithContext(ctx, "Processing query: %s", query)

	if a.service == nil {
		return GraphNotConfiguredMessage, nil
	}
	if a.chat == nil {
		return LLMNotConfiguredMessage, nil
	}

	callContext, err := a.BuildContext(ctx)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	history := make([]llm.Message, len(a.history))
	copy(history, a.history)

	response, err := a.chat.Chat(ctx, query, callContext, history, nil)
	if err != nil {
		logging.ErrorWithContext(ctx, "Chat request failed: %v", err)
		return "", fmt.Errorf("failed to get a response: %w", err)
	}

	a.history = append(a.history,
		llm.Message{Role: llm.RoleUser, Content: query},
		llm.Message{Role: llm.RoleAssistant, Content: response},
	)
	return response, nil
}

// BuildContext fetches the recent calls, applies the watchlist and renders
// them with summary statistics
func (a *Assistant) BuildContext(ctx context.Context) (string, error) {
	end := a.now().UTC()
	start := end.Add(-a.opts.Lookback)

	records, err := a.service.GetCallRecords(ctx, &start, &end, a.opts.FetchLimit)
	if err != nil {
		logging.ErrorWithContext(ctx, "Failed to fetch call records: %v", err)
		return "", fmt.Errorf("unable to fetch call records: %w", err)
	}

	if a.watchlist != nil && a.watchlist.Enabled() {
		before := len(records)
		records = a.watchlist.Filter(records)
		logging.DebugWithContext(ctx, "Watchlist kept %d of %d call records", len(records), before)
	}

	var summary *cdr.Summary
	if len(records) > 0 {
		s := cdr.Summarize(records)
		summary = &s
	}
	return cdr.FormatContext(records, summary, a.opts.MaxContextRecords), nil
}

// History returns a copy of the conversation so far
func (a *Assistant) History() []llm.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	result := make([]llm.Message, len(a.history))
	copy(result, a.history)
	return result
}

// ClearHistory forgets the conversation
func (a *Assistant) ClearHistory() {
	a.mu.Lock()
	a.history = []llm.Message{}
	a.mu.Unlock()
	logging.Info("Conversation history cleared")
}

// ReloadWatchlist rereads the watched users file and returns the number of
// entries now loaded. Without a watchlist it returns 0.
func (a *Assistant) ReloadWatchlist() (int, error) {
	if a.watchlist == nil || !a.watchlist.Enabled() {
		return 0, nil
	}
	if err := a.watchlist.Reload(); err != nil {
		return 0, fmt.Errorf("failed to reload watchlist: %w", err)
	}
	return a.watchlist.Stats().TotalEntries, nil
}
