// Package llm provides a chat-completion client for OpenAI and Azure OpenAI
// used to answer questions about call records
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/curtbushko/teams-cdr/internal/config"
	"github.com/curtbushko/teams-cdr/internal/httpclient"
	"github.com/curtbushko/teams-cdr/internal/logging"
)

// DefaultSystemPrompt frames the model as a Teams call record analyst
const DefaultSystemPrompt = `You are a helpful assistant that analyzes Microsoft Teams call records.
Your role is to help users understand their Teams call data by:
- Answering questions about call patterns and statistics
- Summarizing call activity for users or time periods
- Identifying trends in call duration, frequency, and quality
- Explaining call quality metrics and their implications

When analyzing call data:
- Be specific with numbers and dates
- Highlight important patterns or anomalies
- Provide actionable insights when relevant
- Format responses clearly with bullet points or tables when appropriate`

// ErrNotConfigured is returned when no provider credentials are set
var ErrNotConfigured = errors.New("language model API key not configured")

// ErrEmptyResponse is returned when the provider sends no choices
var ErrEmptyResponse = errors.New("empty chat completion response")

// Role values for Message
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// APIError is the error object returned by OpenAI-compatible APIs
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("llm API error %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("llm API error %d: %s", e.Status, e.Message)
}

// HTTPStatus returns the response status code
func (e *APIError) HTTPStatus() int {
	return e.Status
}

// ParseError decodes an OpenAI error envelope; it returns nil for other bodies
func ParseError(statusCode int, body []byte) error {
	var envelope struct {
		Error *struct {
			Message string          `json:"message"`
			Type    string          `json:"type"`
			Code    json.RawMessage `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error == nil || envelope.Error.Message == "" {
		return nil
	}
	apiErr := &APIError{
		Message: envelope.Error.Message,
		Type:    envelope.Error.Type,
		Status:  statusCode,
	}
	// code is a string on OpenAI and sometimes a number or null on Azure
	var code string
	if json.Unmarshal(envelope.Error.Code, &code) == nil {
		apiErr.Code = code
	} else if len(envelope.Error.Code) > 0 && string(envelope.Error.Code) != "null" {
		apiErr.Code = string(envelope.Error.Code)
	}
	return apiErr
}

// Options overrides the configured sampling settings for one request
type Options struct {
	Temperature *float64
	MaxTokens   int
}

// Client sends chat-completion requests
type Client struct {
	httpClient   httpclient.Doer
	cfg          config.OpenAIConfig
	useAzure     bool
	systemPrompt string
}

// NewClient creates a client for cfg. useAzure selects the Azure OpenAI
// deployment endpoint and api-key header.
func NewClient(httpClient httpclient.Doer, cfg config.OpenAIConfig, useAzure bool) *Client {
	return &Client{
		httpClient:   httpClient,
		cfg:          cfg,
		useAzure:     useAzure,
		systemPrompt: DefaultSystemPrompt,
	}
}

// NewClientFromConfig wires the retry client for the configured provider
func NewClientFromConfig(cfg *config.Config) (*Client, error) {
	if !cfg.LLMConfigured() {
		return nil, ErrNotConfigured
	}
	httpCfg := httpclient.ConfigFromHTTPConfig(cfg.HTTP)
	httpCfg.ErrorParser = ParseError
	// completions are slow compared to Graph reads
	if httpCfg.Timeout < 120*time.Second {
		httpCfg.Timeout = 120 * time.Second
	}
	return NewClient(httpclient.New(httpCfg), cfg.OpenAI, cfg.AzureOpenAIConfigured()), nil
}

// WithSystemPrompt returns a copy of c using prompt
func (c *Client) WithSystemPrompt(prompt string) *Client {
	clone := *c
	clone.systemPrompt = prompt
	return &clone
}

// Model returns the configured model or Azure deployment name
func (c *Client) Model() string {
	return c.cfg.Model
}

// Endpoint returns the chat completions URL for the configured provider
func (c *Client) Endpoint() string {
	if c.useAzure {
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			strings.TrimRight(c.cfg.AzureEndpoint, "/"),
			url.PathEscape(c.cfg.Model),
			url.QueryEscape(c.cfg.AzureAPIVersion))
	}
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
}

// BuildMessages assembles the system prompt, prior history and the user
// message. Non-empty callContext is prepended to the question.
func (c *Client) BuildMessages(message, callContext string, history []Message) []Message {
	messages := make([]Message, 0, len(history)+2)
	messages = append(messages, Message{Role: RoleSystem, Content: c.systemPrompt})
	messages = append(messages, history...)

	content := message
	if callContext != "" {
		content = fmt.Sprintf("Call Record Data:\n%s\n\nQuestion: %s", callContext, message)
	}
	return append(messages, Message{Role: RoleUser, Content: content})
}

type completionRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Chat sends message with optional call context and history and returns the
// model's reply
func (c *Client) Chat(ctx context.Context, message, callContext string, history []Message, opts *Options) (string, error) {
	payload := completionRequest{
		Messages:    c.BuildMessages(message, callContext, history),
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	if !c.useAzure {
		payload.Model = c.cfg.Model
	}
	if opts != nil {
		if opts.Temperature != nil {
			payload.Temperature = *opts.Temperature
		}
		if opts.MaxTokens > 0 {
			payload.MaxTokens = opts.MaxTokens
		}
	}

	buf, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint(), bytes.NewReader(buf))
	if err != nil {
		return "", fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.useAzure {
		req.Header.Set("api-key", c.cfg.AzureAPIKey)
	} else if strings.TrimSpace(c.cfg.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	logging.DebugWithContext(ctx, "Sending chat request with %d messages", len(payload.Messages))
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	var wrapper completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(wrapper.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	content := wrapper.Choices[0].Message.Content
	logging.LogPerformance(logging.PerformanceMetrics{
		Operation: "llm.chat",
		Duration:  time.Since(start),
		Success:   true,
		Metadata:  map[string]interface{}{"model": c.cfg.Model, "response_chars": len(content)},
	})
	return content, nil
}

// QueryCalls answers a question about the call data in callContext
func (c *Client) QueryCalls(ctx context.Context, question, callContext string) (string, error) {
	return c.Chat(ctx, question, callContext, nil, nil)
}

// SummarizeCalls asks for a narrative summary of callSummaries. timePeriod,
// when set, describes the window, e.g. "last week".
func (c *Client) SummarizeCalls(ctx context.Context, callSummaries []string, timePeriod string) (string, error) {
	periodText := ""
	if timePeriod != "" {
		periodText = " for " + timePeriod
	}
	prompt := fmt.Sprintf(`Please provide a comprehensive summary of the following Teams call activity%s.

Include:
1. Total number of calls
2. Types of calls (meetings, peer-to-peer, etc.)
3. Key participants
4. Average call duration
5. Any notable patterns or observations

Call Records:
%s`, periodText, strings.Join(callSummaries, "\n\n"))

	return c.Chat(ctx, prompt, "", nil, nil)
}

// AnalyzeCallQuality asks for an assessment of qualityData with
// recommendations
func (c *Client) AnalyzeCallQuality(ctx context.Context, qualityData string) (string, error) {
	prompt := fmt.Sprintf(`Analyze the following Microsoft Teams call quality metrics and provide insights:

%s

Please include:
1. Overall quality assessment
2. Any concerning metrics
3. Potential causes for quality issues
4. Recommendations for improvement`, qualityData)

	return c.Chat(ctx, prompt, "", nil, nil)
}
