package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/curtbushko/teams-cdr/internal/cdr"
	"github.com/curtbushko/teams-cdr/internal/config"
	"github.com/curtbushko/teams-cdr/internal/httpclient"
	"github.com/curtbushko/teams-cdr/internal/logging"
)

const (
	callRecordsPath = "/communications/callRecords"
	usersPath       = "/users"
	searchUsersTop  = 10
)

// APIError is the error object returned by Microsoft Graph
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("graph API error %d %s: %s", e.Status, e.Code, e.Message)
}

// HTTPStatus returns the response status code
func (e *APIError) HTTPStatus() int {
	return e.Status
}

// ParseError decodes a Graph error envelope; it returns nil for other bodies
func ParseError(statusCode int, body []byte) error {
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error == nil {
		return nil
	}
	if envelope.Error.Code == "" && envelope.Error.Message == "" {
		return nil
	}
	envelope.Error.Status = statusCode
	return envelope.Error
}

// User is the subset of a Graph user resource used for lookups
type User struct {
	ID                string  `json:"id"`
	DisplayName       string  `json:"displayName"`
	Mail              *string `json:"mail"`
	UserPrincipalName string  `json:"userPrincipalName"`
	JobTitle          *string `json:"jobTitle"`
}

// collection is a page of a Graph collection response
type collection[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

// Client reads call records and users from Microsoft Graph. It implements
// cdr.Source.
type Client struct {
	httpClient httpclient.Doer
	baseURL    string
	pageSize   int
}

// NewClient creates a Graph client. baseURL includes the API version, e.g.
// https://graph.microsoft.com/v1.0
func NewClient(httpClient httpclient.Doer, baseURL string, pageSize int) *Client {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		pageSize:   pageSize,
	}
}

// NewClientFromConfig wires client credentials auth and the retry client
func NewClientFromConfig(cfg *config.Config) (*Client, error) {
	if !cfg.GraphConfigured() {
		return nil, ErrNotConfigured
	}

	httpCfg := httpclient.ConfigFromHTTPConfig(cfg.HTTP)
	httpCfg.ErrorParser = ParseError
	retry := httpclient.New(httpCfg)

	auth := NewClientCredentialsAuth(cfg.Graph)
	authed := httpclient.NewAuthenticatedClient(retry, auth)

	return NewClient(authed, cfg.Graph.APIURL(), cfg.Graph.PageSize), nil
}

// FormatFilterTime renders t for an OData $filter on startDateTime
func FormatFilterTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// CallRecordsFilter builds the $filter expression for a query's time window
func CallRecordsFilter(query cdr.Query) string {
	var filters []string
	if query.From != nil {
		filters = append(filters, "startDateTime ge "+FormatFilterTime(*query.From))
	}
	if query.To != nil {
		filters = append(filters, "startDateTime le "+FormatFilterTime(*query.To))
	}
	return strings.Join(filters, " and ")
}

// ListCallRecords returns raw call records in the query window, following
// @odata.nextLink until query.Limit records are collected or pages run out
func (c *Client) ListCallRecords(ctx context.Context, query cdr.Query) ([]map[string]interface{}, error) {
	params := url.Values{}
	top := c.pageSize
	if query.Limit > 0 && query.Limit < top {
		top = query.Limit
	}
	params.Set("$top", strconv.Itoa(top))
	if filter := CallRecordsFilter(query); filter != "" {
		params.Set("$filter", filter)
	}

	logging.InfoWithContext(ctx, "Fetching call records with params: %s", params.Encode())

	start := time.Now()
	records, err := listAll[map[string]interface{}](ctx, c, c.baseURL+callRecordsPath+"?"+params.Encode(), query.Limit)
	logging.LogPerformance(logging.PerformanceMetrics{
		Operation: "graph.list_call_records",
		Duration:  time.Since(start),
		Records:   len(records),
		Success:   err == nil,
		Error:     errorString(err),
	})
	if err != nil {
		logging.ErrorWithContext(ctx, "Failed to fetch call records: %v", err)
		return nil, err
	}

	logging.InfoWithContext(ctx, "Retrieved %d call records", len(records))
	return records, nil
}

// GetCallRecord returns a single raw call record
func (c *Client) GetCallRecord(ctx context.Context, id string) (map[string]interface{}, error) {
	endpoint := fmt.Sprintf("%s%s/%s", c.baseURL, callRecordsPath, url.PathEscape(id))
	var record map[string]interface{}
	if err := c.getJSON(ctx, endpoint, &record); err != nil {
		return nil, err
	}
	return record, nil
}

// ListSessions returns all raw sessions of a call, including segments
func (c *Client) ListSessions(ctx context.Context, callID string) ([]map[string]interface{}, error) {
	endpoint := fmt.Sprintf("%s%s/%s/sessions?$expand=segments", c.baseURL, callRecordsPath, url.PathEscape(callID))
	return listAll[map[string]interface{}](ctx, c, endpoint, 0)
}

// GetUser returns a user by id or user principal name
func (c *Client) GetUser(ctx context.Context, idOrUPN string) (*User, error) {
	endpoint := fmt.Sprintf("%s%s/%s", c.baseURL, usersPath, url.PathEscape(idOrUPN))
	var user User
	if err := c.getJSON(ctx, endpoint, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// SearchUsers returns up to ten users whose display name or mail starts with query
func (c *Client) SearchUsers(ctx context.Context, query string) ([]User, error) {
	escaped := strings.ReplaceAll(query, "'", "''")
	params := url.Values{}
	params.Set("$filter", fmt.Sprintf("startswith(displayName,'%s') or startswith(mail,'%s')", escaped, escaped))
	params.Set("$top", strconv.Itoa(searchUsersTop))

	var page collection[User]
	if err := c.getJSON(ctx, c.baseURL+usersPath+"?"+params.Encode(), &page); err != nil {
		return nil, err
	}
	return page.Value, nil
}

// listAll walks a paged collection. limit <= 0 reads every page.
func listAll[T any](ctx context.Context, c *Client, endpoint string, limit int) ([]T, error) {
	var items []T
	next := endpoint
	for page := 1; next != ""; page++ {
		var result collection[T]
		if err := c.getJSON(ctx, next, &result); err != nil {
			return nil, fmt.Errorf("failed to fetch page %d: %w", page, err)
		}
		items = append(items, result.Value...)

		if limit > 0 && len(items) >= limit {
			return items[:limit], nil
		}
		next = result.NextLink
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
