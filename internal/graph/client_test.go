package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/curtbushko/teams-cdr/internal/cdr"
	"github.com/curtbushko/teams-cdr/internal/config"
	"github.com/curtbushko/teams-cdr/internal/httpclient"
)

func newTestClient(server *httptest.Server, pageSize int) *Client {
	retry := httpclient.New(httpclient.Config{
		Timeout:      5 * time.Second,
		MaxRetries:   1,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
		ErrorParser:  ParseError,
	})
	return NewClient(retry, server.URL+"/v1.0", pageSize)
}

func TestCallRecordsFilter(t *testing.T) {
	from := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 22, 10, 0, 0, 0, time.FixedZone("EST", -5*3600))

	tests := []struct {
		name     string
		query    cdr.Query
		expected string
	}{
		{name: "empty", query: cdr.Query{}, expected: ""},
		{name: "from only", query: cdr.Query{From: &from}, expected: "startDateTime ge 2024-01-15T10:00:00Z"},
		{name: "both bounds in UTC", query: cdr.Query{From: &from, To: &to}, expected: "startDateTime ge 2024-01-15T10:00:00Z and startDateTime le 2024-01-22T15:00:00Z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CallRecordsFilter(tt.query); got != tt.expected {
				t.Errorf("CallRecordsFilter() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestListCallRecordsPaging(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1.0/communications/callRecords" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		switch r.URL.Query().Get("page") {
		case "":
			if top := r.URL.Query().Get("$top"); top != "2" {
				t.Errorf("Expected $top=2, got %s", top)
			}
			if filter := r.URL.Query().Get("$filter"); !strings.HasPrefix(filter, "startDateTime ge ") {
				t.Errorf("Unexpected $filter %q", filter)
			}
			fmt.Fprintf(w, `{"value":[{"id":"a"},{"id":"b"}],"@odata.nextLink":"%s/v1.0/communications/callRecords?page=2"}`, server.URL)
		case "2":
			fmt.Fprintf(w, `{"value":[{"id":"c"},{"id":"d"}],"@odata.nextLink":"%s/v1.0/communications/callRecords?page=3"}`, server.URL)
		default:
			w.Write([]byte(`{"value":[{"id":"e"}]}`))
		}
	}))
	defer server.Close()

	client := newTestClient(server, 2)
	from := time.Now().Add(-24 * time.Hour)

	t.Run("all pages", func(t *testing.T) {
		records, err := client.ListCallRecords(context.Background(), cdr.Query{From: &from})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if len(records) != 5 {
			t.Fatalf("Expected 5 records, got %d", len(records))
		}
		if records[4]["id"] != "e" {
			t.Errorf("Unexpected last record %v", records[4])
		}
	})

	t.Run("limit stops paging", func(t *testing.T) {
		records, err := client.ListCallRecords(context.Background(), cdr.Query{From: &from, Limit: 3})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if len(records) != 3 {
			t.Fatalf("Expected 3 records, got %d", len(records))
		}
	})
}

func TestListCallRecordsEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"value":[]}`))
	}))
	defer server.Close()

	records, err := newTestClient(server, 50).ListCallRecords(context.Background(), cdr.Query{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if records == nil || len(records) != 0 {
		t.Errorf("Expected empty non-nil slice, got %v", records)
	}
}

func TestGetCallRecordAndSessions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1.0/communications/callRecords/call-1":
			w.Write([]byte(`{"id":"call-1","type":"groupCall","startDateTime":"2024-01-15T10:00:00Z","endDateTime":"2024-01-15T10:30:00Z"}`))
		case "/v1.0/communications/callRecords/call-1/sessions":
			if r.URL.Query().Get("$expand") != "segments" {
				t.Errorf("Expected segments expansion")
			}
			w.Write([]byte(`{"value":[{"id":"s1","modalities":["audio"]},{"id":"s2","modalities":["video"]}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"code":"NotFound","message":"not found"}}`))
		}
	}))
	defer server.Close()

	client := newTestClient(server, 50)

	raw, err := client.GetCallRecord(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	record := cdr.ParseCallRecord(raw)
	if record.ID != "call-1" || record.CallType != cdr.CallTypeGroupCall {
		t.Errorf("Unexpected record %+v", record)
	}

	sessions, err := client.ListSessions(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("Expected 2 sessions, got %d", len(sessions))
	}

	_, err = client.GetCallRecord(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected APIError, got %T: %v", err, err)
	}
	if apiErr.Status != 404 || apiErr.Code != "NotFound" {
		t.Errorf("Unexpected APIError %+v", apiErr)
	}
}

func TestSearchUsers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		expected := "startswith(displayName,'O''Brien') or startswith(mail,'O''Brien')"
		if query.Get("$filter") != expected {
			t.Errorf("Expected filter %q, got %q", expected, query.Get("$filter"))
		}
		if query.Get("$top") != "10" {
			t.Errorf("Expected $top=10, got %s", query.Get("$top"))
		}
		w.Write([]byte(`{"value":[{"id":"u1","displayName":"Pat O'Brien","mail":"pat@contoso.com","userPrincipalName":"pat@contoso.com"}]}`))
	}))
	defer server.Close()

	users, err := newTestClient(server, 50).SearchUsers(context.Background(), "O'Brien")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(users) != 1 || users[0].DisplayName != "Pat O'Brien" {
		t.Errorf("Unexpected users %+v", users)
	}
	if users[0].Mail == nil || *users[0].Mail != "pat@contoso.com" {
		t.Errorf("Expected mail to be set")
	}
}

func TestGetUser(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1.0/users/alice@contoso.com" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"id":"u-alice","displayName":"Alice","userPrincipalName":"alice@contoso.com","mail":null}`))
	}))
	defer server.Close()

	user, err := newTestClient(server, 50).GetUser(context.Background(), "alice@contoso.com")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if user.ID != "u-alice" || user.Mail != nil {
		t.Errorf("Unexpected user %+v", user)
	}
}

func TestParseError(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantNil bool
	}{
		{name: "graph envelope", body: `{"error":{"code":"Authorization_RequestDenied","message":"Insufficient privileges"}}`},
		{name: "empty body", body: ``, wantNil: true},
		{name: "other json", body: `{"message":"x"}`, wantNil: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ParseError(403, []byte(tt.body))
			if tt.wantNil != (err == nil) {
				t.Errorf("ParseError() = %v, wantNil %t", err, tt.wantNil)
			}
		})
	}
}

func TestClientUsesAuthentication(t *testing.T) {
	var sawAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("/tenant-1/oauth2/v2.0/token", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"token_type":"Bearer","expires_in":3600,"access_token":"graph-token"}`))
	})
	mux.HandleFunc("/v1.0/communications/callRecords", func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"value":[]}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := &config.Config{
		Graph: config.GraphConfig{
			TenantID:     "tenant-1",
			ClientID:     "client-1",
			ClientSecret: "secret-1",
			BaseURL:      server.URL,
			APIVersion:   "v1.0",
			AuthorityURL: server.URL,
			PageSize:     50,
		},
		HTTP: config.HTTPConfig{RetryAttempts: 0, TimeoutSeconds: 5},
	}
	client, err := NewClientFromConfig(cfg)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := client.ListCallRecords(context.Background(), cdr.Query{}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if sawAuth != "Bearer graph-token" {
		t.Errorf("Expected bearer token, got %q", sawAuth)
	}
}

func TestNewClientFromConfigNotConfigured(t *testing.T) {
	_, err := NewClientFromConfig(&config.Config{})
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Expected ErrNotConfigured, got %v", err)
	}
}
