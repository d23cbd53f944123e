// Package graph provides Microsoft Graph authentication and the call
// records API client
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/curtbushko/teams-cdr/internal/config"
	"github.com/curtbushko/teams-cdr/internal/logging"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultScope requests every application permission granted to the app
const DefaultScope = "https://graph.microsoft.com/.default"

// RoleCallRecordsRead is the application permission needed to list call records
const RoleCallRecordsRead = "CallRecords.Read.All"

// ErrNotConfigured is returned when Graph credentials are missing
var ErrNotConfigured = errors.New("microsoft graph credentials not configured")

// AccessToken represents an OAuth access token with metadata
type AccessToken struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int       `json:"expires_in"`
	ExpiresAt   time.Time `json:"-"`
}

// IsExpired returns true if the token is expired or will expire within the buffer time
func (t *AccessToken) IsExpired(buffer time.Duration) bool {
	return time.Now().Add(buffer).After(t.ExpiresAt)
}

// tokenResponse is the Microsoft identity platform token endpoint payload
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int    `json:"expires_in"`
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// AuthError represents authentication-related errors
type AuthError struct {
	Type   string
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth error %s: %s (%v)", e.Type, e.Reason, e.Err)
	}
	return fmt.Sprintf("auth error %s: %s", e.Type, e.Reason)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// ClientCredentialsAuth obtains app-only tokens with the OAuth 2.0 client
// credentials grant against Microsoft Entra ID
type ClientCredentialsAuth struct {
	config config.GraphConfig
	client *http.Client

	mu          sync.Mutex
	cachedToken *AccessToken
}

// NewClientCredentialsAuth creates an authenticator for cfg
func NewClientCredentialsAuth(cfg config.GraphConfig) *ClientCredentialsAuth {
	return &ClientCredentialsAuth{
		config: cfg,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// TokenURL returns the tenant token endpoint
func (a *ClientCredentialsAuth) TokenURL() string {
	return fmt.Sprintf("%s/%s/oauth2/v2.0/token", strings.TrimSuffix(a.config.AuthorityURL, "/"), url.PathEscape(a.config.TenantID))
}

// GetAccessToken returns a cached token, or requests a new one when the
// cached token expires within five minutes
func (a *ClientCredentialsAuth) GetAccessToken(ctx context.Context) (*AccessToken, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cachedToken != nil && !a.cachedToken.IsExpired(5*time.Minute) {
		return a.cachedToken, nil
	}

	if a.config.TenantID == "" || a.config.ClientID == "" || a.config.ClientSecret == "" {
		return nil, &AuthError{
			Type:   "configuration",
			Reason: "tenant_id, client_id and client_secret are required",
			Err:    ErrNotConfigured,
		}
	}

	data := url.Values{}
	data.Set("grant_type", "client_credentials")
	data.Set("client_id", a.config.ClientID)
	data.Set("client_secret", a.config.ClientSecret)
	data.Set("scope", DefaultScope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.TokenURL(), strings.NewReader(data.Encode()))
	if err != nil {
		return nil, &AuthError{
			Type:   "request_creation",
			Reason: "failed to create token request",
			Err:    err,
		}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &AuthError{
			Type:   "request_failed",
			Reason: "failed to get access token",
			Err:    err,
		}
	}
	defer resp.Body.Close()

	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &AuthError{
			Type:   "response_parsing",
			Reason: "failed to parse token response",
			Err:    err,
		}
	}

	if payload.Error != "" {
		return nil, &AuthError{
			Type:   payload.Error,
			Reason: payload.ErrorDescription,
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &AuthError{
			Type:   "http_error",
			Reason: fmt.Sprintf("HTTP %d", resp.StatusCode),
		}
	}
	if payload.AccessToken == "" {
		return nil, &AuthError{
			Type:   "response_parsing",
			Reason: "token response has no access_token",
		}
	}

	if payload.TokenType == "" {
		payload.TokenType = "Bearer"
	}
	token := &AccessToken{
		AccessToken: payload.AccessToken,
		TokenType:   payload.TokenType,
		ExpiresIn:   payload.ExpiresIn,
		ExpiresAt:   time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}

	logging.DebugWithContext(ctx, "Obtained Graph access token, expires at %s", token.ExpiresAt.Format(time.RFC3339))
	a.cachedToken = token
	return token, nil
}

// AuthorizationHeader implements httpclient.TokenSource
func (a *ClientCredentialsAuth) AuthorizationHeader(ctx context.Context) (string, error) {
	token, err := a.GetAccessToken(ctx)
	if err != nil {
		return "", err
	}
	return token.TokenType + " " + token.AccessToken, nil
}

// TokenRoles returns the application roles in an access token. The
// signature is not verified; Graph does that on every request.
func TokenRoles(token *AccessToken) ([]string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token.AccessToken, claims); err != nil {
		return nil, &AuthError{
			Type:   "token_parsing",
			Reason: "access token is not a JWT",
			Err:    err,
		}
	}

	raw, ok := claims["roles"].([]interface{})
	if !ok {
		return nil, nil
	}
	roles := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			roles = append(roles, s)
		}
	}
	return roles, nil
}

// ValidateRoles checks that the token grants every required application role
func ValidateRoles(token *AccessToken, requiredRoles []string) error {
	if len(requiredRoles) == 0 {
		return nil
	}

	roles, err := TokenRoles(token)
	if err != nil {
		return err
	}

	granted := make(map[string]bool, len(roles))
	for _, role := range roles {
		granted[role] = true
	}

	var missing []string
	for _, required := range requiredRoles {
		if !granted[required] {
			missing = append(missing, required)
		}
	}

	if len(missing) > 0 {
		return &AuthError{
			Type:   "insufficient_scope",
			Reason: fmt.Sprintf("missing required roles: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}
