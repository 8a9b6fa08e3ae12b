package cloudwipesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal cloudwipe HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// Scope selects what a reset touches; it mirrors the API's scope model.
type Scope struct {
	Level              string   `json:"level"`
	TenantID           string   `json:"tenant_id"`
	SubscriptionIDs    []string `json:"subscription_ids,omitempty"`
	ResourceGroupNames []string `json:"resource_group_names,omitempty"`
	ResourceID         string   `json:"resource_id,omitempty"`
}

// Object is one remote object in the preview listing.
type Object struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	DisplayName string `json:"display_name,omitempty"`
}

// Identity is the operating identity the reset will preserve.
type Identity struct {
	ID          string   `json:"id"`
	AppID       string   `json:"app_id"`
	DisplayName string   `json:"display_name"`
	Roles       []string `json:"roles,omitempty"`
}

// ScopePreview is the GET /scope response: a dry preview plus the
// confirmation token needed to execute.
type ScopePreview struct {
	Scope             Scope     `json:"scope"`
	Self              Identity  `json:"self"`
	ToDeleteCount     int       `json:"to_delete_count"`
	ToPreserveCount   int       `json:"to_preserve_count"`
	Preview           []Object  `json:"preview"`
	ConfirmationToken string    `json:"confirmation_token"`
	TokenExpiresAt    time.Time `json:"token_expires_at"`
}

// ExecuteResult is the POST /execute response.
type ExecuteResult struct {
	Status       string            `json:"status"`
	DeletedCount int               `json:"deleted_count"`
	FailedCount  int               `json:"failed_count"`
	Deleted      []string          `json:"deleted"`
	Failed       []string          `json:"failed"`
	Errors       map[string]string `json:"errors"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// GetScope previews a reset scope and returns the confirmation token
// bound to it.
func (c *Client) GetScope(ctx context.Context, s Scope) (ScopePreview, error) {
	q := url.Values{}
	q.Set("level", s.Level)
	q.Set("tenant_id", s.TenantID)
	for _, id := range s.SubscriptionIDs {
		q.Add("subscription_id", id)
	}
	for _, rg := range s.ResourceGroupNames {
		q.Add("resource_group", rg)
	}
	if s.ResourceID != "" {
		q.Set("resource_id", s.ResourceID)
	}
	var resp ScopePreview
	err := c.do(ctx, http.MethodGet, "v0/scope?"+q.Encode(), nil, &resp)
	return resp, err
}

// Execute redeems a confirmation token against the scope it was issued
// for and runs the reset.
func (c *Client) Execute(ctx context.Context, s Scope, confirmationToken string) (ExecuteResult, error) {
	body := map[string]any{
		"scope":              s,
		"confirmation_token": confirmationToken,
	}
	var resp ExecuteResult
	err := c.do(ctx, http.MethodPost, "v0/execute", body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
