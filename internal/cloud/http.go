package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cloudwipe/internal/domain"
)

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type httpClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func (c *httpClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	client := c.HTTPClient
	if client == nil {
		timeout := c.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}

// ResourceClient talks to the remote resource-management API.
type ResourceClient struct {
	httpClient
}

func NewResourceClient(baseURL, token string) *ResourceClient {
	return &ResourceClient{httpClient{BaseURL: baseURL, Token: token}}
}

func (c *ResourceClient) List(ctx context.Context, scope domain.ResetScope) ([]domain.Object, error) {
	q := url.Values{}
	q.Set("level", string(scope.Level))
	q.Set("tenant_id", scope.TenantID)
	for _, sub := range scope.SubscriptionIDs {
		q.Add("subscription_id", sub)
	}
	for _, rg := range scope.ResourceGroupNames {
		q.Add("resource_group", rg)
	}
	if scope.ResourceID != "" {
		q.Set("resource_id", scope.ResourceID)
	}
	var out []domain.Object
	err := c.do(ctx, http.MethodGet, "/objects?"+q.Encode(), nil, &out)
	return out, err
}

func (c *ResourceClient) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/objects/"+url.PathEscape(id), nil, nil)
}

func (c *ResourceClient) GroupExists(ctx context.Context, subscriptionID, groupName string) (bool, error) {
	err := c.do(ctx, http.MethodGet,
		"/subscriptions/"+url.PathEscape(subscriptionID)+"/resourceGroups/"+url.PathEscape(groupName), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DirectoryClient talks to the remote identity directory.
type DirectoryClient struct {
	httpClient
}

func NewDirectoryClient(baseURL, token string) *DirectoryClient {
	return &DirectoryClient{httpClient{BaseURL: baseURL, Token: token}}
}

func (c *DirectoryClient) ListUsers(ctx context.Context) ([]domain.Object, error) {
	return c.list(ctx, "/users")
}

func (c *DirectoryClient) ListGroups(ctx context.Context) ([]domain.Object, error) {
	return c.list(ctx, "/groups")
}

func (c *DirectoryClient) ListServicePrincipals(ctx context.Context) ([]domain.Object, error) {
	return c.list(ctx, "/servicePrincipals")
}

func (c *DirectoryClient) list(ctx context.Context, path string) ([]domain.Object, error) {
	var out []domain.Object
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *DirectoryClient) GetServicePrincipalByAppID(ctx context.Context, appID string) (domain.IdentityFingerprint, error) {
	var out domain.IdentityFingerprint
	err := c.do(ctx, http.MethodGet, "/servicePrincipals?app_id="+url.QueryEscape(appID), nil, &out)
	return out, err
}

func (c *DirectoryClient) ListRoleAssignments(ctx context.Context, principalID string) ([]domain.Object, error) {
	var out []domain.Object
	err := c.do(ctx, http.MethodGet, "/roleAssignments?principal_id="+url.QueryEscape(principalID), nil, &out)
	return out, err
}

func (c *DirectoryClient) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/objects/"+url.PathEscape(id), nil, nil)
}

// GraphClient removes mirrored entries for deleted objects.
type GraphClient struct {
	httpClient
}

func NewGraphClient(baseURL, token string) *GraphClient {
	return &GraphClient{httpClient{BaseURL: baseURL, Token: token}}
}

func (c *GraphClient) DeleteWhere(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPost, "/mirror/cleanup", map[string]any{"ids": ids}, nil)
}
