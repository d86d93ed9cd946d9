package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/deskauth/pkg/logging"
)

// DefaultBaseURL is the Microsoft Graph v1.0 endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// DefaultMessagePageSize bounds the messages returned by Messages.
const DefaultMessagePageSize = 10

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 4 << 10

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("graph request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("graph request failed with status %d: %s", e.StatusCode, e.Body)
}

// IsUnauthorized reports whether err is a 401 from the API.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// Client makes bearer-authenticated GET requests against Graph.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for baseURL. An empty baseURL uses
// DefaultBaseURL and a nil httpClient gets a 30 second timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
	}
}

// BaseURL returns the API root requests are made against.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CallEndpointWithToken GETs endpoint with the access token and decodes the
// JSON response into out. A relative endpoint is resolved against the base
// URL. A nil out discards the body.
func (c *Client) CallEndpointWithToken(ctx context.Context, endpoint, token string, out any) error {
	if token == "" {
		return errors.New("access token is required")
	}

	target := endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		target = c.baseURL + "/" + strings.TrimPrefix(endpoint, "/")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	requestID := uuid.New().String()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("client-request-id", requestID)

	logging.Debug("Graph", "GET %s (request %s)", stripQuery(target), logging.TruncateID(requestID))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode graph response: %w", err)
	}
	return nil
}

// Me returns the signed-in user's profile.
func (c *Client) Me(ctx context.Context, token string) (*UserInfo, error) {
	var info UserInfo
	if err := c.CallEndpointWithToken(ctx, "/me", token, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Messages returns the most recent messages in the user's mailbox.
func (c *Client) Messages(ctx context.Context, token string) (*MailInfo, error) {
	return c.MessagesTop(ctx, token, DefaultMessagePageSize)
}

// MessagesTop returns up to top recent messages.
func (c *Client) MessagesTop(ctx context.Context, token string, top int) (*MailInfo, error) {
	q := url.Values{}
	if top > 0 {
		q.Set("$top", fmt.Sprint(top))
	}
	q.Set("$select", "id,subject,bodyPreview,receivedDateTime,isRead,from")

	var info MailInfo
	if err := c.CallEndpointWithToken(ctx, "/me/messages?"+q.Encode(), token, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func stripQuery(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
