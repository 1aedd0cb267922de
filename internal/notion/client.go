package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL    = "https://api.notion.com"
	DefaultAPIVersion = "2022-06-28"
	MaxPageSize       = 100
)

type AccessTokenProvider func(ctx context.Context) (string, error)

// StaticToken returns a provider that always yields token.
func StaticToken(token string) AccessTokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

type ClientOptions struct {
	BaseURL       string
	TokenProvider AccessTokenProvider
	HTTPClient    *http.Client
	APIVersion    string
	UserAgent     string
}

// Client talks to the Notion REST API. It performs exactly one HTTP request
// per call; throttling is surfaced as an *APIError matching ErrRateLimited and
// left to the caller's retry policy.
type Client struct {
	baseURL       string
	tokenProvider AccessTokenProvider
	httpClient    *http.Client
	apiVersion    string
	userAgent     string
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	return &Client{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		apiVersion:    apiVersion,
		userAgent:     strings.TrimSpace(opts.UserAgent),
	}
}

func (c *Client) QueryDatabase(ctx context.Context, databaseID string, req QueryRequest) (QueryResult, error) {
	if strings.TrimSpace(databaseID) == "" {
		return QueryResult{}, fmt.Errorf("%w: database id is required", ErrInvalidInput)
	}
	body := map[string]any{
		"page_size": clampPageSize(req.PageSize),
	}
	if req.StartCursor != "" {
		body["start_cursor"] = req.StartCursor
	}
	if req.Filter != nil {
		body["filter"] = req.Filter
	}
	payload, err := c.doJSON(ctx, http.MethodPost, "/v1/databases/"+url.PathEscape(databaseID)+"/query", body)
	if err != nil {
		return QueryResult{}, err
	}
	return DecodeQueryResult(payload)
}

func (c *Client) RetrieveDatabase(ctx context.Context, databaseID string) (Schema, error) {
	if strings.TrimSpace(databaseID) == "" {
		return Schema{}, fmt.Errorf("%w: database id is required", ErrInvalidInput)
	}
	payload, err := c.doJSON(ctx, http.MethodGet, "/v1/databases/"+url.PathEscape(databaseID), nil)
	if err != nil {
		return Schema{}, err
	}
	return DecodeSchema(payload)
}

func (c *Client) UpdatePage(ctx context.Context, pageID string, props map[string]Property) error {
	if strings.TrimSpace(pageID) == "" {
		return fmt.Errorf("%w: page id is required", ErrInvalidInput)
	}
	encoded, err := EncodeProperties(props)
	if err != nil {
		return err
	}
	_, err = c.doJSON(ctx, http.MethodPatch, "/v1/pages/"+url.PathEscape(pageID), map[string]any{
		"properties": encoded,
	})
	return err
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("notion client is nil")
	}
	tokenProvider := c.tokenProvider
	if tokenProvider == nil {
		return nil, fmt.Errorf("notion token provider is required")
	}
	token, err := tokenProvider(ctx)
	if err != nil {
		return nil, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("notion token is empty")
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Notion-Version", c.apiVersion)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return respBody, nil
	}

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(respBody)),
	}
	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(respBody, &parsed) == nil {
		apiErr.Code = parsed.Code
		if strings.TrimSpace(parsed.Message) != "" {
			apiErr.Message = parsed.Message
		}
	}
	if apiErr.RateLimited() {
		apiErr.Wait = parseRetryAfterSeconds(resp.Header.Get("Retry-After"))
	}
	return nil, apiErr
}

func clampPageSize(size int) int {
	if size <= 0 || size > MaxPageSize {
		return MaxPageSize
	}
	return size
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
