// Package history is the request/response side of conversation sync: a
// stateless client for the REST API that lists threads, pages through
// message history, sends messages and records read state. Every call is
// independent and authenticated with the caller's bearer token.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/campaignhub/convsync/internal/chat"
	"github.com/campaignhub/convsync/internal/metrics"
)

// Message ordering for ListMessages.
const (
	OrderAsc  = "asc"
	OrderDesc = "desc"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 4 << 20

// Config holds history API connection settings.
type Config struct {
	BaseURL      string        // e.g. http://localhost:8080
	Token        string        // opaque bearer credential
	Timeout      time.Duration // per-request timeout
	MessageOrder string        // OrderAsc or OrderDesc
	PageSize     int           // default limit when the caller passes 0
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:      "http://localhost:8080",
		Timeout:      10 * time.Second,
		MessageOrder: OrderAsc,
		PageSize:     50,
	}
}

// Client performs history API calls. It holds no conversation state.
type Client struct {
	config Config
	http   *http.Client
}

// NewClient creates a history client. A nil httpClient gets a default client
// with the configured timeout.
func NewClient(config Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &Client{config: config, http: httpClient}
}

// ListThreadsOptions filters and pages a thread listing. Zero values mean
// "server default".
type ListThreadsOptions struct {
	Page       int
	Limit      int
	CampaignID string
}

type threadsResponse struct {
	Threads []chat.Thread `json:"threads"`
}

type messagesResponse struct {
	Messages []chat.Message `json:"messages"`
}

// ListThreads returns one page of the caller's threads, most recent first.
func (c *Client) ListThreads(ctx context.Context, opts ListThreadsOptions) ([]chat.Thread, error) {
	q := url.Values{}
	c.setPage(q, opts.Page, opts.Limit)
	if opts.CampaignID != "" {
		q.Set("campaignId", opts.CampaignID)
	}

	var resp threadsResponse
	if err := c.do(ctx, "list_threads", http.MethodGet, "/api/threads", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Threads, nil
}

// ListMessages returns one page of a thread's messages in the configured
// order.
func (c *Client) ListMessages(ctx context.Context, threadID string, page, limit int) ([]chat.Message, error) {
	q := url.Values{}
	c.setPage(q, page, limit)
	if c.config.MessageOrder != "" {
		q.Set("order", c.config.MessageOrder)
	}

	var resp messagesResponse
	path := "/api/threads/" + url.PathEscape(threadID) + "/messages"
	if err := c.do(ctx, "list_messages", http.MethodGet, path, q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// GetThread fetches one thread by id.
func (c *Client) GetThread(ctx context.Context, threadID string) (*chat.Thread, error) {
	var t chat.Thread
	path := "/api/threads/" + url.PathEscape(threadID)
	if err := c.do(ctx, "get_thread", http.MethodGet, path, nil, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ThreadForCampaign returns the caller's thread for a campaign. It returns
// nil, nil when no thread exists yet: a 404, an empty or null body, and a
// body that does not parse as a thread all mean "none".
func (c *Client) ThreadForCampaign(ctx context.Context, campaignID string) (*chat.Thread, error) {
	path := "/api/campaigns/" + url.PathEscape(campaignID) + "/thread"

	var raw json.RawMessage
	err := c.do(ctx, "thread_for_campaign", http.MethodGet, path, nil, nil, &raw)
	if IsStatus(err, http.StatusNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var t chat.Thread
	if err := json.Unmarshal(trimmed, &t); err != nil || t.ID == "" {
		log.Printf("[history] campaign=%s: unreadable thread response treated as none", campaignID)
		return nil, nil
	}
	return &t, nil
}

// CreateThread opens a thread for a campaign with the caller as one
// participant.
func (c *Client) CreateThread(ctx context.Context, campaignID string) (*chat.Thread, error) {
	body := map[string]string{"campaignId": campaignID}
	var t chat.Thread
	if err := c.do(ctx, "create_thread", http.MethodPost, "/api/threads", nil, body, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// SendMessage persists a message and returns the server's canonical copy,
// including its server-assigned id.
func (c *Client) SendMessage(ctx context.Context, threadID, content string) (*chat.Message, error) {
	body := map[string]string{"content": content}
	var m chat.Message
	path := "/api/threads/" + url.PathEscape(threadID) + "/messages"
	if err := c.do(ctx, "send_message", http.MethodPost, path, nil, body, &m); err != nil {
		return nil, err
	}
	if m.ID == "" {
		return nil, fmt.Errorf("history: send_message: %w: missing message id", ErrMalformedResponse)
	}
	return &m, nil
}

// MarkMessageRead acknowledges a single message.
func (c *Client) MarkMessageRead(ctx context.Context, messageID string) error {
	path := "/api/messages/" + url.PathEscape(messageID) + "/read"
	return c.do(ctx, "mark_message_read", http.MethodPost, path, nil, nil, nil)
}

// MarkThreadRead acknowledges every message in a thread.
func (c *Client) MarkThreadRead(ctx context.Context, threadID string) error {
	path := "/api/threads/" + url.PathEscape(threadID) + "/read"
	return c.do(ctx, "mark_thread_read", http.MethodPost, path, nil, nil, nil)
}

func (c *Client) setPage(q url.Values, page, limit int) {
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit <= 0 {
		limit = c.config.PageSize
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
}

// do performs one request. A nil out discards the response body.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.HistoryRequestDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
	}()

	u := c.config.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("history: %s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("history: %s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("history: %s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("history: %s: read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Op: op, StatusCode: resp.StatusCode}
		// Best effort: servers that do not send a JSON error body still
		// produce an APIError with the status text.
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}

	if out == nil {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("history: %s: %w: %v", op, ErrMalformedResponse, err)
	}
	return nil
}
