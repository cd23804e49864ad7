// Package runtime implements the HTTP client for external assistant services.
// Assistants live on those services; the workbench calls out to them to
// create/delete assistant instances, connect/disconnect conversations, and
// fetch exported state streams.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Error is a failed assistant service call. StatusCode is 0 when the call
// never reached the service.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("assistant service call failed: %s", e.Message)
	}
	return fmt.Sprintf("assistant service returned %d: %s", e.StatusCode, e.Message)
}

// AssistantDefinition is the payload sent when creating or updating an
// assistant instance on its service.
type AssistantDefinition struct {
	ID         uuid.UUID              `json:"id"`
	Name       string                 `json:"name"`
	TemplateID string                 `json:"templateId"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Client talks to one assistant service. Acknowledgement calls run under
// callTimeout. Exported-data streams are bounded to the response header by the
// same timeout; reading the body is left unbounded so large states can stream.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	callTimeout time.Duration
}

// NewClient creates a client for the assistant service at baseURL.
func NewClient(baseURL string, callTimeout time.Duration) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = callTimeout
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Transport: transport},
		callTimeout: callTimeout,
	}
}

func (c *Client) url(parts ...string) string {
	return c.baseURL + "/" + strings.Join(parts, "/")
}

// do runs an acknowledgement request under the call timeout and drains the
// response body.
func (c *Client) do(ctx context.Context, method, url string, body io.Reader, contentType string) error {
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return &Error{Message: err.Error()}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// PutAssistant creates or updates the assistant instance on its service. When
// exported is non-nil, the assistant's previously exported state is uploaded
// after the instance exists so the service can restore it.
func (c *Client) PutAssistant(ctx context.Context, def AssistantDefinition, exported io.Reader) error {
	payload, err := json.Marshal(def)
	if err != nil {
		return &Error{Message: err.Error()}
	}
	if err := c.do(ctx, http.MethodPut, c.url("v1", "assistants", def.ID.String()), bytes.NewReader(payload), "application/json"); err != nil {
		return err
	}
	if exported != nil {
		return c.do(ctx, http.MethodPut, c.url("v1", "assistants", def.ID.String(), "data"), exported, "application/octet-stream")
	}
	return nil
}

// DeleteAssistant removes the assistant instance. A 404 means the instance is
// already gone and is treated as success.
func (c *Client) DeleteAssistant(ctx context.Context, assistantID uuid.UUID) error {
	err := c.do(ctx, http.MethodDelete, c.url("v1", "assistants", assistantID.String()), nil, "")
	var re *Error
	if errors.As(err, &re) && re.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// PutConversation connects the assistant to a conversation. When exported is
// non-nil, the per-conversation state stream is uploaded after the connection
// is established.
func (c *Client) PutConversation(ctx context.Context, assistantID, conversationID uuid.UUID, exported io.Reader) error {
	if err := c.do(ctx, http.MethodPut, c.url("v1", "assistants", assistantID.String(), "conversations", conversationID.String()), nil, ""); err != nil {
		return err
	}
	if exported != nil {
		return c.do(ctx, http.MethodPut, c.url("v1", "assistants", assistantID.String(), "conversations", conversationID.String(), "data"), exported, "application/octet-stream")
	}
	return nil
}

// DeleteConversation disconnects the assistant from a conversation. A 404
// means the connection never existed or is already gone; both count as done.
func (c *Client) DeleteConversation(ctx context.Context, assistantID, conversationID uuid.UUID) error {
	err := c.do(ctx, http.MethodDelete, c.url("v1", "assistants", assistantID.String(), "conversations", conversationID.String()), nil, "")
	var re *Error
	if errors.As(err, &re) && re.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// get opens a streaming GET. The caller owns the returned body.
func (c *Client) get(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Message: err.Error()}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Message: err.Error()}
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &Error{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp.Body, nil
}

// GetExportedData streams the assistant's exported state.
func (c *Client) GetExportedData(ctx context.Context, assistantID uuid.UUID) (io.ReadCloser, error) {
	return c.get(ctx, c.url("v1", "assistants", assistantID.String(), "export-data"))
}

// GetExportedConversationData streams the assistant's exported state for one
// conversation.
func (c *Client) GetExportedConversationData(ctx context.Context, assistantID, conversationID uuid.UUID) (io.ReadCloser, error) {
	return c.get(ctx, c.url("v1", "assistants", assistantID.String(), "conversations", conversationID.String(), "export-data"))
}
