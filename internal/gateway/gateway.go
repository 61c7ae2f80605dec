// Package gateway is the HTTP client for the field-service backend. The
// engine treats any gateway error as retryable unless it is classified as
// a rejection.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fieldworks/fieldsync/internal/models"
)

// Sentinel errors for response classes.
var (
	// ErrRejected marks a permanent server-side rejection: the action will
	// never succeed and must not be retried.
	ErrRejected = errors.New("rejected by server")

	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
)

// IsRejected reports whether err is a permanent rejection.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected) || errors.Is(err, ErrUnauthorized)
}

// Client talks to the backend. Every call takes a context; the orchestrator
// bounds each action upload with its own per-call timeout.
type Client struct {
	BaseURL  string
	APIKey   string
	DeviceID string
	HTTP     *http.Client
}

// New creates a gateway client with the default 10s call timeout.
func New(baseURL, apiKey, deviceID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		APIKey:   apiKey,
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: 10 * time.Second},
	}
}

// HealthURL returns the endpoint the connectivity probe pings.
func (c *Client) HealthURL() string {
	return c.BaseURL + "/healthz"
}

// FetchWorkOrders lists the work orders for a scope (e.g. a technician).
func (c *Client) FetchWorkOrders(ctx context.Context, scope string) ([]models.WorkOrder, error) {
	var out []models.WorkOrder
	path := "/v1/workorders?scope=" + url.QueryEscape(scope)
	if err := c.do(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WorkOrder fetches a single work order, or nil if the server doesn't
// know it.
func (c *Client) WorkOrder(ctx context.Context, entityID int64) (*models.WorkOrder, error) {
	var out models.WorkOrder
	path := fmt.Sprintf("/v1/workorders/%d", entityID)
	err := c.do(ctx, "GET", path, nil, &out)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// uploadRequest is the body for POST /v1/actions. The server upserts by
// action ID, so replaying a previously-accepted action is harmless.
type uploadRequest struct {
	ID       string            `json:"id"`
	Kind     models.ActionKind `json:"kind"`
	EntityID int64             `json:"entity_id"`
	ActorID  string            `json:"actor_id"`
	DeviceID string            `json:"device_id"`
	Payload  json.RawMessage   `json:"payload"`
	Captured string            `json:"captured_at"`
}

// UploadAction sends one offline action to the server.
func (c *Client) UploadAction(ctx context.Context, a models.OfflineAction) error {
	req := uploadRequest{
		ID:       a.ID,
		Kind:     a.Kind,
		EntityID: a.EntityID,
		ActorID:  a.ActorID,
		DeviceID: c.DeviceID,
		Payload:  a.Payload,
		Captured: a.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	return c.do(ctx, "POST", "/v1/actions", req, nil)
}

// UpdateStatus sets a work order's status on the server.
func (c *Client) UpdateStatus(ctx context.Context, entityID int64, status models.Status) error {
	body := map[string]string{"status": string(status)}
	path := fmt.Sprintf("/v1/workorders/%d/status", entityID)
	return c.do(ctx, "PUT", path, body, nil)
}

// HasSlotPhoto asks the server whether a confirmed photo exists for the
// slot. Implements photo.SlotChecker.
func (c *Client) HasSlotPhoto(ctx context.Context, entityID int64, slot models.Slot) (bool, error) {
	path := fmt.Sprintf("/v1/workorders/%d/photos/%s", entityID, slot)
	err := c.do(ctx, "GET", path, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// apiError is the standard error body from the server.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if c.DeviceID != "" {
		req.Header.Set("X-Device-ID", c.DeviceID)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		msg := string(respBody)
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Code != "" {
			msg = apiErr.Error()
		}
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, msg)
		case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
			return fmt.Errorf("%w: %s", ErrRejected, msg)
		default:
			// 5xx and anything unclassified is transient
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)
		}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
