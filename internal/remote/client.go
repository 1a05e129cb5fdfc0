// Package remote talks JSON over REST to the sync server.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"nitrosync/backend"
)

// DefaultTimeout bounds a single request when the caller's context has no
// deadline.
const DefaultTimeout = 30 * time.Second

// IDField is the record field carrying the server identifier.
const IDField = "id"

// Client is the remote API used by queues and the downloader.
type Client interface {
	// Create POSTs body to path and returns the created record.
	Create(ctx context.Context, path string, body backend.Props) (backend.Props, error)
	// Update PATCHes body onto the resource at path.
	Update(ctx context.Context, path string, body backend.Props) error
	// Delete removes the resource at path.
	Delete(ctx context.Context, path string) error
	// Fetch GETs path and returns the array stored under arrayParam.
	Fetch(ctx context.Context, path, arrayParam string) ([]backend.Props, error)
}

// ClientFunc supplies the authenticated *http.Client for a request.
type ClientFunc func(ctx context.Context) *http.Client

// HTTPClient implements Client over HTTP.
type HTTPClient struct {
	baseURL string
	client  ClientFunc
	timeout time.Duration
}

// NewHTTPClient creates a client for baseURL. client may be nil, in which
// case http.DefaultClient is used.
func NewHTTPClient(baseURL string, client ClientFunc) *HTTPClient {
	if client == nil {
		client = func(context.Context) *http.Client { return http.DefaultClient }
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		timeout: DefaultTimeout,
	}
}

// SetTimeout overrides the per-request timeout.
func (c *HTTPClient) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// doRequest performs an HTTP request and returns the response body of a
// successful call.
func (c *HTTPClient) doRequest(ctx context.Context, op, method, path string, body any) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client(ctx).Do(req)
	if err != nil {
		return nil, backend.NewRemoteError(op, path, 0, "request failed").WithError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, backend.NewRemoteError(op, path, resp.StatusCode, "failed to read response").WithError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, backend.NewRemoteError(op, path, resp.StatusCode, http.StatusText(resp.StatusCode)).
			WithBody(string(data))
	}
	return data, nil
}

func decodeObject(op, path string, data []byte) (backend.Props, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out backend.Props
	if err := dec.Decode(&out); err != nil || out == nil {
		return nil, backend.NewRemoteError(op, path, 0, "malformed response").
			WithBody(string(data)).WithError(err)
	}
	return out, nil
}

func (c *HTTPClient) Create(ctx context.Context, path string, body backend.Props) (backend.Props, error) {
	data, err := c.doRequest(ctx, "create", http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	return decodeObject("create", path, data)
}

func (c *HTTPClient) Update(ctx context.Context, path string, body backend.Props) error {
	_, err := c.doRequest(ctx, "update", http.MethodPatch, path, body)
	return err
}

func (c *HTTPClient) Delete(ctx context.Context, path string) error {
	_, err := c.doRequest(ctx, "delete", http.MethodDelete, path, nil)
	return err
}

func (c *HTTPClient) Fetch(ctx context.Context, path, arrayParam string) ([]backend.Props, error) {
	data, err := c.doRequest(ctx, "fetch", http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	obj, err := decodeObject("fetch", path, data)
	if err != nil {
		return nil, err
	}
	raw, ok := obj[arrayParam]
	if !ok {
		return nil, backend.NewRemoteError("fetch", path, 0, fmt.Sprintf("response has no %q array", arrayParam))
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, backend.NewRemoteError("fetch", path, 0, fmt.Sprintf("%q is not an array", arrayParam))
	}
	out := make([]backend.Props, 0, len(items))
	for _, item := range items {
		rec, ok := item.(map[string]any)
		if !ok {
			return nil, backend.NewRemoteError("fetch", path, 0, fmt.Sprintf("%q holds a non-object entry", arrayParam))
		}
		out = append(out, backend.Props(rec))
	}
	return out, nil
}

// RecordID extracts the server identifier from a record.
func RecordID(rec backend.Props) (backend.ServerID, bool) {
	switch v := rec[IDField].(type) {
	case string:
		return backend.ServerID(v), v != ""
	case json.Number:
		return backend.ServerID(v.String()), true
	case float64:
		return backend.ServerID(fmt.Sprintf("%.0f", v)), true
	}
	return "", false
}

// ServerIDs converts a record's array field into server ids, skipping
// entries that are not identifiers.
func ServerIDs(v any) []backend.ServerID {
	items, ok := v.([]any)
	if !ok {
		if ids, ok := v.([]backend.ServerID); ok {
			return ids
		}
		return nil
	}
	out := make([]backend.ServerID, 0, len(items))
	for _, item := range items {
		if id, ok := RecordID(backend.Props{IDField: item}); ok {
			out = append(out, id)
		}
	}
	return out
}
