// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package lwwdocs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPError is returned by HTTPStore for non-success responses.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

// HTTPStoreConfig configures an HTTPStore.
type HTTPStoreConfig struct {
	BaseURL string
	Token   func(context.Context) (string, error) // returns JWT
	HTTP    *http.Client                          // default: 30s timeout
	Logger  *slog.Logger
}

// HTTPStore is a DocumentStore client for a server running HTTPHandlers.
type HTTPStore struct {
	baseURL string
	token   func(context.Context) (string, error)
	http    *http.Client
	logger  *slog.Logger
}

// NewHTTPStore creates a client store.
func NewHTTPStore(config HTTPStoreConfig) (*HTTPStore, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if config.Token == nil {
		return nil, fmt.Errorf("token func is required")
	}
	if config.HTTP == nil {
		config.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &HTTPStore{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		http:    config.HTTP,
		logger:  config.Logger,
	}, nil
}

func (c *HTTPStore) docURL(collection, id string) string {
	return c.baseURL + "/docs/" + url.PathEscape(collection) + "/" + url.PathEscape(id)
}

func (c *HTTPStore) do(ctx context.Context, method, rawURL string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return resp, nil
}

// decodeError converts an error response body into an error. The
// index_unavailable code maps back to ErrIndexUnavailable.
func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Error == "" {
		return &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	switch er.Error {
	case ErrCodeIndexUnavailable:
		return fmt.Errorf("%s: %w", er.Message, ErrIndexUnavailable)
	case ErrCodeInvalidDocument:
		return fmt.Errorf("%s: %w", er.Message, ErrInvalidDocument)
	}
	return &HTTPError{StatusCode: resp.StatusCode, Code: er.Error, Message: er.Message}
}

// Get implements DocumentStore.
func (c *HTTPStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	resp, err := c.do(ctx, http.MethodGet, c.docURL(collection, id), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		var er ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&er) == nil && er.Error == ErrCodeNotFound {
			return nil, nil
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Code: er.Error, Message: er.Message}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var doc Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return &doc, nil
}

func (c *HTTPStore) list(ctx context.Context, collection string, query url.Values) ([]Document, error) {
	rawURL := c.baseURL + "/docs/" + url.PathEscape(collection) + "?" + query.Encode()
	resp, err := c.do(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var out DocumentListResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode document list: %w", err)
	}
	return out.Documents, nil
}

// QueryUpdatedAfter implements DocumentStore.
func (c *HTTPStore) QueryUpdatedAfter(ctx context.Context, collection string, after int64) ([]Document, error) {
	return c.list(ctx, collection, url.Values{"after": {strconv.FormatInt(after, 10)}})
}

// Scan implements DocumentStore.
func (c *HTTPStore) Scan(ctx context.Context, collection string) ([]Document, error) {
	return c.list(ctx, collection, url.Values{"scan": {"true"}})
}

// Set implements DocumentStore.
func (c *HTTPStore) Set(ctx context.Context, collection string, doc Document, opts SetOptions) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	rawURL := c.docURL(collection, doc.ID) + "?merge=" + strconv.FormatBool(opts.Merge)
	resp, err := c.do(ctx, http.MethodPut, rawURL, doc)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	c.logger.Debug("Stored document", "collection", collection, "doc_id", doc.ID, "updated_at", doc.UpdatedAt)
	return nil
}
