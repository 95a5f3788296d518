package main

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

	"compile-sandbox/internal/api"
	"compile-sandbox/internal/job"
)

const pollInterval = 500 * time.Millisecond

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status int
	Code   string
	Msg    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Msg)
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Submit(ctx context.Context, req api.RunRequest) (api.RunResponse, error) {
	var resp api.RunResponse
	err := c.post(ctx, "/api/compile/run", req, &resp)
	return resp, err
}

func (c *Client) Result(ctx context.Context, id string) (api.ResultResponse, error) {
	var resp api.ResultResponse
	err := c.get(ctx, "/api/compile/result/"+id, &resp)
	return resp, err
}

func (c *Client) DeadLetters(ctx context.Context, limit int) (api.DeadLettersResponse, error) {
	var resp api.DeadLettersResponse
	err := c.get(ctx, "/api/admin/dlq?"+url.Values{"limit": {strconv.Itoa(limit)}}.Encode(), &resp)
	return resp, err
}

// ArchivedDeadLetters reads the durable archive. Empty jobID and since mean
// no filter.
func (c *Client) ArchivedDeadLetters(ctx context.Context, limit int, jobID, since string) (api.ArchivedDeadLettersResponse, error) {
	q := url.Values{"source": {"archive"}, "limit": {strconv.Itoa(limit)}}
	if jobID != "" {
		q.Set("jobId", jobID)
	}
	if since != "" {
		q.Set("since", since)
	}
	var resp api.ArchivedDeadLettersResponse
	err := c.get(ctx, "/api/admin/dlq?"+q.Encode(), &resp)
	return resp, err
}

// Wait polls until the job is terminal, NOT_FOUND, or timeout elapses.
func (c *Client) Wait(ctx context.Context, id string, timeout time.Duration) (api.ResultResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		res, err := c.Result(ctx, id)
		if err != nil {
			return res, err
		}
		if res.Status.Terminal() || res.Status == job.StatusNotFound {
			return res, nil
		}

		select {
		case <-ctx.Done():
			return res, fmt.Errorf("job %s still %s after %s", id, res.Status, timeout)
		case <-ticker.C:
		}
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Status: resp.StatusCode}
		var er api.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&er) == nil {
			apiErr.Code, apiErr.Msg = er.Code, er.Error
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
