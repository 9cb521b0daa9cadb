package jobstore

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

	"github.com/forgeline/jobsync/pkg/types"
)

// SubmitRequest carries work parameters for a new job
type SubmitRequest struct {
	ID      string          `json:"id,omitempty"`
	OwnerID string          `json:"ownerId"`
	Kind    types.JobKind   `json:"kind"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// HTTPStore talks to the gateway REST API
type HTTPStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPStore creates a store client for the gateway at baseURL
func NewHTTPStore(baseURL, token string) *HTTPStore {
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// GetJob fetches a single job
func (s *HTTPStore) GetJob(ctx context.Context, id string) (*types.Job, error) {
	var job types.Job
	if err := s.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		if isNotFound(err) {
			return nil, &types.NotFoundError{JobID: id}
		}
		return nil, err
	}
	return &job, nil
}

// ListJobs fetches an owner's jobs
func (s *HTTPStore) ListJobs(ctx context.Context, ownerID string) ([]*types.Job, error) {
	var resp struct {
		Jobs []*types.Job `json:"jobs"`
	}
	if err := s.do(ctx, http.MethodGet, "/jobs?owner="+url.QueryEscape(ownerID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// CancelJob requests cancellation
func (s *HTTPStore) CancelJob(ctx context.Context, id string) error {
	err := s.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/cancel", nil, nil)
	if isNotFound(err) {
		return &types.NotFoundError{JobID: id}
	}
	return err
}

// RetryJob creates a job derived from a failed one
func (s *HTTPStore) RetryJob(ctx context.Context, id string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := s.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/retry", nil, &resp); err != nil {
		if isNotFound(err) {
			return "", &types.NotFoundError{JobID: id}
		}
		return "", err
	}
	return resp.ID, nil
}

// Submit creates a job and returns its id. Errors are surfaced, never retried.
func (s *HTTPStore) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := s.do(ctx, http.MethodPost, "/jobs", req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("gateway returned no job id")
	}
	return resp.ID, nil
}

// StatusError is a non-2xx gateway response
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Body)
}

func isNotFound(err error) bool {
	se, ok := err.(*StatusError)
	return ok && se.StatusCode == http.StatusNotFound
}

func (s *HTTPStore) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
