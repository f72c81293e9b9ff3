// Package client is a Go SDK for the research-engine HTTP API.
package client

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

	"github.com/terra-clan/research-engine/internal/models"
	"github.com/terra-clan/research-engine/internal/session"
	"github.com/terra-clan/research-engine/internal/study"
)

// Client talks to a research-engine server
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures the client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the client timeout
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a new research-engine client. apiKey is only needed for admin calls.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// APIError is a non-2xx answer from the server
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error %d: %s - %s", e.StatusCode, e.Code, e.Message)
}

// Temporary reports whether retrying the request may succeed
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// StatusCode extracts the HTTP status of an APIError, or 0
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// SubmissionStatus mirrors the server's per-session submission report
type SubmissionStatus struct {
	SessionID     string          `json:"session_id"`
	ParticipantID *int64          `json:"participant_id,omitempty"`
	State         string          `json:"state"`
	Pending       int             `json:"pending"`
	Last          json.RawMessage `json:"last,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// CreateSessionRequest starts a session; a nil participant runs offline
type CreateSessionRequest struct {
	ParticipantID *int64 `json:"participant_id,omitempty"`
}

type envelope[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func call[T any](ctx context.Context, c *Client, method, path string, in any) (T, error) {
	var zero T

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return zero, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return zero, err
	}

	var result envelope[T]
	if err := json.Unmarshal(resp, &result); err != nil {
		return zero, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if !result.Success {
		apiErr := &APIError{StatusCode: http.StatusOK}
		if result.Error != nil {
			apiErr.Code = result.Error.Code
			apiErr.Message = result.Error.Message
		}
		return zero, apiErr
	}

	return result.Data, nil
}

// Health checks if the service is healthy
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/health", nil)
	return err
}

// GetStudy returns the study the server runs
func (c *Client) GetStudy(ctx context.Context) (*study.Study, error) {
	return call[*study.Study](ctx, c, http.MethodGet, "/api/v1/study", nil)
}

// CreateParticipant registers a participant
func (c *Client) CreateParticipant(ctx context.Context, req models.CreateParticipantRequest) (*models.Participant, error) {
	return call[*models.Participant](ctx, c, http.MethodPost, "/api/v1/participants", req)
}

// SaveDemographic stores the demographic form of a participant
func (c *Client) SaveDemographic(ctx context.Context, req models.SaveDemographicRequest) (*models.Demographic, error) {
	return call[*models.Demographic](ctx, c, http.MethodPost, "/api/v1/demographics", req)
}

// SaveQuestionnaire stores questionnaire answers given as section arrays
func (c *Client) SaveQuestionnaire(ctx context.Context, req models.SaveQuestionnaireRequest) (*models.Questionnaire, error) {
	return call[*models.Questionnaire](ctx, c, http.MethodPost, "/api/v1/questionnaires", req)
}

// SaveResults submits a batch of finalized trials
func (c *Client) SaveResults(ctx context.Context, req models.SaveResultsRequest) (*models.SaveResultsResponse, error) {
	return call[*models.SaveResultsResponse](ctx, c, http.MethodPost, "/api/v1/results", req)
}

// CreateSession starts a task session
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*session.Snapshot, error) {
	return call[*session.Snapshot](ctx, c, http.MethodPost, "/api/v1/sessions", req)
}

// GetSession returns the current snapshot of a session
func (c *Client) GetSession(ctx context.Context, id string) (*session.Snapshot, error) {
	return call[*session.Snapshot](ctx, c, http.MethodGet, "/api/v1/sessions/"+id, nil)
}

// Select adds an item to the active trial's selection
func (c *Client) Select(ctx context.Context, id, item string) (*session.Snapshot, error) {
	return c.sessionAction(ctx, id, "select", map[string]string{"item": item})
}

// Deselect removes an item from the active trial's selection
func (c *Client) Deselect(ctx context.Context, id, item string) (*session.Snapshot, error) {
	return c.sessionAction(ctx, id, "deselect", map[string]string{"item": item})
}

// Acknowledge dismisses the instructions screen
func (c *Client) Acknowledge(ctx context.Context, id string) (*session.Snapshot, error) {
	return c.sessionAction(ctx, id, "acknowledge", nil)
}

// Advance finalizes the active trial with its current selection
func (c *Client) Advance(ctx context.Context, id string) (*session.Snapshot, error) {
	return c.sessionAction(ctx, id, "advance", nil)
}

// Reset restarts a session from the first practice trial
func (c *Client) Reset(ctx context.Context, id string) (*session.Snapshot, error) {
	return c.sessionAction(ctx, id, "reset", nil)
}

func (c *Client) sessionAction(ctx context.Context, id, action string, body any) (*session.Snapshot, error) {
	return call[*session.Snapshot](ctx, c, http.MethodPost, fmt.Sprintf("/api/v1/sessions/%s/%s", id, action), body)
}

// SubmissionStatus returns the session's last submission report
func (c *Client) SubmissionStatus(ctx context.Context, id string) (*SubmissionStatus, error) {
	return call[*SubmissionStatus](ctx, c, http.MethodGet, fmt.Sprintf("/api/v1/sessions/%s/submission", id), nil)
}

// FlushSession retries submission of the session's cached results
func (c *Client) FlushSession(ctx context.Context, id string) (*SubmissionStatus, error) {
	return call[*SubmissionStatus](ctx, c, http.MethodPost, fmt.Sprintf("/api/v1/sessions/%s/flush", id), nil)
}

// GetParticipant reads a participant through the admin API
func (c *Client) GetParticipant(ctx context.Context, id int64) (*models.Participant, error) {
	return call[*models.Participant](ctx, c, http.MethodGet, fmt.Sprintf("/api/v1/admin/participants/%d", id), nil)
}

// ListResults reads a participant's stored trials through the admin API
func (c *Client) ListResults(ctx context.Context, participantID int64) ([]*models.TrialResult, error) {
	return call[[]*models.TrialResult](ctx, c, http.MethodGet, fmt.Sprintf("/api/v1/admin/participants/%d/results", participantID), nil)
}

// doRequest performs an HTTP request
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	url := c.baseURL + path

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, parseAPIError(resp.StatusCode, respBody)
	}

	return respBody, nil
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}

	var result envelope[json.RawMessage]
	if err := json.Unmarshal(body, &result); err == nil && result.Error != nil {
		apiErr.Code = result.Error.Code
		apiErr.Message = result.Error.Message
	}

	return apiErr
}
