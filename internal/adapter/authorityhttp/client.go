// Package authorityhttp provides an HTTP client for the authority API.
package authorityhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/solosolocodes/lablab-sub002/internal/adapter/otel"
	"github.com/solosolocodes/lablab-sub002/internal/domain"
	"github.com/solosolocodes/lablab-sub002/internal/domain/experiment"
	"github.com/solosolocodes/lablab-sub002/internal/domain/progress"
	"github.com/solosolocodes/lablab-sub002/internal/port/authority"
	"github.com/solosolocodes/lablab-sub002/internal/resilience"
)

// ParticipantHeader identifies the participant on every request.
const ParticipantHeader = "X-Participant-ID"

const (
	apiPrefix      = "/api/v1"
	defaultTimeout = 20 * time.Second
	maxBodyBytes   = 4 << 20
)

var _ authority.Client = (*Client)(nil)

// Client talks to the authority API.
type Client struct {
	baseURL       string
	participantID string
	timeout       time.Duration
	httpClient    *http.Client
	breaker       *resilience.Breaker
}

// NewClient creates a client for the authority at baseURL acting on behalf
// of participantID. Requests carry trace context through otelhttp.
func NewClient(baseURL, participantID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		participantID: participantID,
		timeout:       timeout,
		httpClient:    &http.Client{Transport: otel.Transport(nil)},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
// Not-found, conflict and cancellation outcomes do not trip it.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	if b == nil {
		c.breaker = nil
		return
	}
	c.breaker = b.WithNeutral(isCallerOutcome)
}

func isCallerOutcome(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrConflict) ||
		errors.Is(err, context.Canceled)
}

// GetSession fetches a session definition.
func (c *Client) GetSession(ctx context.Context, id string) (*experiment.Session, error) {
	var s experiment.Session
	if err := c.getJSON(ctx, "/sessions/"+url.PathEscape(id), &s); err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &s, nil
}

// GetProgress fetches the participant's progress record for a session.
func (c *Client) GetProgress(ctx context.Context, sessionID string) (*progress.Record, error) {
	var r progress.Record
	if err := c.getJSON(ctx, "/sessions/"+url.PathEscape(sessionID)+"/progress", &r); err != nil {
		return nil, fmt.Errorf("get progress %s: %w", sessionID, err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("get progress %s: %w", sessionID, err)
	}
	return &r, nil
}

// UpdateProgress sends a partial update and returns the authority's record.
func (c *Client) UpdateProgress(ctx context.Context, sessionID string, u progress.Update) (*progress.Record, error) {
	body, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("marshal progress update: %w", err)
	}

	data, err := c.doRequest(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/progress", body)
	if err != nil {
		return nil, fmt.Errorf("update progress %s: %w", sessionID, err)
	}

	var r progress.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("update progress %s: %w: %v", sessionID, domain.ErrMalformed, err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("update progress %s: %w", sessionID, err)
	}
	return &r, nil
}

// GetScenarioDetail returns the opaque scenario document.
func (c *Client) GetScenarioDetail(ctx context.Context, id string) (json.RawMessage, error) {
	data, err := c.getRaw(ctx, "/scenarios/"+url.PathEscape(id))
	if err != nil {
		return nil, fmt.Errorf("get scenario %s: %w", id, err)
	}
	return data, nil
}

// GetWalletAssets returns the opaque asset list of a wallet.
func (c *Client) GetWalletAssets(ctx context.Context, id string) (json.RawMessage, error) {
	data, err := c.getRaw(ctx, "/wallets/"+url.PathEscape(id)+"/assets")
	if err != nil {
		return nil, fmt.Errorf("get wallet assets %s: %w", id, err)
	}
	return data, nil
}

// Health reports whether the authority answers its health endpoint.
func (c *Client) Health(ctx context.Context) (bool, error) {
	_, err := c.doRequest(ctx, http.MethodGet, "/health", nil)
	return err == nil, err
}

func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	data, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformed, err)
	}
	return nil
}

func (c *Client) getRaw(ctx context.Context, path string) (json.RawMessage, error) {
	data, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: response is not JSON", domain.ErrMalformed)
	}
	return json.RawMessage(data), nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var result []byte
	call := func() error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.participantID != "" {
			req.Header.Set(ParticipantHeader, c.participantID)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if err := statusError(resp.StatusCode, data); err != nil {
			return err
		}

		result = data
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Execute(call); err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := call(); err != nil {
		return nil, err
	}
	return result, nil
}

// statusError maps an HTTP status to a domain error.
func statusError(code int, body []byte) error {
	if code < 400 {
		return nil
	}
	msg := apiMessage(body)
	switch code {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", domain.ErrConflict, msg)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", domain.ErrValidation, msg)
	default:
		return fmt.Errorf("authority API error %d: %s", code, msg)
	}
}

// apiMessage extracts the error message of a {"error": "..."} body.
func apiMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
