package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/rs/zerolog"
)

// Provider is the control surface of the elastic-compute service that hosts
// the worker. Opaque beyond start/cancel/status.
type Provider interface {
	StartJob(ctx context.Context, input map[string]any) (jobID string, err error)
	CancelJob(ctx context.Context, jobID string) error
	JobStatus(ctx context.Context, jobID string) (JobStatus, error)
}

// JobStatus is the provider's view of a submitted job.
type JobStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Provider job status strings.
const (
	JobFailed    = "FAILED"
	JobCompleted = "COMPLETED"
)

// apiError is a non-2xx provider response. 4xx responses are fatal (no
// retry); 5xx are treated as transient.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("provider api: status %d: %s", e.status, e.body)
}

func isFatalAPIError(err error) bool {
	ae, ok := err.(*apiError)
	return ok && ae.status >= 400 && ae.status < 500
}

// HTTPProvider talks to the provider's REST control API with bounded
// timeouts and backoff on transient failures.
type HTTPProvider struct {
	baseURL    string
	endpointID string
	apiKey     string
	client     *http.Client
	log        zerolog.Logger
	attempts   int
	delay      time.Duration
}

// NewHTTPProvider builds a provider client. baseURL has no trailing slash.
func NewHTTPProvider(baseURL, endpointID, apiKey string, log zerolog.Logger) *HTTPProvider {
	return &HTTPProvider{
		baseURL:    baseURL,
		endpointID: endpointID,
		apiKey:     apiKey,
		client:     &http.Client{Timeout: 30 * time.Second},
		log:        log,
		attempts:   4,
		delay:      500 * time.Millisecond,
	}
}

// StartJob submits an async job and returns its id.
func (p *HTTPProvider) StartJob(ctx context.Context, input map[string]any) (string, error) {
	body, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return "", err
	}
	var resp struct {
		ID string `json:"id"`
	}
	url := fmt.Sprintf("%s/%s/run", p.baseURL, p.endpointID)
	if err := p.call(ctx, http.MethodPost, url, body, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("provider api: run response missing job id")
	}
	return resp.ID, nil
}

// CancelJob cancels a running job.
func (p *HTTPProvider) CancelJob(ctx context.Context, jobID string) error {
	url := fmt.Sprintf("%s/%s/cancel/%s", p.baseURL, p.endpointID, jobID)
	return p.call(ctx, http.MethodPost, url, nil, nil)
}

// JobStatus fetches the current status of a job.
func (p *HTTPProvider) JobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	var st JobStatus
	url := fmt.Sprintf("%s/%s/status/%s", p.baseURL, p.endpointID, jobID)
	err := p.call(ctx, http.MethodGet, url, nil, &st)
	return st, err
}

// call performs one API request with retry/backoff on transient failures.
// Each attempt is individually logged.
func (p *HTTPProvider) call(ctx context.Context, method, url string, body []byte, out any) error {
	return retry.Call(retry.CallArgs{
		Func: func() error {
			return p.doOnce(ctx, method, url, body, out)
		},
		IsFatalError: func(err error) bool {
			return isFatalAPIError(err) || ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			p.log.Warn().Err(err).Int("attempt", attempt).Str("url", url).
				Msg("provider call failed, retrying")
		},
		Attempts:    p.attempts,
		Delay:       p.delay,
		MaxDelay:    10 * time.Second,
		BackoffFunc: retry.DoubleDelay,
		Clock:       clock.WallClock,
		Stop:        ctx.Done(),
	})
}

func (p *HTTPProvider) doOnce(ctx context.Context, method, url string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apiError{status: resp.StatusCode, body: string(data)}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("provider api: decode response: %w", err)
		}
	}
	return nil
}
