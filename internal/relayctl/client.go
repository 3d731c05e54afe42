package relayctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dreamrelay/pkg/types"
)

// Client talks to a running relay over its HTTP API.
type Client struct {
	base  string
	token string
	hc    *http.Client
}

// NewClient builds a Client for the relay at base. The token is sent as a
// bearer credential on privileged calls; empty is fine for open deployments.
func NewClient(base, token string) *Client {
	base = strings.TrimRight(base, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		base:  base,
		token: token,
		hc:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr types.ErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (%d)", method, path, apiErr.Error, apiErr.Code)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

// Status fetches the relay status snapshot.
func (c *Client) Status(ctx context.Context) (types.StatusResponse, error) {
	var s types.StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/dreams/status", &s)
	return s, err
}

// RecentFrames fetches metadata for the most recent cached frames.
func (c *Client) RecentFrames(ctx context.Context, count int) (types.RecentFramesResponse, error) {
	var r types.RecentFramesResponse
	err := c.do(ctx, http.MethodGet, "/api/dreams/frames/recent?count="+strconv.Itoa(count), &r)
	return r, err
}

// CurrentFrame fetches the latest frame payload with its number, or ok=false
// when the cache is empty.
func (c *Client) CurrentFrame(ctx context.Context) (data []byte, frameNumber int64, ok bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/dreams/current", nil)
	if err != nil {
		return nil, 0, false, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, 0, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil, 0, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, false, fmt.Errorf("GET /api/dreams/current: HTTP %d", resp.StatusCode)
	}
	data, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, false, err
	}
	n, _ := strconv.ParseInt(resp.Header.Get("X-Frame-Number"), 10, 64)
	return data, n, true, nil
}

// Stop asks the relay to shut the worker down now.
func (c *Client) Stop(ctx context.Context) (types.StopResponse, error) {
	var s types.StopResponse
	err := c.do(ctx, http.MethodPost, "/api/dreams/stop", &s)
	return s, err
}

// StateInfo fetches persisted worker state metadata.
func (c *Client) StateInfo(ctx context.Context) (types.StateInfoResponse, error) {
	var s types.StateInfoResponse
	err := c.do(ctx, http.MethodGet, "/api/dreams/state", &s)
	return s, err
}

// ClearState deletes the persisted worker state. Requires the worker token
// when the relay has one configured.
func (c *Client) ClearState(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/dreams/state", nil)
}

// formatStatus renders a status snapshot for terminal output.
func formatStatus(s types.StatusResponse) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "status:   %s (%s)\n", s.Status, s.Message)
	fmt.Fprintf(&b, "backend:  state=%s connected=%v configured=%v attempts=%d\n",
		s.Backend.State, s.Backend.Connected, s.Backend.Configured, s.Backend.StartAttempts)
	if s.Backend.Error != "" {
		fmt.Fprintf(&b, "          error=%s\n", s.Backend.Error)
	}
	fmt.Fprintf(&b, "cache:    %d/%d frames, current=#%d, session %.1f fps\n",
		s.Cache.FramesCached, s.Cache.Capacity, s.Cache.CurrentFrameNumber, s.Cache.SessionFPS)
	fmt.Fprintf(&b, "viewers:  %d connected, api_active=%v, stop_pending=%v\n",
		s.Viewers.Count, s.Viewers.APIActive, s.Viewers.StopPending)
	fmt.Fprintf(&b, "playback: queue=%d target=%.1f effective=%.1f dropped=%d underruns=%d\n",
		s.Playback.QueueDepth, s.Playback.TargetFPS, s.Playback.EffectiveFPS,
		s.Playback.FramesDropped, s.Playback.Underruns)
	return b.String()
}
