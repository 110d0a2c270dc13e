package timer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// TimerSync tracks the clock-skew estimate for one active timer. It is
// recomputed on every periodic re-sync.
type TimerSync struct {
	TimerID      string        `json:"timer_id"`
	LastSync     time.Time     `json:"last_sync"`
	ServerTime   time.Time     `json:"server_time"`
	ClientOffset time.Duration `json:"client_offset"`
	SyncAccuracy float64       `json:"sync_accuracy"`
}

// TimeSource fetches the authoritative server time used for clock-skew
// correction. A failing fetch must not lose the previously known offset.
type TimeSource interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

// HTTPTimeSource reads the server time from the hub's /time endpoint.
type HTTPTimeSource struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPTimeSource creates a time source with a short request timeout.
func NewHTTPTimeSource(baseURL string) *HTTPTimeSource {
	return &HTTPTimeSource{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *HTTPTimeSource) ServerTime(ctx context.Context) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+"/time", nil)
	if err != nil {
		return time.Time{}, err
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("fetch server time: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("fetch server time: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		ServerTime time.Time `json:"server_time"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return time.Time{}, fmt.Errorf("decode server time: %w", err)
	}
	return body.ServerTime, nil
}

// FixedTimeSource returns a settable server time, for tests and the demo.
type FixedTimeSource struct {
	Time time.Time
	Err  error
}

func (s *FixedTimeSource) ServerTime(context.Context) (time.Time, error) {
	return s.Time, s.Err
}
