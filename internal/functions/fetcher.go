package functions

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

const (
	maxBodyBytes = 1 << 20
	defaultBurst = 5
)

// Fetcher performs the single outbound GET of a tool call, throttled by an
// optional per-provider rate limiter.
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewFetcher creates a Fetcher. requestsPerMinute <= 0 disables throttling.
func NewFetcher(client *http.Client, requestsPerMinute int) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	f := &Fetcher{client: client}
	if requestsPerMinute > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(requestsPerMinute)/60.0, min(defaultBurst, requestsPerMinute))
	}
	return f
}

type response struct {
	StatusCode int
	Body       []byte
}

func (f *Fetcher) get(ctx context.Context, endpoint string, params url.Values) (*response, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &response{StatusCode: resp.StatusCode, Body: body}, nil
}
