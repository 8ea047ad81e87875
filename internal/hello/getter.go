package hello

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Getter issues an outbound GET and reports the response status.
type Getter interface {
	Get(ctx context.Context, url string) (status int, err error)
}

// GetterFunc adapts a function to Getter.
type GetterFunc func(ctx context.Context, url string) (int, error)

// Get calls f.
func (f GetterFunc) Get(ctx context.Context, url string) (int, error) {
	return f(ctx, url)
}

// HTTPGetter is the default Getter backed by net/http.
type HTTPGetter struct {
	client *http.Client
}

// NewHTTPGetter returns a Getter whose requests give up after timeout.
func NewHTTPGetter(timeout time.Duration) *HTTPGetter {
	return &HTTPGetter{client: &http.Client{Timeout: timeout}}
}

// Get performs the request and discards the body.
func (g *HTTPGetter) Get(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
