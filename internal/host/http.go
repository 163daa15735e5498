package host

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultHTTPTimeout bounds a single HTTP fetch.
const DefaultHTTPTimeout = 20 * time.Second

// HTTP serves resources over HTTP(S).
type HTTP struct {
	Client *http.Client
}

// NewHTTP returns an HTTP host using a client with DefaultHTTPTimeout.
func NewHTTP() *HTTP {
	return &HTTP{Client: &http.Client{Timeout: DefaultHTTPTimeout}}
}

// FetchText implements Host. Any status other than 200 is an error; 404 wraps
// ErrNotFound.
func (h *HTTP) FetchText(ctx context.Context, url string) (string, error) {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%s: %w", url, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("fetch %s: status %s", url, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", url, err)
	}
	return string(data), nil
}

// InjectAsync implements Host.
func (h *HTTP) InjectAsync(ctx context.Context, url string, done func(string, error)) {
	goAsync(ctx, h.FetchText, url, done)
}
