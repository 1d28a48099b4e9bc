package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

// ListenKeyProvider implements Provider against a Binance-style listen-key
// endpoint: POST creates a key, PUT extends it, DELETE closes it. The key
// holder authenticates with an API key header only; no request signing is
// involved on this endpoint.
type ListenKeyProvider struct {
	baseURL    string
	path       string
	apiKey     string
	ttl        time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// ListenKeyOption configures a ListenKeyProvider.
type ListenKeyOption func(*ListenKeyProvider)

// NewListenKeyProvider creates a provider for the given REST base URL and
// listen-key path (for example "/fapi/v1/listenKey").
func NewListenKeyProvider(baseURL, path, apiKey string, opts ...ListenKeyOption) *ListenKeyProvider {
	p := &ListenKeyProvider{
		baseURL: baseURL,
		path:    path,
		apiKey:  apiKey,
		ttl:     60 * time.Minute,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Every(time.Second), 2),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithListenKeyTTL overrides the advertised credential validity.
func WithListenKeyTTL(ttl time.Duration) ListenKeyOption {
	return func(p *ListenKeyProvider) {
		p.ttl = ttl
	}
}

// WithListenKeyHTTPClient sets a custom HTTP client.
func WithListenKeyHTTPClient(hc *http.Client) ListenKeyOption {
	return func(p *ListenKeyProvider) {
		p.httpClient = hc
	}
}

// WithListenKeyLogger sets the logger.
func WithListenKeyLogger(logger *slog.Logger) ListenKeyOption {
	return func(p *ListenKeyProvider) {
		p.logger = logger
	}
}

// SideChannelError is a non-2xx response from the listen-key endpoint.
type SideChannelError struct {
	StatusCode int
	Body       []byte
}

func (e *SideChannelError) Error() string {
	return fmt.Sprintf("listen key endpoint returned %d: %s", e.StatusCode, e.Body)
}

// Acquire creates a new listen key.
func (p *ListenKeyProvider) Acquire(ctx context.Context) (Credential, error) {
	body, err := p.do(ctx, http.MethodPost)
	if err != nil {
		return Credential{}, fmt.Errorf("create listen key: %w", err)
	}

	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Credential{}, fmt.Errorf("decode listen key response: %w", err)
	}
	if resp.ListenKey == "" {
		return Credential{}, fmt.Errorf("listen key response missing key")
	}

	return Credential{
		Token:    resp.ListenKey,
		IssuedAt: time.Now(),
		TTL:      p.ttl,
	}, nil
}

// Renew extends the validity of an existing listen key.
func (p *ListenKeyProvider) Renew(ctx context.Context, cred Credential) (Credential, error) {
	if _, err := p.do(ctx, http.MethodPut); err != nil {
		return Credential{}, fmt.Errorf("keepalive listen key: %w", err)
	}
	cred.IssuedAt = time.Now()
	return cred, nil
}

// Revoke closes the listen key.
func (p *ListenKeyProvider) Revoke(ctx context.Context, _ Credential) error {
	if _, err := p.do(ctx, http.MethodDelete); err != nil {
		return fmt.Errorf("close listen key: %w", err)
	}
	return nil
}

func (p *ListenKeyProvider) do(ctx context.Context, method string) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+p.path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &SideChannelError{StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}
