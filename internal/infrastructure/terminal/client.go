// Package terminal reads positions and deals from the HTTP gateway that runs
// next to the trading terminal.
package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"mt5bridge/internal/application/port"
	"mt5bridge/internal/domain"
	"mt5bridge/internal/domain/model"
)

var _ port.Source = (*Client)(nil)

type Config struct {
	BaseURL    string
	Token      string
	RatePerSec float64
	Timeout    time.Duration
}

// Client makes one request per call. Retrying is left to the caller.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    lim,
	}
}

func (c *Client) Name() string { return "mt5-gateway" }

func (c *Client) ListOpenPositions(ctx context.Context) ([]model.PositionSnapshot, error) {
	var dtos []positionDTO
	if err := c.get(ctx, "terminal.positions", "/positions", nil, &dtos); err != nil {
		return nil, err
	}
	out := make([]model.PositionSnapshot, 0, len(dtos))
	for _, d := range dtos {
		out = append(out, toSnapshot(d))
	}
	return out, nil
}

func (c *Client) ListClosedDealsSince(ctx context.Context, since time.Time) ([]model.TradeEvent, error) {
	q := url.Values{}
	q.Set("from", strconv.FormatInt(since.Unix(), 10))
	var dtos []dealDTO
	if err := c.get(ctx, "terminal.deals", "/deals", q, &dtos); err != nil {
		return nil, err
	}
	return toCloseEvents(dtos), nil
}

func (c *Client) get(ctx context.Context, op, path string, q url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.Connectivity(op, fmt.Errorf("rate limiter: %w", err))
	}

	endpoint := c.baseURL + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.Validation(op, "build request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return domain.Connectivity(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return domain.Connectivity(op, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return domain.Connectivity(op, fmt.Errorf("http %d: %s", resp.StatusCode, snippet(body)))
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return domain.Connectivity(op, fmt.Errorf("authentication: http %d", resp.StatusCode))
	default:
		return domain.Validation(op, "http %d: %s", resp.StatusCode, snippet(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return domain.Validation(op, "decode response: %v", err)
	}
	return nil
}

func snippet(b []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
