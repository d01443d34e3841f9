package history

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"chartfeed/internal/model"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var (
	// ErrFetchFailed wraps every network, status or decoding failure of the REST endpoint.
	ErrFetchFailed = errors.New("historical bar request failed")
)

const (
	defaultTimeout   = 15 * time.Second
	defaultRetryWait = 500 * time.Millisecond
	maxRetryWait     = 5 * time.Second
)

// ClientConfig configures the historical REST client.
type ClientConfig struct {
	// BaseURL is the root of the history API, e.g. https://api.example.com.
	BaseURL string

	// Timeout bounds a single request including retries. Zero uses 15s.
	Timeout time.Duration

	// RetryCount is the number of additional attempts after a failed request.
	// Zero disables retrying.
	RetryCount int

	// RetryWait is the initial backoff between attempts. Zero uses 500ms.
	RetryWait time.Duration

	// RequestsPerSecond caps the outgoing request rate. Zero or less is unlimited.
	RequestsPerSecond float64
}

// rawBar is the wire format of one bar on the REST endpoint.
//
// Example payload:
//
//	[{"time":1697000040000,"open":1580.1,"high":1581.2,"low":1579.9,"close":1580.7}]
type rawBar struct {
	Time  int64   `json:"time" validate:"required,gt=0"`
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// RESTClient fetches raw bars from GET /charts/{symbol}/{interval}/{from}/{to}.
type RESTClient struct {
	http     *resty.Client
	limiter  *rate.Limiter
	validate *validator.Validate
}

// NewRESTClient creates a client for the history endpoint described by cfg.
func NewRESTClient(cfg ClientConfig) (*RESTClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("history base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = defaultRetryWait
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(maxRetryWait).
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal).
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= http.StatusInternalServerError
		})

	return &RESTClient{
		http:     httpClient,
		limiter:  rate.NewLimiter(limit, 1),
		validate: validator.New(),
	}, nil
}

// Bars requests raw bars for symbol at interval between from and to (Unix seconds).
// Structurally broken entries are dropped; price sanity is left to the fetcher.
func (c *RESTClient) Bars(ctx context.Context, symbol, interval string, from, to int64) ([]model.Bar, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{
			"symbol":   symbol,
			"interval": interval,
			"from":     strconv.FormatInt(from, 10),
			"to":       strconv.FormatInt(to, 10),
		}).
		Get("/charts/{symbol}/{interval}/{from}/{to}")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: %s %s: status %d", ErrFetchFailed, symbol, interval, resp.StatusCode())
	}

	var raw []rawBar
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("%w: decode %s %s: %v", ErrFetchFailed, symbol, interval, err)
	}

	bars := make([]model.Bar, 0, len(raw))
	for _, r := range raw {
		if err := c.validate.Struct(&r); err != nil {
			log.Debug().Err(err).Str("symbol", symbol).Msg("dropping malformed bar")
			continue
		}
		bars = append(bars, model.Bar{Time: r.Time, Open: r.Open, High: r.High, Low: r.Low, Close: r.Close})
	}
	return bars, nil
}
