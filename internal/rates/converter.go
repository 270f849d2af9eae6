// Package rates converts USD reward amounts into native bytes using a
// published exchange-rate feed.
package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultCacheTTL = 5 * time.Minute
	fetchTimeout    = 15 * time.Second
)

var (
	errMissingURL = errors.New("rates: feed url is required")
	// ErrRateUnavailable indicates the feed did not contain a usable rate.
	ErrRateUnavailable = errors.New("rates: native/USD rate unavailable")
)

// ConverterConfig describes the rate feed.
type ConverterConfig struct {
	URL        string
	HTTPClient *http.Client
	CacheTTL   time.Duration
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Converter fetches and caches the GB/USD rate. A reward of U dollars
// converts to U / rate gigabytes, floored to whole bytes.
type Converter struct {
	url    string
	http   *http.Client
	ttl    time.Duration
	clock  func() time.Time
	logger *zap.Logger

	mu        sync.Mutex
	rate      float64
	fetchedAt time.Time
}

// NewConverter constructs the converter.
func NewConverter(cfg ConverterConfig) (*Converter, error) {
	if cfg.URL == "" {
		return nil, errMissingURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: fetchTimeout}
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Converter{url: cfg.URL, http: httpClient, ttl: ttl, clock: clock, logger: logger}, nil
}

// USDToNativeAmount converts a USD amount to bytes at the cached rate,
// refreshing the cache when stale. A stale cache with a failing feed keeps
// serving the last known rate rather than blocking reward issuance.
func (c *Converter) USDToNativeAmount(usd float64) (int64, error) {
	rate, err := c.currentRate()
	if err != nil {
		return 0, err
	}
	return int64(usd / rate * 1e9), nil
}

func (c *Converter) currentRate() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	if c.rate > 0 && now.Sub(c.fetchedAt) < c.ttl {
		return c.rate, nil
	}

	rate, err := c.fetch()
	if err != nil {
		if c.rate > 0 {
			c.logger.Warn("rate feed unavailable, using last known rate",
				zap.Float64("rate", c.rate), zap.Error(err))
			return c.rate, nil
		}
		return 0, err
	}

	c.rate = rate
	c.fetchedAt = now
	return rate, nil
}

func (c *Converter) fetch() (float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return 0, err
	}
	response, err := c.http.Do(request)
	if err != nil {
		return 0, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("rates: unexpected status %d", response.StatusCode)
	}

	var feed map[string]float64
	if err := json.NewDecoder(response.Body).Decode(&feed); err != nil {
		return 0, err
	}
	rate, ok := feed["GBYTE_USD"]
	if !ok || rate <= 0 {
		return 0, ErrRateUnavailable
	}
	return rate, nil
}
