package smartapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"smartfeed/config"
	"smartfeed/internal/models"
	"smartfeed/logger"
)

const (
	candleDataPath = "/rest/secure/angelbroking/historical/v1/getCandleData"
	userAgent      = "smartfeed/1.0"
)

// envelope is the upstream response wrapper. A true status carries the
// payload in data; a false one carries a human readable message.
type envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

// Client calls the SmartAPI REST endpoints used by the poll queue. It
// implements historical.CandleFetcher.
type Client struct {
	baseURL string
	creds   config.CredentialsConfig
	retry   config.RetryConfig
	http    *http.Client
	log     *logger.Log
	localIP string
}

// NewClient builds a REST client. All four credential fields are attached
// as headers on every request.
func NewClient(cfg config.HistoricalConfig, creds config.CredentialsConfig) *Client {
	return &Client{
		baseURL: cfg.URL,
		creds:   creds,
		retry:   cfg.Retry,
		http: &http.Client{
			Timeout: cfg.FetchTimeout,
			Transport: userAgentTransport{
				agent: userAgent,
				base:  http.DefaultTransport,
			},
		},
		log:     logger.GetLogger(),
		localIP: localIP(),
	}
}

// FetchCandles retrieves one instrument's candles for one interval. The
// request's date bounds are computed by the caller; this client never
// derives them.
func (c *Client) FetchCandles(ctx context.Context, req models.CandleRequest) ([]models.Candle, error) {
	if req.Exchange == "" || req.SymbolToken == "" || req.Interval == "" || req.FromDate == "" || req.ToDate == "" {
		return nil, fmt.Errorf("candle request is missing required params")
	}

	log := c.log.WithComponent("smartapi_client").WithFields(logger.Fields{
		"token":    req.SymbolToken,
		"interval": req.Interval,
	})

	var lastErr error
	delay := c.retry.BaseDelay
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > c.retry.MaxDelay {
				delay = c.retry.MaxDelay
			}
		}

		candles, err := c.fetchOnce(ctx, req)
		if err == nil {
			return candles, nil
		}
		lastErr = err
		log.WithError(err).WithFields(logger.Fields{"attempt": attempt}).Warn("candle fetch attempt failed")
	}
	return nil, fmt.Errorf("fetch candles for %s: %w", req.SymbolToken, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, req models.CandleRequest) ([]models.Candle, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal candle request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+candleDataPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build candle request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("candle request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("candle request returned %d: %s", resp.StatusCode, payload)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode candle response: %w", err)
	}
	if !env.Status {
		return nil, fmt.Errorf("upstream rejected candle request: %s (%s)", env.Message, env.ErrorCode)
	}

	var candles []models.Candle
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &candles); err != nil {
			return nil, fmt.Errorf("decode candles: %w", err)
		}
	}
	return candles, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.creds.AccessToken)
	req.Header.Set("X-PrivateKey", c.creds.APIKey)
	req.Header.Set("X-ClientCode", c.creds.ClientID)
	req.Header.Set("X-FeedToken", c.creds.FeedToken)
	req.Header.Set("X-UserType", "USER")
	req.Header.Set("X-SourceID", "WEB")
	req.Header.Set("X-ClientLocalIP", c.localIP)
	req.Header.Set("X-ClientPublicIP", c.localIP)
	req.Header.Set("X-MACAddress", "00:00:00:00:00:00")
}

// localIP returns the first non-loopback IPv4 address, falling back to
// loopback when none is available.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String()
		}
	}
	return "127.0.0.1"
}
