// Package bakong queries the payment network's transaction lookup API for a
// code fingerprint. Calls go through a circuit breaker and a bulkhead so a
// slow or failing network cannot stall checkout or the pollers.
package bakong

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"

	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/metrics"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/models"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/patterns"
)

const (
	// DefaultBaseURL is the production lookup API
	DefaultBaseURL = "https://api-bakong.nbc.gov.kh"

	checkPath   = "/v1/check_transaction_by_md5"
	serviceName = "payment-service"
)

// ErrNotConfigured is returned when no API token is set. Callers treat the
// order as still pending.
var ErrNotConfigured = errors.New("bakong lookup token not configured")

// Config configures a Client
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// BulkheadSize caps concurrent lookups; defaults to 10.
	BulkheadSize int
}

// Client calls the lookup API
type Client struct {
	http     *resty.Client
	token    string
	circuit  *patterns.CircuitBreakerWrapper
	bulkhead *patterns.Bulkhead
}

type checkRequest struct {
	MD5 string `json:"md5"`
}

type checkResponse struct {
	ResponseCode    int                     `json:"responseCode"`
	ResponseMessage string                  `json:"responseMessage"`
	ErrorCode       *int                    `json:"errorCode"`
	Data            *models.BankTransaction `json:"data"`
}

// NewClient builds a Client from cfg
func NewClient(cfg Config) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = patterns.SlowServiceTimeout
	}
	size := cfg.BulkheadSize
	if size <= 0 {
		size = 10
	}

	return &Client{
		http: resty.New().
			SetBaseURL(base).
			SetTimeout(timeout).
			SetRetryCount(0), // retries are the poller's job
		token:    cfg.Token,
		circuit:  patterns.NewCircuitBreaker("Bakong", serviceName),
		bulkhead: patterns.NewBulkhead(size, "bakong", serviceName),
	}
}

// Configured reports whether lookups can be made
func (c *Client) Configured() bool {
	return c.token != ""
}

// CircuitState exposes the breaker state for status endpoints
func (c *Client) CircuitState() string {
	return c.circuit.GetState()
}

// CircuitValue is CircuitState as 0=closed, 1=open, 2=half-open
func (c *Client) CircuitValue() int {
	return c.circuit.GetStateValue()
}

// CheckByMD5 looks up the transaction paying the code with fingerprint.
// It returns nil, nil while the network has no settled record.
func (c *Client) CheckByMD5(ctx context.Context, fingerprint string) (*models.BankTransaction, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	start := time.Now()
	var tx *models.BankTransaction

	err := c.bulkhead.Execute(ctx, func() error {
		result, cbErr := c.circuit.Execute(func() (interface{}, error) {
			return c.check(ctx, fingerprint)
		})
		if cbErr != nil {
			return cbErr
		}
		tx, _ = result.(*models.BankTransaction)
		return nil
	})

	outcome := "pending"
	switch {
	case err != nil:
		outcome = "error"
	case tx != nil:
		outcome = "settled"
	}
	metrics.PullCheckDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		log.WithFields(log.Fields{
			"fingerprint": fingerprint,
			"circuit":     c.circuit.GetState(),
			"bulkhead":    c.bulkhead.GetName(),
		}).WithError(err).Warn("Payment lookup failed")
		return nil, err
	}
	return tx, nil
}

func (c *Client) check(ctx context.Context, fingerprint string) (*models.BankTransaction, error) {
	resp, httpErr := c.http.R().
		SetContext(ctx).
		SetAuthToken(c.token).
		SetHeader("Content-Type", "application/json").
		SetBody(checkRequest{MD5: fingerprint}).
		Post(checkPath)
	if httpErr != nil {
		return nil, fmt.Errorf("HTTP error: %w", httpErr)
	}

	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("lookup API returned status %d: %s", resp.StatusCode(), resp.String())
	}

	var body checkResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if body.ResponseCode != 0 || body.Data == nil {
		log.WithFields(log.Fields{
			"fingerprint":      fingerprint,
			"response_code":    body.ResponseCode,
			"response_message": body.ResponseMessage,
		}).Debug("No settled transaction yet")
		return nil, nil
	}
	return body.Data, nil
}
