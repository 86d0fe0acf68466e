// Package prediction gates buys on an external classification service.
// Rejections are counted per token; after enough consecutive failures the
// token is parked so evaluations stop hitting the service.
package prediction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mindmap-trading-bot/internal/cache"
	"mindmap-trading-bot/internal/database"
	"mindmap-trading-bot/internal/errs"
	"mindmap-trading-bot/internal/logging"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
)

const (
	// ConfidenceThreshold is the minimum confidence (0-100) to approve.
	ConfidenceThreshold = 65.0

	// MaxRetries is the rejection count after which a token is parked.
	MaxRetries = 3

	// RetryTTL bounds both the rejection counter and the parked state, so
	// a token gets a fresh chance after an hour.
	RetryTTL = 1 * time.Hour

	// rpcAttempts and rpcMaxDelay shape the per-call backoff.
	rpcAttempts = 3
	rpcMaxDelay = 10 * time.Second
)

const (
	retriesKeyPrefix = "prediction:retries"
	failedKeyPrefix  = "prediction:failed"
)

// Service is the classification RPC surface.
type Service interface {
	Predict(ctx context.Context, mint string) (*database.Prediction, error)
}

// Client wraps the service with the confidence gate and retry bookkeeping.
type Client struct {
	service Service
	store   *cache.Store
	log     *logging.Logger
}

// NewClient wires the gate to its service and bookkeeping store.
func NewClient(service Service, store *cache.Store) *Client {
	return &Client{
		service: service,
		store:   store,
		log:     logging.WithComponent("prediction"),
	}
}

func retriesKey(mint string) string { return fmt.Sprintf("%s:%s", retriesKeyPrefix, mint) }
func failedKey(mint string) string  { return fmt.Sprintf("%s:%s", failedKeyPrefix, mint) }

// Evaluate returns the prediction and whether the token is approved for a
// buy. Network failures count as non-approval. A parked token
// short-circuits without calling the service.
func (c *Client) Evaluate(ctx context.Context, mint string) (*database.Prediction, bool) {
	if c.store.Exists(ctx, failedKey(mint)) {
		c.log.Info("prediction permanently failed, skipping evaluation", "mint", mint)
		return nil, false
	}

	pred, err := c.predict(ctx, mint)
	if err != nil {
		c.log.Warn("prediction call failed", "mint", mint, "error", err)
		c.recordRejection(ctx, mint)
		return nil, false
	}

	if pred.Probability != nil {
		pred.Confidence = *pred.Probability * 100
	}
	pred.Approved = pred.ClassLabel == "good" && pred.Confidence >= ConfidenceThreshold

	if !pred.Approved {
		c.log.Info("prediction rejected",
			"mint", mint, "class", pred.ClassLabel, "confidence", pred.Confidence)
		c.recordRejection(ctx, mint)
		return pred, false
	}

	c.store.Delete(ctx, retriesKey(mint))
	return pred, true
}

func (c *Client) predict(ctx context.Context, mint string) (*database.Prediction, error) {
	var pred *database.Prediction

	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = rpcMaxDelay

	op := func() error {
		p, err := c.service.Predict(ctx, mint)
		if err != nil {
			// Transport failures retry; only a non-retryable API status
			// (plain 4xx) gives up early.
			var apiErr *errs.APIError
			if errors.As(err, &apiErr) && !apiErr.Retryable() {
				return backoff.Permanent(err)
			}
			return err
		}
		pred = p
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(policy, rpcAttempts-1), ctx))
	if err != nil {
		return nil, err
	}
	return pred, nil
}

// recordRejection counts the failure and parks the token once the count
// reaches the limit.
func (c *Client) recordRejection(ctx context.Context, mint string) {
	n := c.store.Incr(ctx, retriesKey(mint), RetryTTL)
	if n >= MaxRetries {
		c.store.Set(ctx, failedKey(mint), "1", RetryTTL)
		c.log.Warn("prediction permanently failed", "mint", mint, "rejections", n)
	}
}

// --- resty-backed service ---

// HTTPService calls the prediction RPC over HTTP.
type HTTPService struct {
	http *resty.Client
}

// NewHTTPService builds the service against the RPC base URL.
func NewHTTPService(baseURL, apiKey string) *HTTPService {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		http.SetHeader("X-API-Key", apiKey)
	}
	return &HTTPService{http: http}
}

// Predict implements Service.
func (s *HTTPService) Predict(ctx context.Context, mint string) (*database.Prediction, error) {
	var out struct {
		TaskType    string   `json:"task_type"`
		ClassLabel  string   `json:"class_label"`
		Probability *float64 `json:"probability"`
		Value       *float64 `json:"value"`
	}

	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{"mint": mint}).
		SetResult(&out).
		Post("/predict")
	if err != nil {
		return nil, fmt.Errorf("prediction rpc: %w", err)
	}
	if resp.IsError() {
		return nil, &errs.APIError{Status: resp.StatusCode(), Body: string(resp.Body())}
	}

	return &database.Prediction{
		TaskType:    out.TaskType,
		ClassLabel:  out.ClassLabel,
		Probability: out.Probability,
		Value:       out.Value,
	}, nil
}
