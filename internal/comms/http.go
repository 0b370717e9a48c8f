package comms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// CallerConfig tunes the transport behavior of collaborator calls.
// The transport retry here is a small bounded loop for network blips,
// nested inside and distinct from the minutes-scale saga retry driven
// by the scheduler.
type CallerConfig struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	MaxAttempts    int
	RetryBackoff   time.Duration
}

// Caller issues JSON POSTs to a collaborator and normalizes every
// outcome into a Result.
type Caller struct {
	client *http.Client
	cfg    CallerConfig
	logger *zap.Logger
}

// NewCaller builds an HTTP caller with connect/read timeouts applied
// at the transport level.
func NewCaller(cfg CallerConfig) *Caller {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	return &Caller{
		client: &http.Client{
			Timeout: cfg.ReadTimeout,
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				MaxIdleConnsPerHost: 10,
			},
		},
		cfg:    cfg,
		logger: util.GetLogger(),
	}
}

// Post sends the request body to url, retrying transient transport
// failures and 5xx responses up to MaxAttempts. The response body is
// expected to be a Result-shaped JSON document.
func (c *Caller) Post(ctx context.Context, operation, url string, body interface{}) Result {
	start := time.Now()
	defer func() {
		util.StepCallLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}()

	payload, err := json.Marshal(body)
	if err != nil {
		return Result{Success: false, Retryable: false, Message: fmt.Sprintf("failed to encode request: %v", err)}
	}

	var last Result
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		result, transient := c.once(ctx, url, payload)
		if !transient {
			return result
		}
		last = result

		c.logger.Warn("Collaborator call failed, will retry at transport level",
			zap.String("operation", operation),
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.String("message", result.Message))

		if attempt == c.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return Result{Success: false, Retryable: true, Message: ctx.Err().Error()}
		case <-time.After(c.cfg.RetryBackoff * time.Duration(attempt)):
		}
	}

	// Transport retries exhausted; hand the decision up to the saga
	// layer as a retryable failure.
	last.Retryable = true
	return last
}

// once performs a single attempt. transient reports whether the
// failure is worth another transport attempt.
func (c *Caller) once(ctx context.Context, url string, payload []byte) (result Result, transient bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Result{Success: false, Retryable: false, Message: err.Error()}, false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		// Timeouts and connection errors are never interpreted as
		// success; the call may or may not have landed remotely.
		return Result{Success: false, Retryable: true, Message: err.Error()}, true
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Result{
			Success:   false,
			Retryable: true,
			Message:   fmt.Sprintf("collaborator returned %d", resp.StatusCode),
		}, true
	}

	var decoded Result
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{
			Success:   false,
			Retryable: true,
			Message:   fmt.Sprintf("failed to decode response: %v", err),
		}, true
	}

	if resp.StatusCode >= 400 {
		// Definitive business rejection from the collaborator.
		decoded.Success = false
		decoded.Retryable = false
		if decoded.Message == "" {
			decoded.Message = fmt.Sprintf("collaborator rejected request with %d", resp.StatusCode)
		}
		return decoded, false
	}

	return decoded, false
}
