package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"creator-sync/internal/models"
	"creator-sync/internal/security"
)

// apiCaller is the transport shared by the provider clients: pooled HTTP,
// per-provider pacing, circuit breaking, and in-call retry with backoff.
type apiCaller struct {
	name    models.ProviderKind
	log     *slog.Logger
	http    *http.Client
	pacer   *security.Pacer
	breaker *CircuitBreaker
	retry   RetryConfig
}

func newAPICaller(name models.ProviderKind, log *slog.Logger, httpClient *http.Client, pacer *security.Pacer) *apiCaller {
	return &apiCaller{
		name:    name,
		log:     log,
		http:    httpClient,
		pacer:   pacer,
		breaker: NewCircuitBreaker(),
		retry:   DefaultRetryConfig(),
	}
}

// getJSON performs one logical provider call: transient failures are retried
// inside it, everything else comes back as a classified *CallError.
func (c *apiCaller) getJSON(ctx context.Context, url, accessToken string, out interface{}) error {
	if !c.breaker.Allow() {
		return &CallError{
			Class: ClassTransient,
			Err:   fmt.Errorf("circuit breaker %s for %s", c.breaker.StateString(), c.name),
		}
	}

	if err := c.pacer.Wait(ctx, string(c.name)); err != nil {
		return &CallError{Class: ClassTransient, Err: err}
	}

	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return &CallError{Class: ClassFatal, Err: fmt.Errorf("build request: %w", err)}
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "creator-sync/1.0")

		resp, err := c.http.Do(req)
		if err != nil {
			if !Retryable(err) {
				return &CallError{Class: ClassTransient, Err: err}
			}
			lastErr = err
			c.log.Warn("provider_request_failed", "provider", c.name, "attempt", attempt+1, "error", err)
			if attempt < c.retry.MaxRetries {
				sleepCtx(ctx, CalculateBackoff(c.retry, attempt, 0))
			}
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			resp.Body.Close()
			lastErr = fmt.Errorf("rate limited by %s", c.name)
			c.log.Warn("provider_rate_limited", "provider", c.name, "attempt", attempt+1, "retry_after", retryAfter)
			if attempt < c.retry.MaxRetries {
				sleepCtx(ctx, CalculateBackoff(c.retry, attempt, retryAfter))
			}
			continue
		}

		if resp.StatusCode >= 500 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			resp.Body.Close()
			lastErr = fmt.Errorf("%s server error: status=%d body=%s", c.name, resp.StatusCode, string(body))
			c.log.Warn("provider_server_error", "provider", c.name, "status", resp.StatusCode, "attempt", attempt+1)
			if attempt < c.retry.MaxRetries {
				sleepCtx(ctx, CalculateBackoff(c.retry, attempt, 0))
			}
			continue
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			resp.Body.Close()
			class := ClassifyStatus(resp.StatusCode)
			if class != ClassTransient {
				c.breaker.RecordFailure()
			}
			return &CallError{
				Class:      class,
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("%s api error: status=%d body=%s", c.name, resp.StatusCode, string(body)),
			}
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			c.breaker.RecordFailure()
			return &CallError{Class: ClassTransient, Err: fmt.Errorf("decode %s response: %w", c.name, err)}
		}

		c.breaker.RecordSuccess()
		return nil
	}

	c.breaker.RecordFailure()
	if lastErr == nil {
		lastErr = errors.New("retries exhausted")
	}
	return &CallError{Class: ClassTransient, Err: lastErr}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
