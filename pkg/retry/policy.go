// Package retry derives a task's Retry/Fallback/Abort strategy from
// its on_error configuration and drives the attempt loop, including
// the fallback-agent call tried once after the primary exhausts
// retries.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/smilemakc/agentflow/pkg/models"
)

// StrategyKind is the closed set of error-handling strategies.
type StrategyKind string

const (
	StrategyRetry    StrategyKind = "retry"
	StrategyFallback StrategyKind = "fallback"
	StrategyAbort    StrategyKind = "abort"
)

// maxBackoff caps exponential backoff delay regardless of attempt
// count or configured base delay (spec's fixed 60s policy choice).
const maxBackoff = 60 * time.Second

// Strategy is the derived error-handling behavior for one task.
type Strategy struct {
	Kind          StrategyKind
	MaxAttempts   int
	FallbackAgent string
}

// Derive picks Fallback (if a fallback agent is named, taking
// precedence over retry), else Retry (if a positive retry count is
// configured), else Abort.
func Derive(onError *models.OnError) Strategy {
	if onError == nil {
		return Strategy{Kind: StrategyAbort, MaxAttempts: 1}
	}
	if onError.FallbackAgent != "" {
		attempts := onError.Retry
		if attempts < 1 {
			attempts = 1
		}
		return Strategy{Kind: StrategyFallback, MaxAttempts: attempts, FallbackAgent: onError.FallbackAgent}
	}
	if onError.Retry > 0 {
		return Strategy{Kind: StrategyRetry, MaxAttempts: onError.Retry}
	}
	return Strategy{Kind: StrategyAbort, MaxAttempts: 1}
}

// Delay computes the wait before attempt (1-indexed) given on_error's
// base delay and exponential-backoff flag, capped at 60s.
func Delay(onError *models.OnError, attempt int) time.Duration {
	base := 1.0
	if onError != nil && onError.RetryDelaySecs > 0 {
		base = onError.RetryDelaySecs
	}
	if onError == nil || !onError.ExponentialBackoff {
		return time.Duration(base * float64(time.Second))
	}

	delaySecs := base * math.Pow(2, float64(attempt-1))
	delay := time.Duration(delaySecs * float64(time.Second))
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}

// AttemptFunc runs one numbered attempt (1-indexed) and returns its
// textual output.
type AttemptFunc func(ctx context.Context, attempt int) (string, error)

// FallbackFunc runs the single fallback call after the primary
// strategy exhausts its retries.
type FallbackFunc func(ctx context.Context) (string, error)

// Run drives attempt up to the derived strategy's max attempts,
// waiting Delay between failures, invoking onRetry (if non-nil)
// before each wait, and — for a Fallback strategy — trying fallback
// once after the primary is exhausted. A Fallback failure's error
// joins both the primary and fallback error text, per spec.
func Run(ctx context.Context, onError *models.OnError, attempt AttemptFunc, fallback FallbackFunc, onRetry func(attemptNum int, err error)) (string, error) {
	strategy := Derive(onError)
	maxAttempts := strategy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for a := 1; a <= maxAttempts; a++ {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("retry: cancelled: %w", ctx.Err())
		default:
		}

		out, err := attempt(ctx, a)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if a >= maxAttempts {
			break
		}
		if onRetry != nil {
			onRetry(a, err)
		}

		delay := Delay(onError, a)
		if delay > 0 {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("retry: cancelled during backoff: %w", ctx.Err())
			case <-time.After(delay):
			}
		}
	}

	if strategy.Kind == StrategyFallback && fallback != nil {
		out, fbErr := fallback(ctx)
		if fbErr == nil {
			return out, nil
		}
		return "", fmt.Errorf("primary failed: %v; fallback failed: %w", lastErr, fbErr)
	}

	return "", fmt.Errorf("all retry attempts failed: %w", lastErr)
}
