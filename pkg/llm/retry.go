package llm

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/redcell/kernel/pkg/kernelerrors"
)

// ErrorClass buckets a Chat failure for retry purposes (spec.md §4.5 item
// 5 / §7: "retry once ... longer backoff for rate-limit errors, fatal for
// auth/OOM/permission errors").
type ErrorClass int

const (
	// ClassTransient covers ordinary transient failures (connection
	// reset, timeout, 5xx) — retried at the base backoff rate.
	ClassTransient ErrorClass = iota

	// ClassRateLimited is a 429/"rate limit" style response — retried,
	// but at a multiplied backoff so the caller backs off harder.
	ClassRateLimited

	// ClassFatal is not retried at all (bad API key, permission denied,
	// the provider process itself out of memory).
	ClassFatal
)

// Classifier maps a Chat error to its retry class. DefaultClassifier
// covers the common provider error-message substrings; callers whose
// Client wraps a specific provider's error types can supply a more
// precise Classifier.
type Classifier func(err error) ErrorClass

// DefaultClassifier recognises the error phrasing common across the
// OpenAI/Anthropic/Gemini-style providers the teacher's pkg/llms package
// wraps: "rate limit"/"429" for ClassRateLimited, and
// "unauthorized"/"forbidden"/"invalid api key"/"out of memory" for
// ClassFatal. An error of kind kernelerrors.NetworkFatal is ClassFatal
// whatever its text. Everything else is ClassTransient.
func DefaultClassifier(err error) ErrorClass {
	if err == nil {
		return ClassTransient
	}
	if kernelerrors.Is(err, kernelerrors.NetworkFatal) {
		return ClassFatal
	}
	msg := strings.ToLower(err.Error())

	fatalSubstrings := []string{
		"unauthorized", "forbidden", "invalid api key", "invalid_api_key",
		"authentication", "permission denied", "out of memory", "oom",
	}
	for _, s := range fatalSubstrings {
		if strings.Contains(msg, s) {
			return ClassFatal
		}
	}

	rateLimitSubstrings := []string{"rate limit", "rate_limit", "429", "too many requests"}
	for _, s := range rateLimitSubstrings {
		if strings.Contains(msg, s) {
			return ClassRateLimited
		}
	}

	return ClassTransient
}

// rateLimitMultiplier is how much harder the backoff leans when the last
// failure was rate-limited.
const rateLimitMultiplier = 4

// adaptiveBackOff wraps an ExponentialBackOff, multiplying the interval
// it returns whenever the caller has flagged the most recent failure as
// rate-limited. backoff.BackOff has no per-error hook, so the flag is set
// from the retried operation itself just before returning the error.
type adaptiveBackOff struct {
	base        *backoff.ExponentialBackOff
	rateLimited atomic.Bool
}

func newAdaptiveBackOff() *adaptiveBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return &adaptiveBackOff{base: b}
}

func (a *adaptiveBackOff) NextBackOff() time.Duration {
	d := a.base.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if a.rateLimited.Load() {
		return d * rateLimitMultiplier
	}
	return d
}

func (a *adaptiveBackOff) Reset() { a.base.Reset() }

// ChatWithRetry calls client.Chat, retrying transient and rate-limited
// failures with exponential backoff (rate-limited failures back off
// harder) and giving up immediately on a ClassFatal error. classify may
// be nil, in which case DefaultClassifier is used.
func ChatWithRetry(ctx context.Context, client Client, req Request, classify Classifier) (Response, error) {
	if classify == nil {
		classify = DefaultClassifier
	}

	bo := newAdaptiveBackOff()
	wrapped := backoff.WithContext(bo, ctx)

	var resp Response
	op := func() error {
		r, err := client.Chat(ctx, req)
		if err == nil {
			resp = r
			bo.rateLimited.Store(false)
			return nil
		}

		switch classify(err) {
		case ClassFatal:
			return backoff.Permanent(err)
		case ClassRateLimited:
			bo.rateLimited.Store(true)
			return err
		default:
			bo.rateLimited.Store(false)
			return err
		}
	}

	if err := backoff.Retry(op, wrapped); err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return Response{}, permanent.Unwrap()
		}
		return Response{}, err
	}
	return resp, nil
}
