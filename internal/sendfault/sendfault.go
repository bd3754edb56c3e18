// Package sendfault defines the failure taxonomy shared by both outbound
// channels. Every provider error is classified into exactly one class, and
// the class decides retry behavior: configuration errors abort before any
// provider call, throttling and transient faults are retried with backoff,
// validation errors are fatal for the affected job or number only.
package sendfault

import (
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"
)

// Class is the retry classification of a send failure.
type Class int

const (
	// ClassTransient covers timeouts, connection resets and provider 5xx.
	// Retryable up to max attempts. Unknown errors classify transient,
	// because network faults rarely arrive as typed values.
	ClassTransient Class = iota
	// ClassThrottled means the provider explicitly signaled rate limiting.
	// Always retryable.
	ClassThrottled
	// ClassValidation covers provider 4xx other than throttling and locally
	// detected bad input. Fatal for the affected item.
	ClassValidation
	// ClassConfig covers missing credentials or required settings. Fatal,
	// never retried, and detected before any provider call where possible.
	ClassConfig
)

// String returns the class name used in logs and stored error strings.
func (c Class) String() string {
	switch c {
	case ClassThrottled:
		return "throttled"
	case ClassValidation:
		return "validation"
	case ClassConfig:
		return "config"
	default:
		return "transient"
	}
}

// Retryable reports whether a failure of this class may be attempted again.
func (c Class) Retryable() bool {
	return c == ClassTransient || c == ClassThrottled
}

// ConfigError reports a missing credential or required setting.
type ConfigError struct {
	Setting string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s is not set", e.Setting)
}

// NewConfigError builds a ConfigError for the named setting.
func NewConfigError(setting string) error {
	return &ConfigError{Setting: setting}
}

// ThrottledError reports provider-signaled rate limiting.
type ThrottledError struct {
	Err error
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("provider throttled: %v", e.Err)
}

func (e *ThrottledError) Unwrap() error { return e.Err }

// Throttled wraps err as a ThrottledError.
func Throttled(err error) error {
	return &ThrottledError{Err: err}
}

// TransientError reports a retryable provider or network fault.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// ValidationError reports a permanently rejected item.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Invalid wraps err as a ValidationError.
func Invalid(err error) error {
	return &ValidationError{Err: err}
}

// Classify maps an error to its failure class. A nil error has no class;
// callers must not pass one.
func Classify(err error) Class {
	var cfg *ConfigError
	if errors.As(err, &cfg) {
		return ClassConfig
	}
	var thr *ThrottledError
	if errors.As(err, &thr) {
		return ClassThrottled
	}
	var val *ValidationError
	if errors.As(err, &val) {
		return ClassValidation
	}
	return ClassTransient
}

// ClassifyStatus maps an HTTP status code from a provider response to a
// failure class: 429 throttled, 5xx transient, other 4xx validation.
func ClassifyStatus(code int) Class {
	switch {
	case code == http.StatusTooManyRequests:
		return ClassThrottled
	case code >= 500:
		return ClassTransient
	case code >= 400:
		return ClassValidation
	default:
		return ClassTransient
	}
}

// RetryDelay computes the requeue delay for the given attempt number
// (1-based): base * 2^(attempt-1) plus random jitter in [0, base). The
// deterministic component is non-decreasing in attempt.
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base * (1 << (attempt - 1))
	jitter := time.Duration(rand.Int63n(int64(base)))
	return delay + jitter
}
