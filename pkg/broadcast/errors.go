package broadcast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Error variables for consistent error handling
var (
	ErrNoProvidersAvailable = errors.New("no eligible providers available")
	ErrSecurityRejected     = errors.New("transaction rejected by security checks")
)

// ErrorCategory classifies a provider-transport failure for
// observability. The category never changes how the health state
// machine transitions.
type ErrorCategory string

const (
	CategoryNetwork     ErrorCategory = "network"
	CategoryTimeout     ErrorCategory = "timeout"
	CategoryRateLimited ErrorCategory = "rate_limited"
	CategoryGeneric     ErrorCategory = "generic"
)

// ClassifyError derives an ErrorCategory from a raw provider error.
func ClassifyError(err error) ErrorCategory {
	if err == nil {
		return CategoryGeneric
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") || strings.Contains(msg, "too many requests"):
		return CategoryRateLimited
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return CategoryTimeout
	case strings.Contains(msg, "connection") || strings.Contains(msg, "refused") || strings.Contains(msg, "no such host"):
		return CategoryNetwork
	default:
		return CategoryGeneric
	}
}

// ConfigurationError reports an invalid strategy or monitor setting.
// It is raised at construction time, never at broadcast time.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// InsufficientProvidersError means fewer eligible providers exist than
// the minimum-success threshold requires.
type InsufficientProvidersError struct {
	Eligible int
	Required int
}

func (e *InsufficientProvidersError) Error() string {
	return fmt.Sprintf("insufficient providers: %d eligible, %d required", e.Eligible, e.Required)
}

// PartialBroadcastFailureError means the parallel broadcast settled
// below the minimum-success threshold. It carries both partitions so
// callers can diagnose which endpoints are unhealthy.
type PartialBroadcastFailureError struct {
	Successful []ProviderAttempt
	Failed     []ProviderAttempt
	Required   int
}

func (e *PartialBroadcastFailureError) Error() string {
	return fmt.Sprintf("partial broadcast failure: %d of %d required providers succeeded (%d failed)",
		len(e.Successful), e.Required, len(e.Failed))
}

// AllProvidersFailedError means every attempted provider in a failover
// broadcast failed. It carries every attempt's error.
type AllProvidersFailedError struct {
	Attempts []ProviderAttempt
}

func (e *AllProvidersFailedError) Error() string {
	return fmt.Sprintf("all providers failed after %d attempts", len(e.Attempts))
}

// ConsensusFailureError means enough providers succeeded but their
// responses disagree beyond tolerance, so correctness cannot be
// established.
type ConsensusFailureError struct {
	Consensus *ConsensusResult
}

func (e *ConsensusFailureError) Error() string {
	return fmt.Sprintf("consensus failure: %.1f%% agreement below %.1f%% threshold",
		e.Consensus.Agreement, e.Consensus.Threshold*100)
}

// BroadcastTimeoutError means the global broadcast budget expired
// before the minimum-success threshold was met.
type BroadcastTimeoutError struct {
	Timeout    time.Duration
	Successful []ProviderAttempt
	Failed     []ProviderAttempt
}

func (e *BroadcastTimeoutError) Error() string {
	return fmt.Sprintf("broadcast timed out after %s: %d succeeded, %d failed",
		e.Timeout, len(e.Successful), len(e.Failed))
}
