package client

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/kjstillabower/weather-dashboard-api/internal/circuitbreaker"
)

// ErrorCategory is a stable label for error classification in metrics.
type ErrorCategory string

// Error category constants used as metric labels (cacheErrorsTotal, upstream logging).
const (
	ErrorCategoryTimeout          ErrorCategory = "timeout"
	ErrorCategoryNetwork          ErrorCategory = "network"
	ErrorCategoryCircuitOpen      ErrorCategory = "circuit_open"
	ErrorCategoryInvalidAPIKey    ErrorCategory = "invalid_api_key"
	ErrorCategoryLocationNotFound ErrorCategory = "location_not_found"
	ErrorCategoryRateLimited      ErrorCategory = "rate_limited"
	ErrorCategoryUpstream         ErrorCategory = "upstream_error"
	ErrorCategoryParsing          ErrorCategory = "parsing"
	ErrorCategoryUnknown          ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory for metrics.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return ErrorCategoryTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return ErrorCategoryTimeout
	case errors.Is(err, circuitbreaker.ErrOpen):
		return ErrorCategoryCircuitOpen
	case errors.Is(err, ErrInvalidAPIKey):
		return ErrorCategoryInvalidAPIKey
	case errors.Is(err, ErrLocationNotFound):
		return ErrorCategoryLocationNotFound
	case errors.Is(err, ErrRateLimited):
		return ErrorCategoryRateLimited
	}

	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		if strings.HasPrefix(upErr.Body, "parse response") {
			return ErrorCategoryParsing
		}
		return ErrorCategoryUpstream
	}

	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "i/o timeout"):
		return ErrorCategoryTimeout
	case errors.Is(err, ErrTransport) || strings.Contains(errStr, "connection"):
		return ErrorCategoryNetwork
	case strings.Contains(errStr, "parse") || strings.Contains(errStr, "unmarshal"):
		return ErrorCategoryParsing
	}
	return ErrorCategoryUnknown
}
