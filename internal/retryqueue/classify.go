package retryqueue

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/vietddude/ingestor/internal/core/domain"
)

// StatusCoder is implemented by errors carrying an HTTP status code, such as
// failed webhook deliveries.
type StatusCoder interface {
	StatusCode() int
}

// Classify maps a failed attempt's error onto the retry taxonomy. It never
// panics and falls back to unknown when nothing matches.
func Classify(err error) domain.ErrorType {
	if err == nil {
		return domain.ErrorTypeUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrorTypeTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return domain.ErrorTypeTimeout
		}
		return domain.ErrorTypeNetwork
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return classifyStatusCode(sc.StatusCode())
	}

	lower := strings.ToLower(err.Error())
	switch {
	case containsAny(lower, timeoutTokens):
		return domain.ErrorTypeTimeout
	case containsAny(lower, rateLimitTokens):
		return domain.ErrorTypeRateLimit
	case containsAny(lower, validationTokens):
		return domain.ErrorTypeValidation
	case containsAny(lower, networkTokens):
		return domain.ErrorTypeNetwork
	case containsAny(lower, serverTokens):
		return domain.ErrorTypeServer
	default:
		return domain.ErrorTypeUnknown
	}
}

func classifyStatusCode(code int) domain.ErrorType {
	switch {
	case code == 429:
		return domain.ErrorTypeRateLimit
	case code == 408:
		return domain.ErrorTypeTimeout
	case code >= 500:
		return domain.ErrorTypeServer
	case code >= 400:
		return domain.ErrorTypeValidation
	default:
		return domain.ErrorTypeUnknown
	}
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var (
	timeoutTokens = []string{
		"timeout",
		"timed out",
		"deadline exceeded",
	}
	rateLimitTokens = []string{
		"rate limit",
		"too many requests",
		"429",
		"quota",
	}
	validationTokens = []string{
		"validation",
		"invalid payload",
		"invalid argument",
		"malformed",
		"bad request",
		"unprocessable",
	}
	networkTokens = []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"econnreset",
		"econnrefused",
		"network",
	}
	serverTokens = []string{
		"500",
		"502",
		"503",
		"504",
		"internal server error",
		"bad gateway",
		"service unavailable",
	}
)
