package paperless

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/papersync/papersync/pkg/engine"
)

// classifyStatus turns a non-2xx response into a classified engine error.
func classifyStatus(method, endpoint string, status int, body []byte) *engine.EngineError {
	message := fmt.Sprintf("%s %s returned %d", method, endpoint, status)
	cause := fmt.Errorf("%s", summarizeBody(body))

	var err *engine.EngineError
	switch {
	case status == http.StatusTooManyRequests:
		err = engine.NewThrottledError(message, cause).WithCode(engine.ErrCodeRateLimited)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		err = engine.NewTransientError(message, cause).WithCode(engine.ErrCodeTimeout)
	case status >= http.StatusInternalServerError:
		err = engine.NewTransientError(message, cause).WithCode(engine.ErrCodeInternal)
	case status == http.StatusConflict:
		err = engine.NewConflictError(message, cause).WithCode(engine.ErrCodeConflict)
	case status == http.StatusNotFound:
		err = engine.NewPermanentError(message, cause).WithCode(engine.ErrCodeNotFound)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		err = engine.NewPermanentError(message, cause).WithCode(engine.ErrCodePermissionDenied)
	default:
		err = engine.NewPermanentError(message, cause).WithCode(engine.ErrCodeValidation)
	}
	return err.WithOperation(strings.ToLower(method)).WithDetail("status", status)
}

func transportError(method, endpoint string, err error) *engine.EngineError {
	return engine.NewTransientError(fmt.Sprintf("%s %s failed", method, endpoint), err).
		WithOperation(strings.ToLower(method))
}

// summarizeBody keeps error bodies short enough for a log line. The result
// is valid UTF-8 of at most limit bytes plus the ellipsis.
func summarizeBody(body []byte) string {
	text := strings.TrimSpace(strings.ToValidUTF8(string(body), "\uFFFD"))
	if text == "" {
		return "empty response body"
	}
	text = strings.Join(strings.Fields(text), " ")
	const limit = 256
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(header http.Header) time.Duration {
	value := strings.TrimSpace(header.Get("Retry-After"))
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
