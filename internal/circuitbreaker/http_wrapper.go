package circuitbreaker

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper is an http.RoundTripper guarded by a circuit breaker.
// 5xx and 429 responses count as breaker failures; other 4xx do not.
type HTTPWrapper struct {
	base    http.RoundTripper
	cb      *CircuitBreaker
	name    string
	service string
	logger  *zap.Logger
}

// NewHTTPWrapper creates an HTTP wrapper with circuit breaker and metrics
func NewHTTPWrapper(base http.RoundTripper, name, service string, logger *zap.Logger) *HTTPWrapper {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := NewCircuitBreaker(name, GetHTTPConfig().ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(name, service, cb)
	return &HTTPWrapper{base: base, cb: cb, name: name, service: service, logger: logger}
}

// Client returns an http.Client whose transport is the wrapper
func (hw *HTTPWrapper) Client(timeout time.Duration) *http.Client {
	return &http.Client{Transport: hw, Timeout: timeout}
}

// RoundTrip executes the request through the circuit breaker
func (hw *HTTPWrapper) RoundTrip(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.cb.Execute(req.Context(), func() error {
		var rtErr error
		resp, rtErr = hw.base.RoundTrip(req)
		if rtErr != nil {
			return rtErr
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return &httpStatusError{code: resp.StatusCode}
		}
		return nil
	})

	GlobalMetricsCollector.RecordRequest(hw.name, hw.service, hw.cb.State(), err == nil)

	// The caller still gets the response for status-classified failures
	if _, ok := err.(*httpStatusError); ok {
		return resp, nil
	}
	return resp, err
}

// State exposes the breaker state for health reporting
func (hw *HTTPWrapper) State() State {
	return hw.cb.State()
}

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string { return http.StatusText(e.code) }
