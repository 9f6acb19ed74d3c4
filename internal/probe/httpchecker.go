package probe

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hamed0406/healthpipe/internal/domain"
)

// maxBodyBytes bounds how much of a response body is drained before the
// timing stops.
const maxBodyBytes = 1 << 20

type HTTPChecker struct {
	Client *http.Client
}

// NewHTTPChecker returns a checker whose probes give up after timeout.
func NewHTTPChecker(timeout time.Duration) *HTTPChecker {
	return &HTTPChecker{
		Client: &http.Client{Timeout: timeout},
	}
}

// Check issues one GET and classifies the outcome. Elapsed time runs from
// request start until the (bounded) body has been read.
func (h *HTTPChecker) Check(ctx context.Context, target string) domain.HealthObservation {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return domain.Unreachable(target)
	}

	start := time.Now()
	resp, err := h.Client.Do(req)
	if err != nil {
		return failure(target, err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes)); err != nil && isTimeout(err) {
		return domain.TimedOut(target)
	}
	return domain.Observed(target, resp.StatusCode, time.Since(start))
}

func failure(target string, err error) domain.HealthObservation {
	if isTimeout(err) {
		return domain.TimedOut(target)
	}
	return domain.Unreachable(target)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
