package probe

import (
	"context"
	"net/url"

	"github.com/hamed0406/healthpipe/internal/domain"
)

// Checker performs a single check for a given target URL.
//
// Implementations never return an error: every outcome, including timeouts
// and transport failures, is expressed as a domain.HealthObservation.
type Checker interface {
	Check(ctx context.Context, target string) domain.HealthObservation
}

// Host pulls the hostname from a URL string, falling back to the input.
func Host(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return raw
	}
	return u.Hostname()
}
