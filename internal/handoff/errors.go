package handoff

import (
	"context"
	"errors"
	"net/http"

	"handoff-go/internal/control"
)

// Handoff failures. Errors returned by this package wrap one of these.
var (
	// ErrRoutingFailed reports that no live target was resolved for a handoff.
	ErrRoutingFailed = control.ErrRoutingFailed

	// ErrTargetWorkerGone reports that the target exited before a transfer reached it.
	ErrTargetWorkerGone = control.ErrTargetWorkerGone

	// ErrNoStrategy reports that no handoff strategy applies to the request,
	// such as an upgrade handoff for a request that is not an upgrade.
	ErrNoStrategy = errors.New("no handoff strategy applicable")

	// ErrAlreadyHandedOff reports a second handoff of the same request, or a
	// handoff of a request that was itself forwarded by another worker.
	ErrAlreadyHandedOff = errors.New("request already handed off")

	// ErrUpstreamProxy reports a failed side-channel call to the target.
	ErrUpstreamProxy = errors.New("upstream proxy error")

	// ErrResponseNotStarted reports a body write on a proxied response whose
	// head has not been sent.
	ErrResponseNotStarted = errors.New("proxied response head not written")

	// ErrUnknownSession reports a side-channel call for a correlation id with
	// no live session.
	ErrUnknownSession = errors.New("unknown relay session")
)

// statusFor maps a handoff failure to the status the client sees.
func statusFor(err error) int {
	if errors.Is(err, ErrRoutingFailed) {
		return http.StatusInternalServerError
	}
	return http.StatusServiceUnavailable
}

// outcome is the metrics label for a handoff result.
func outcome(err error) string {
	switch {
	case err == nil:
		return "relayed"
	case errors.Is(err, ErrRoutingFailed):
		return "routing_failed"
	case errors.Is(err, ErrUpstreamProxy):
		return "upstream_error"
	case errors.Is(err, context.Canceled):
		return "client_gone"
	default:
		return "failed"
	}
}
