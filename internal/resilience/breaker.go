package resilience

import (
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/ddm-net/ddm/internal/ddmerrors"
)

// PeerBreaker is a circuit breaker guarding HTTP calls that return a
// decoded response body.
type PeerBreaker = gobreaker.CircuitBreaker[any]

// NewPeerBreaker builds a circuit breaker guarding HTTP calls to a single
// peer site or the registry, tripping after a run of consecutive failures
// so the step runner's scan loop stops hammering an unreachable peer.
func NewPeerBreaker(name string) *PeerBreaker {
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A peer answering NotYetAvailable is reachable; the scan loop
		// polls it until the input appears.
		IsSuccessful: func(err error) bool {
			return err == nil || ddmerrors.Is(err, ddmerrors.NotYetAvailable)
		},
	})
}
