package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitwager",
		Name:      "verifications_total",
		Help:      "Verification pipeline runs by outcome.",
	}, []string{"outcome"})

	verificationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fitwager",
		Name:      "verification_duration_seconds",
		Help:      "Wall time of verification pipeline runs.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	verificationsShared = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fitwager",
		Name:      "verifications_shared_total",
		Help:      "Verify calls answered by an in-flight run for the same participant.",
	})

	resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitwager",
		Name:      "winner_resolutions_total",
		Help:      "Challenges ended, by win method.",
	}, []string{"method"})
)

// outcomeLabel buckets an error into a low-cardinality metric label
func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case isAny(err, ErrCredentialExpired):
		return "credential_expired"
	case isAny(err, ErrProviderError):
		return "provider_error"
	case isAny(err, ErrInvalidWindow):
		return "invalid_window"
	case isAny(err, ErrNotFound):
		return "not_found"
	case isAny(err, ErrNotJoined, ErrChallengeExpired, ErrAlreadyEnded):
		return "rejected"
	default:
		return "error"
	}
}
