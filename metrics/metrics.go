package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks operation counts and timings for the voting core.
type Metrics struct {
	TokensIssued   prometheus.Counter
	TokensConsumed prometheus.Counter
	TokensExpired  prometheus.Counter
	TokensRevoked  prometheus.Counter
	BallotsCast    *prometheus.CounterVec
	AuditEntries   prometheus.Counter
	TalliesRun     *prometheus.CounterVec
	TallySeconds   prometheus.Histogram
}

// New creates the collectors and registers them against promRegistry. A nil
// registry yields working but unregistered collectors, which keeps call
// sites free of guards in tests.
func New(promRegistry prometheus.Registerer) *Metrics {
	if promRegistry == nil {
		promRegistry = prometheus.NewRegistry()
	}
	factory := promauto.With(promRegistry)
	return &Metrics{
		TokensIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "votecore_tokens_issued_total",
			Help: "Total number of blind tokens issued",
		}),
		TokensConsumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "votecore_tokens_consumed_total",
			Help: "Total number of blind tokens consumed",
		}),
		TokensExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "votecore_tokens_expired_total",
			Help: "Total number of blind tokens expired by the sweeper",
		}),
		TokensRevoked: factory.NewCounter(prometheus.CounterOpts{
			Name: "votecore_tokens_revoked_total",
			Help: "Total number of blind tokens revoked",
		}),
		BallotsCast: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "votecore_ballots_cast_total",
			Help: "Total number of ballots appended to the chain",
		}, []string{"type"}),
		AuditEntries: factory.NewCounter(prometheus.CounterOpts{
			Name: "votecore_audit_entries_total",
			Help: "Total number of audit log entries appended",
		}),
		TalliesRun: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "votecore_tallies_total",
			Help: "Total number of tally runs by outcome",
		}, []string{"outcome"}),
		TallySeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "votecore_tally_duration_seconds",
			Help:    "Wall-clock duration of tally runs",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
