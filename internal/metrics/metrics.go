package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sync engine counters. Exposed on /metrics; aggregation (daily buckets,
// active-user sets) happens downstream, not here.
var (
	PushAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_push_envelopes_accepted_total",
		Help: "Envelopes accepted by the push handler.",
	})

	PushRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_push_envelopes_rejected_total",
		Help: "Envelopes rejected by the push handler, by reason.",
	}, []string{"reason"})

	PullRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_pull_records_total",
		Help: "Committed envelopes served through pull.",
	})

	OutboundBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_outbound_bytes_total",
		Help: "Response body bytes charged against user outbound quotas.",
	})

	GhostAttachmentsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_ghost_attachments_deleted_total",
		Help: "Orphaned attachments removed by ghost GC.",
	})

	StagedRowsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_staged_rows_swept_total",
		Help: "Expired staged rows removed by the TTL sweeper.",
	})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_requests_rate_limited_total",
		Help: "Requests refused by the per-user rate limiter.",
	})
)
