package dispatcher

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/newrelic/newrelic-logs-shipper/delivery"
)

type stats struct {
	records   atomic.Int64
	payloads  atomic.Int64
	oversized atomic.Int64
	delivered atomic.Int64
	rejected  atomic.Int64
	exhausted atomic.Int64
	inFlight  atomic.Int64
}

func (s *stats) record(r delivery.Result) {
	switch r.Outcome {
	case delivery.OutcomeDelivered:
		s.delivered.Add(1)
	case delivery.OutcomeRejected:
		s.rejected.Add(1)
	default:
		s.exhausted.Add(1)
	}
}

// Stats is a snapshot of the dispatcher counters.
type Stats struct {
	Records   int64 `json:"records"`
	Payloads  int64 `json:"payloads"`
	Oversized int64 `json:"oversized_records"`
	Delivered int64 `json:"delivered"`
	Rejected  int64 `json:"rejected"`
	Exhausted int64 `json:"retries_exhausted"`
	// Pending counts queued and in flight payloads.
	Pending int64 `json:"pending"`
}

// Fields renders the snapshot as log fields.
func (s Stats) Fields() logrus.Fields {
	return logrus.Fields{
		"records":           s.Records,
		"payloads":          s.Payloads,
		"oversized_records": s.Oversized,
		"delivered":         s.Delivered,
		"rejected":          s.Rejected,
		"retries_exhausted": s.Exhausted,
		"pending":           s.Pending,
	}
}

// Stats returns the current counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	queued := int64(len(d.queue))
	d.mu.Unlock()

	return Stats{
		Records:   d.stats.records.Load(),
		Payloads:  d.stats.payloads.Load(),
		Oversized: d.stats.oversized.Load(),
		Delivered: d.stats.delivered.Load(),
		Rejected:  d.stats.rejected.Load(),
		Exhausted: d.stats.exhausted.Load(),
		Pending:   queued + d.stats.inFlight.Load(),
	}
}
