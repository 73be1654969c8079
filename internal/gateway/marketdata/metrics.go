package marketdata

import "sync/atomic"

// Stats 网关请求计数快照,供 /stats 与排障用。
type Stats struct {
	ChartRequests      uint64 `json:"chart_requests"`
	IndicatorRequests  uint64 `json:"indicator_requests"`
	MetricsRequests    uint64 `json:"metrics_requests"`
	DivergenceRequests uint64 `json:"divergence_requests"`
	Errors             uint64 `json:"errors"`
}

type counters struct {
	chart      atomic.Uint64
	indicators atomic.Uint64
	metrics    atomic.Uint64
	divergence atomic.Uint64
	errors     atomic.Uint64
}

func (c *Client) Stats() Stats {
	return Stats{
		ChartRequests:      c.counters.chart.Load(),
		IndicatorRequests:  c.counters.indicators.Load(),
		MetricsRequests:    c.counters.metrics.Load(),
		DivergenceRequests: c.counters.divergence.Load(),
		Errors:             c.counters.errors.Load(),
	}
}
