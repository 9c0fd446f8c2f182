package multi

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// note: disconnect causes: orderly is a clean peer close, protocol covers
// every reject (bad magic, bad op, oversize, bad base), io is a socket or
// ledger failure.

type serverMetrics struct {
	set *metrics.Set

	client_connects_total    *metrics.Counter
	client_disconnects_total struct {
		orderly  *metrics.Counter
		protocol *metrics.Counter
		timeout  *metrics.Counter
		io       *metrics.Counter
		shutdown *metrics.Counter
	}
	handshakes_total struct {
		legacy *metrics.Counter
		v2     *metrics.Counter
	}
	entries_appended_total *metrics.Counter
	entries_deduped_total  *metrics.Counter
	entries_streamed_total *metrics.Counter
	keepalives_total       *metrics.Counter
	rx_bytes_total         *metrics.Counter
	tx_bytes_total         *metrics.Counter
	ledgers_opened_total   *metrics.Counter
	ledgers_closed_total   *metrics.Counter
}

func (m *serverMetrics) init() {
	m.set = metrics.NewSet()

	m.client_connects_total = m.set.NewCounter(`multi_client_connects_total`)
	m.client_disconnects_total.orderly = m.set.NewCounter(`multi_client_disconnects_total{cause="orderly"}`)
	m.client_disconnects_total.protocol = m.set.NewCounter(`multi_client_disconnects_total{cause="protocol"}`)
	m.client_disconnects_total.timeout = m.set.NewCounter(`multi_client_disconnects_total{cause="timeout"}`)
	m.client_disconnects_total.io = m.set.NewCounter(`multi_client_disconnects_total{cause="io"}`)
	m.client_disconnects_total.shutdown = m.set.NewCounter(`multi_client_disconnects_total{cause="shutdown"}`)
	m.handshakes_total.legacy = m.set.NewCounter(`multi_handshakes_total{version="legacy"}`)
	m.handshakes_total.v2 = m.set.NewCounter(`multi_handshakes_total{version="v2"}`)
	m.entries_appended_total = m.set.NewCounter(`multi_entries_appended_total`)
	m.entries_deduped_total = m.set.NewCounter(`multi_entries_deduped_total`)
	m.entries_streamed_total = m.set.NewCounter(`multi_entries_streamed_total`)
	m.keepalives_total = m.set.NewCounter(`multi_keepalives_total`)
	m.rx_bytes_total = m.set.NewCounter(`multi_rx_bytes_total`)
	m.tx_bytes_total = m.set.NewCounter(`multi_tx_bytes_total`)
	m.ledgers_opened_total = m.set.NewCounter(`multi_ledgers_opened_total`)
	m.ledgers_closed_total = m.set.NewCounter(`multi_ledgers_closed_total`)
}

// WritePrometheus writes the server metrics to w in Prometheus text format.
func (s *Server) WritePrometheus(w io.Writer) {
	s.metrics.set.WritePrometheus(w)
}
