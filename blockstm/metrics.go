// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

package blockstm

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the counters and histograms an Engine publishes per block.
// Callers register it once against their own registry; NewMetrics(nil)
// builds the series without registering them. A nil *Metrics is always
// safe to pass to the engine, which then skips every update.
type Metrics struct {
	Executions      prometheus.Counter
	Aborts          prometheus.Counter
	Validations     prometheus.Counter
	ValidationFails prometheus.Counter
	Fallbacks       prometheus.Counter
	CommittedTxns   prometheus.Counter
	BlockDuration   prometheus.Histogram
}

// NewMetrics registers the engine's series against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Executions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockstm_executions_total",
			Help: "Total number of Execute tasks run, including re-incarnations.",
		}),
		Aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockstm_aborts_total",
			Help: "Total number of executions whose validation failed and were re-incarnated.",
		}),
		Validations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockstm_validations_total",
			Help: "Total number of Validate tasks run.",
		}),
		ValidationFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockstm_validation_failures_total",
			Help: "Total number of Validate tasks that found a stale read.",
		}),
		Fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockstm_fallbacks_total",
			Help: "Total number of blocks re-run sequentially after a structural hazard.",
		}),
		CommittedTxns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockstm_committed_txns_total",
			Help: "Total number of transactions that reached the Committed state.",
		}),
		BlockDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "blockstm_block_duration_seconds",
			Help:    "Wall-clock duration of one Engine.Execute call.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Executions, m.Aborts, m.Validations, m.ValidationFails, m.Fallbacks, m.CommittedTxns, m.BlockDuration)
	}
	return m
}
