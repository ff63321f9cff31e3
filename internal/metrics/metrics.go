/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "token_bot"

// Failure reasons used as the "reason" label of IssueFailures.
const (
	ReasonStorage   = "storage"
	ReasonExhausted = "exhausted"
	ReasonRandom    = "random"
	ReasonCanceled  = "canceled"
	ReasonInternal  = "internal"
)

// Metrics holds the collectors of the issuance path.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	TokensIssued  prometheus.Counter
	TokensReused  prometheus.Counter
	TokensRetired prometheus.Counter
	IssueFailures *prometheus.CounterVec
	IssueAttempts prometheus.Histogram
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		TokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Number of newly minted tokens.",
		}),
		TokensReused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_reused_total",
			Help:      "Number of requests answered with an existing active token.",
		}),
		TokensRetired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_retired_total",
			Help:      "Number of expired tokens removed by the sweeper.",
		}),
		IssueFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "issue_failures_total",
			Help:      "Number of failed issuance requests by reason.",
		}, []string{"reason"}),
		IssueAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "issue_attempts",
			Help:      "Insert attempts needed to mint a token.",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}),
	}

	for _, c := range []prometheus.Collector{
		m.TokensIssued, m.TokensReused, m.TokensRetired, m.IssueFailures, m.IssueAttempts,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Issued(attempts int) {
	if m == nil {
		return
	}
	m.TokensIssued.Inc()
	m.IssueAttempts.Observe(float64(attempts))
}

func (m *Metrics) Reused() {
	if m == nil {
		return
	}
	m.TokensReused.Inc()
}

func (m *Metrics) Retired(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.TokensRetired.Add(float64(n))
}

func (m *Metrics) Failed(reason string) {
	if m == nil {
		return
	}
	m.IssueFailures.WithLabelValues(reason).Inc()
}
