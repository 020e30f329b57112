package budget

import "time"

// Metrics receives ledger events. Labels stay low-cardinality: no envelope or
// reservation ids. internal/metrics provides the Prometheus implementation.
type Metrics interface {
	ReservationCreated()
	ReservationResolved(status ReservationStatus)
	UsageApplied(source string)
	BudgetRejected(op string)
	BalanceRetry(op string)
	SweepCompleted(expired int, took time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) ReservationCreated() {}
func (nopMetrics) ReservationResolved(ReservationStatus) {}
func (nopMetrics) UsageApplied(string) {}
func (nopMetrics) BudgetRejected(string) {}
func (nopMetrics) BalanceRetry(string) {}
func (nopMetrics) SweepCompleted(int, time.Duration) {}

// NopMetrics discards every event.
func NopMetrics() Metrics { return nopMetrics{} }
