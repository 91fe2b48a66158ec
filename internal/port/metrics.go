package port

import (
	"time"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

type Metrics interface {
	EventAppended(kind domain.EventKind, took time.Duration)
	ReservationRejected(reason string)
	ReservationsExpired(n int)
	SinkFailed(sink string)
}

type NopMetrics struct{}

func (NopMetrics) EventAppended(domain.EventKind, time.Duration) {}
func (NopMetrics) ReservationRejected(string)                    {}
func (NopMetrics) ReservationsExpired(int)                       {}
func (NopMetrics) SinkFailed(string)                             {}
