/* usbshare - share physical USB devices over the network
 *
 * TransferMetrics: atomic counters plus mutex-guarded rolling windows
 * for a single server connection's lifetime
 */

package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// TransferMetrics tracks one connection's traffic. Counters are
// lock-free atomics; latency and throughput use RollingWindow
type TransferMetrics struct {
	bytesSent         uint64
	bytesReceived     uint64
	transfersComplete uint64
	transfersFailed   uint64
	retries           uint64
	active            int32

	latency    *RollingWindow
	throughput *RollingWindow

	start time.Time

	transitionMu sync.Mutex
	lastLabel    QualityLabel
	transitions  chan QualityLabel
}

// NewTransferMetrics returns a TransferMetrics whose lifetime starts now
func NewTransferMetrics(now time.Time) *TransferMetrics {
	return &TransferMetrics{
		latency:     NewRollingWindow(),
		throughput:  NewRollingWindow(),
		start:       now,
		lastLabel:   QualityExcellent,
		transitions: make(chan QualityLabel, 8),
	}
}

// QualityTransitions reports quality-label changes (e.g. a drop into
// Poor or Critical) as they're observed by Snapshot, so a notifier or
// TUI can react without polling
func (m *TransferMetrics) QualityTransitions() <-chan QualityLabel {
	return m.transitions
}

// BeginTransfer marks a transfer as started
func (m *TransferMetrics) BeginTransfer() {
	atomic.AddInt32(&m.active, 1)
}

// CompleteTransfer records a finished transfer: success/failure,
// byte counts by direction, latency, and whether it was a retry
func (m *TransferMetrics) CompleteTransfer(ok bool, bytesOut, bytesIn uint64, latencyMs float64, retried bool, now time.Time) {
	atomic.AddInt32(&m.active, -1)

	if ok {
		atomic.AddUint64(&m.transfersComplete, 1)
	} else {
		atomic.AddUint64(&m.transfersFailed, 1)
	}
	if retried {
		atomic.AddUint64(&m.retries, 1)
	}

	atomic.AddUint64(&m.bytesSent, bytesOut)
	atomic.AddUint64(&m.bytesReceived, bytesIn)

	m.latency.Push(latencyMs, now)
	m.throughput.Push(float64(bytesOut+bytesIn), now)
}

// Counters is a point-in-time snapshot of the atomic counters
type Counters struct {
	BytesSent         uint64
	BytesReceived     uint64
	TransfersComplete uint64
	TransfersFailed   uint64
	Retries           uint64
	Active            int32
}

// Snapshot returns the current counters plus derived latency/
// throughput/quality figures
func (m *TransferMetrics) Snapshot() (Counters, Snapshot, Snapshot, int) {
	c := Counters{
		BytesSent:         atomic.LoadUint64(&m.bytesSent),
		BytesReceived:     atomic.LoadUint64(&m.bytesReceived),
		TransfersComplete: atomic.LoadUint64(&m.transfersComplete),
		TransfersFailed:   atomic.LoadUint64(&m.transfersFailed),
		Retries:           atomic.LoadUint64(&m.retries),
		Active:            atomic.LoadInt32(&m.active),
	}

	lat := m.latency.Snapshot()
	tput := m.throughput.Snapshot()

	var lossRate, retryRate float64
	total := c.TransfersComplete + c.TransfersFailed
	if total > 0 {
		lossRate = float64(c.TransfersFailed) / float64(total)
		retryRate = float64(c.Retries) / float64(total)
	}

	score := Score(QualityInput{
		AvgLatencyMs: lat.Avg,
		LossRate:     lossRate,
		RetryRate:    retryRate,
	})

	label := Label(score)
	m.transitionMu.Lock()
	if label != m.lastLabel {
		m.lastLabel = label
		select {
		case m.transitions <- label:
		default:
			// a slow consumer just misses an intermediate
			// transition; the next Snapshot still reports
			// the current label
		}
	}
	m.transitionMu.Unlock()

	return c, lat, tput, score
}
