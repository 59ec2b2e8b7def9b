/* usbshare - share physical USB devices over the network
 *
 * Tests for TransferMetrics counters and quality-transition events
 */

package metrics

import (
	"testing"
	"time"
)

func TestCompleteTransferUpdatesCounters(t *testing.T) {
	now := time.Unix(0, 0)
	m := NewTransferMetrics(now)

	m.BeginTransfer()
	m.CompleteTransfer(true, 100, 50, 5, false, now)

	c, _, _, score := m.Snapshot()
	if c.TransfersComplete != 1 || c.TransfersFailed != 0 {
		t.Fatalf("unexpected counters: %+v", c)
	}
	if c.BytesSent != 100 || c.BytesReceived != 50 {
		t.Fatalf("unexpected byte counts: %+v", c)
	}
	if c.Active != 0 {
		t.Fatalf("expected active to return to 0, got %d", c.Active)
	}
	if score != 100 {
		t.Fatalf("expected a perfect score for a clean transfer, got %d", score)
	}
}

func TestQualityTransitionsEmittedOnLabelChange(t *testing.T) {
	now := time.Unix(0, 0)
	m := NewTransferMetrics(now)

	// A run of high-latency failures should push the label down from
	// Excellent, and the transition channel should report it exactly once
	for i := 0; i < 5; i++ {
		m.CompleteTransfer(false, 0, 0, 200, false, now)
	}
	m.Snapshot()

	select {
	case label := <-m.QualityTransitions():
		if label == QualityExcellent {
			t.Fatalf("expected a degraded label, got %s", label)
		}
	default:
		t.Fatal("expected a quality transition to have been emitted")
	}

	// A second snapshot with the same inputs should not re-emit
	m.Snapshot()
	select {
	case label := <-m.QualityTransitions():
		t.Fatalf("did not expect a second transition, got %s", label)
	default:
	}
}
