/* usbshare - share physical USB devices over the network
 *
 * Metrics aggregation tests
 */

package server

import (
	"testing"
	"time"

	"github.com/usbshare/usbshare/internal/metrics"
	"github.com/usbshare/usbshare/internal/protocol"
)

func TestToSnapshotMapsCounters(t *testing.T) {
	m := metrics.NewTransferMetrics(time.Now())
	m.BeginTransfer()
	m.CompleteTransfer(true, 100, 200, 5, false, time.Now())

	snap := toSnapshot("dev-1", m)
	if snap.Name != "dev-1" {
		t.Fatalf("Name = %q, want dev-1", snap.Name)
	}
	if snap.BytesSent != 100 || snap.BytesReceived != 200 {
		t.Fatalf("got BytesSent=%d BytesReceived=%d, want 100/200", snap.BytesSent, snap.BytesReceived)
	}
	if snap.TransfersComplete != 1 {
		t.Fatalf("TransfersComplete = %d, want 1", snap.TransfersComplete)
	}
}

func TestDeviceTransferMetricCreatesOnce(t *testing.T) {
	s := newBareServer()
	s.deviceMetrics = make(map[protocol.DeviceID]*metrics.TransferMetrics)

	first := s.deviceTransferMetric(7)
	second := s.deviceTransferMetric(7)

	if first != second {
		t.Fatal("expected deviceTransferMetric to return the same instance for the same device")
	}
}

func TestMetricsSnapshotIncludesEveryDeviceAndClient(t *testing.T) {
	s := newBareServer()
	s.totalMetrics = metrics.NewTransferMetrics(time.Now())
	s.deviceMetrics = map[protocol.DeviceID]*metrics.TransferMetrics{
		1: metrics.NewTransferMetrics(time.Now()),
	}
	var client protocol.EndpointID
	client[0] = 9
	s.clientMetrics = map[protocol.EndpointID]*metrics.TransferMetrics{
		client: metrics.NewTransferMetrics(time.Now()),
	}

	snap := s.metricsSnapshot()
	if snap.Total.Name != "total" {
		t.Fatalf("Total.Name = %q, want total", snap.Total.Name)
	}
	if len(snap.PerDevice) != 1 || snap.PerDevice[0].Name != "1" {
		t.Fatalf("PerDevice = %+v, want one entry named 1", snap.PerDevice)
	}
	if len(snap.PerClient) != 1 || snap.PerClient[0].Name != client.String() {
		t.Fatalf("PerClient = %+v, want one entry named %s", snap.PerClient, client.String())
	}
}
