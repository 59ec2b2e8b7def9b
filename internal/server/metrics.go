/* usbshare - share physical USB devices over the network
 *
 * Metrics aggregation: maps the metrics package's per-connection
 * counters onto the wire's GetMetricsResponse shape
 */

package server

import (
	"fmt"
	"time"

	"github.com/usbshare/usbshare/internal/metrics"
	"github.com/usbshare/usbshare/internal/protocol"
)

// deviceTransferMetric returns (creating if necessary) the shared
// TransferMetrics for deviceID
func (s *Server) deviceTransferMetric(deviceID protocol.DeviceID) *metrics.TransferMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.deviceMetrics[deviceID]
	if !ok {
		m = metrics.NewTransferMetrics(time.Now())
		s.deviceMetrics[deviceID] = m
	}
	return m
}

func toSnapshot(name string, m *metrics.TransferMetrics) protocol.MetricsSnapshot {
	counters, lat, tput, score := m.Snapshot()
	return protocol.MetricsSnapshot{
		Name:              name,
		BytesSent:         counters.BytesSent,
		BytesReceived:     counters.BytesReceived,
		TransfersComplete: counters.TransfersComplete,
		TransfersFailed:   counters.TransfersFailed,
		Retries:           counters.Retries,
		Active:            uint32(counters.Active),
		AvgLatencyMs:      lat.Avg,
		ThroughputBps:     tput.Throughput,
		QualityScore:      score,
	}
}

// metricsSnapshot builds a GetMetricsResponse over every device and
// client this server has ever seen traffic for
func (s *Server) metricsSnapshot() *protocol.GetMetricsResponse {
	s.mu.Lock()
	deviceIDs := make([]protocol.DeviceID, 0, len(s.deviceMetrics))
	for id := range s.deviceMetrics {
		deviceIDs = append(deviceIDs, id)
	}
	clientIDs := make([]protocol.EndpointID, 0, len(s.clientMetrics))
	for id := range s.clientMetrics {
		clientIDs = append(clientIDs, id)
	}
	s.mu.Unlock()

	perDevice := make([]protocol.MetricsSnapshot, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		perDevice = append(perDevice, toSnapshot(fmt.Sprint(id), s.deviceMetrics[id]))
	}

	perClient := make([]protocol.MetricsSnapshot, 0, len(clientIDs))
	for _, id := range clientIDs {
		perClient = append(perClient, toSnapshot(id.String(), s.clientMetrics[id]))
	}

	return &protocol.GetMetricsResponse{
		Total:     toSnapshot("total", s.totalMetrics),
		PerDevice: perDevice,
		PerClient: perClient,
	}
}
