/* usbshare - share physical USB devices over the network
 *
 * Tests for the audit sink nil-safety helper
 */

package audit

import "testing"

type recordingSink struct {
	events []Event
}

func (s *recordingSink) Record(e Event) {
	s.events = append(s.events, e)
}

func TestSinkOrNopReturnsNopForNil(t *testing.T) {
	s := SinkOrNop(nil)
	s.Record(Event{Kind: EventAttach})
	if _, ok := s.(NopSink); !ok {
		t.Fatalf("expected NopSink, got %T", s)
	}
}

func TestSinkOrNopPassesThroughNonNil(t *testing.T) {
	rec := &recordingSink{}
	s := SinkOrNop(rec)
	s.Record(Event{Kind: EventDetach, DeviceID: "1234:5678"})

	if len(rec.events) != 1 || rec.events[0].Kind != EventDetach {
		t.Fatalf("expected the event recorded on the underlying sink, got %+v", rec.events)
	}
}
