/* usbshare - share physical USB devices over the network
 *
 * Tests for the interrupt ring buffer's overflow, integrity, and
 * acknowledgement behavior
 */

package interrupt

import "testing"

func TestPushAssignsMonotonicSequence(t *testing.T) {
	r := NewRing(0x81, 4, nil)

	for i := 0; i < 3; i++ {
		rep := r.Push([]byte{byte(i)}, int64(i))
		if rep.Seq != uint64(i) {
			t.Fatalf("expected seq %d, got %d", i, rep.Seq)
		}
		if !Verify(rep) {
			t.Fatalf("report %d failed integrity check", i)
		}
	}
}

func TestOverflowDropsOldestAndCountsDrops(t *testing.T) {
	r := NewRing(0x81, 2, nil)

	r.Push([]byte{1}, 0)
	r.Push([]byte{2}, 0)
	r.Push([]byte{3}, 0) // overflow: drops seq 0

	stats := r.Stats()
	if stats.Len != 2 {
		t.Fatalf("expected ring length 2, got %d", stats.Len)
	}
	if stats.Drops != 1 {
		t.Fatalf("expected 1 drop, got %d", stats.Drops)
	}

	rep, ok := r.Pop()
	if !ok || rep.Seq != 1 {
		t.Fatalf("expected oldest surviving seq 1, got %+v (ok=%v)", rep, ok)
	}
}

func TestOverflowWarnsOncePer100Drops(t *testing.T) {
	warns := 0
	r := NewRing(0x81, 1, func(drops uint64) { warns++ })

	for i := 0; i < 201; i++ {
		r.Push([]byte{byte(i)}, 0)
	}

	if warns != 2 {
		t.Fatalf("expected exactly 2 overflow warnings for 200 drops, got %d", warns)
	}
}

func TestVerifyDetectsTamperedPayload(t *testing.T) {
	r := NewRing(0x81, 4, nil)
	rep := r.Push([]byte{1, 2, 3}, 42)

	rep.Data = []byte{9, 9, 9}
	if Verify(rep) {
		t.Fatal("expected Verify to fail on a tampered payload")
	}
}

func TestAckIsMonotonicAndDoesNotFreeSpace(t *testing.T) {
	r := NewRing(0x81, 4, nil)
	r.Push([]byte{1}, 0)
	r.Push([]byte{2}, 0)

	r.Ack(5)
	r.Ack(2) // must not regress

	if r.Stats().LastAcked != 5 {
		t.Fatalf("expected LastAcked 5, got %d", r.Stats().LastAcked)
	}
	if r.Stats().Len != 2 {
		t.Fatalf("Ack must not pop entries, ring length changed to %d", r.Stats().Len)
	}
}

func TestPopOnEmptyRing(t *testing.T) {
	r := NewRing(0x81, 4, nil)
	if _, ok := r.Pop(); ok {
		t.Fatal("expected Pop on empty ring to report false")
	}
}
