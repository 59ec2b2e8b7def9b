/* usbshare - share physical USB devices over the network
 *
 * Sharing engine tests
 */

package sharing

import (
	"testing"
	"time"

	"github.com/usbshare/usbshare/internal/protocol"
)

func clientOf(b byte) ClientID {
	var c ClientID
	c[0] = b
	return c
}

func TestAttachRespectsExclusiveMode(t *testing.T) {
	e := NewEngine()
	e.Register(1, Exclusive, 1, time.Second)

	if _, aerr := e.Attach(1, clientOf(1)); aerr != nil {
		t.Fatalf("expected first attach to succeed, got %v", aerr)
	}
	if _, aerr := e.Attach(1, clientOf(2)); aerr == nil || aerr.Kind != protocol.AttachErrOther {
		t.Fatalf("expected second attach to be refused for lack of slots, got %v", aerr)
	}
}

func TestAttachRejectsDuplicateClient(t *testing.T) {
	e := NewEngine()
	e.Register(1, Shared, 4, time.Second)

	if _, aerr := e.Attach(1, clientOf(1)); aerr != nil {
		t.Fatalf("unexpected error: %v", aerr)
	}
	if _, aerr := e.Attach(1, clientOf(1)); aerr == nil || aerr.Kind != protocol.AttachErrAlreadyAttached {
		t.Fatalf("expected AlreadyAttached, got %v", aerr)
	}
}

func TestLockExclusiveModeAlwaysAlreadyHeld(t *testing.T) {
	e := NewEngine()
	e.Register(1, Exclusive, 1, time.Second)
	h, _ := e.Attach(1, clientOf(1))

	if result := e.Lock(h, true, 0); result != protocol.LockAlreadyHeld {
		t.Fatalf("expected LockAlreadyHeld in exclusive mode, got %v", result)
	}
}

func TestLockGrantedThenQueuedThenPromotedOnUnlock(t *testing.T) {
	e := NewEngine()
	e.Register(1, Shared, 3, time.Second)
	h1, _ := e.Attach(1, clientOf(1))
	h2, _ := e.Attach(1, clientOf(2))

	if result := e.Lock(h1, true, 0); result != protocol.LockGranted {
		t.Fatalf("expected LockGranted, got %v", result)
	}
	if result := e.Lock(h2, true, time.Second); result != protocol.LockQueued {
		t.Fatalf("expected LockQueued, got %v", result)
	}

	ev := <-e.Events()
	if ev.Kind != EventQueuePosition || ev.Position != 1 || ev.Handle != h2 {
		t.Fatalf("expected QueuePosition 1 for h2, got %+v", ev)
	}

	if result := e.Unlock(h1); result != protocol.UnlockReleased {
		t.Fatalf("expected UnlockReleased, got %v", result)
	}

	ev2 := <-e.Events()
	if ev2.Kind != EventDeviceAvailable || ev2.Handle != h2 {
		t.Fatalf("expected DeviceAvailable for h2, got %+v", ev2)
	}

	if result := e.Lock(h2, true, 0); result != protocol.LockAlreadyHeld {
		t.Fatalf("expected h2 to already hold the lock after promotion, got %v", result)
	}
}

func TestLockQueueDropsExpiredWaiterBeforePromoting(t *testing.T) {
	e := NewEngine()
	e.Register(1, Shared, 3, time.Second)
	h1, _ := e.Attach(1, clientOf(1))
	h2, _ := e.Attach(1, clientOf(2))
	h3, _ := e.Attach(1, clientOf(3))

	e.Lock(h1, true, 0)
	e.Lock(h2, true, 10*time.Millisecond)
	<-e.Events() // queue position for h2

	time.Sleep(30 * time.Millisecond)

	e.Lock(h3, true, time.Second)
	<-e.Events() // queue position for h2 (re-sent)
	<-e.Events() // queue position for h3

	e.Unlock(h1)

	ev := <-e.Events()
	if ev.Kind != EventDeviceAvailable || ev.Handle != h3 {
		t.Fatalf("expected h3 (h2 expired) to be granted the lock, got %+v", ev)
	}
}

func TestDetachReleasesLockAndPromotesNextWaiter(t *testing.T) {
	e := NewEngine()
	e.Register(1, Shared, 3, time.Second)
	h1, _ := e.Attach(1, clientOf(1))
	h2, _ := e.Attach(1, clientOf(2))

	e.Lock(h1, true, 0)
	e.Lock(h2, true, time.Second)
	<-e.Events()

	if derr := e.Detach(h1); derr != nil {
		t.Fatalf("unexpected detach error: %v", derr)
	}

	ev := <-e.Events()
	if ev.Kind != EventDeviceAvailable || ev.Handle != h2 {
		t.Fatalf("expected h2 to be promoted after h1 detaches, got %+v", ev)
	}
}

func TestDetachClientDetachesEveryHandle(t *testing.T) {
	e := NewEngine()
	e.Register(1, Shared, 3, time.Second)
	e.Register(2, Shared, 3, time.Second)
	c := clientOf(7)
	h1, _ := e.Attach(1, c)
	h2, _ := e.Attach(2, c)

	handles := e.DetachClient(c)
	if len(handles) != 2 {
		t.Fatalf("expected 2 handles detached, got %d", len(handles))
	}

	if derr := e.Detach(h1); derr == nil || derr.Kind != protocol.DetachErrHandleNotFound {
		t.Fatalf("expected h1 already gone, got %v", derr)
	}
	if derr := e.Detach(h2); derr == nil || derr.Kind != protocol.DetachErrHandleNotFound {
		t.Fatalf("expected h2 already gone, got %v", derr)
	}
}

func TestSweepExpiredLocksForcesReleaseAndPromotes(t *testing.T) {
	e := NewEngine()
	e.Register(1, Shared, 3, 10*time.Millisecond)
	h1, _ := e.Attach(1, clientOf(1))
	h2, _ := e.Attach(1, clientOf(2))

	e.Lock(h1, true, 0)
	e.Lock(h2, true, time.Second)
	<-e.Events()

	time.Sleep(30 * time.Millisecond)
	e.sweepExpiredLocks()

	ev := <-e.Events()
	if ev.Kind != EventLockExpired || ev.Handle != h1 {
		t.Fatalf("expected LockExpired for h1, got %+v", ev)
	}

	ev2 := <-e.Events()
	if ev2.Kind != EventDeviceAvailable || ev2.Handle != h2 {
		t.Fatalf("expected h2 promoted after h1's lock expired, got %+v", ev2)
	}
}

func TestUnregisterReturnsAttachedHandles(t *testing.T) {
	e := NewEngine()
	e.Register(1, Shared, 3, time.Second)
	h1, _ := e.Attach(1, clientOf(1))

	handles := e.Unregister(1)
	if len(handles) != 1 || handles[0] != h1 {
		t.Fatalf("expected [%v], got %v", h1, handles)
	}

	if _, aerr := e.Attach(1, clientOf(2)); aerr == nil || aerr.Kind != protocol.AttachErrDeviceNotFound {
		t.Fatalf("expected DeviceNotFound after unregister, got %v", aerr)
	}
}

func TestStatusReportsCurrentState(t *testing.T) {
	e := NewEngine()
	e.Register(1, ReadOnly, 5, time.Second)
	e.Attach(1, clientOf(1))

	status, ok := e.Status(1)
	if !ok || status.AttachedCount != 1 || status.MaxClients != 5 || status.Mode != ReadOnly {
		t.Fatalf("unexpected status: %+v (ok=%v)", status, ok)
	}
}

func TestQueuePositionReflectsCallingHandle(t *testing.T) {
	e := NewEngine()
	e.Register(1, Shared, 3, time.Second)
	h1, _ := e.Attach(1, clientOf(1))
	h2, _ := e.Attach(1, clientOf(2))
	h3, _ := e.Attach(1, clientOf(3))

	e.Lock(h1, true, 0)
	e.Lock(h2, true, time.Second)
	<-e.Events() // queue position for h2
	e.Lock(h3, true, time.Second)
	<-e.Events() // queue position for h2 (re-sent)
	<-e.Events() // queue position for h3

	if pos := e.QueuePosition(1, h2); pos != 1 {
		t.Fatalf("expected h2 at position 1, got %d", pos)
	}
	if pos := e.QueuePosition(1, h3); pos != 2 {
		t.Fatalf("expected h3 at position 2, got %d", pos)
	}
	if pos := e.QueuePosition(1, h1); pos != 0 {
		t.Fatalf("expected lock holder h1 to report position 0, got %d", pos)
	}
	if pos := e.QueuePosition(99, h2); pos != 0 {
		t.Fatalf("expected unknown device to report position 0, got %d", pos)
	}
}
