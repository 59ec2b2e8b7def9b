/* usbshare - share physical USB devices over the network
 *
 * Sharing engine: one state machine per DeviceID arbitrating attach
 * slots and a single exclusive/write lock, independent of the wire
 * protocol and of configuration loading
 */

package sharing

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/usbshare/usbshare/internal/audit"
	"github.com/usbshare/usbshare/internal/protocol"
)

// Mode is a device's sharing mode. It mirrors config.SharingMode but
// this package does not import internal/config, so the wiring layer
// converts between the two
type Mode int

// Sharing modes
const (
	Exclusive Mode = iota
	Shared
	ReadOnly
)

// ClientID identifies the peer on the other end of a connection
type ClientID protocol.EndpointID

// waiter is one entry in a device's FIFO lock queue
type waiter struct {
	handle      protocol.DeviceHandle
	client      ClientID
	writeAccess bool
	requestedAt time.Time
	timeout     time.Duration
}

// deviceRecord holds one device's attach/lock state
type deviceRecord struct {
	mode        Mode
	maxClients  int
	lockTimeout time.Duration

	attached map[protocol.DeviceHandle]ClientID

	lockHeld       bool
	lockHolder     protocol.DeviceHandle
	lockAcquiredAt time.Time
	queue          []waiter
}

// EventKind distinguishes an Engine-originated event
type EventKind int

// Event kinds. EventLockExpired is the sharing-internal signal that a
// server translates into a ForceDetachWarning/ForcedDetachNotification
// pair with its own configurable grace period
const (
	EventQueuePosition EventKind = iota
	EventDeviceAvailable
	EventLockExpired
)

// Event is one sharing-domain notification, independent of wire encoding
type Event struct {
	Kind     EventKind
	DeviceID protocol.DeviceID
	Handle   protocol.DeviceHandle
	Client   ClientID
	Position int
}

// Engine arbitrates access to every registered device
type Engine struct {
	mu      sync.Mutex
	devices map[protocol.DeviceID]*deviceRecord

	// handleDevice and clientHandle back DetachClient/lookups without
	// scanning every device
	handleDevice map[protocol.DeviceHandle]protocol.DeviceID
	clientHandle map[ClientID]map[protocol.DeviceHandle]struct{}

	nextHandle uint32

	events chan Event

	audit audit.Sink

	stop chan struct{}
	done chan struct{}
}

// NewEngine creates an empty sharing Engine
func NewEngine() *Engine {
	return &Engine{
		devices:      make(map[protocol.DeviceID]*deviceRecord),
		handleDevice: make(map[protocol.DeviceHandle]protocol.DeviceID),
		clientHandle: make(map[ClientID]map[protocol.DeviceHandle]struct{}),
		events:       make(chan Event, 64),
		audit:        audit.NopSink{},
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// SetAuditSink wires an audit trail sink; attach/detach/lock-grant/
// lock-expiry events are recorded there as they occur
func (e *Engine) SetAuditSink(s audit.Sink) {
	e.audit = audit.SinkOrNop(s)
}

// Events returns the channel sharing-domain events are delivered on.
// The caller must keep draining it for the Engine's lifetime
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Register adds deviceID to the engine under the given mode, as the
// registry's arrival handler does on every DeviceArrived
func (e *Engine) Register(deviceID protocol.DeviceID, mode Mode, maxClients int, lockTimeout time.Duration) {
	if maxClients <= 0 {
		maxClients = 1
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.devices[deviceID] = &deviceRecord{
		mode:        mode,
		maxClients:  maxClients,
		lockTimeout: lockTimeout,
		attached:    make(map[protocol.DeviceHandle]ClientID),
	}
}

// Unregister removes deviceID from the engine, returning every handle
// that was attached so the caller can invalidate them
func (e *Engine) Unregister(deviceID protocol.DeviceID) []protocol.DeviceHandle {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.devices[deviceID]
	if !ok {
		return nil
	}
	delete(e.devices, deviceID)

	handles := make([]protocol.DeviceHandle, 0, len(rec.attached))
	for h, c := range rec.attached {
		handles = append(handles, h)
		delete(e.handleDevice, h)
		delete(e.clientHandle[c], h)
	}
	return handles
}

// Attach grants client a handle on deviceID if the mode and slot count
// allow it
func (e *Engine) Attach(deviceID protocol.DeviceID, client ClientID) (protocol.DeviceHandle, *protocol.AttachError) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.devices[deviceID]
	if !ok {
		return 0, &protocol.AttachError{Kind: protocol.AttachErrDeviceNotFound}
	}

	for _, c := range rec.attached {
		if c == client {
			return 0, &protocol.AttachError{Kind: protocol.AttachErrAlreadyAttached}
		}
	}

	if len(rec.attached) >= rec.maxClients {
		return 0, &protocol.AttachError{Kind: protocol.AttachErrOther, Message: "no free attach slots"}
	}

	handle := protocol.DeviceHandle(atomic.AddUint32(&e.nextHandle, 1))
	rec.attached[handle] = client
	e.handleDevice[handle] = deviceID
	if e.clientHandle[client] == nil {
		e.clientHandle[client] = make(map[protocol.DeviceHandle]struct{})
	}
	e.clientHandle[client][handle] = struct{}{}

	e.audit.Record(audit.Event{Kind: audit.EventAttach, Time: time.Now(), DeviceID: fmt.Sprint(deviceID), ClientID: fmt.Sprintf("%x", client)})

	return handle, nil
}

// Detach releases handle, releasing any lock it held and promoting
// the next waiter
func (e *Engine) Detach(handle protocol.DeviceHandle) *protocol.DetachError {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detachLocked(handle)
}

// detachLocked does the work of Detach; caller must hold e.mu
func (e *Engine) detachLocked(handle protocol.DeviceHandle) *protocol.DetachError {
	deviceID, ok := e.handleDevice[handle]
	if !ok {
		return &protocol.DetachError{Kind: protocol.DetachErrHandleNotFound}
	}
	rec := e.devices[deviceID]

	client := rec.attached[handle]
	delete(rec.attached, handle)
	delete(e.handleDevice, handle)
	if set, ok := e.clientHandle[client]; ok {
		delete(set, handle)
		if len(set) == 0 {
			delete(e.clientHandle, client)
		}
	}

	if rec.lockHeld && rec.lockHolder == handle {
		rec.lockHeld = false
		e.promoteLocked(deviceID, rec)
	}

	e.audit.Record(audit.Event{Kind: audit.EventDetach, Time: time.Now(), DeviceID: fmt.Sprint(deviceID), ClientID: fmt.Sprintf("%x", client)})

	return nil
}

// DetachClient detaches every handle belonging to client across every
// device, as happens when its connection closes
func (e *Engine) DetachClient(client ClientID) []protocol.DeviceHandle {
	e.mu.Lock()
	defer e.mu.Unlock()

	set := e.clientHandle[client]
	handles := make([]protocol.DeviceHandle, 0, len(set))
	for h := range set {
		handles = append(handles, h)
	}

	for _, h := range handles {
		e.detachLocked(h)
	}
	return handles
}

// Lock attempts to acquire deviceID's exclusive/write lock for handle.
// In Exclusive mode the lock is a no-op and always reports AlreadyHeld
func (e *Engine) Lock(handle protocol.DeviceHandle, writeAccess bool, timeout time.Duration) protocol.LockResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	deviceID, ok := e.handleDevice[handle]
	if !ok {
		return protocol.LockDenied
	}
	rec := e.devices[deviceID]

	if rec.mode == Exclusive {
		return protocol.LockAlreadyHeld
	}

	if rec.lockHeld && rec.lockHolder == handle {
		return protocol.LockAlreadyHeld
	}

	if !rec.lockHeld {
		rec.lockHeld = true
		rec.lockHolder = handle
		rec.lockAcquiredAt = time.Now()
		e.audit.Record(audit.Event{Kind: audit.EventLockGranted, Time: rec.lockAcquiredAt, DeviceID: fmt.Sprint(deviceID), ClientID: fmt.Sprintf("%x", rec.attached[handle])})
		return protocol.LockGranted
	}

	if timeout <= 0 {
		timeout = rec.lockTimeout
	}
	client := rec.attached[handle]
	rec.queue = append(rec.queue, waiter{
		handle:      handle,
		client:      client,
		writeAccess: writeAccess,
		requestedAt: time.Now(),
		timeout:     timeout,
	})
	e.notifyQueuePositionsLocked(deviceID, rec)

	return protocol.LockQueued
}

// Unlock releases deviceID's lock if handle holds it
func (e *Engine) Unlock(handle protocol.DeviceHandle) protocol.UnlockResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	deviceID, ok := e.handleDevice[handle]
	if !ok {
		return protocol.UnlockErr
	}
	rec := e.devices[deviceID]

	if rec.mode == Exclusive {
		return protocol.UnlockErr
	}

	if !rec.lockHeld || rec.lockHolder != handle {
		return protocol.UnlockNotHeld
	}

	rec.lockHeld = false
	e.promoteLocked(deviceID, rec)
	return protocol.UnlockReleased
}

// promoteLocked scans the FIFO from the front, dropping expired
// entries, and grants the lock to the first surviving waiter. Caller
// must hold e.mu
func (e *Engine) promoteLocked(deviceID protocol.DeviceID, rec *deviceRecord) {
	now := time.Now()

	for len(rec.queue) > 0 {
		w := rec.queue[0]
		rec.queue = rec.queue[1:]

		if now.Sub(w.requestedAt) > w.timeout {
			continue
		}

		rec.lockHeld = true
		rec.lockHolder = w.handle
		rec.lockAcquiredAt = now

		e.events <- Event{Kind: EventDeviceAvailable, DeviceID: deviceID, Handle: w.handle, Client: w.client}
		e.audit.Record(audit.Event{Kind: audit.EventLockGranted, Time: now, DeviceID: fmt.Sprint(deviceID), ClientID: fmt.Sprintf("%x", w.client)})
		break
	}

	e.notifyQueuePositionsLocked(deviceID, rec)
}

// notifyQueuePositionsLocked emits a QueuePosition event with each
// remaining waiter's new 1-based position. Caller must hold e.mu
func (e *Engine) notifyQueuePositionsLocked(deviceID protocol.DeviceID, rec *deviceRecord) {
	for i, w := range rec.queue {
		e.events <- Event{Kind: EventQueuePosition, DeviceID: deviceID, Handle: w.handle, Client: w.client, Position: i + 1}
	}
}

// Status is a point-in-time summary of one device's sharing state
type Status struct {
	Mode          Mode
	AttachedCount int
	MaxClients    int
	LockHeld      bool
	QueueLength   int
}

// Status returns deviceID's current sharing status
func (e *Engine) Status(deviceID protocol.DeviceID) (Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.devices[deviceID]
	if !ok {
		return Status{}, false
	}
	return Status{
		Mode:          rec.mode,
		AttachedCount: len(rec.attached),
		MaxClients:    rec.maxClients,
		LockHeld:      rec.lockHeld,
		QueueLength:   len(rec.queue),
	}, true
}

// QueuePosition returns handle's own 1-based position in deviceID's
// lock queue, or 0 if handle is not currently queued (including when
// handle already holds the lock, or deviceID is unknown)
func (e *Engine) QueuePosition(deviceID protocol.DeviceID, handle protocol.DeviceHandle) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.devices[deviceID]
	if !ok {
		return 0
	}
	for i, w := range rec.queue {
		if w.handle == handle {
			return i + 1
		}
	}
	return 0
}

// RunLockTimeouts scans every device every interval, force-releasing
// any lock whose holder has overstayed lock_timeout. It runs until
// Stop is called
func (e *Engine) RunLockTimeouts(interval time.Duration) {
	go e.lockTimeoutLoop(interval)
}

func (e *Engine) lockTimeoutLoop(interval time.Duration) {
	defer close(e.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.sweepExpiredLocks()
		}
	}
}

func (e *Engine) sweepExpiredLocks() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	for deviceID, rec := range e.devices {
		if !rec.lockHeld {
			continue
		}
		if now.Sub(rec.lockAcquiredAt) <= rec.lockTimeout {
			continue
		}

		expiredHandle := rec.lockHolder
		expiredClient := rec.attached[expiredHandle]
		rec.lockHeld = false

		e.events <- Event{Kind: EventLockExpired, DeviceID: deviceID, Handle: expiredHandle, Client: expiredClient}
		e.audit.Record(audit.Event{Kind: audit.EventLockExpired, Time: now, DeviceID: fmt.Sprint(deviceID), ClientID: fmt.Sprintf("%x", expiredClient)})
		e.promoteLocked(deviceID, rec)
	}
}

// Stop halts the lock-timeout sweep goroutine, if running
func (e *Engine) Stop() {
	close(e.stop)
	<-e.done
}
