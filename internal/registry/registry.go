/* usbshare - share physical USB devices over the network
 *
 * Registry: periodic bus enumeration, debounced into a clean stream
 * of DeviceArrived/DeviceLeft events with stable DeviceID assignment
 */

package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gousb"

	"github.com/usbshare/usbshare/internal/logger"
	"github.com/usbshare/usbshare/internal/protocol"
)

// DefaultScanInterval is how often the bus is re-enumerated to detect
// hot-plug changes
const DefaultScanInterval = 1 * time.Second

// EventKind distinguishes a Registry Event
type EventKind int

// Event kinds
const (
	EventArrived EventKind = iota
	EventRemoved
)

// Event is one debounced, DeviceID-stamped lifecycle event
type Event struct {
	Kind     EventKind
	DeviceID protocol.DeviceID
	Info     protocol.DeviceInfo
	Addr     UsbAddr
}

// Registry tracks which devices are currently visible and assigns
// each physical presence a stable DeviceID for its lifetime
type Registry struct {
	ctx     *gousb.Context
	filters []string
	log     *logger.Logger

	mu         sync.Mutex
	known      UsbAddrList
	latestInfo map[UsbAddr]protocol.DeviceInfo
	idByAddr   map[UsbAddr]protocol.DeviceID
	infoByID   map[protocol.DeviceID]protocol.DeviceInfo
	addrByID   map[protocol.DeviceID]UsbAddr
	nextID     uint32

	debouncer *Debouncer
	events    chan Event

	stop chan struct{}
	done chan struct{}
}

// NewRegistry creates a Registry scanning ctx for devices matching
// filters (see passesFilter), debouncing hot-plug churn over window
func NewRegistry(ctx *gousb.Context, filters []string, window time.Duration, log *logger.Logger) *Registry {
	r := &Registry{
		ctx:        ctx,
		filters:    filters,
		log:        log,
		latestInfo: make(map[UsbAddr]protocol.DeviceInfo),
		idByAddr:   make(map[UsbAddr]protocol.DeviceID),
		infoByID:   make(map[protocol.DeviceID]protocol.DeviceInfo),
		addrByID:   make(map[protocol.DeviceID]UsbAddr),
		events:     make(chan Event, 64),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	r.debouncer = NewDebouncer(window, r.handleFire)
	return r
}

// Events returns the channel Registry events are delivered on. The
// caller must keep draining it for the lifetime of the Registry
func (r *Registry) Events() <-chan Event {
	return r.events
}

// Start performs the initial enumeration and then re-scans every
// interval until Stop is called
func (r *Registry) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	r.scanOnce()
	go r.loop(interval)
}

func (r *Registry) loop(interval time.Duration) {
	defer close(r.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.scanOnce()
		}
	}
}

// Stop halts the scan loop and cancels any in-flight debounce timers
func (r *Registry) Stop() {
	close(r.stop)
	<-r.done
	r.debouncer.Stop()
}

// scanOnce enumerates the bus, diffs against the last known address
// list, and feeds every change into the debouncer
func (r *Registry) scanOnce() {
	addrs, infos, err := Enumerate(r.ctx, r.filters)
	if err != nil {
		if r.log != nil {
			r.log.Error('!', "registry: bus enumeration failed: %s", err)
		}
		return
	}

	r.mu.Lock()
	added, removed := r.known.Diff(addrs)
	r.known = addrs
	for addr, info := range infos {
		r.latestInfo[addr] = info
	}
	r.mu.Unlock()

	for _, a := range added {
		r.debouncer.Signal(a, true)
	}
	for _, a := range removed {
		r.debouncer.Signal(a, false)
	}
}

// handleFire is the debouncer's settle callback: it assigns a fresh
// DeviceID on a genuine arrival and retires it on a genuine removal.
// A debounced blip (unplug immediately followed by a replug at the
// same address) never reaches here as two events — only the final
// state does — so the DeviceID persists across it
func (r *Registry) handleFire(addr UsbAddr, arrived bool) {
	if arrived {
		r.mu.Lock()
		info, known := r.latestInfo[addr]
		if !known {
			r.mu.Unlock()
			return
		}

		id, existing := r.idByAddr[addr]
		if !existing {
			id = protocol.DeviceID(atomic.AddUint32(&r.nextID, 1))
			r.idByAddr[addr] = id
			r.addrByID[id] = addr
		}
		r.infoByID[id] = info
		r.mu.Unlock()

		if r.log != nil {
			r.log.Debug('+', "registry: device arrived id=%d %s %s", id, addr, info.VidPid())
		}
		r.events <- Event{Kind: EventArrived, DeviceID: id, Info: info, Addr: addr}
		return
	}

	r.mu.Lock()
	id, existing := r.idByAddr[addr]
	if existing {
		delete(r.idByAddr, addr)
		delete(r.infoByID, id)
		delete(r.addrByID, id)
	}
	delete(r.latestInfo, addr)
	r.mu.Unlock()

	if !existing {
		return
	}

	if r.log != nil {
		r.log.Debug('-', "registry: device left id=%d %s", id, addr)
	}
	r.events <- Event{Kind: EventRemoved, DeviceID: id, Addr: addr}
}

// Lookup returns the current descriptor for a DeviceID still present
func (r *Registry) Lookup(id protocol.DeviceID) (protocol.DeviceInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.infoByID[id]
	return info, ok
}

// Snapshot returns every currently known device descriptor, for
// answering a fresh ListDevicesRequest
func (r *Registry) Snapshot() []protocol.DeviceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.DeviceInfo, 0, len(r.infoByID))
	for _, info := range r.infoByID {
		out = append(out, info)
	}
	return out
}

// LookupAddr returns the bus address backing a DeviceID still present
func (r *Registry) LookupAddr(id protocol.DeviceID) (UsbAddr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr, ok := r.addrByID[id]
	return addr, ok
}
