/* usbshare - share physical USB devices over the network
 *
 * Per-(bus, address) debouncing: coalesce a burst of arrival/removal
 * signals over a fixed window so a rapid unplug-replug settles into
 * exactly one final-state event
 */

package registry

import (
	"sync"
	"time"
)

// pendingSignal tracks the most recent state seen for one address
// while its debounce timer is running
type pendingSignal struct {
	arrived bool
	timer   *time.Timer
}

// Debouncer coalesces repeated Signal calls for the same UsbAddr
// within window into a single onFire call carrying the last state
// observed when the timer expires
type Debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	pending map[UsbAddr]*pendingSignal
	onFire  func(addr UsbAddr, arrived bool)
}

// NewDebouncer creates a Debouncer with the given coalescing window
func NewDebouncer(window time.Duration, onFire func(addr UsbAddr, arrived bool)) *Debouncer {
	return &Debouncer{
		window:  window,
		pending: make(map[UsbAddr]*pendingSignal),
		onFire:  onFire,
	}
}

// Signal records an arrival (true) or removal (false) for addr,
// (re)starting its debounce window
func (d *Debouncer) Signal(addr UsbAddr, arrived bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.pending[addr]; ok {
		p.arrived = arrived
		p.timer.Reset(d.window)
		return
	}

	p := &pendingSignal{arrived: arrived}
	p.timer = time.AfterFunc(d.window, func() { d.fire(addr) })
	d.pending[addr] = p
}

func (d *Debouncer) fire(addr UsbAddr) {
	d.mu.Lock()
	p, ok := d.pending[addr]
	if ok {
		delete(d.pending, addr)
	}
	d.mu.Unlock()

	if ok {
		d.onFire(addr, p.arrived)
	}
}

// Stop cancels every pending timer without firing. Used on shutdown
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for addr, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, addr)
	}
}
