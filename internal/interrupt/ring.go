/* usbshare - share physical USB devices over the network
 *
 * Bounded per-(device, endpoint) ring buffer of interrupt reports,
 * with CRC32C integrity seals and oldest-drop overflow handling
 */

package interrupt

import (
	"encoding/binary"
	"hash/crc32"
	"sync"

	"github.com/usbshare/usbshare/internal/protocol"
)

// DefaultCapacity is the ring size used when none is configured
const DefaultCapacity = 64

// warnEveryDrops is how often a sustained-drop warning is re-emitted
const warnEveryDrops = 100

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Report is one delivered interrupt IN payload
type Report struct {
	Seq         uint64
	Endpoint    byte
	Data        []byte
	TimestampUs int64
	CRC         uint32
}

// seal computes the CRC32C over (seq, endpoint, data, timestamp_us)
func seal(seq uint64, endpoint byte, data []byte, timestampUs int64) uint32 {
	var hdr [17]byte
	binary.BigEndian.PutUint64(hdr[0:8], seq)
	hdr[8] = endpoint
	binary.BigEndian.PutUint64(hdr[9:17], uint64(timestampUs))

	crc := crc32.Update(0, castagnoli, hdr[:])
	crc = crc32.Update(crc, castagnoli, data)
	return crc
}

// Verify recomputes a report's CRC32C and reports whether it matches
func Verify(r Report) bool {
	return seal(r.Seq, r.Endpoint, r.Data, r.TimestampUs) == r.CRC
}

// Ring is a bounded FIFO of Reports for one (device, endpoint) pair
type Ring struct {
	mu       sync.Mutex
	entries  []Report
	capacity int
	nextSeq  uint64

	drops          uint64
	dropsSinceWarn uint64
	lastAcked      uint64

	endpoint byte

	onOverflowWarn func(drops uint64)
}

// NewRing creates a Ring with the given capacity (DefaultCapacity if
// capacity <= 0) for the given endpoint address. onOverflowWarn, if
// non-nil, is invoked once every 100 cumulative drops
func NewRing(endpoint byte, capacity int, onOverflowWarn func(drops uint64)) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		entries:        make([]Report, 0, capacity),
		capacity:       capacity,
		endpoint:       endpoint,
		onOverflowWarn: onOverflowWarn,
	}
}

// Push seals and appends data as the next sequence number, dropping
// the oldest entry if the ring is full
func (r *Ring) Push(data []byte, timestampUs int64) Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.nextSeq
	r.nextSeq++

	rep := Report{
		Seq:         seq,
		Endpoint:    r.endpoint,
		Data:        data,
		TimestampUs: timestampUs,
		CRC:         seal(seq, r.endpoint, data, timestampUs),
	}

	if len(r.entries) >= r.capacity {
		r.entries = r.entries[1:]
		r.drops++
		r.dropsSinceWarn++
		if r.dropsSinceWarn >= warnEveryDrops {
			r.dropsSinceWarn = 0
			if r.onOverflowWarn != nil {
				r.onOverflowWarn(r.drops)
			}
		}
	}

	r.entries = append(r.entries, rep)
	return rep
}

// Pop removes and returns the oldest report, if any
func (r *Ring) Pop() (Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) == 0 {
		return Report{}, false
	}
	rep := r.entries[0]
	r.entries = r.entries[1:]
	return rep, true
}

// Ack records the highest contiguous sequence the consumer has
// delivered. This is purely diagnostic: acknowledgement does not free
// ring space, only Pop does
func (r *Ring) Ack(seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if seq > r.lastAcked {
		r.lastAcked = seq
	}
}

// Stats is a snapshot of a Ring's counters
type Stats struct {
	Len       int
	Drops     uint64
	LastAcked uint64
}

// Stats returns the ring's current counters
func (r *Ring) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Len: len(r.entries), Drops: r.drops, LastAcked: r.lastAcked}
}

// Key identifies one (device, endpoint) ring within a Manager
type Key struct {
	Device   protocol.DeviceID
	Endpoint byte
}
