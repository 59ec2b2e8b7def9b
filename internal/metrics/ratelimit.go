/* usbshare - share physical USB devices over the network
 *
 * Token-bucket rate limiter with three independent scopes (global,
 * per-client, per-device) and an atomic-rollback try_acquire
 */

package metrics

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// bucket is one token bucket: capacity burstBytes, refill rate
// bytesPerSecond. tokens is fractional to avoid losing sub-byte
// refill precision between checks
type bucket struct {
	mu         sync.Mutex
	capacity   float64
	rate       float64 // bytes/sec
	tokens     float64
	lastRefill time.Time
}

func newBucket(burstBytes, bytesPerSecond float64, now time.Time) *bucket {
	return &bucket{
		capacity:   burstBytes,
		rate:       bytesPerSecond,
		tokens:     burstBytes,
		lastRefill: now,
	}
}

// refill tops up tokens for elapsed time since lastRefill. Caller
// must hold b.mu
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// waitFor returns how long to wait until bytes tokens are available,
// assuming no other debits occur in the meantime. Caller must hold b.mu
func (b *bucket) waitFor(bytes float64) time.Duration {
	if b.tokens >= bytes || b.rate <= 0 {
		return 0
	}
	deficit := bytes - b.tokens
	return time.Duration(deficit/b.rate*float64(time.Second)) + waitSlack
}

// waitSlack is a small constant added on top of the computed wait
// duration, per §4.C ("plus a small constant")
const waitSlack = 5 * time.Millisecond

// Decision is the result of Check
type Decision struct {
	Allowed bool
	Wait    time.Duration
}

// Limiter holds the three scopes of token buckets. Removing a client
// or device drops its bucket
type Limiter struct {
	mu        sync.Mutex
	global    *bucket
	perClient map[string]*bucket
	perDevice map[string]*bucket

	globalLimit Limit
	clientLimit Limit
	deviceLimit Limit
}

// Limit is a parsed limit-string: bytesPerSecond == 0 means unlimited
type Limit struct {
	BytesPerSecond float64
	BurstBytes     float64
}

// unlimited reports whether this Limit imposes no bound
func (l Limit) unlimited() bool { return l.BytesPerSecond <= 0 }

// NewLimiter creates a Limiter with the given global/per-client/
// per-device limits. An unlimited Limit disables that scope entirely
func NewLimiter(global, client, device Limit) *Limiter {
	return &Limiter{
		perClient:   make(map[string]*bucket),
		perDevice:   make(map[string]*bucket),
		globalLimit: global,
		clientLimit: client,
		deviceLimit: device,
	}
}

// scopeBuckets returns the buckets applicable to this call, creating
// per-client/per-device buckets on first use. Caller must not hold
// any bucket's lock. skipGlobal omits the global bucket, used by
// CheckFor to exempt the highest QoS class from the global wait
func (l *Limiter) scopeBuckets(clientID, deviceKey string, now time.Time, skipGlobal bool) []*bucket {
	var bs []*bucket

	l.mu.Lock()
	defer l.mu.Unlock()

	if !skipGlobal && !l.globalLimit.unlimited() {
		if l.global == nil {
			l.global = newBucket(l.globalLimit.BurstBytes, l.globalLimit.BytesPerSecond, now)
		}
		bs = append(bs, l.global)
	}

	if !l.clientLimit.unlimited() && clientID != "" {
		b, ok := l.perClient[clientID]
		if !ok {
			b = newBucket(l.clientLimit.BurstBytes, l.clientLimit.BytesPerSecond, now)
			l.perClient[clientID] = b
		}
		bs = append(bs, b)
	}

	if !l.deviceLimit.unlimited() && deviceKey != "" {
		b, ok := l.perDevice[deviceKey]
		if !ok {
			b = newBucket(l.deviceLimit.BurstBytes, l.deviceLimit.BytesPerSecond, now)
			l.perDevice[deviceKey] = b
		}
		bs = append(bs, b)
	}

	return bs
}

// Check reports whether bytes may be sent across all applicable
// buckets without debiting them
func (l *Limiter) Check(clientID, deviceKey string, bytes uint64, now time.Time) Decision {
	return l.checkBuckets(l.scopeBuckets(clientID, deviceKey, now, false), bytes, now)
}

// CheckFor is Check with QoS-aware global-bucket exemption: priority
// classes weighted at or above the highest weight present in weights
// skip the global bucket's wait calculation entirely, and are only
// held back by their per-client/per-device buckets. A priority absent
// from weights is treated as weight 1
func (l *Limiter) CheckFor(priority string, weights map[string]int, clientID, deviceKey string, bytes uint64, now time.Time) Decision {
	return l.checkBuckets(l.scopeBuckets(clientID, deviceKey, now, exemptGlobal(priority, weights)), bytes, now)
}

// exemptGlobal reports whether priority carries the highest weight
// among weights, and so should bypass the global bucket
func exemptGlobal(priority string, weights map[string]int) bool {
	if len(weights) == 0 {
		return false
	}
	w, ok := weights[priority]
	if !ok {
		w = 1
	}
	max := 0
	for _, v := range weights {
		if v > max {
			max = v
		}
	}
	return w >= max && max > 0
}

func (l *Limiter) checkBuckets(bs []*bucket, bytes uint64, now time.Time) Decision {
	var maxWait time.Duration
	for _, b := range bs {
		b.mu.Lock()
		b.refill(now)
		w := b.waitFor(float64(bytes))
		b.mu.Unlock()

		if w > maxWait {
			maxWait = w
		}
	}

	if maxWait == 0 {
		return Decision{Allowed: true}
	}
	return Decision{Allowed: false, Wait: maxWait}
}

// TryAcquire atomically debits bytes from every applicable bucket. If
// any bucket would go negative, every bucket already debited in this
// call is rolled back and false is returned — no partial debit is
// ever observable
func (l *Limiter) TryAcquire(clientID, deviceKey string, bytes uint64, now time.Time) bool {
	bs := l.scopeBuckets(clientID, deviceKey, now, false)

	locked := make([]*bucket, 0, len(bs))
	for _, b := range bs {
		b.mu.Lock()
		locked = append(locked, b)
	}
	defer func() {
		for _, b := range locked {
			b.mu.Unlock()
		}
	}()

	for _, b := range locked {
		b.refill(now)
	}

	for _, b := range locked {
		if b.tokens < float64(bytes) {
			// Rollback is implicit: nothing has been
			// debited yet, only refilled
			return false
		}
	}

	for _, b := range locked {
		b.tokens -= float64(bytes)
	}

	return true
}

// RemoveClient drops the per-client bucket for clientID, if any
func (l *Limiter) RemoveClient(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.perClient, clientID)
}

// RemoveDevice drops the per-device bucket for deviceKey, if any
func (l *Limiter) RemoveDevice(deviceKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.perDevice, deviceKey)
}

// ParseLimit parses a limit string per the §4.C grammar: a positive
// integer followed by one of Mbps|Gbps|kbps|MB/s|GB/s|KB/s|B/s
// (case-insensitive), or a bare integer meaning bytes/second. An
// empty string is unlimited. BurstBytes defaults to one second's
// worth of the parsed rate
func ParseLimit(s string) (Limit, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Limit{}, nil
	}

	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return Limit{}, fmt.Errorf("metrics: invalid limit %q: no leading integer", s)
	}

	n, err := strconv.ParseUint(s[:i], 10, 64)
	if err != nil {
		return Limit{}, fmt.Errorf("metrics: invalid limit %q: %s", s, err)
	}

	unit := strings.ToLower(strings.TrimSpace(s[i:]))

	var bytesPerSecond float64
	switch unit {
	case "", "b/s":
		bytesPerSecond = float64(n)
	case "kbps":
		bytesPerSecond = float64(n) * 1000 / 8
	case "mbps":
		bytesPerSecond = float64(n) * 1000 * 1000 / 8
	case "gbps":
		bytesPerSecond = float64(n) * 1000 * 1000 * 1000 / 8
	case "kb/s":
		bytesPerSecond = float64(n) * 1024
	case "mb/s":
		bytesPerSecond = float64(n) * 1024 * 1024
	case "gb/s":
		bytesPerSecond = float64(n) * 1024 * 1024 * 1024
	default:
		return Limit{}, fmt.Errorf("metrics: invalid limit %q: unknown unit %q", s, unit)
	}

	return Limit{BytesPerSecond: bytesPerSecond, BurstBytes: bytesPerSecond}, nil
}
