/* usbshare - share physical USB devices over the network
 *
 * Policy engine: matches an attach request against the configured
 * policy list and evaluates client/class/time-window restrictions
 */

package policy

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/usbshare/usbshare/internal/audit"
	"github.com/usbshare/usbshare/internal/config"
	"github.com/usbshare/usbshare/internal/protocol"
)

// matchTier ranks how a policy's device_filter matched a VID:PID, used
// to pick the single best match among several candidates
type matchTier int

const (
	tierNone matchTier = iota
	tierWildcard
	tierVidWildcard
	tierExact
)

// classify reports how well filter matches info's VID:PID
func classify(info protocol.DeviceInfo, filter string) matchTier {
	vidPid := info.VidPid()
	filter = strings.ToLower(strings.TrimSpace(filter))

	if filter == vidPid {
		return tierExact
	}

	if idx := strings.IndexByte(filter, ':'); idx >= 0 && filter[idx+1:] == "*" {
		vid := filter[:idx]
		if vid == fmt.Sprintf("%04x", info.VendorID) {
			return tierVidWildcard
		}
	}

	if filter == "*" {
		return tierWildcard
	}

	return tierNone
}

// Match selects the best-matching policy for info per the spec's
// priority order: exact VID:PID, then VID:*, then a literal "*"
// default. If no policy matches, matched is false: the caller must
// allow the attach when policies is empty, or deny it with
// NoMatchingPolicy otherwise
func Match(policies []config.Policy, info protocol.DeviceInfo) (config.Policy, bool) {
	best := tierNone
	var bestPolicy config.Policy
	found := false

	for _, p := range policies {
		tier := classify(info, p.DeviceFilter)
		if tier == tierNone {
			continue
		}
		if tier > best {
			best = tier
			bestPolicy = p
			found = true
		}
	}

	return bestPolicy, found
}

// Engine evaluates attach requests against a policy list and tracks
// sessions subject to a duration or time-window limit
type Engine struct {
	policies  []config.Policy
	utcOffset time.Duration
	now       func() time.Time
	audit     audit.Sink

	mu       sync.Mutex
	sessions map[protocol.DeviceHandle]*ActiveSession
	expired  chan SessionExpired
}

// ActiveSession tracks one attach that is subject to expiry
type ActiveSession struct {
	Handle       protocol.DeviceHandle
	DeviceID     protocol.DeviceID
	AttachedAt   time.Time
	Deadline     time.Time
	ExpiryReason ExpiryReason
}

// ExpiryReason distinguishes why a session's deadline was computed
type ExpiryReason int

// Expiry reasons
const (
	ReasonDurationLimit ExpiryReason = iota
	ReasonTimeWindow
)

// SessionExpired is emitted when a tracked session's deadline passes
type SessionExpired struct {
	Handle   protocol.DeviceHandle
	DeviceID protocol.DeviceID
	Reason   ExpiryReason
}

// NewEngine creates a policy Engine. utcOffsetMinutes shifts wall-clock
// time before comparing it against configured time windows
func NewEngine(policies []config.Policy, utcOffsetMinutes int) *Engine {
	return &Engine{
		policies:  policies,
		utcOffset: time.Duration(utcOffsetMinutes) * time.Minute,
		now:       time.Now,
		audit:     audit.NopSink{},
		sessions:  make(map[protocol.DeviceHandle]*ActiveSession),
		expired:   make(chan SessionExpired, 32),
	}
}

// SetAuditSink wires an audit trail sink; policy denials are recorded
// there as they occur
func (e *Engine) SetAuditSink(s audit.Sink) {
	e.audit = audit.SinkOrNop(s)
}

// Expired returns the channel SessionExpired events are delivered on
func (e *Engine) Expired() <-chan SessionExpired {
	return e.expired
}

// EvaluateAttach checks whether client (by endpoint id string, case
// insensitive) may attach to info, applying the matched policy's
// allow-list, restricted classes, and time windows in that order
func (e *Engine) EvaluateAttach(info protocol.DeviceInfo, client string) (config.Policy, *protocol.AttachError) {
	pol, matched := Match(e.policies, info)
	if !matched {
		if len(e.policies) == 0 {
			return config.Policy{SharingMode: config.ModeShared, MaxConcurrentClients: 1}, nil
		}
		aerr := &protocol.AttachError{Kind: protocol.AttachErrOther, Message: "no matching policy"}
		e.recordDenial(info, client, aerr)
		return config.Policy{}, aerr
	}

	if aerr := checkAllowList(pol.AllowedClients, client); aerr != nil {
		e.recordDenial(info, client, aerr)
		return pol, aerr
	}

	if aerr := checkRestrictedClass(pol.RestrictedClasses, info.Class); aerr != nil {
		e.recordDenial(info, client, aerr)
		return pol, aerr
	}

	if aerr := e.checkTimeWindows(pol.TimeWindows); aerr != nil {
		e.recordDenial(info, client, aerr)
		return pol, aerr
	}

	return pol, nil
}

// recordDenial audits a failed EvaluateAttach
func (e *Engine) recordDenial(info protocol.DeviceInfo, client string, aerr *protocol.AttachError) {
	e.audit.Record(audit.Event{
		Kind:     audit.EventPolicyDenied,
		Time:     e.now(),
		ClientID: client,
		DeviceID: info.VidPid(),
		Reason:   aerr.Error(),
	})
}

// checkAllowList denies unless allowed is empty or contains client
// (case-insensitive), or the literal wildcard "*"
func checkAllowList(allowed []string, client string) *protocol.AttachError {
	if len(allowed) == 0 {
		return nil
	}
	client = strings.ToLower(client)
	for _, c := range allowed {
		if c == "*" || strings.ToLower(c) == client {
			return nil
		}
	}
	return &protocol.AttachError{Kind: protocol.AttachErrPermissionDenied}
}

// checkRestrictedClass denies if class appears in restricted
func checkRestrictedClass(restricted []byte, class byte) *protocol.AttachError {
	for _, c := range restricted {
		if c == class {
			return &protocol.AttachError{Kind: protocol.AttachErrDeviceClassRestricted, Class: class}
		}
	}
	return nil
}

// checkTimeWindows denies unless windows is empty or the current
// offset wall-clock time falls within at least one of them
func (e *Engine) checkTimeWindows(windows []config.TimeWindow) *protocol.AttachError {
	if len(windows) == 0 {
		return nil
	}

	current := e.now().Add(e.utcOffset)
	currentMinutes := current.Hour()*60 + current.Minute()

	allowed := make([]string, 0, len(windows))
	for _, w := range windows {
		allowed = append(allowed, fmt.Sprintf("%s-%s", w.Start, w.End))
		if inWindow(currentMinutes, w) {
			return nil
		}
	}

	return &protocol.AttachError{
		Kind:    protocol.AttachErrOutsideTimeWindow,
		Current: fmt.Sprintf("%02d:%02d", current.Hour(), current.Minute()),
		Allowed: allowed,
	}
}

// inWindow reports whether minutesOfDay falls in w, treating
// start > end as spanning midnight
func inWindow(minutesOfDay int, w config.TimeWindow) bool {
	start, err1 := parseHHMM(w.Start)
	end, err2 := parseHHMM(w.End)
	if err1 != nil || err2 != nil {
		return false
	}

	if start <= end {
		return minutesOfDay >= start && minutesOfDay < end
	}
	return minutesOfDay >= start || minutesOfDay < end
}

// parseHHMM parses "HH:MM" into minutes since midnight
func parseHHMM(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("policy: malformed time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, err
	}
	return h*60 + m, nil
}

// TrackSession begins tracking handle for expiry if pol imposes a
// duration or time-window limit
func (e *Engine) TrackSession(handle protocol.DeviceHandle, deviceID protocol.DeviceID, pol config.Policy) {
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if pol.MaxSessionDuration > 0 {
		e.sessions[handle] = &ActiveSession{
			Handle: handle, DeviceID: deviceID, AttachedAt: now,
			Deadline: now.Add(pol.MaxSessionDuration), ExpiryReason: ReasonDurationLimit,
		}
		return
	}

	if len(pol.TimeWindows) > 0 {
		if deadline, ok := e.nextWindowClose(pol.TimeWindows, now); ok {
			e.sessions[handle] = &ActiveSession{
				Handle: handle, DeviceID: deviceID, AttachedAt: now,
				Deadline: deadline, ExpiryReason: ReasonTimeWindow,
			}
		}
	}
}

// nextWindowClose finds the soonest window-close boundary covering now
func (e *Engine) nextWindowClose(windows []config.TimeWindow, now time.Time) (time.Time, bool) {
	current := now.Add(e.utcOffset)
	currentMinutes := current.Hour()*60 + current.Minute()

	for _, w := range windows {
		if !inWindow(currentMinutes, w) {
			continue
		}
		end, err := parseHHMM(w.End)
		if err != nil {
			continue
		}
		minutesUntilEnd := end - currentMinutes
		if minutesUntilEnd <= 0 {
			minutesUntilEnd += 24 * 60
		}
		return now.Add(time.Duration(minutesUntilEnd) * time.Minute), true
	}
	return time.Time{}, false
}

// Untrack stops tracking handle, called on any ordinary detach
func (e *Engine) Untrack(handle protocol.DeviceHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, handle)
}

// ScanExpirations scans every interval for sessions whose deadline has
// passed, emitting SessionExpired for each and forgetting it
func (e *Engine) ScanExpirations(interval time.Duration, stop <-chan struct{}) {
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

func (e *Engine) sweep() {
	now := e.now()

	e.mu.Lock()
	var fired []SessionExpired
	for handle, s := range e.sessions {
		if now.Before(s.Deadline) {
			continue
		}
		delete(e.sessions, handle)
		fired = append(fired, SessionExpired{Handle: handle, DeviceID: s.DeviceID, Reason: s.ExpiryReason})
	}
	e.mu.Unlock()

	for _, ev := range fired {
		e.expired <- ev
	}
}
