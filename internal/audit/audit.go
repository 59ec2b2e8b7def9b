/* usbshare - share physical USB devices over the network
 *
 * Audit trail hook: the core never decides log format or rotation,
 * it only calls a small injected sink at the moments a compliance
 * trail would need a record
 */

package audit

import "time"

// EventKind names the audit record types the core can emit
type EventKind string

// Audit event kinds
const (
	EventAttach       EventKind = "attach"
	EventDetach       EventKind = "detach"
	EventForcedDetach EventKind = "forced_detach"
	EventPolicyDenied EventKind = "policy_denied"
	EventLockGranted  EventKind = "lock_granted"
	EventLockExpired  EventKind = "lock_expired"
)

// Event is one audit-worthy occurrence. Fields are opportunistic:
// callers fill in whatever is meaningful for Kind and leave the rest
// zero
type Event struct {
	Kind      EventKind
	Time      time.Time
	ClientID  string
	DeviceID  string
	Reason    string
	ServerID  string
}

// Sink receives audit events. Implementations decide format, storage,
// and rotation; a nil Sink is a valid no-op per NopSink
type Sink interface {
	Record(Event)
}

// NopSink discards every event, used where no audit trail is
// configured
type NopSink struct{}

// Record implements Sink
func (NopSink) Record(Event) {}

// SinkOrNop returns s if non-nil, else NopSink{} — callers can always
// invoke the result without a nil check
func SinkOrNop(s Sink) Sink {
	if s == nil {
		return NopSink{}
	}
	return s
}
