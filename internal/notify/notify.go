/* usbshare - share physical USB devices over the network
 *
 * Desktop notification transport: the D-Bus wire stand-in for the
 * TUI toasts described for arrival/removal/forced-detach events
 */

package notify

import (
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/usbshare/usbshare/internal/logger"
	"github.com/usbshare/usbshare/internal/metrics"
)

const (
	notifyDest = "org.freedesktop.Notifications"
	notifyPath = "/org/freedesktop/Notifications"
	notifyIfc  = "org.freedesktop.Notifications.Notify"
)

// Urgency is the freedesktop notification urgency hint
type Urgency byte

// Urgency levels, per the freedesktop spec
const (
	UrgencyLow      Urgency = 0
	UrgencyNormal   Urgency = 1
	UrgencyCritical Urgency = 2
)

// busConn is the subset of *dbus.Conn a Notifier needs, narrow enough
// for tests to substitute a fake bus object
type busConn interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	Close() error
}

// Notifier sends desktop notifications over the session D-Bus
type Notifier struct {
	conn busConn
	log  *logger.Logger

	appName string
	appIcon string
}

// NewNotifier connects to the session bus. appIcon may be empty
func NewNotifier(appName, appIcon string, log *logger.Logger) (*Notifier, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("notify: connecting to session bus: %w", err)
	}
	return newNotifier(conn, appName, appIcon, log), nil
}

func newNotifier(conn busConn, appName, appIcon string, log *logger.Logger) *Notifier {
	return &Notifier{conn: conn, log: log, appName: appName, appIcon: appIcon}
}

// Close closes the D-Bus connection
func (n *Notifier) Close() error {
	return n.conn.Close()
}

// Send posts one notification. A failure is logged, not returned: a
// missing notification daemon must never block the caller's own
// event handling
func (n *Notifier) Send(summary, body string, urgency Urgency) {
	obj := n.conn.Object(notifyDest, dbus.ObjectPath(notifyPath))

	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(byte(urgency)),
	}

	call := obj.Call(notifyIfc, 0,
		n.appName,     // app_name
		uint32(0),     // replaces_id
		n.appIcon,     // app_icon
		summary,       // summary
		body,          // body
		[]string{},    // actions
		hints,         // hints
		int32(5000),   // expire_timeout (ms)
	)
	if call.Err != nil && n.log != nil {
		n.log.Error('!', "notify: sending %q: %s", summary, call.Err)
	}
}

// DeviceArrived notifies that a shared device became available
func (n *Notifier) DeviceArrived(deviceName string) {
	n.Send("USB device available", deviceName+" is now available to attach", UrgencyNormal)
}

// DeviceRemoved notifies that a device disappeared, optionally with
// a human-readable reason
func (n *Notifier) DeviceRemoved(deviceName, reason string) {
	body := deviceName + " was disconnected"
	if reason != "" {
		body += ": " + reason
	}
	n.Send("USB device removed", body, UrgencyNormal)
}

// ForceDetachWarning notifies that an administrator is about to
// forcibly reclaim a device currently locked by this client
func (n *Notifier) ForceDetachWarning(deviceName string) {
	n.Send("Device will be force-detached", deviceName+" is about to be reclaimed by the server", UrgencyCritical)
}

// ForcedDetach notifies that the server already reclaimed the device
func (n *Notifier) ForcedDetach(deviceName string) {
	n.Send("Device force-detached", deviceName+" was detached by the server", UrgencyCritical)
}

// QualityDegraded notifies a drop in connection quality for a server
// connection
func (n *Notifier) QualityDegraded(serverName string, label metrics.QualityLabel) {
	urgency := UrgencyNormal
	if label == metrics.QualityCritical {
		urgency = UrgencyCritical
	}
	n.Send("Connection quality degraded", fmt.Sprintf("%s is now %s", serverName, label), urgency)
}
