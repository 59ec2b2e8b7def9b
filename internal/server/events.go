/* usbshare - share physical USB devices over the network
 *
 * Event fan-out: translates registry/sharing/policy domain events
 * into wire notifications routed to the sessions that care about them
 */

package server

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/usbshare/usbshare/internal/audit"
	"github.com/usbshare/usbshare/internal/config"
	"github.com/usbshare/usbshare/internal/policy"
	"github.com/usbshare/usbshare/internal/protocol"
	"github.com/usbshare/usbshare/internal/registry"
	"github.com/usbshare/usbshare/internal/sharing"
)

// forceDetachGraceSeconds is how long a client is warned before a
// forced detach actually executes
const forceDetachGraceSeconds = 10

func (s *Server) pumpRegistryEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.registry.Events():
			if !ok {
				return
			}
			s.handleRegistryEvent(ev)
		}
	}
}

func (s *Server) handleRegistryEvent(ev registry.Event) {
	switch ev.Kind {
	case registry.EventArrived:
		mode := sharingModeFromConfig(s.conf.SharingDefaultMode)
		timeout := s.conf.SharingLockTimeout
		maxClients := s.conf.SharingMaxClients
		if pol, ok := policy.Match(s.conf.Policies, ev.Info); ok {
			mode = sharingModeFromConfig(pol.SharingMode)
			if pol.LockTimeout > 0 {
				timeout = pol.LockTimeout
			}
			if pol.MaxConcurrentClients > 0 {
				maxClients = pol.MaxConcurrentClients
			}
		}
		s.sharing.Register(ev.DeviceID, mode, maxClients, timeout)
		s.broadcast(&protocol.DeviceArrivedNotification{Device: ev.Info})
		s.log.Info('+', "server: device arrived: %s (%s)", ev.Info.VidPid(), ev.Addr)

	case registry.EventRemoved:
		s.devices.closeIfOpen(ev.DeviceID)
		invalidated := s.sharing.Unregister(ev.DeviceID)
		s.broadcast(&protocol.DeviceRemovedNotification{
			DeviceID:           ev.DeviceID,
			InvalidatedHandles: invalidated,
			Reason:             protocol.RemovalUnplugged,
		})
		for _, h := range invalidated {
			s.forgetHandle(h)
		}
		s.limiter.RemoveDevice(fmt.Sprint(ev.DeviceID))
		s.log.Info('+', "server: device removed: device %d", ev.DeviceID)
	}
}

func (s *Server) pumpSharingEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.sharing.Events():
			if !ok {
				return
			}
			s.handleSharingEvent(ev)
		}
	}
}

func (s *Server) handleSharingEvent(ev sharing.Event) {
	sess, ok := s.ownerOf(ev.Handle)
	if !ok {
		return
	}
	switch ev.Kind {
	case sharing.EventQueuePosition:
		sess.notify(&protocol.QueuePositionNotification{DeviceID: ev.DeviceID, Handle: ev.Handle, Position: ev.Position})
	case sharing.EventDeviceAvailable:
		sess.notify(&protocol.DeviceAvailableNotification{DeviceID: ev.DeviceID, Handle: ev.Handle})
	case sharing.EventLockExpired:
		// The write lock already moved to the next waiter; the
		// current attach is untouched, nothing further to notify
	}
}

func (s *Server) pumpPolicyExpirations(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.policy.Expired():
			if !ok {
				return
			}
			s.handlePolicyExpiration(ev)
		}
	}
}

func (s *Server) handlePolicyExpiration(ev policy.SessionExpired) {
	sess, ok := s.ownerOf(ev.Handle)
	if !ok {
		return
	}

	reason := forceDetachReason(ev.Reason)
	sess.notify(&protocol.ForceDetachWarning{Handle: ev.Handle, Reason: reason, GraceSeconds: forceDetachGraceSeconds})

	go func() {
		sess.waitGrace(forceDetachGraceSeconds)
		s.forceDetach(ev.Handle, reason)
	}()
}

func (s *Server) forceDetach(handle protocol.DeviceHandle, reason protocol.ForceDetachReason) {
	sess, ok := s.ownerOf(handle)
	if !ok {
		return
	}

	s.devices.release(handle)
	if derr := s.sharing.Detach(handle); derr != nil {
		return
	}
	s.forgetHandle(handle)
	s.policy.Untrack(handle)

	s.audit.Record(audit.Event{Kind: audit.EventForcedDetach, ClientID: fmt.Sprintf("%x", sess.peer), Reason: fmt.Sprint(reason)})
	sess.notify(&protocol.ForcedDetachNotification{Handle: handle, Reason: reason})
}

func forceDetachReason(r policy.ExpiryReason) protocol.ForceDetachReason {
	switch r {
	case policy.ReasonTimeWindow:
		return protocol.ForceDetachTimeWindowExpired
	default:
		return protocol.ForceDetachSessionDurationLimitReached
	}
}

func sharingModeFromConfig(m config.SharingMode) sharing.Mode {
	switch m {
	case config.ModeExclusive:
		return sharing.Exclusive
	case config.ModeReadOnly:
		return sharing.ReadOnly
	default:
		return sharing.Shared
	}
}

func parseEndpointID(hexStr string) (protocol.EndpointID, error) {
	var id protocol.EndpointID
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return id, fmt.Errorf("server: invalid endpoint id %q: %w", hexStr, err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("server: invalid endpoint id %q: want %d bytes, got %d", hexStr, len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}
