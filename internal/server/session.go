/* usbshare - share physical USB devices over the network
 *
 * Session: per-connection protocol dispatch. One Session owns exactly
 * one net.Conn and the subset of server state scoped to that peer
 */

package server

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/usbshare/usbshare/internal/audit"
	"github.com/usbshare/usbshare/internal/config"
	"github.com/usbshare/usbshare/internal/interrupt"
	"github.com/usbshare/usbshare/internal/metrics"
	"github.com/usbshare/usbshare/internal/protocol"
	"github.com/usbshare/usbshare/internal/sharing"
	"github.com/usbshare/usbshare/internal/transfer"
)

// Session is one accepted peer connection
type Session struct {
	srv  *Server
	conn net.Conn
	peer protocol.EndpointID

	wmu sync.Mutex

	mu              sync.Mutex
	attachedHandles map[protocol.DeviceHandle]protocol.DeviceID
	cancelled       map[protocol.RequestID]bool

	metrics *metrics.TransferMetrics

	done chan struct{}
}

func (s *Server) newSession(conn net.Conn) (*Session, error) {
	conn.SetDeadline(time.Now().Add(config.SessionInitTimeout))
	defer conn.SetDeadline(time.Time{})

	peer, err := s.id.ServerHandshake(conn, s.allowList)
	if err != nil {
		return nil, err
	}

	msg, err := protocol.ReadMessage(conn)
	if err != nil {
		return nil, fmt.Errorf("server: capability exchange: %w", err)
	}
	if _, ok := msg.Payload.(*protocol.ClientCapabilities); !ok {
		return nil, fmt.Errorf("server: capability exchange: expected ClientCapabilities, got tag %d", msg.Payload.Tag())
	}

	reply := protocol.Message{Version: protocol.CurrentVersion, Payload: &protocol.ServerCapabilities{WillSendNotifications: true}}
	if err := protocol.WriteMessage(conn, reply); err != nil {
		return nil, fmt.Errorf("server: capability exchange: %w", err)
	}

	sess := &Session{
		srv:             s,
		conn:            conn,
		peer:            peer,
		attachedHandles: make(map[protocol.DeviceHandle]protocol.DeviceID),
		cancelled:       make(map[protocol.RequestID]bool),
		metrics:         metrics.NewTransferMetrics(time.Now()),
		done:            make(chan struct{}),
	}

	s.mu.Lock()
	s.clientMetrics[peer] = sess.metrics
	s.mu.Unlock()

	s.log.Info('+', "server: %s: session established with %s", conn.RemoteAddr(), peer)
	return sess, nil
}

// writeMessage serializes concurrent writers (the dispatch loop and
// any notify() call from an event-fanout goroutine)
func (sess *Session) writeMessage(payload protocol.Payload) error {
	sess.wmu.Lock()
	defer sess.wmu.Unlock()
	return protocol.WriteMessage(sess.conn, protocol.Message{Version: protocol.CurrentVersion, Payload: payload})
}

// notify sends a server-initiated payload, logging (not propagating)
// a write failure: a dead connection is discovered by serve()'s own
// read loop, not by notification delivery
func (sess *Session) notify(payload protocol.Payload) {
	if err := sess.writeMessage(payload); err != nil {
		sess.srv.log.Error('!', "server: %s: notify: %s", sess.peer, err)
	}
}

// waitGrace blocks for seconds or until the session closes, whichever
// comes first
func (sess *Session) waitGrace(seconds uint32) {
	select {
	case <-time.After(time.Duration(seconds) * time.Second):
	case <-sess.done:
	}
}

// serve runs the read/dispatch loop until the connection closes
func (sess *Session) serve() {
	defer close(sess.done)
	defer sess.conn.Close()

	for {
		msg, err := protocol.ReadMessage(sess.conn)
		if err != nil {
			if err != io.EOF {
				sess.srv.log.Debug('-', "server: %s: session ended: %s", sess.peer, err)
			}
			return
		}
		sess.dispatch(msg.Payload)
	}
}

func (sess *Session) dispatch(payload protocol.Payload) {
	switch p := payload.(type) {
	case *protocol.Heartbeat:
		sess.notify(&protocol.HeartbeatAck{Seq: p.Seq, ClientTsMs: p.TsMs, ServerTsMs: uint64(time.Now().UnixMilli())})

	case *protocol.ListDevicesRequest:
		sess.notify(&protocol.ListDevicesResponse{Devices: sess.srv.registry.Snapshot()})

	case *protocol.AttachDeviceRequest:
		sess.handleAttach(p)

	case *protocol.DetachDeviceRequest:
		sess.handleDetach(p)

	case *protocol.SubmitTransfer:
		go sess.handleSubmitTransfer(p)

	case *protocol.CancelTransfer:
		sess.mu.Lock()
		sess.cancelled[p.RequestID] = true
		sess.mu.Unlock()

	case *protocol.LockDeviceRequest:
		result := sess.srv.sharing.Lock(p.Handle, p.WriteAccess, time.Duration(p.TimeoutSecs)*time.Second)
		sess.notify(&protocol.LockDeviceResponse{Result: result})

	case *protocol.UnlockDeviceRequest:
		result := sess.srv.sharing.Unlock(p.Handle)
		sess.notify(&protocol.UnlockDeviceResponse{Result: result})

	case *protocol.GetSharingStatusRequest:
		sess.handleSharingStatus(p)

	case *protocol.GetMetricsRequest:
		sess.notify(sess.srv.metricsSnapshot())

	case *protocol.ErrorMessage:
		sess.srv.log.Error('!', "server: %s: peer error: %s", sess.peer, p.Message)

	case *protocol.UnknownPayload:
		sess.srv.log.Debug('-', "server: %s: unknown payload tag %d, ignoring", sess.peer, p.TagValue)

	default:
		sess.srv.log.Debug('-', "server: %s: unexpected payload %T, ignoring", sess.peer, p)
	}
}

func (sess *Session) handleSharingStatus(req *protocol.GetSharingStatusRequest) {
	status, ok := sess.srv.sharing.Status(req.DeviceID)
	if !ok {
		sess.notify(&protocol.ErrorMessage{Message: fmt.Sprintf("device %d not found", req.DeviceID)})
		return
	}
	sess.notify(&protocol.GetSharingStatusResponse{
		Mode:          sharingModeString(status.Mode),
		AttachedCount: status.AttachedCount,
		MaxClients:    status.MaxClients,
		LockHeld:      status.LockHeld,
		QueueLength:   status.QueueLength,
		QueuePosition: sess.srv.sharing.QueuePosition(req.DeviceID, req.Handle),
	})
}

func sharingModeString(m sharing.Mode) string {
	switch m {
	case sharing.Exclusive:
		return string(config.ModeExclusive)
	case sharing.ReadOnly:
		return string(config.ModeReadOnly)
	default:
		return string(config.ModeShared)
	}
}

func (sess *Session) handleAttach(req *protocol.AttachDeviceRequest) {
	info, ok := sess.srv.registry.Lookup(req.DeviceID)
	if !ok {
		sess.notify(&protocol.AttachDeviceResponse{Err: &protocol.AttachError{Kind: protocol.AttachErrDeviceNotFound}})
		return
	}

	clientKey := fmt.Sprintf("%x", sess.peer)
	if pol, aerr := sess.srv.policy.EvaluateAttach(info, clientKey); aerr != nil {
		sess.notify(&protocol.AttachDeviceResponse{Err: aerr})
		return
	} else {
		handle, aerr := sess.srv.sharing.Attach(req.DeviceID, sharing.ClientID(sess.peer))
		if aerr != nil {
			sess.notify(&protocol.AttachDeviceResponse{Err: aerr})
			return
		}

		addr, ok := sess.srv.registry.LookupAddr(req.DeviceID)
		if !ok {
			sess.srv.sharing.Detach(handle)
			sess.notify(&protocol.AttachDeviceResponse{Err: &protocol.AttachError{Kind: protocol.AttachErrDeviceNotFound}})
			return
		}

		if _, err := sess.srv.devices.acquire(req.DeviceID, handle, addr, info.Speed); err != nil {
			sess.srv.sharing.Detach(handle)
			sess.notify(&protocol.AttachDeviceResponse{Err: &protocol.AttachError{Kind: protocol.AttachErrOther, Message: err.Error()}})
			return
		}

		sess.srv.ownHandle(handle, sess)
		sess.srv.setHandlePriority(handle, pol.Priority)
		sess.mu.Lock()
		sess.attachedHandles[handle] = req.DeviceID
		sess.mu.Unlock()

		if pol.MaxSessionDuration > 0 || len(pol.TimeWindows) > 0 {
			sess.srv.policy.TrackSession(handle, req.DeviceID, pol)
		}

		sess.srv.audit.Record(audit.Event{Kind: audit.EventAttach, ClientID: clientKey, DeviceID: fmt.Sprint(req.DeviceID)})
		sess.notify(&protocol.AttachDeviceResponse{Handle: handle})
	}
}

func (sess *Session) handleDetach(req *protocol.DetachDeviceRequest) {
	derr := sess.srv.sharing.Detach(req.Handle)
	sess.srv.devices.release(req.Handle)
	sess.srv.forgetHandle(req.Handle)
	sess.srv.policy.Untrack(req.Handle)

	sess.mu.Lock()
	delete(sess.attachedHandles, req.Handle)
	sess.mu.Unlock()

	sess.notify(&protocol.DetachDeviceResponse{Err: derr})
}

func (sess *Session) handleSubmitTransfer(req *protocol.SubmitTransfer) {
	engine, deviceID, ok := sess.srv.devices.engineFor(req.Handle)
	if !ok {
		sess.notify(&protocol.TransferComplete{RequestID: req.RequestID, Result: protocol.TransferResult{
			Err: &protocol.UsbError{Kind: protocol.UsbErrNoDevice, Message: "handle not attached"},
		}})
		return
	}

	sess.throttle(req.Handle, deviceID, req.Transfer)

	sess.metrics.BeginTransfer()
	start := time.Now()

	var result protocol.TransferResult
	if req.Transfer.Kind == protocol.TransferInterrupt && req.Transfer.Direction == protocol.DirectionIn {
		result = sess.executeInterruptIn(deviceID, engine, req.Transfer)
	} else {
		result = engine.Execute(req.Transfer)
	}

	elapsed := time.Since(start)
	bytesOut := uint64(len(req.Transfer.Data))
	bytesIn := uint64(len(result.Data))
	ok2 := result.Err == nil
	sess.metrics.CompleteTransfer(ok2, bytesOut, bytesIn, float64(elapsed.Milliseconds()), false, time.Now())
	sess.srv.deviceTransferMetric(deviceID).CompleteTransfer(ok2, bytesOut, bytesIn, float64(elapsed.Milliseconds()), false, time.Now())
	sess.srv.totalMetrics.CompleteTransfer(ok2, bytesOut, bytesIn, float64(elapsed.Milliseconds()), false, time.Now())

	sess.mu.Lock()
	cancelled := sess.cancelled[req.RequestID]
	delete(sess.cancelled, req.RequestID)
	sess.mu.Unlock()
	if cancelled {
		return
	}

	sess.notify(&protocol.TransferComplete{RequestID: req.RequestID, Result: result})
}

// throttle applies the server's global/per-client/per-device rate
// limits to a transfer about to execute, blocking for the decided wait
// when the request exceeds the available token-bucket balance
func (sess *Session) throttle(handle protocol.DeviceHandle, deviceID protocol.DeviceID, t protocol.Transfer) {
	bytes := uint64(len(t.Data))
	if t.Direction == protocol.DirectionIn {
		bytes = uint64(t.Length)
	}

	clientKey := fmt.Sprintf("%x", sess.peer)
	deviceKey := fmt.Sprint(deviceID)
	priority := sess.srv.priorityOf(handle)

	decision := sess.srv.limiter.CheckFor(string(priority), sess.srv.qosWeights(), clientKey, deviceKey, bytes, time.Now())
	if !decision.Allowed && decision.Wait > 0 {
		time.Sleep(decision.Wait)
	}
}

// executeInterruptIn serves a SubmitTransfer for an interrupt IN
// endpoint from the lazily-started poller's ring instead of issuing a
// fresh blocking read, so multiple pending polls never stack up
// against one endpoint
func (sess *Session) executeInterruptIn(deviceID protocol.DeviceID, engine *transfer.Engine, t protocol.Transfer) protocol.TransferResult {
	key := interrupt.Key{Device: deviceID, Endpoint: t.Endpoint}

	if _, ok := sess.srv.interruptMgr.Ring(key); !ok {
		reader := func(buf []byte, timeout time.Duration) (int, error) {
			return engine.Device.InterruptIn(t.Endpoint, buf, timeout)
		}
		sess.srv.interruptMgr.Start(key, reader, interrupt.DefaultCapacity, int(t.Length), sess.srv.log)
	}

	if rep, ok := sess.srv.interruptMgr.Pop(key); ok {
		return protocol.TransferResult{Data: rep.Data}
	}
	return protocol.TransferResult{Data: []byte{}}
}
