/* usbshare - share physical USB devices over the network
 *
 * Device proxy: the client-side stand-in for one remote device,
 * translating attach/detach/submit calls into wire requests and
 * demultiplexing their matching responses
 */

package proxy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/usbshare/usbshare/internal/protocol"
)

// Transport is the minimal send capability a Proxy needs from its
// underlying connection. The connection's read loop is responsible
// for routing inbound payloads back to the right Proxy via
// HandleAttachResponse/HandleDetachResponse/HandleTransferComplete
type Transport interface {
	Send(p protocol.Payload) error
}

// Proxy is the client-side stand-in for one device living on a
// remote server, identified there by DeviceID
type Proxy struct {
	ServerID   string
	DeviceID   protocol.DeviceID
	DeviceInfo protocol.DeviceInfo

	transport Transport

	mu       sync.Mutex
	handle   protocol.DeviceHandle
	attached bool

	pendingAttach chan attachResult
	pendingDetach chan detachResult

	nextRequestID uint64
	pending       map[protocol.RequestID]chan protocol.TransferComplete
}

type attachResult struct {
	handle protocol.DeviceHandle
	err    *protocol.AttachError
}

type detachResult struct {
	err *protocol.DetachError
}

// NewProxy creates a Proxy for deviceID, described by info, reachable
// over transport
func NewProxy(serverID string, deviceID protocol.DeviceID, info protocol.DeviceInfo, transport Transport) *Proxy {
	return &Proxy{
		ServerID:   serverID,
		DeviceID:   deviceID,
		DeviceInfo: info,
		transport:  transport,
		pending:    make(map[protocol.RequestID]chan protocol.TransferComplete),
	}
}

// Handle returns the attach handle, if currently attached
func (p *Proxy) Handle() (protocol.DeviceHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handle, p.attached
}

// Attach sends AttachDeviceRequest and blocks for the matching
// AttachDeviceResponse or until ctx is done
func (p *Proxy) Attach(ctx context.Context) (protocol.DeviceHandle, *protocol.AttachError) {
	p.mu.Lock()
	if p.attached {
		p.mu.Unlock()
		return 0, &protocol.AttachError{Kind: protocol.AttachErrAlreadyAttached}
	}
	ch := make(chan attachResult, 1)
	p.pendingAttach = ch
	p.mu.Unlock()

	if err := p.transport.Send(&protocol.AttachDeviceRequest{DeviceID: p.DeviceID}); err != nil {
		return 0, &protocol.AttachError{Kind: protocol.AttachErrOther, Message: err.Error()}
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return 0, res.err
		}
		p.mu.Lock()
		p.handle = res.handle
		p.attached = true
		p.mu.Unlock()
		return res.handle, nil
	case <-ctx.Done():
		return 0, &protocol.AttachError{Kind: protocol.AttachErrOther, Message: ctx.Err().Error()}
	}
}

// HandleAttachResponse delivers an inbound AttachDeviceResponse to
// whichever Attach call is currently waiting
func (p *Proxy) HandleAttachResponse(m *protocol.AttachDeviceResponse) {
	p.mu.Lock()
	ch := p.pendingAttach
	p.pendingAttach = nil
	p.mu.Unlock()

	if ch == nil {
		return
	}
	ch <- attachResult{handle: m.Handle, err: m.Err}
}

// Detach sends DetachDeviceRequest for the current handle and blocks
// for its response or until ctx is done
func (p *Proxy) Detach(ctx context.Context) *protocol.DetachError {
	p.mu.Lock()
	if !p.attached {
		p.mu.Unlock()
		return &protocol.DetachError{Kind: protocol.DetachErrHandleNotFound}
	}
	handle := p.handle
	ch := make(chan detachResult, 1)
	p.pendingDetach = ch
	p.mu.Unlock()

	if err := p.transport.Send(&protocol.DetachDeviceRequest{Handle: handle}); err != nil {
		return &protocol.DetachError{Kind: protocol.DetachErrOther, Message: err.Error()}
	}

	select {
	case res := <-ch:
		if res.err == nil {
			p.mu.Lock()
			p.attached = false
			p.mu.Unlock()
		}
		return res.err
	case <-ctx.Done():
		return &protocol.DetachError{Kind: protocol.DetachErrOther, Message: ctx.Err().Error()}
	}
}

// HandleDetachResponse delivers an inbound detach acknowledgment (nil
// err meaning success) to whichever Detach call is waiting
func (p *Proxy) HandleDetachResponse(err *protocol.DetachError) {
	p.mu.Lock()
	ch := p.pendingDetach
	p.pendingDetach = nil
	p.mu.Unlock()

	if ch == nil {
		return
	}
	ch <- detachResult{err: err}
}

// ForceDrop marks the proxy detached without sending a request, used
// when the server forcibly revokes the attach or the connection is
// torn down; any in-flight transfers are abandoned
func (p *Proxy) ForceDrop() {
	p.mu.Lock()
	p.attached = false
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
	p.mu.Unlock()
}

// Submit packages transfer with a fresh RequestID, sends it, and
// blocks for the matching TransferComplete or until ctx is done. On
// ctx cancellation it sends CancelTransfer and discards any late
// response
func (p *Proxy) Submit(ctx context.Context, transfer protocol.Transfer) (protocol.TransferResult, error) {
	p.mu.Lock()
	if !p.attached {
		p.mu.Unlock()
		return protocol.TransferResult{}, fmt.Errorf("proxy: device %d is not attached", p.DeviceID)
	}
	handle := p.handle
	reqID := protocol.RequestID(atomic.AddUint64(&p.nextRequestID, 1))
	ch := make(chan protocol.TransferComplete, 1)
	p.pending[reqID] = ch
	p.mu.Unlock()

	if err := p.transport.Send(&protocol.SubmitTransfer{RequestID: reqID, Handle: handle, Transfer: transfer}); err != nil {
		p.mu.Lock()
		delete(p.pending, reqID)
		p.mu.Unlock()
		return protocol.TransferResult{}, err
	}

	select {
	case complete, ok := <-ch:
		if !ok {
			return protocol.TransferResult{}, fmt.Errorf("proxy: device %d dropped before completion", p.DeviceID)
		}
		return complete.Result, nil
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.pending, reqID)
		p.mu.Unlock()
		p.transport.Send(&protocol.CancelTransfer{RequestID: reqID})
		return protocol.TransferResult{}, ctx.Err()
	}
}

// HandleTransferComplete delivers an inbound TransferComplete to its
// matching Submit call, if one is still waiting. A TransferComplete
// for a cancelled or already-completed RequestID is silently dropped
func (p *Proxy) HandleTransferComplete(m *protocol.TransferComplete) {
	p.mu.Lock()
	ch, ok := p.pending[m.RequestID]
	if ok {
		delete(p.pending, m.RequestID)
	}
	p.mu.Unlock()

	if !ok {
		return
	}
	ch <- *m
}
