/* usbshare - share physical USB devices over the network
 *
 * Session dispatch tests, driven over an in-memory net.Pipe so no real
 * socket or USB hardware is involved
 */

package server

import (
	"net"
	"testing"
	"time"

	"github.com/usbshare/usbshare/internal/config"
	"github.com/usbshare/usbshare/internal/metrics"
	"github.com/usbshare/usbshare/internal/protocol"
)

// pipeSession pairs a Session (backed by one end of a net.Pipe) with
// the other end, which a test can read/write as the remote peer would
type pipeSession struct {
	sess *Session
	peer net.Conn
}

func newPipeSession(t *testing.T) *pipeSession {
	t.Helper()

	serverSide, peerSide := net.Pipe()
	sess := &Session{
		srv:             newBareServer(),
		conn:            serverSide,
		attachedHandles: make(map[protocol.DeviceHandle]protocol.DeviceID),
		cancelled:       make(map[protocol.RequestID]bool),
		metrics:         metrics.NewTransferMetrics(time.Now()),
		done:            make(chan struct{}),
	}
	return &pipeSession{sess: sess, peer: peerSide}
}

func (ps *pipeSession) close() {
	ps.sess.conn.Close()
	ps.peer.Close()
}

func TestNotifyWritesFramedMessage(t *testing.T) {
	ps := newPipeSession(t)
	defer ps.close()

	go ps.sess.notify(&protocol.HeartbeatAck{Seq: 3})

	msg, err := protocol.ReadMessage(ps.peer)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	ack, ok := msg.Payload.(*protocol.HeartbeatAck)
	if !ok || ack.Seq != 3 {
		t.Fatalf("got %#v, want HeartbeatAck{Seq: 3}", msg.Payload)
	}
}

func TestDispatchHeartbeatRepliesWithAck(t *testing.T) {
	ps := newPipeSession(t)
	defer ps.close()

	go ps.sess.dispatch(&protocol.Heartbeat{Seq: 5, TsMs: 1000})

	msg, err := protocol.ReadMessage(ps.peer)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	ack, ok := msg.Payload.(*protocol.HeartbeatAck)
	if !ok {
		t.Fatalf("got %#v, want HeartbeatAck", msg.Payload)
	}
	if ack.Seq != 5 || ack.ClientTsMs != 1000 {
		t.Fatalf("got %+v, want Seq=5 ClientTsMs=1000", ack)
	}
}

func TestDispatchCancelTransferMarksRequestCancelled(t *testing.T) {
	ps := newPipeSession(t)
	defer ps.close()

	ps.sess.dispatch(&protocol.CancelTransfer{RequestID: 42})

	ps.sess.mu.Lock()
	cancelled := ps.sess.cancelled[42]
	ps.sess.mu.Unlock()

	if !cancelled {
		t.Fatal("expected request 42 to be marked cancelled")
	}
}

func TestWaitGraceReturnsEarlyOnDone(t *testing.T) {
	ps := newPipeSession(t)
	defer ps.close()

	go func() {
		time.Sleep(5 * time.Millisecond)
		close(ps.sess.done)
	}()

	start := time.Now()
	ps.sess.waitGrace(5) // would otherwise block five seconds
	if time.Since(start) > time.Second {
		t.Fatal("waitGrace did not return promptly when done closed")
	}
}

func TestSharingModeStringDefaultsToShared(t *testing.T) {
	if got := sharingModeString(42); got != string(config.ModeShared) {
		t.Fatalf("unknown mode mapped to %q, want %q", got, config.ModeShared)
	}
}
