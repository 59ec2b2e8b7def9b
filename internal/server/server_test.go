/* usbshare - share physical USB devices over the network
 *
 * Server bookkeeping tests. These exercise the pure handle/session
 * tracking helpers without touching gousb or the network, since
 * Server.New opens a real libusb context
 */

package server

import (
	"testing"

	"github.com/usbshare/usbshare/internal/config"
	"github.com/usbshare/usbshare/internal/protocol"
)

func newBareServer() *Server {
	return &Server{
		sessions:       make(map[*Session]struct{}),
		handleOwner:    make(map[protocol.DeviceHandle]*Session),
		handlePriority: make(map[protocol.DeviceHandle]config.QoSPriority),
		conf:           config.ServerConfig{QoSWeights: config.DefaultServerConfig().QoSWeights},
	}
}

func TestOwnAndForgetHandle(t *testing.T) {
	s := newBareServer()
	sess := &Session{}

	s.ownHandle(1, sess)
	s.setHandlePriority(1, config.QoSRealtime)

	got, ok := s.ownerOf(1)
	if !ok || got != sess {
		t.Fatalf("ownerOf(1) = %v, %v; want %v, true", got, ok, sess)
	}
	if p := s.priorityOf(1); p != config.QoSRealtime {
		t.Fatalf("priorityOf(1) = %v, want QoSRealtime", p)
	}

	s.forgetHandle(1)

	if _, ok := s.ownerOf(1); ok {
		t.Fatal("expected handle owner to be forgotten")
	}
	if p := s.priorityOf(1); p != "" {
		t.Fatalf("expected priority to be cleared alongside owner, got %v", p)
	}
}

func TestPriorityOfUnknownHandleIsZeroValue(t *testing.T) {
	s := newBareServer()
	if p := s.priorityOf(99); p != "" {
		t.Fatalf("priorityOf on unattached handle = %v, want empty", p)
	}
}

func TestQosWeightsTranslatesKeys(t *testing.T) {
	s := newBareServer()
	s.conf.QoSWeights = map[config.QoSPriority]int{
		config.QoSRealtime: 4,
		config.QoSBulk:     1,
	}

	weights := s.qosWeights()
	if weights["realtime"] != 4 || weights["bulk"] != 1 {
		t.Fatalf("qosWeights() = %v, want realtime=4 bulk=1", weights)
	}
}

func TestListenPort(t *testing.T) {
	cases := []struct {
		addr string
		want uint16
	}{
		{":12345", 12345},
		{"0.0.0.0:9999", 9999},
		{"not-an-addr", 0},
	}
	for _, c := range cases {
		if got := listenPort(c.addr); got != c.want {
			t.Errorf("listenPort(%q) = %d, want %d", c.addr, got, c.want)
		}
	}
}

func TestBroadcastReachesEverySession(t *testing.T) {
	s := newBareServer()

	conn1, conn2 := newPipeSession(t), newPipeSession(t)
	defer conn1.close()
	defer conn2.close()

	s.sessions[conn1.sess] = struct{}{}
	s.sessions[conn2.sess] = struct{}{}

	s.broadcast(&protocol.DeviceRemovedNotification{DeviceID: 7})

	for _, ps := range []*pipeSession{conn1, conn2} {
		msg, err := protocol.ReadMessage(ps.peer)
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		note, ok := msg.Payload.(*protocol.DeviceRemovedNotification)
		if !ok || note.DeviceID != 7 {
			t.Fatalf("got %#v, want DeviceRemovedNotification{DeviceID: 7}", msg.Payload)
		}
	}
}
