/* usbshare - share physical USB devices over the network
 *
 * Server: wires registry, sharing, policy, rate limiting and audit
 * into a listening peer endpoint. One Server owns exactly one gousb
 * context and one listening socket
 */

package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/gousb"
	"golang.org/x/sync/errgroup"

	"github.com/usbshare/usbshare/internal/audit"
	"github.com/usbshare/usbshare/internal/config"
	"github.com/usbshare/usbshare/internal/discovery"
	"github.com/usbshare/usbshare/internal/identity"
	"github.com/usbshare/usbshare/internal/interrupt"
	"github.com/usbshare/usbshare/internal/logger"
	"github.com/usbshare/usbshare/internal/metrics"
	"github.com/usbshare/usbshare/internal/policy"
	"github.com/usbshare/usbshare/internal/protocol"
	"github.com/usbshare/usbshare/internal/registry"
	"github.com/usbshare/usbshare/internal/sharing"
)

// Server is one running usbshare server instance
type Server struct {
	conf config.ServerConfig
	log  *logger.Logger
	id   *identity.Identity

	usbCtx   *gousb.Context
	registry *registry.Registry
	sharing  *sharing.Engine
	policy   *policy.Engine
	limiter  *metrics.Limiter
	audit    audit.Sink

	devices      *deviceTable
	interruptMgr *interrupt.Manager

	allowList []protocol.EndpointID

	publisher *discovery.Publisher

	mu             sync.Mutex
	sessions       map[*Session]struct{}
	handleOwner    map[protocol.DeviceHandle]*Session
	handlePriority map[protocol.DeviceHandle]config.QoSPriority

	totalMetrics  *metrics.TransferMetrics
	clientMetrics map[protocol.EndpointID]*metrics.TransferMetrics
	deviceMetrics map[protocol.DeviceID]*metrics.TransferMetrics
}

// New constructs a Server from conf. The caller still must call Run
// to start accepting connections
func New(conf config.ServerConfig, id *identity.Identity, sink audit.Sink, log *logger.Logger) (*Server, error) {
	usbCtx := gousb.NewContext()
	registry.SetContext(usbCtx)

	sink = audit.SinkOrNop(sink)

	allowList, err := parseEndpointList(conf.ClientAllowList)
	if err != nil {
		usbCtx.Close()
		return nil, err
	}

	reg := registry.NewRegistry(usbCtx, conf.DeviceFilters, config.HotplugDebounce, log)

	shEngine := sharing.NewEngine()
	shEngine.SetAuditSink(sink)

	polEngine := policy.NewEngine(conf.Policies, conf.TimezoneUTCOffsetMinutes)
	polEngine.SetAuditSink(sink)

	global, err := metrics.ParseLimit(conf.RateLimits.Global)
	if err != nil {
		usbCtx.Close()
		return nil, err
	}
	perClient, err := metrics.ParseLimit(conf.RateLimits.PerClient)
	if err != nil {
		usbCtx.Close()
		return nil, err
	}
	perDevice, err := metrics.ParseLimit(conf.RateLimits.PerDevice)
	if err != nil {
		usbCtx.Close()
		return nil, err
	}
	limiter := metrics.NewLimiter(global, perClient, perDevice)

	return &Server{
		conf:           conf,
		log:            log,
		id:             id,
		usbCtx:         usbCtx,
		registry:       reg,
		sharing:        shEngine,
		policy:         polEngine,
		limiter:        limiter,
		audit:          sink,
		devices:        newDeviceTable(),
		interruptMgr:   interrupt.NewManager(),
		allowList:      allowList,
		sessions:       make(map[*Session]struct{}),
		handleOwner:    make(map[protocol.DeviceHandle]*Session),
		handlePriority: make(map[protocol.DeviceHandle]config.QoSPriority),
		totalMetrics:   metrics.NewTransferMetrics(time.Now()),
		clientMetrics:  make(map[protocol.EndpointID]*metrics.TransferMetrics),
		deviceMetrics:  make(map[protocol.DeviceID]*metrics.TransferMetrics),
	}, nil
}

func parseEndpointList(hex []string) ([]protocol.EndpointID, error) {
	out := make([]protocol.EndpointID, 0, len(hex))
	for _, h := range hex {
		id, err := parseEndpointID(h)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// Run listens on conf.ListenAddr and serves connections until ctx is
// cancelled. It blocks until every background goroutine (bus scanner,
// lock-timeout sweeper, policy-expiry sweeper, accept loop) has exited
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.conf.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.conf.ListenAddr, err)
	}
	defer ln.Close()

	if s.conf.DiscoveryEnable {
		if pub, err := discovery.NewPublisher(); err != nil {
			s.log.Error('!', "server: discovery disabled: %s", err)
		} else {
			s.publisher = pub
			var txt discovery.TxtRecord
			txt.Add("endpoint", s.id.Public.String())
			txt.Add("version", protocol.CurrentVersion.String())
			// -1 is libavahi's AVAHI_IF_UNSPEC, publishing on every interface
			if err := pub.Publish("usbshare", -1, listenPort(s.conf.ListenAddr), txt); err != nil {
				s.log.Error('!', "server: publishing service: %s", err)
			}
		}
	}

	s.registry.Start(registry.DefaultScanInterval)
	s.sharing.RunLockTimeouts(time.Second)

	stop := make(chan struct{})
	go s.policy.ScanExpirations(time.Second, stop)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { s.pumpRegistryEvents(gctx); return nil })
	g.Go(func() error { s.pumpSharingEvents(gctx); return nil })
	g.Go(func() error { s.pumpPolicyExpirations(gctx); return nil })
	g.Go(func() error { return s.acceptLoop(gctx, ln) })

	err = g.Wait()

	close(stop)
	s.registry.Stop()
	s.sharing.Stop()
	s.interruptMgr.StopAll()
	if s.publisher != nil {
		s.publisher.Unpublish()
	}
	s.usbCtx.Close()

	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("server: accept: %w", err)
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	sess, err := s.newSession(conn)
	if err != nil {
		s.log.Error('!', "server: %s: rejecting connection: %s", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	sess.serve()

	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()

	for _, h := range s.sharing.DetachClient(sharing.ClientID(sess.peer)) {
		s.forgetHandle(h)
	}
	s.limiter.RemoveClient(fmt.Sprintf("%x", sess.peer))
}

func (s *Server) ownHandle(handle protocol.DeviceHandle, sess *Session) {
	s.mu.Lock()
	s.handleOwner[handle] = sess
	s.mu.Unlock()
}

func (s *Server) forgetHandle(handle protocol.DeviceHandle) {
	s.mu.Lock()
	delete(s.handleOwner, handle)
	delete(s.handlePriority, handle)
	s.mu.Unlock()
}

func (s *Server) setHandlePriority(handle protocol.DeviceHandle, priority config.QoSPriority) {
	s.mu.Lock()
	s.handlePriority[handle] = priority
	s.mu.Unlock()
}

func (s *Server) priorityOf(handle protocol.DeviceHandle) config.QoSPriority {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlePriority[handle]
}

// qosWeights maps config.QoSPriority to the string keys metrics.Limiter's
// CheckFor expects
func (s *Server) qosWeights() map[string]int {
	weights := make(map[string]int, len(s.conf.QoSWeights))
	for k, v := range s.conf.QoSWeights {
		weights[string(k)] = v
	}
	return weights
}

func (s *Server) ownerOf(handle protocol.DeviceHandle) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.handleOwner[handle]
	return sess, ok
}

func (s *Server) broadcast(payload protocol.Payload) {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.notify(payload)
	}
}

func listenPort(addr string) uint16 {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	var port uint16
	fmt.Sscanf(portStr, "%d", &port)
	return port
}
