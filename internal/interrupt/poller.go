/* usbshare - share physical USB devices over the network
 *
 * Background poller: one goroutine per (device, endpoint), reading
 * the endpoint with a short timeout and pushing every non-empty read
 * into its Ring
 */

package interrupt

import (
	"time"

	"github.com/usbshare/usbshare/internal/logger"
)

// PollInterval is the per-read timeout used while polling an
// interrupt IN endpoint for pending data
const PollInterval = 50 * time.Millisecond

// Reader performs one blocking (up to timeout) interrupt IN read
type Reader func(buf []byte, timeout time.Duration) (n int, err error)

// Poller repeatedly reads one endpoint and feeds its Ring
type Poller struct {
	ring   *Ring
	read   Reader
	bufLen int
	log    *logger.Logger

	stop chan struct{}
	done chan struct{}
}

// NewPoller creates a Poller that reads up to bufLen bytes at a time
// from read and feeds ring. log may be nil
func NewPoller(ring *Ring, read Reader, bufLen int, log *logger.Logger) *Poller {
	return &Poller{
		ring:   ring,
		read:   read,
		bufLen: bufLen,
		log:    log,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run polls until Stop is called. It is meant to be run as its own
// goroutine
func (p *Poller) Run() {
	defer close(p.done)

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		buf := make([]byte, p.bufLen)
		n, err := p.read(buf, PollInterval)
		if err != nil {
			continue
		}
		if n == 0 {
			continue
		}

		rep := p.ring.Push(buf[:n], time.Now().UnixMicro())
		if p.log != nil {
			p.log.Trace(logger.TraceTransfer, ' ', "interrupt ep %#x: seq=%d %d bytes", rep.Endpoint, rep.Seq, len(rep.Data))
		}
	}
}

// Stop requests the poller to exit and blocks until it has
func (p *Poller) Stop() {
	close(p.stop)
	<-p.done
}
