package webrtc

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"vigilnet/internal/core/domain"
	"vigilnet/pkg/clock"

	"github.com/pion/rtp"
	"go.uber.org/zap"
)

// rtpWriter is the subset of a local track the forwarder needs.
type rtpWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// portPool hands out UDP ports from a fixed range. A port is free again only
// after its forwarder has closed the socket and the quarantine has passed, so
// a node still pushing to an old session does not land on a new peer.
type portPool struct {
	mu         sync.Mutex
	host       string
	min        int
	max        int
	next       int
	used       map[int]bool
	released   map[int]time.Time
	quarantine time.Duration
	clock      clock.Clock
}

func newPortPool(host string, min, max uint16, quarantine time.Duration, clk clock.Clock) *portPool {
	if clk == nil {
		clk = clock.New()
	}
	return &portPool{
		host:       host,
		min:        int(min),
		max:        int(max),
		next:       int(min),
		used:       make(map[int]bool),
		released:   make(map[int]time.Time),
		quarantine: quarantine,
		clock:      clk,
	}
}

// listen binds the next free port in the range, skipping ports the OS
// refuses. An empty range lets the OS pick.
func (p *portPool) listen() (*net.UDPConn, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.min == 0 && p.max == 0 {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(p.host)})
		if err != nil {
			return nil, 0, fmt.Errorf("failed to bind rtp port: %w", err)
		}
		port := conn.LocalAddr().(*net.UDPAddr).Port
		p.used[port] = true
		return conn, port, nil
	}

	now := p.clock.Now()
	size := p.max - p.min + 1
	for i := 0; i < size; i++ {
		port := p.next
		p.next++
		if p.next > p.max {
			p.next = p.min
		}
		if p.used[port] || p.cooling(port, now) {
			continue
		}
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(p.host), Port: port})
		if err != nil {
			continue
		}
		delete(p.released, port)
		p.used[port] = true
		return conn, port, nil
	}
	return nil, 0, fmt.Errorf("no free rtp port in %d-%d", p.min, p.max)
}

func (p *portPool) cooling(port int, now time.Time) bool {
	at, ok := p.released[port]
	return ok && now.Sub(at) < p.quarantine
}

func (p *portPool) release(port int) {
	p.mu.Lock()
	delete(p.used, port)
	if p.quarantine > 0 && p.max > 0 {
		p.released[port] = p.clock.Now()
	}
	p.mu.Unlock()
}

func (p *portPool) inUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used)
}

// rtpForwarder pumps RTP datagrams pushed by a node into a local track.
// Datagrams from any address other than the node's are dropped. It
// implements domain.StreamingTask.
type rtpForwarder struct {
	peerID domain.PeerID
	source net.IP
	conn   *net.UDPConn
	track  rtpWriter
	logger *zap.SugaredLogger

	abortOnce sync.Once
	done      chan struct{}
}

func newRTPForwarder(peerID domain.PeerID, source net.IP, conn *net.UDPConn, track rtpWriter, logger *zap.SugaredLogger) *rtpForwarder {
	return &rtpForwarder{
		peerID: peerID,
		source: source,
		conn:   conn,
		track:  track,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// start runs the pump until the socket is closed. onExit runs once the
// goroutine has stopped reading.
func (f *rtpForwarder) start(onExit func()) {
	go func() {
		defer close(f.done)
		if onExit != nil {
			defer onExit()
		}
		f.pump()
	}()
}

func (f *rtpForwarder) pump() {
	buf := make([]byte, 1500) // MTU size
	pkt := &rtp.Packet{}
	var forwarded, foreign uint64

	for {
		n, from, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				f.logger.Warnw("rtp read failed", "peer_id", f.peerID, "error", err)
			}
			return
		}
		if !from.IP.Equal(f.source) {
			foreign++
			if foreign == 1 || foreign%1000 == 0 {
				f.logger.Warnw("dropping rtp from unexpected source",
					"peer_id", f.peerID,
					"source", from.IP.String(),
					"dropped", foreign,
				)
			}
			continue
		}

		if err := pkt.Unmarshal(buf[:n]); err != nil {
			f.logger.Debugw("dropping malformed rtp packet", "peer_id", f.peerID, "error", err)
			continue
		}

		if err := f.track.WriteRTP(pkt); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return
			}
			f.logger.Warnw("failed to write rtp packet", "peer_id", f.peerID, "error", err)
			continue
		}

		forwarded++
		if forwarded%1000 == 0 {
			f.logger.Debugw("forwarding rtp",
				"peer_id", f.peerID,
				"sequence", pkt.SequenceNumber,
				"packets_forwarded", forwarded,
			)
		}
	}
}

// Abort closes the socket, which unblocks the pump. It does not wait.
func (f *rtpForwarder) Abort() {
	f.abortOnce.Do(func() {
		_ = f.conn.Close()
	})
}

// Done is closed when the pump has exited.
func (f *rtpForwarder) Done() <-chan struct{} {
	return f.done
}
