//go:build !nosctp
// +build !nosctp

package net

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/sctp"
)

var errDemuxClosed = errors.New("udp demultiplexer closed")

// SCTPStreamLayer implements StreamLayer with SCTP associations carried
// over UDP. Each remote endpoint gets its own association; stream 0 of an
// association is the Diameter byte pipe. This keeps the message-oriented,
// multi-stream nature of SCTP while staying deployable on hosts without
// kernel SCTP support.
type SCTPStreamLayer struct {
	loggerFactory logging.LoggerFactory
	demux         *udpDemux
}

// NewSCTPStreamLayer ...
func NewSCTPStreamLayer() *SCTPStreamLayer {
	return &SCTPStreamLayer{loggerFactory: logging.NewDefaultLoggerFactory()}
}

// Open implements the StreamLayer interface.
func (s *SCTPStreamLayer) Open(port int) error {
	if port == 0 {
		return nil
	}
	pc, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return err
	}
	s.demux = newUDPDemux(pc)
	go s.demux.readLoop()
	return nil
}

// Accept implements the StreamLayer interface. It completes the SCTP
// handshake with the new remote and accepts its first stream.
func (s *SCTPStreamLayer) Accept() (Conn, error) {
	if s.demux == nil {
		return nil, errNotListening
	}
	remote, err := s.demux.accept()
	if err != nil {
		return nil, err
	}
	assoc, err := sctp.Server(sctp.Config{
		NetConn:       remote,
		LoggerFactory: s.loggerFactory,
	})
	if err != nil {
		remote.Close()
		return nil, err
	}
	stream, err := assoc.AcceptStream()
	if err != nil {
		assoc.Close()
		remote.Close()
		return nil, err
	}
	return &sctpConn{assoc: assoc, stream: stream, lower: remote}, nil
}

// Dial implements the StreamLayer interface.
func (s *SCTPStreamLayer) Dial(address string) (Conn, error) {
	raddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	pc, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	assoc, err := sctp.Client(sctp.Config{
		NetConn:       pc,
		LoggerFactory: s.loggerFactory,
	})
	if err != nil {
		pc.Close()
		return nil, err
	}
	stream, err := assoc.OpenStream(0, sctp.PayloadTypeWebRTCBinary)
	if err != nil {
		assoc.Close()
		pc.Close()
		return nil, err
	}
	return &sctpConn{assoc: assoc, stream: stream, lower: pc}, nil
}

// Addr implements the StreamLayer interface.
func (s *SCTPStreamLayer) Addr() net.Addr {
	if s.demux == nil {
		return nil
	}
	return s.demux.pc.LocalAddr()
}

// Close implements the StreamLayer interface.
func (s *SCTPStreamLayer) Close() error {
	if s.demux == nil {
		return nil
	}
	err := s.demux.close()
	s.demux = nil
	return err
}

// sctpConn adapts an association stream to the Conn contract.
type sctpConn struct {
	assoc  *sctp.Association
	stream *sctp.Stream
	lower  net.Conn
}

func (c *sctpConn) Read(p []byte) (int, error) {
	return c.stream.Read(p)
}

func (c *sctpConn) Write(p []byte) (int, error) {
	return c.stream.Write(p)
}

func (c *sctpConn) Close() error {
	c.stream.Close()
	err := c.assoc.Close()
	c.lower.Close()
	return err
}

func (c *sctpConn) LocalAddr() net.Addr {
	return c.lower.LocalAddr()
}

func (c *sctpConn) RemoteAddr() net.Addr {
	return c.lower.RemoteAddr()
}

// udpDemux splits one UDP socket into per-remote net.Conns so each remote
// endpoint can drive its own SCTP association.
type udpDemux struct {
	pc *net.UDPConn

	mu      sync.Mutex
	remotes map[string]*remoteConn
	closed  bool

	acceptCh chan *remoteConn
}

func newUDPDemux(pc *net.UDPConn) *udpDemux {
	return &udpDemux{
		pc:       pc,
		remotes:  make(map[string]*remoteConn),
		acceptCh: make(chan *remoteConn, 16),
	}
}

func (d *udpDemux) readLoop() {
	buf := make([]byte, 1<<16)
	for {
		n, addr, err := d.pc.ReadFromUDP(buf)
		if err != nil {
			d.mu.Lock()
			d.closed = true
			for _, r := range d.remotes {
				r.shutdown()
			}
			d.mu.Unlock()
			close(d.acceptCh)
			return
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])

		key := addr.String()
		d.mu.Lock()
		remote, known := d.remotes[key]
		if !known {
			remote = newRemoteConn(d, addr)
			d.remotes[key] = remote
		}
		d.mu.Unlock()

		if !known {
			select {
			case d.acceptCh <- remote:
			default:
				// accept backlog full; drop the association attempt
				d.drop(remote)
				continue
			}
		}
		remote.deliver(packet)
	}
}

func (d *udpDemux) accept() (*remoteConn, error) {
	remote, ok := <-d.acceptCh
	if !ok {
		return nil, errDemuxClosed
	}
	return remote, nil
}

func (d *udpDemux) drop(remote *remoteConn) {
	d.mu.Lock()
	delete(d.remotes, remote.addr.String())
	d.mu.Unlock()
	remote.shutdown()
}

func (d *udpDemux) close() error {
	return d.pc.Close()
}

// remoteConn is the per-remote packet pipe handed to an SCTP association.
type remoteConn struct {
	demux *udpDemux
	addr  *net.UDPAddr

	in        chan []byte
	closeOnce sync.Once
	closedCh  chan struct{}
}

func newRemoteConn(demux *udpDemux, addr *net.UDPAddr) *remoteConn {
	return &remoteConn{
		demux:    demux,
		addr:     addr,
		in:       make(chan []byte, 64),
		closedCh: make(chan struct{}),
	}
}

func (r *remoteConn) deliver(packet []byte) {
	select {
	case r.in <- packet:
	case <-r.closedCh:
	default:
		// receive queue full; SCTP retransmits
	}
}

func (r *remoteConn) shutdown() {
	r.closeOnce.Do(func() { close(r.closedCh) })
}

func (r *remoteConn) Read(p []byte) (int, error) {
	select {
	case packet := <-r.in:
		n := copy(p, packet)
		return n, nil
	case <-r.closedCh:
		return 0, errDemuxClosed
	}
}

func (r *remoteConn) Write(p []byte) (int, error) {
	select {
	case <-r.closedCh:
		return 0, errDemuxClosed
	default:
	}
	return r.demux.pc.WriteToUDP(p, r.addr)
}

func (r *remoteConn) Close() error {
	r.demux.mu.Lock()
	delete(r.demux.remotes, r.addr.String())
	r.demux.mu.Unlock()
	r.shutdown()
	return nil
}

func (r *remoteConn) LocalAddr() net.Addr {
	return r.demux.pc.LocalAddr()
}

func (r *remoteConn) RemoteAddr() net.Addr {
	return r.addr
}

// SetDeadline implements net.Conn; the SCTP engine drives its own
// retransmission timers, so deadlines are not used.
func (r *remoteConn) SetDeadline(t time.Time) error {
	return nil
}

// SetReadDeadline implements net.Conn.
func (r *remoteConn) SetReadDeadline(t time.Time) error {
	return nil
}

// SetWriteDeadline implements net.Conn.
func (r *remoteConn) SetWriteDeadline(t time.Time) error {
	return nil
}
