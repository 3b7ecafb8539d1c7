package net

import (
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nordictel/diameter/src/diam"
	"github.com/nordictel/diameter/src/node"
)

// maxFrameSize bounds what the framer will assemble. RFC 3588 messages
// are far smaller in practice; anything bigger is treated as garbage.
const maxFrameSize = 1 << 20

// eventKind discriminates driver loop events.
type eventKind int

const (
	evAccepted eventKind = iota
	evDialed
	evMessage
	evGarbage
	evClosed
)

type event struct {
	kind eventKind
	sock Conn             // evAccepted, evDialed
	conn *node.Connection // evDialed, evMessage, evGarbage, evClosed
	msg  *diam.Message    // evMessage
	raw  []byte           // evGarbage
	err  error            // evDialed, evClosed
}

// StreamDriver is a transport driver on top of a StreamLayer: one event
// loop per driver owning every socket, per-connection reader goroutines
// feeding decoded frames into the loop, and per-connection outbound
// buffers drained by writer goroutines. The loop polls the core for timer
// deadlines each iteration and can be unblocked through Wakeup.
type StreamDriver struct {
	name     string
	core     node.DriverCore
	settings *node.Settings
	logger   *logrus.Entry
	layer    StreamLayer

	eventCh chan event
	wakeCh  chan struct{}
	done    chan struct{}

	stopMu   sync.Mutex
	stopping bool
	deadline time.Time
}

// NewStreamDriver wraps a stream layer in a driver.
func NewStreamDriver(name string, layer StreamLayer, core node.DriverCore, settings *node.Settings, logger *logrus.Entry) *StreamDriver {
	return &StreamDriver{
		name:     name,
		core:     core,
		settings: settings,
		logger:   logger,
		layer:    layer,
		eventCh:  make(chan event, 128),
		wakeCh:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Name implements node.Driver.
func (d *StreamDriver) Name() string {
	return d.name
}

// OpenIO implements node.Driver.
func (d *StreamDriver) OpenIO() error {
	return d.layer.Open(d.settings.Port)
}

// Start implements node.Driver.
func (d *StreamDriver) Start() {
	if d.layer.Addr() != nil {
		go d.acceptLoop()
	}
	go d.run()
}

// InitiateStop implements node.Driver.
func (d *StreamDriver) InitiateStop(deadline time.Time) {
	d.stopMu.Lock()
	d.stopping = true
	d.deadline = deadline
	d.stopMu.Unlock()
}

func (d *StreamDriver) isStopping() (bool, time.Time) {
	d.stopMu.Lock()
	defer d.stopMu.Unlock()
	return d.stopping, d.deadline
}

// Wakeup implements node.Driver.
func (d *StreamDriver) Wakeup() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

// Join implements node.Driver.
func (d *StreamDriver) Join() {
	<-d.done
}

// CloseIO implements node.Driver.
func (d *StreamDriver) CloseIO() {
	d.layer.Close()
}

// NewConnection implements node.Driver.
func (d *StreamDriver) NewConnection(watchdogInterval, idleTimeout time.Duration) *node.Connection {
	return d.core.NewConnectionRecord(d, watchdogInterval, idleTimeout)
}

// InitiateConnection implements node.Driver. The dial itself runs in a
// separate goroutine; the loop picks up the result.
func (d *StreamDriver) InitiateConnection(conn *node.Connection, peer *node.Peer) bool {
	address := net.JoinHostPort(peer.Host, strconv.Itoa(peer.Port))
	go func() {
		sock, err := d.layer.Dial(address)
		d.eventCh <- event{kind: evDialed, conn: conn, sock: sock, err: err}
	}()
	return true
}

// SendRaw implements node.Driver. The frame is queued on the connection's
// outbound buffer; the writer goroutine drains it in order.
func (d *StreamDriver) SendRaw(conn *node.Connection, raw []byte) {
	s, ok := conn.Handle.(*sock)
	if !ok {
		d.logger.WithField("peer", conn.HostID).Debug("dropping frame for connection without socket")
		return
	}
	if !s.out.push(raw) {
		d.logger.WithField("peer", conn.HostID).Debug("dropping frame for closed connection")
	}
}

// Close implements node.Driver. Without reset the buffered output is
// flushed before the socket closes; with reset it is aborted.
func (d *StreamDriver) Close(conn *node.Connection, reset bool) {
	s, ok := conn.Handle.(*sock)
	if !ok {
		return
	}
	if reset {
		s.out.abort()
	} else {
		s.out.close()
	}
}

// LocalAddresses implements node.Driver.
func (d *StreamDriver) LocalAddresses(conn *node.Connection) []net.IP {
	var addr net.Addr
	if s, ok := conn.Handle.(*sock); ok {
		addr = s.conn.LocalAddr()
	} else {
		addr = d.layer.Addr()
	}
	ip := addrIP(addr)
	if ip == nil || ip.IsUnspecified() {
		return localUnicastAddresses()
	}
	return []net.IP{ip}
}

// RemoteAddr implements node.Driver.
func (d *StreamDriver) RemoteAddr(conn *node.Connection) net.Addr {
	if s, ok := conn.Handle.(*sock); ok {
		return s.conn.RemoteAddr()
	}
	return nil
}

func (d *StreamDriver) acceptLoop() {
	for {
		c, err := d.layer.Accept()
		if err != nil {
			if stopping, _ := d.isStopping(); !stopping {
				d.logger.WithError(err).Error("failed to accept connection")
			}
			return
		}
		d.logger.WithField("from", c.RemoteAddr()).Debug("accepted connection")
		d.eventCh <- event{kind: evAccepted, sock: c}
	}
}

// run is the driver event loop. It ends after InitiateStop, once the
// deadline passes or no connections remain.
func (d *StreamDriver) run() {
	defer close(d.done)
	for {
		var timerC <-chan time.Time
		var timer *time.Timer
		if next, ok := d.core.CalcNextTimeout(d); ok {
			wait := time.Until(next)
			if wait < 0 {
				wait = 0
			}
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case ev := <-d.eventCh:
			d.handleEvent(ev)
		case <-timerC:
			d.core.RunTimers(d)
		case <-d.wakeCh:
		}
		if timer != nil {
			timer.Stop()
		}

		if stopping, deadline := d.isStopping(); stopping {
			if !time.Now().Before(deadline) {
				return
			}
			if !d.core.AnyOpenConnections(d) {
				return
			}
		}
	}
}

func (d *StreamDriver) handleEvent(ev event) {
	switch ev.kind {
	case evAccepted:
		if stopping, _ := d.isStopping(); stopping {
			ev.sock.Close()
			return
		}
		conn := d.core.NewConnectionRecord(d, d.settings.WatchdogInterval, d.settings.IdleTimeout)
		d.attach(conn, ev.sock)
		d.core.RegisterInboundConnection(conn)
	case evDialed:
		if ev.err != nil {
			d.logger.WithError(ev.err).WithField("peer", ev.conn.HostID).Info("connect failed")
			d.core.CloseConnection(ev.conn, true)
			return
		}
		if stopping, _ := d.isStopping(); stopping {
			ev.sock.Close()
			d.core.CloseConnection(ev.conn, true)
			return
		}
		d.attach(ev.conn, ev.sock)
		d.core.ConnectionEstablished(ev.conn)
	case evMessage:
		if s, ok := ev.conn.Handle.(*sock); !ok || s.out.isClosed() {
			return // connection already closed
		}
		if !d.core.HandleMessage(ev.msg, ev.conn) {
			d.core.CloseConnection(ev.conn, false)
		}
	case evGarbage:
		d.core.LogGarbagePacket(ev.conn, ev.raw)
		d.core.CloseConnection(ev.conn, true)
	case evClosed:
		d.core.CloseConnection(ev.conn, false)
	}
}

// attach wires a socket to a connection record and starts its reader and
// writer goroutines.
func (d *StreamDriver) attach(conn *node.Connection, c Conn) {
	s := &sock{conn: c, out: newOutBuffer()}
	conn.Handle = s
	go s.writeLoop(d, conn)
	go s.readLoop(d, conn)
}

// sock is the driver-private per-connection socket state.
type sock struct {
	conn Conn
	out  *outBuffer
}

// readLoop frames inbound bytes: the 4-byte version+length prefix, then
// the rest of the message. Undecodable bytes are handed to the core as
// garbage and the connection is reset.
func (s *sock) readLoop(d *StreamDriver, conn *node.Connection) {
	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(s.conn, header); err != nil {
			d.eventCh <- event{kind: evClosed, conn: conn, err: err}
			return
		}
		length := int(uint32(header[1])<<16 | uint32(header[2])<<8 | uint32(header[3]))
		if header[0] != diam.Version || length < diam.HeaderLength || length > maxFrameSize {
			d.eventCh <- event{kind: evGarbage, conn: conn, raw: append([]byte(nil), header...)}
			return
		}
		raw := make([]byte, length)
		copy(raw, header)
		if _, err := io.ReadFull(s.conn, raw[4:]); err != nil {
			d.eventCh <- event{kind: evClosed, conn: conn, err: err}
			return
		}
		msg, err := diam.Decode(raw)
		if err != nil {
			d.eventCh <- event{kind: evGarbage, conn: conn, raw: raw}
			return
		}
		d.eventCh <- event{kind: evMessage, conn: conn, msg: msg}
	}
}

// writeLoop drains the outbound buffer in order and closes the socket
// when the buffer is closed.
func (s *sock) writeLoop(d *StreamDriver, conn *node.Connection) {
	for {
		frame, state := s.out.pop()
		switch state {
		case outFrame:
			if _, err := s.conn.Write(frame); err != nil {
				d.logger.WithError(err).Debug("write failed")
				s.out.abort()
				s.conn.Close()
				d.eventCh <- event{kind: evClosed, conn: conn, err: err}
				return
			}
		case outClosed:
			s.conn.Close()
			return
		case outWait:
			s.out.await()
		}
	}
}

// outBuffer is an unbounded in-order frame queue with flush-or-abort
// close semantics.
type outBuffer struct {
	mu     sync.Mutex
	frames [][]byte
	signal chan struct{}
	closed bool
}

type outState int

const (
	outFrame outState = iota
	outWait
	outClosed
)

func newOutBuffer() *outBuffer {
	return &outBuffer{signal: make(chan struct{}, 1)}
}

// push queues a frame. It reports false once the buffer is closed.
func (b *outBuffer) push(frame []byte) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.frames = append(b.frames, frame)
	b.mu.Unlock()
	b.notify()
	return true
}

// pop returns the next frame, or the buffer state when there is none.
func (b *outBuffer) pop() ([]byte, outState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) > 0 {
		frame := b.frames[0]
		b.frames = b.frames[1:]
		return frame, outFrame
	}
	if b.closed {
		return nil, outClosed
	}
	return nil, outWait
}

// close makes the writer flush what is queued and then close the socket.
func (b *outBuffer) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.notify()
}

// abort drops queued frames and closes immediately.
func (b *outBuffer) abort() {
	b.mu.Lock()
	b.frames = nil
	b.closed = true
	b.mu.Unlock()
	b.notify()
}

func (b *outBuffer) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *outBuffer) notify() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *outBuffer) await() {
	<-b.signal
}

func addrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	}
	return nil
}

// localUnicastAddresses lists the host's unicast addresses, used when the
// socket is bound to the wildcard address.
func localUnicastAddresses() []net.IP {
	var ips []net.IP
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || !ipNet.IP.IsGlobalUnicast() {
			continue
		}
		ips = append(ips, ipNet.IP)
	}
	if len(ips) == 0 {
		ips = append(ips, net.IPv4(127, 0, 0, 1))
	}
	return ips
}
