package multi

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/Yaimsputnik5/multi-server/pkg/netbuf"
	"github.com/Yaimsputnik5/multi-server/pkg/wire"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type clientState int

const (
	stateNew clientState = iota
	stateConnected
	stateReady
)

type disconnectCause int

const (
	causeOrderly disconnectCause = iota
	causeProtocol
	causeTimeout
	causeIO
	causeShutdown
)

// client is one connection. All fields except tx, stalled and txWake are
// owned by the server event loop; tx and stalled are shared with the write
// loop under txMu.
type client struct {
	id   int
	conn *net.TCPConn
	log  zerolog.Logger

	state      clientState
	version    uint32
	ledgerID   int    // -1 until joined
	ledgerBase uint32 // next ledger index to stream
	op         byte   // op being decoded, OpNone when between ops

	rx *netbuf.Buffer

	txMu    sync.Mutex
	tx      *netbuf.Buffer
	stalled bool // a ledger transfer is paused on a full tx buffer
	txWake  chan struct{}

	rxTimeout int
	txTimeout int

	closed bool
}

// readLoop delivers received chunks to the event loop. It exits when the
// socket errors or closes.
func (c *client) readLoop(s *Server) {
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.post(event{kind: evInput, c: c, data: data})
		}
		if err != nil {
			s.post(event{kind: evReadErr, c: c, err: err})
			return
		}
	}
}

// writeLoop drains the tx buffer whenever woken. It copies the readable span
// before sending so the event loop is never blocked on the socket.
func (c *client) writeLoop(s *Server) {
	for range c.txWake {
		for {
			c.txMu.Lock()
			span := c.tx.Readable()
			if len(span) == 0 {
				c.txMu.Unlock()
				break
			}
			data := make([]byte, len(span))
			copy(data, span)
			c.txMu.Unlock()

			n, err := c.conn.Write(data)
			if n > 0 {
				s.metrics.tx_bytes_total.Add(n)
			}
			if err != nil {
				s.post(event{kind: evWriteErr, c: c, err: err})
				return
			}

			c.txMu.Lock()
			c.tx.Consume(n)
			resume := c.tx.Len() == 0 && c.stalled
			if resume {
				c.stalled = false
			}
			c.txMu.Unlock()

			if resume {
				s.post(event{kind: evWritable, c: c})
			}
		}
	}
}

// wake nudges the write loop. Must not be called after disconnect.
func (c *client) wake() {
	select {
	case c.txWake <- struct{}{}:
	default:
	}
}

// enqueue copies b into the tx buffer and wakes the writer. It reports false
// if b does not fit; callers sending protocol replies must treat that as
// fatal.
func (c *client) enqueue(b []byte) bool {
	c.txMu.Lock()
	ok := c.tx.Append(b)
	c.txMu.Unlock()
	if ok {
		c.txTimeout = 0
		c.wake()
	}
	return ok
}

// enqueueStream is enqueue for ledger streaming: a full buffer marks the
// client stalled so the write loop resumes the transfer once drained.
func (c *client) enqueueStream(b []byte) bool {
	c.txMu.Lock()
	ok := c.tx.Append(b)
	if !ok {
		c.stalled = true
	}
	c.txMu.Unlock()
	if ok {
		c.txTimeout = 0
		c.wake()
	}
	return ok
}

// need returns the first n unread rx bytes without consuming them.
func (c *client) need(n int) ([]byte, bool) {
	if c.rx.Len() < n {
		return nil, false
	}
	return c.rx.Readable()[:n], true
}

// newClient allocates a slot for conn, reusing a free one if possible, and
// starts its io loops.
func (s *Server) newClient(conn *net.TCPConn) {
	id := -1
	for i, v := range s.clients {
		if v == nil {
			id = i
			break
		}
	}
	if id == -1 {
		id = len(s.clients)
		s.clients = append(s.clients, nil)
	}

	c := &client{
		id:       id,
		conn:     conn,
		log:      s.Logger.With().Int("client", id).Logger(),
		state:    stateNew,
		ledgerID: -1,
		rx:       netbuf.New(),
		tx:       netbuf.New(),
		txWake:   make(chan struct{}, 1),
	}
	s.clients[id] = c

	s.metrics.client_connects_total.Inc()
	c.log.Info().Str("addr", conn.RemoteAddr().String()).Msg("connected")

	go c.readLoop(s)
	go c.writeLoop(s)
}

// disconnect invalidates the client: the socket is closed, the slot freed,
// and the ledger reference dropped. Safe to call more than once.
func (s *Server) disconnect(c *client, cause disconnectCause) {
	if c.closed {
		return
	}
	c.closed = true

	switch cause {
	case causeOrderly:
		s.metrics.client_disconnects_total.orderly.Inc()
	case causeProtocol:
		s.metrics.client_disconnects_total.protocol.Inc()
	case causeTimeout:
		s.metrics.client_disconnects_total.timeout.Inc()
	case causeIO:
		s.metrics.client_disconnects_total.io.Inc()
	case causeShutdown:
		s.metrics.client_disconnects_total.shutdown.Inc()
	}
	c.log.Info().Msg("disconnected")

	c.conn.Close()
	close(c.txWake)
	s.clients[c.id] = nil

	if id := c.ledgerID; id != -1 {
		c.ledgerID = -1
		if s.ledgers.Release(id) {
			s.metrics.ledgers_closed_total.Inc()
			s.sweepLedger(id)
		}
	}
}

// sweepLedger disconnects any client still pointing at a closed ledger slot.
// Should find nothing if the reference counting is right.
func (s *Server) sweepLedger(id int) {
	for _, c := range s.clients {
		if c == nil || c.ledgerID != id {
			continue
		}
		c.log.Warn().Msg("still referenced closed ledger")
		s.disconnect(c, causeIO)
	}
}

// handleInput appends freshly received bytes and advances the state machine
// as far as the buffered input allows.
func (s *Server) handleInput(c *client, data []byte) {
	if c.closed {
		return
	}
	c.rxTimeout = 0
	s.metrics.rx_bytes_total.Add(len(data))

	if !c.rx.Append(data) {
		// A well-formed op stream never accumulates anywhere near the rx
		// cap between handler passes.
		c.log.Warn().Msg("receive buffer overflow")
		s.disconnect(c, causeProtocol)
		return
	}
	s.process(c)
}

func (s *Server) process(c *client) {
	for !c.closed {
		var more bool
		switch c.state {
		case stateNew:
			more = s.handleNew(c)
		case stateConnected:
			more = s.handleConnected(c)
		case stateReady:
			more = s.handleReady(c)
		}
		if !more {
			return
		}
	}
}

// handleNew negotiates the protocol version. Legacy clients send "OoTMM" and
// get it echoed; v2 clients send "OOMM2" plus a version and get the magic,
// the version and their assigned id back.
func (s *Server) handleNew(c *client) bool {
	magic, ok := c.need(wire.MagicSize)
	if !ok {
		return false
	}

	switch string(magic) {
	case wire.MagicV2:
		hello, ok := c.need(wire.HandshakeSizeV2)
		if !ok {
			return false
		}
		c.version = binary.LittleEndian.Uint32(hello[wire.MagicSize:])
		c.rx.Consume(wire.HandshakeSizeV2)

		reply := make([]byte, 0, wire.HandshakeSizeV2+2)
		reply = append(reply, wire.MagicV2...)
		reply = binary.LittleEndian.AppendUint32(reply, c.version)
		reply = binary.LittleEndian.AppendUint16(reply, uint16(c.id))
		if !c.enqueue(reply) {
			s.disconnect(c, causeIO)
			return false
		}
		s.metrics.handshakes_total.v2.Inc()
	case wire.MagicLegacy:
		c.version = 0
		c.rx.Consume(wire.MagicSize)
		if !c.enqueue([]byte(wire.MagicLegacy)) {
			s.disconnect(c, causeIO)
			return false
		}
		s.metrics.handshakes_total.legacy.Inc()
	default:
		c.log.Warn().Msg("invalid header")
		s.disconnect(c, causeProtocol)
		return false
	}

	c.log.Debug().Uint32("version", c.version).Msg("valid header")
	c.state = stateConnected
	return true
}

// handleConnected reads the join message: the ledger UUID and the base index
// the client wants to stream from.
func (s *Server) handleConnected(c *client) bool {
	join, ok := c.need(wire.JoinSize)
	if !ok {
		return false
	}
	var u uuid.UUID
	copy(u[:], join[:16])
	base := binary.LittleEndian.Uint32(join[16:])
	c.rx.Consume(wire.JoinSize)

	id, loaded, err := s.ledgers.Open(u)
	if err != nil {
		c.log.Err(err).Msg("open ledger")
		s.disconnect(c, causeIO)
		return false
	}
	if loaded {
		s.metrics.ledgers_opened_total.Inc()
	}
	c.ledgerID = id
	c.ledgerBase = base

	if s.ledgers.Get(id).Count() < base {
		c.log.Warn().Uint32("base", base).Msg("invalid base")
		s.disconnect(c, causeProtocol)
		return false
	}

	c.log.Info().Int("ledger", id).Uint32("base", base).Msg("joined ledger")
	c.state = stateReady
	s.transferLedger(c)
	return true
}

// handleReady decodes the op stream.
func (s *Server) handleReady(c *client) bool {
	for c.op == wire.OpNone {
		b, ok := c.need(1)
		if !ok {
			return false
		}
		c.op = b[0]
		c.rx.Consume(1)
	}

	switch c.op {
	case wire.OpTransfer:
		return s.handleTransfer(c)
	default:
		c.log.Warn().Uint8("op", c.op).Msg("invalid operation")
		s.disconnect(c, causeProtocol)
		return false
	}
}

// handleTransfer reads one entry from the client, appends it to the ledger
// and fans it out to every client joined to the same ledger.
func (s *Server) handleTransfer(c *client) bool {
	hdr, ok := c.need(wire.HeaderSize)
	if !ok {
		return false
	}
	h := wire.DecodeHeader(hdr)
	if err := h.Validate(); err != nil {
		c.log.Warn().Uint8("size", h.Size).Msg("invalid transfer size")
		s.disconnect(c, causeProtocol)
		return false
	}

	full, ok := c.need(wire.HeaderSize + int(h.Size))
	if !ok {
		return false
	}
	payload := full[wire.HeaderSize:]

	l := s.ledgers.Get(c.ledgerID)
	written, err := l.Append(h, payload)
	c.rx.Consume(wire.HeaderSize + int(h.Size))
	if err != nil {
		s.failLedger(c.ledgerID, err)
		return false
	}
	if written {
		s.metrics.entries_appended_total.Inc()
	} else {
		s.metrics.entries_deduped_total.Inc()
	}
	c.log.Debug().Uint8("size", h.Size).Msg("transfer")

	c.op = wire.OpNone

	// Wake every client on this ledger, including the sender. No cursor is
	// past a newly written entry, so the sender gets it streamed back too.
	for _, peer := range s.clients {
		if peer == nil || peer.ledgerID != c.ledgerID {
			continue
		}
		s.transferLedger(peer)
	}
	return !c.closed
}

// transferLedger streams pending entries to c, stopping without advancing the
// cursor when the tx buffer is full. The write loop resumes it after
// draining.
func (s *Server) transferLedger(c *client) {
	if c.closed || c.state != stateReady {
		return
	}
	l := s.ledgers.Get(c.ledgerID)
	for c.ledgerBase < l.Count() {
		h, payload, err := l.ReadEntry(c.ledgerBase)
		if err != nil {
			s.failLedger(c.ledgerID, err)
			return
		}
		if !c.enqueueStream(wire.AppendFrame(nil, h, payload)) {
			return
		}
		c.ledgerBase++
		s.metrics.entries_streamed_total.Inc()
	}
}

// failLedger handles an unrecoverable ledger I/O error: the ledger is closed
// and every client joined to it is disconnected.
func (s *Server) failLedger(id int, err error) {
	s.Logger.Err(err).Int("ledger", id).Msg("ledger failure")
	for _, c := range s.clients {
		if c == nil || c.ledgerID != id {
			continue
		}
		c.ledgerID = -1
		s.disconnect(c, causeIO)
	}
	s.ledgers.Close(id)
	s.metrics.ledgers_closed_total.Inc()
}

// handleReadErr maps a read-loop failure: io.EOF is an orderly close,
// anything else is a socket error. Errors after disconnect are ignored.
func (s *Server) handleReadErr(c *client, err error) {
	if c.closed {
		return
	}
	if errors.Is(err, io.EOF) {
		s.disconnect(c, causeOrderly)
		return
	}
	c.log.Warn().Err(err).Msg("read error")
	s.disconnect(c, causeIO)
}

func (s *Server) handleWriteErr(c *client, err error) {
	if c.closed {
		return
	}
	c.log.Warn().Err(err).Msg("write error")
	s.disconnect(c, causeIO)
}

// handleTick runs the per-second maintenance pass: keepalives on idle
// transmit sides, timeout accounting on idle receive sides.
func (s *Server) handleTick() {
	for _, c := range s.clients {
		if c == nil {
			continue
		}

		c.txTimeout++
		if c.state == stateReady && c.txTimeout > 3 {
			if c.enqueue([]byte{wire.OpNone}) {
				s.metrics.keepalives_total.Inc()
			}
		}

		c.rxTimeout++
		if c.rxTimeout == s.cfg.RxTimeoutWarn {
			c.log.Warn().Msg("timeout")
		}
		if s.cfg.RxTimeout > 0 && c.rxTimeout > s.cfg.RxTimeout {
			s.disconnect(c, causeTimeout)
		}
	}
}
