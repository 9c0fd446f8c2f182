package multi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strconv"
	"time"

	"github.com/Yaimsputnik5/multi-server/pkg/ledger"
	"github.com/rs/zerolog"
)

type eventKind int

const (
	evAccept eventKind = iota
	evInput
	evReadErr
	evWriteErr
	evWritable
)

type event struct {
	kind eventKind
	conn *net.TCPConn // evAccept
	c    *client
	data []byte // evInput
	err  error  // evReadErr, evWriteErr
}

// Server is the broker. All mutable state (the client slab and the ledger
// store) is owned by the event loop goroutine; connection io loops and the
// accept loop communicate with it through the event channel, and each write
// loop also shares its client's tx buffer under the client's mutex.
type Server struct {
	Logger zerolog.Logger

	cfg     *Config
	metrics serverMetrics

	ln     *net.TCPListener
	events chan event
	done   chan struct{}

	clients []*client
	ledgers *ledger.Store
}

// NewServer configures a new server using c, which is assumed to be
// initialized to default or configured values (as done by UnmarshalEnv). The
// data directory is created if missing.
func NewServer(c *Config) (*Server, error) {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(c.LogLevel).
		With().Timestamp().Logger()

	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	store, err := ledger.NewStore(logger, c.DataDir)
	if err != nil {
		return nil, err
	}

	s := &Server{
		Logger:  logger,
		cfg:     c,
		events:  make(chan event, 512),
		done:    make(chan struct{}),
		clients: make([]*client, 0, 8),
		ledgers: store,
	}
	s.metrics.init()
	return s, nil
}

// Listen binds the TCP listener. Called by Run if not called explicitly
// (tests bind to an ephemeral port first and read Addr).
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(int(s.cfg.Port)))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.ln = ln.(*net.TCPListener)
	s.Logger.Info().Stringer("addr", s.ln.Addr()).Msg("listening")
	return nil
}

// Addr returns the bound listener address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// post delivers an event to the loop unless the server is shutting down.
func (s *Server) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.AcceptTCP()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.Logger.Err(err).Msg("accept")
			}
			return
		}
		conn.SetNoDelay(true)
		s.post(event{kind: evAccept, conn: conn})
	}
}

// Run drives the event loop until ctx is cancelled. It binds the listener if
// Listen was not called and starts the debug server if configured.
func (s *Server) Run(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	if s.cfg.DebugAddr != "" {
		dbg := http.NewServeMux()
		dbg.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			s.WritePrometheus(w)
		})
		dbg.HandleFunc("/debug/pprof/", pprof.Index)
		dbg.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		dbg.HandleFunc("/debug/pprof/profile", pprof.Profile)
		dbg.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		dbg.HandleFunc("/debug/pprof/trace", pprof.Trace)
		go func() {
			s.Logger.Warn().Str("addr", s.cfg.DebugAddr).Msg("running insecure debug server")
			if err := http.ListenAndServe(s.cfg.DebugAddr, dbg); err != nil {
				s.Logger.Err(err).Msg("debug server")
			}
		}()
	}

	go s.acceptLoop()

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-ticker.C:
			s.handleTick()
		case ev := <-s.events:
			s.handleEvent(ev)
		}
	}
}

func (s *Server) handleEvent(ev event) {
	switch ev.kind {
	case evAccept:
		s.newClient(ev.conn)
	case evInput:
		s.handleInput(ev.c, ev.data)
	case evReadErr:
		s.handleReadErr(ev.c, ev.err)
	case evWriteErr:
		s.handleWriteErr(ev.c, ev.err)
	case evWritable:
		if !ev.c.closed {
			s.transferLedger(ev.c)
		}
	}
}

// shutdown closes the listener, every client and every ledger. Events still
// in flight are discarded; io loops exit once their sockets close.
func (s *Server) shutdown() {
	close(s.done)
	if s.ln != nil {
		s.ln.Close()
	}
	for _, c := range s.clients {
		if c != nil {
			s.disconnect(c, causeShutdown)
		}
	}
	s.ledgers.CloseAll()
	s.Logger.Info().Msg("shutting down")
}
