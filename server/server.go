// Package server implements the TCP side of the HSM simulator.
//
// The server is deliberately simple:
//   - One goroutine accepts connections and never waits on a session
//   - One goroutine per connection runs a Session (handleConn)
//   - Sessions share nothing mutable except atomic counters and the sessions
//     map used for shutdown
//
// Session Flow:
//  1. Client connects → Connect event
//  2. AWAITING_FRAME: bytes are assembled until the framing convention
//     reports a complete frame
//  3. DISPATCHING: the frame is matched against the command registry
//  4. RESPONDING: the reply (or the unrecognized notice) is written back
//  5. Single-exchange policy closes here; multiplexed goes back to 2
//  6. Peer close, decode failure, oversize frame, idle timeout or transport
//     error → CLOSED
//
// Concurrency is unbounded by default. MaxConnections turns on an admission
// limit that closes excess connections as soon as they are accepted.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"atallasim/commands"
	"atallasim/events"
	"atallasim/framing"
	"atallasim/internal/ratelimit"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// Persistence decides whether a connection carries one exchange or many.
type Persistence string

const (
	// Single closes the connection after one request/response exchange.
	Single Persistence = "single"
	// Multiplexed keeps serving frames until the client disconnects.
	Multiplexed Persistence = "multiplexed"
)

// ParsePersistence maps a config token to a Persistence.
func ParsePersistence(value string) (Persistence, error) {
	switch p := Persistence(strings.ToLower(strings.TrimSpace(value))); p {
	case Single, Multiplexed:
		return p, nil
	case "":
		return Multiplexed, nil
	default:
		return "", fmt.Errorf("unknown persistence policy %q (want single or multiplexed)", value)
	}
}

const (
	TransportNative = "native"
	TransportTelnet = "telnet"
)

const (
	defaultListen       = "localhost:9999"
	defaultWriteTimeout = 2 * time.Second
	defaultKeepAlive    = 2 * time.Minute
)

// ErrConventionMismatch is returned when the assembler and the reply
// serializer would use different framing conventions.
var ErrConventionMismatch = errors.New("server: framing convention differs from processor convention")

// Options configures the server instance.
type Options struct {
	Listen         string
	Framing        framing.Options
	Persistence    Persistence
	MaxConnections int           // 0 = unbounded
	IdleTimeout    time.Duration // 0 = no read deadline
	WriteTimeout   time.Duration
	KeepAlive      time.Duration
	Transport      string // "native" or "telnet"
	Observer       events.Observer
	Logger         zerolog.Logger
}

func normalizeOptions(opts Options, processor *commands.Processor) (Options, error) {
	config := opts
	if strings.TrimSpace(config.Listen) == "" {
		config.Listen = defaultListen
	}
	if config.Framing.Convention != "" && config.Framing.Convention != processor.Convention() {
		return config, fmt.Errorf("%w: %s vs %s", ErrConventionMismatch, config.Framing.Convention, processor.Convention())
	}
	if config.Framing.Boundary != 0 && config.Framing.Boundary != processor.Boundary() {
		return config, fmt.Errorf("%w: boundary %q vs %q", ErrConventionMismatch, config.Framing.Boundary, processor.Boundary())
	}
	config.Framing.Convention = processor.Convention()
	config.Framing.Boundary = processor.Boundary()
	if config.Persistence == "" {
		config.Persistence = Multiplexed
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaultWriteTimeout
	}
	if config.KeepAlive == 0 {
		config.KeepAlive = defaultKeepAlive
	}
	config.Transport = strings.ToLower(strings.TrimSpace(config.Transport))
	if config.Transport == "" {
		config.Transport = TransportNative
	}
	if config.Transport != TransportNative && config.Transport != TransportTelnet {
		return config, fmt.Errorf("unknown transport %q (want native or telnet)", opts.Transport)
	}
	if config.Observer == nil {
		config.Observer = events.Nop{}
	}
	return config, nil
}

// Server accepts HSM client connections and runs one Session per connection.
//
// Thread Safety:
//   - Start() and Stop() can be called from any goroutine
//   - Sessions only share the sessions map (guarded by sessionsMu) and
//     atomic counters
type Server struct {
	opts       Options
	processor  *commands.Processor
	logger     zerolog.Logger
	listener   net.Listener
	sessions   map[uint64]*Session
	sessionsMu sync.Mutex
	wg         sync.WaitGroup
	nextID     *atomic.Uint64
	active     *atomic.Int64
	stopping   *atomic.Bool
	stopOnce   sync.Once
	acceptLog  ratelimit.Counter
	rejectLog  ratelimit.Counter
}

// NewServer validates options against the processor and builds a server.
func NewServer(opts Options, processor *commands.Processor) (*Server, error) {
	if processor == nil {
		return nil, errors.New("server: processor is nil")
	}
	config, err := normalizeOptions(opts, processor)
	if err != nil {
		return nil, err
	}
	return &Server{
		opts:      config,
		processor: processor,
		logger:    config.Logger,
		sessions:  make(map[uint64]*Session),
		nextID:    atomic.NewUint64(0),
		active:    atomic.NewInt64(0),
		stopping:  atomic.NewBool(false),
		acceptLog: ratelimit.NewCounter(10 * time.Second),
		rejectLog: ratelimit.NewCounter(10 * time.Second),
	}, nil
}

// Start begins listening and accepting connections in the background. The
// server stops when ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	listener, err := listenWithReuse(ctx, s.opts.Listen)
	if err != nil {
		return fmt.Errorf("failed to start HSM listener: %w", err)
	}
	s.listener = listener
	s.logger.Info().
		Str("addr", listener.Addr().String()).
		Str("framing", string(s.opts.Framing.Convention)).
		Str("persistence", string(s.opts.Persistence)).
		Str("transport", s.opts.Transport).
		Int("max_connections", s.opts.MaxConnections).
		Msg("HSM simulator listening")

	go s.acceptConnections()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Run starts the server and blocks until ctx is done and all sessions have
// ended.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveSessions returns the number of live sessions.
func (s *Server) ActiveSessions() int {
	return int(s.active.Load())
}

// Stop closes the listener and every live connection, then waits for the
// session goroutines to finish. Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.sessionsMu.Lock()
		for _, sess := range s.sessions {
			_ = sess.conn.Close()
		}
		s.sessionsMu.Unlock()
		s.wg.Wait()
		s.logger.Info().Msg("HSM simulator stopped")
	})
}

// listenWithReuse enables SO_REUSEADDR so the simulator can rebind right
// after a restart. It falls back to a plain Listen when the control call
// fails.
func listenWithReuse(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			controlErr := c.Control(func(fd uintptr) {
				sockErr = setReuseAddr(fd)
			})
			if controlErr != nil {
				return controlErr
			}
			return sockErr
		},
	}
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return net.Listen("tcp", addr)
	}
	return listener, nil
}

func (s *Server) acceptConnections() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.stopping.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			if total, ok := s.acceptLog.Inc(); ok {
				s.logger.Warn().Err(err).Uint64("total", total).Msg("accept failed")
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if s.stopping.Load() {
			_ = conn.Close()
			return
		}
		if !s.admit(conn) {
			continue
		}
		if tcp, ok := conn.(*net.TCPConn); ok && s.opts.KeepAlive > 0 {
			_ = tcp.SetKeepAlive(true)
			_ = tcp.SetKeepAlivePeriod(s.opts.KeepAlive)
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// admit enforces MaxConnections. The active counter is bumped here, before
// the session goroutine starts, so a burst of accepts cannot overshoot.
func (s *Server) admit(conn net.Conn) bool {
	current := s.active.Inc()
	if s.opts.MaxConnections <= 0 || current <= int64(s.opts.MaxConnections) {
		return true
	}
	s.active.Dec()
	remote := conn.RemoteAddr().String()
	_ = conn.Close()
	s.opts.Observer.Observe(events.Event{
		Kind:   events.Rejected,
		Time:   time.Now().UTC(),
		Remote: remote,
		Reason: "max_connections",
	})
	if total, ok := s.rejectLog.Inc(); ok {
		s.logger.Warn().Str("remote", remote).Int("max_connections", s.opts.MaxConnections).
			Uint64("total", total).Msg("rejected connection: max connections reached")
	}
	return false
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.active.Dec()

	sess, err := newSession(s.nextID.Inc(), conn, s)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("failed to set up session")
		_ = conn.Close()
		return
	}
	if !s.register(sess) {
		_ = conn.Close()
		return
	}
	defer s.unregister(sess)
	sess.run(context.Background())
}

func (s *Server) register(sess *Session) bool {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	if s.stopping.Load() {
		return false
	}
	s.sessions[sess.id] = sess
	return true
}

func (s *Server) unregister(sess *Session) {
	s.sessionsMu.Lock()
	delete(s.sessions, sess.id)
	s.sessionsMu.Unlock()
}
