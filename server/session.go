package server

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"atallasim/commands"
	"atallasim/events"
	"atallasim/framing"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
)

// Session states.
const (
	StateAwaitingFrame = "AWAITING_FRAME"
	StateDispatching   = "DISPATCHING"
	StateResponding    = "RESPONDING"
	StateClosed        = "CLOSED"
)

const (
	eventFrame = "frame"
	eventReply = "reply"
	eventNext  = "next"
	eventClose = "close"
)

// Disconnect reasons reported in events.
const (
	ReasonEOF            = "eof"
	ReasonSingleExchange = "single_exchange"
	ReasonDecodeError    = "decode_error"
	ReasonFrameTooLarge  = "frame_too_large"
	ReasonIdleTimeout    = "idle_timeout"
	ReasonTransport      = "transport_error"
	ReasonShutdown       = "shutdown"
	ReasonInternal       = "internal_error"
)

func newSessionFSM(callbacks fsm.Callbacks) *fsm.FSM {
	return fsm.NewFSM(
		StateAwaitingFrame,
		fsm.Events{
			{Name: eventFrame, Src: []string{StateAwaitingFrame}, Dst: StateDispatching},
			{Name: eventReply, Src: []string{StateDispatching}, Dst: StateResponding},
			{Name: eventNext, Src: []string{StateResponding}, Dst: StateAwaitingFrame},
			{Name: eventClose, Src: []string{StateAwaitingFrame, StateDispatching, StateResponding}, Dst: StateClosed},
		},
		callbacks,
	)
}

// Session owns one client connection: its frame assembler, its state
// machine and its exchange count. Nothing in a Session is shared with other
// sessions.
type Session struct {
	id        uint64
	conn      net.Conn
	rw        io.ReadWriter
	remote    string
	server    *Server
	processor *commands.Processor
	observer  events.Observer
	logger    zerolog.Logger
	assembler *framing.Assembler
	state     *fsm.FSM
	exchanges int
	lastCode  string
}

func newSession(id uint64, conn net.Conn, srv *Server) (*Session, error) {
	rw, err := wrapTransport(conn, srv.opts.Transport)
	if err != nil {
		return nil, err
	}
	remote := conn.RemoteAddr().String()
	s := &Session{
		id:        id,
		conn:      conn,
		rw:        rw,
		remote:    remote,
		server:    srv,
		processor: srv.processor,
		observer:  srv.opts.Observer,
		logger:    srv.logger.With().Uint64("session", id).Str("remote", remote).Logger(),
		assembler: framing.NewAssembler(rw, srv.opts.Framing),
	}
	s.state = newSessionFSM(fsm.Callbacks{
		"enter_" + StateClosed: s.onClosed,
	})
	return s, nil
}

// State returns the current state-machine state.
func (s *Session) State() string {
	return s.state.Current()
}

func (s *Session) run(ctx context.Context) {
	s.emit(events.Event{Kind: events.Connect})
	for {
		frame, err := s.awaitFrame()
		if err != nil {
			s.close(ctx, s.reasonFor(err), err)
			return
		}
		s.transition(ctx, eventFrame)

		result, err := s.dispatch(frame)
		if err != nil {
			reason := ReasonInternal
			if errors.Is(err, framing.ErrInvalidEncoding) {
				reason = ReasonDecodeError
			}
			s.close(ctx, reason, err)
			return
		}
		s.transition(ctx, eventReply)

		if err := s.respond(result); err != nil {
			s.close(ctx, s.reasonFor(err), err)
			return
		}
		s.exchanges++
		if s.server.opts.Persistence == Single {
			s.close(ctx, ReasonSingleExchange, nil)
			return
		}
		s.transition(ctx, eventNext)
	}
}

func (s *Session) awaitFrame() (framing.Frame, error) {
	if idle := s.server.opts.IdleTimeout; idle > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
			return framing.Frame{}, err
		}
	}
	frame, err := s.assembler.Next()
	if err != nil {
		return framing.Frame{}, err
	}
	s.emit(events.Event{
		Kind:        events.FrameReceived,
		FrameLen:    frame.Len(),
		Fingerprint: events.Fingerprint(frame.Bytes()),
	})
	return frame, nil
}

func (s *Session) dispatch(frame framing.Frame) (commands.Result, error) {
	result, err := s.processor.Handle(frame)
	if err != nil {
		return result, err
	}
	if result.Matched {
		s.lastCode = result.Entry.Code
		s.emit(events.Event{
			Kind:    events.CommandMatched,
			Command: result.Entry.Code,
			Name:    result.Entry.Name,
			Status:  result.Response.Status,
		})
	} else {
		s.lastCode = ""
		s.emit(events.Event{
			Kind:        events.Unrecognized,
			Fingerprint: events.Fingerprint(frame.Bytes()),
			Suggestion:  result.Suggestion,
		})
	}
	return result, nil
}

func (s *Session) respond(result commands.Result) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.server.opts.WriteTimeout)); err != nil {
		return err
	}
	defer s.conn.SetWriteDeadline(time.Time{})
	if _, err := s.rw.Write(result.Wire); err != nil {
		return err
	}
	s.emit(events.Event{Kind: events.ResponseSent, ResponseLen: len(result.Wire), Command: s.lastCode})
	return nil
}

func (s *Session) transition(ctx context.Context, event string) {
	if err := s.state.Event(ctx, event); err != nil {
		s.logger.Error().Err(err).Str("event", event).Str("state", s.state.Current()).Msg("invalid session transition")
	}
}

func (s *Session) close(ctx context.Context, reason string, cause error) {
	if err := s.state.Event(ctx, eventClose, reason, cause); err != nil {
		s.logger.Error().Err(err).Str("reason", reason).Msg("session close transition failed")
		_ = s.conn.Close()
	}
}

// onClosed releases the connection and reports the disconnect exactly once.
func (s *Session) onClosed(_ context.Context, e *fsm.Event) {
	_ = s.conn.Close()
	ev := events.Event{Kind: events.Disconnect, Exchanges: s.exchanges}
	if len(e.Args) > 0 {
		ev.Reason, _ = e.Args[0].(string)
	}
	if len(e.Args) > 1 {
		if cause, ok := e.Args[1].(error); ok && cause != nil && !errors.Is(cause, io.EOF) {
			ev.Err = cause.Error()
		}
	}
	s.emit(ev)
}

func (s *Session) reasonFor(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		return ReasonEOF
	case errors.Is(err, framing.ErrFrameTooLarge):
		return ReasonFrameTooLarge
	case s.server.stopping.Load() || errors.Is(err, net.ErrClosed):
		return ReasonShutdown
	case errors.As(err, &netErr) && netErr.Timeout():
		return ReasonIdleTimeout
	default:
		return ReasonTransport
	}
}

func (s *Session) emit(ev events.Event) {
	ev.SessionID = s.id
	ev.Remote = s.remote
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	s.observer.Observe(ev)
}
