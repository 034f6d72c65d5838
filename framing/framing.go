// Package framing turns an arbitrarily fragmented TCP byte stream into the
// delimited frames of the HSM text protocol.
//
// A server instance uses exactly one Convention for both directions: the
// Assembler applies it when splitting requests and Terminate applies it when
// serializing replies.
package framing

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

// Convention selects the byte pattern that ends a frame.
type Convention string

const (
	// Boundary ends a frame at the first boundary byte.
	Boundary Convention = "boundary"
	// BoundaryLF ends a frame once both the boundary byte and a line feed
	// have been seen, in any order and not necessarily adjacent.
	BoundaryLF Convention = "boundary_lf"
	// BoundaryCRLF ends a frame at the boundary byte immediately followed
	// by CR LF.
	BoundaryCRLF Convention = "boundary_crlf"
)

// TrailingPolicy decides what happens to bytes that follow an extracted
// frame's terminator.
type TrailingPolicy string

const (
	// Retain keeps trailing bytes buffered for the next frame, so pipelined
	// requests are answered in order.
	Retain TrailingPolicy = "retain"
	// Discard drops everything after the first frame, as the original
	// simulator did with its single recv per connection.
	Discard TrailingPolicy = "discard"
)

const (
	DefaultBoundary      byte = '>'
	DefaultMaxFrameBytes      = 64 * 1024
	defaultReadSize           = 1024
)

var (
	// ErrFrameTooLarge is returned when the buffer grows past the configured
	// limit without a terminator.
	ErrFrameTooLarge = errors.New("framing: frame exceeds size limit")
	// ErrInvalidEncoding is returned by Frame.Text for bytes that are not UTF-8.
	ErrInvalidEncoding = errors.New("framing: frame is not valid UTF-8")
)

// ParseConvention maps a config token to a Convention.
func ParseConvention(value string) (Convention, error) {
	switch c := Convention(strings.ToLower(strings.TrimSpace(value))); c {
	case Boundary, BoundaryLF, BoundaryCRLF:
		return c, nil
	case "":
		return Boundary, nil
	default:
		return "", fmt.Errorf("unknown framing convention %q (want boundary, boundary_lf or boundary_crlf)", value)
	}
}

// ParseTrailingPolicy maps a config token to a TrailingPolicy.
func ParseTrailingPolicy(value string) (TrailingPolicy, error) {
	switch p := TrailingPolicy(strings.ToLower(strings.TrimSpace(value))); p {
	case Retain, Discard:
		return p, nil
	case "":
		return Retain, nil
	default:
		return "", fmt.Errorf("unknown trailing policy %q (want retain or discard)", value)
	}
}

// Terminator returns the bytes appended to every reply under c.
func Terminator(c Convention, boundary byte) []byte {
	switch c {
	case BoundaryLF:
		return []byte{boundary, '\n'}
	case BoundaryCRLF:
		return []byte{boundary, '\r', '\n'}
	default:
		return []byte{boundary}
	}
}

// Terminate returns payload followed by the convention's terminator.
func Terminate(payload []byte, c Convention, boundary byte) []byte {
	term := Terminator(c, boundary)
	out := make([]byte, 0, len(payload)+len(term))
	out = append(out, payload...)
	return append(out, term...)
}

// Split reports the length of the first complete frame in buf, terminator
// included.
func Split(buf []byte, c Convention, boundary byte) (int, bool) {
	switch c {
	case BoundaryLF:
		b := bytes.IndexByte(buf, boundary)
		if b < 0 {
			return 0, false
		}
		lf := bytes.IndexByte(buf, '\n')
		if lf < 0 {
			return 0, false
		}
		return max(b, lf) + 1, true
	case BoundaryCRLF:
		idx := bytes.Index(buf, []byte{boundary, '\r', '\n'})
		if idx < 0 {
			return 0, false
		}
		return idx + 3, true
	default:
		idx := bytes.IndexByte(buf, boundary)
		if idx < 0 {
			return 0, false
		}
		return idx + 1, true
	}
}

// Frame is one complete client message, terminator included.
type Frame struct {
	raw []byte
}

// NewFrame wraps raw bytes; the slice is not copied.
func NewFrame(raw []byte) Frame {
	return Frame{raw: raw}
}

func (f Frame) Bytes() []byte { return f.raw }

func (f Frame) Len() int { return len(f.raw) }

// Text decodes the frame as UTF-8.
func (f Frame) Text() (string, error) {
	if _, _, err := transform.Bytes(encoding.UTF8Validator, f.raw); err != nil {
		if errors.Is(err, encoding.ErrInvalidUTF8) {
			return "", ErrInvalidEncoding
		}
		return "", fmt.Errorf("decode frame: %w", err)
	}
	return string(f.raw), nil
}

// Options configures an Assembler.
type Options struct {
	Convention    Convention
	Boundary      byte
	Trailing      TrailingPolicy
	MaxFrameBytes int
	ReadSize      int
}

func (o Options) normalized() Options {
	if o.Convention == "" {
		o.Convention = Boundary
	}
	if o.Boundary == 0 {
		o.Boundary = DefaultBoundary
	}
	if o.Trailing == "" {
		o.Trailing = Retain
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if o.ReadSize <= 0 {
		o.ReadSize = defaultReadSize
	}
	return o
}

// Assembler accumulates reads from one connection and hands out frames.
// It is owned by a single session goroutine and is not safe for concurrent use.
type Assembler struct {
	r       io.Reader
	opts    Options
	buf     []byte
	chunk   []byte
	pending error
}

func NewAssembler(r io.Reader, opts Options) *Assembler {
	opts = opts.normalized()
	return &Assembler{
		r:     r,
		opts:  opts,
		chunk: make([]byte, opts.ReadSize),
	}
}

// Next blocks until a complete frame is buffered or the stream fails.
// io.EOF means the peer closed with no complete frame; any partial bytes are
// dropped.
func (a *Assembler) Next() (Frame, error) {
	for {
		if frame, ok := a.extract(); ok {
			return frame, nil
		}
		if a.pending != nil {
			a.buf = a.buf[:0]
			return Frame{}, a.pending
		}
		if len(a.buf) > a.opts.MaxFrameBytes {
			a.buf = a.buf[:0]
			return Frame{}, ErrFrameTooLarge
		}
		n, err := a.r.Read(a.chunk)
		if n > 0 {
			a.buf = append(a.buf, a.chunk[:n]...)
		}
		if err != nil {
			a.pending = err
		}
	}
}

// Buffered returns the number of bytes held for the next frame.
func (a *Assembler) Buffered() int {
	return len(a.buf)
}

func (a *Assembler) extract() (Frame, bool) {
	n, ok := Split(a.buf, a.opts.Convention, a.opts.Boundary)
	if !ok {
		return Frame{}, false
	}
	raw := make([]byte, n)
	copy(raw, a.buf[:n])
	if a.opts.Trailing == Discard {
		a.buf = a.buf[:0]
	} else {
		rest := copy(a.buf, a.buf[n:])
		a.buf = a.buf[:rest]
	}
	return Frame{raw: raw}, true
}
