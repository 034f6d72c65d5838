// Command hsmclient sends one or more command frames to a running simulator
// and prints each reply. Frames are given without their terminator; the
// configured framing convention adds it.
//
//	hsmclient -addr localhost:9999 -framing boundary '<93#D#6#' '<32#1234#'
package main

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"atallasim/framing"

	"github.com/rs/zerolog"
)

type clientConfig struct {
	addr       string
	convention framing.Convention
	boundary   byte
	timeout    time.Duration
	repeat     int
}

func main() {
	addr := flag.String("addr", "localhost:9999", "Simulator address (host:port)")
	conv := flag.String("framing", string(framing.Boundary), "Framing convention: boundary, boundary_lf, boundary_crlf")
	boundary := flag.String("boundary", string(framing.DefaultBoundary), "Boundary byte")
	timeout := flag.Duration("timeout", 5*time.Second, "Per-exchange timeout")
	repeat := flag.Int("repeat", 1, "Send the frame list this many times on one connection")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	convention, err := framing.ParseConvention(*conv)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid framing")
	}
	if len(*boundary) != 1 {
		logger.Fatal().Str("boundary", *boundary).Msg("Boundary must be a single byte")
	}
	frames := flag.Args()
	if len(frames) == 0 {
		frames = []string{"<93#D#6#"}
	}
	cfg := clientConfig{
		addr:       *addr,
		convention: convention,
		boundary:   (*boundary)[0],
		timeout:    *timeout,
		repeat:     *repeat,
	}

	conn, err := net.DialTimeout("tcp", cfg.addr, cfg.timeout)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.addr).Msg("Dial failed")
	}
	defer conn.Close()

	if err := exchange(conn, cfg, frames, os.Stdout); err != nil {
		logger.Fatal().Err(err).Msg("Exchange failed")
	}
}

// exchange sends each frame and waits for its reply before sending the next.
func exchange(conn net.Conn, cfg clientConfig, frames []string, out io.Writer) error {
	reader := bufio.NewReader(conn)
	repeat := cfg.repeat
	if repeat < 1 {
		repeat = 1
	}
	for i := 0; i < repeat; i++ {
		for _, frame := range frames {
			deadline := time.Now().Add(cfg.timeout)
			_ = conn.SetDeadline(deadline)
			if _, err := conn.Write(framing.Terminate([]byte(frame), cfg.convention, cfg.boundary)); err != nil {
				return fmt.Errorf("send %q: %w", frame, err)
			}
			start := time.Now()
			reply, err := readReply(reader, cfg.convention, cfg.boundary)
			if err != nil {
				return fmt.Errorf("reply to %q: %w", frame, err)
			}
			fmt.Fprintf(out, "%s -> %s (%s)\n", frame, reply, time.Since(start).Round(time.Microsecond))
		}
	}
	return nil
}

// readReply reads one reply. Recognized replies end with the convention's
// terminator; the unrecognized notice always ends with a line feed.
func readReply(r *bufio.Reader, c framing.Convention, boundary byte) (string, error) {
	term := framing.Terminator(c, boundary)
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && len(buf) > 0 {
				return "", fmt.Errorf("connection closed mid-reply after %q", buf)
			}
			return "", err
		}
		buf = append(buf, b)
		if bytes.HasSuffix(buf, term) {
			return string(buf[:len(buf)-len(term)]), nil
		}
		if b == '\n' {
			return string(bytes.TrimRight(buf, "\r\n")), nil
		}
	}
}
