package main

import (
	"bufio"
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	"atallasim/framing"
)

func TestReadReply(t *testing.T) {
	cases := []struct {
		name string
		conv framing.Convention
		in   string
		want string
	}{
		{"boundary", framing.Boundary, "<A3#00123456>", "<A3#00123456"},
		{"boundary_lf", framing.BoundaryLF, "<42#00>\n", "<42#00"},
		{"boundary_crlf", framing.BoundaryCRLF, "<47#00>\r\n", "<47#00"},
		{"notice", framing.Boundary, "Unrecognized command\n", "Unrecognized command"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := readReply(bufio.NewReader(strings.NewReader(tc.in)), tc.conv, '>')
			if err != nil {
				t.Fatalf("readReply: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestReadReplyTruncated(t *testing.T) {
	if _, err := readReply(bufio.NewReader(strings.NewReader("<A3#00")), framing.Boundary, '>'); err == nil {
		t.Fatalf("expected error for truncated reply")
	}
}

func TestExchangePairsReplies(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	defer srv.Close()

	go func() {
		r := bufio.NewReader(srv)
		for {
			line, err := r.ReadString('>')
			if err != nil {
				return
			}
			switch {
			case strings.HasPrefix(line, "<93#"):
				_, _ = srv.Write([]byte("<A3#00ABCDEF0123456789>"))
			default:
				_, _ = srv.Write([]byte("Unrecognized command\n"))
			}
		}
	}()

	var out bytes.Buffer
	cfg := clientConfig{convention: framing.Boundary, boundary: '>', timeout: 2 * time.Second, repeat: 2}
	if err := exchange(client, cfg, []string{"<93#D#6#", "<55#"}, &out); err != nil {
		t.Fatalf("exchange: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 reply lines, got %d: %q", len(lines), out.String())
	}
	if !strings.HasPrefix(lines[0], "<93#D#6# -> <A3#00ABCDEF0123456789 (") {
		t.Fatalf("unexpected first line %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "<55# -> Unrecognized command (") {
		t.Fatalf("unexpected second line %q", lines[1])
	}
}
