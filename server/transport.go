package server

import (
	"fmt"
	"io"
	"net"

	ztelnet "github.com/ziutek/telnet"
)

// wrapTransport selects the byte stream a session reads and writes. The
// telnet transport strips IAC negotiation from requests and escapes 0xFF in
// replies, for clients that reach the simulator through a telnet bridge.
func wrapTransport(conn net.Conn, transport string) (io.ReadWriter, error) {
	if transport != TransportTelnet {
		return conn, nil
	}
	tconn, err := ztelnet.NewConn(conn)
	if err != nil {
		return nil, fmt.Errorf("wrap telnet transport: %w", err)
	}
	return tconn, nil
}
