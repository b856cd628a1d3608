package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// SOCKS5 protocol constants per RFC 1928.
const (
	SOCKS5Version = 0x05
)

// Authentication methods.
const (
	AuthMethodNoAuth       = 0x00
	AuthMethodNoAcceptable = 0xFF
)

// Command types.
const (
	CmdConnect      = 0x01
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03
)

// Address types.
const (
	AddrTypeIPv4   = 0x01
	AddrTypeDomain = 0x03
	AddrTypeIPv6   = 0x04
)

// Reply codes.
const (
	ReplySucceeded        = 0x00
	ReplyServerFailure    = 0x01
	ReplyCmdNotSupported  = 0x07
	ReplyAddrNotSupported = 0x08
)

var (
	// ErrUnsupportedVersion is returned for a non-SOCKS5 greeting or request.
	ErrUnsupportedVersion = errors.New("unsupported SOCKS version")

	// ErrNoAcceptableAuth is returned when the client does not offer the
	// "no authentication" method.
	ErrNoAcceptableAuth = errors.New("no acceptable authentication method")

	// ErrUnsupportedCommand is returned for anything but CONNECT.
	ErrUnsupportedCommand = errors.New("unsupported command")

	// ErrUnsupportedAddress is returned for IPv6 or unknown address types.
	ErrUnsupportedAddress = errors.New("unsupported address type")

	// ErrInvalidDestination is returned for an empty domain or port 0.
	ErrInvalidDestination = errors.New("invalid destination")
)

// Request is a parsed CONNECT request.
type Request struct {
	Command  byte
	AddrType byte
	Host     string
	Port     int
}

// negotiate reads the greeting and selects "no authentication", the only
// method the listener supports.
func negotiate(rw io.ReadWriter) error {
	// +----+----------+----------+
	// |VER | NMETHODS | METHODS  |
	// +----+----------+----------+
	// | 1  |    1     | 1 to 255 |
	// +----+----------+----------+
	header := make([]byte, 2)
	if _, err := io.ReadFull(rw, header); err != nil {
		return err
	}
	if header[0] != SOCKS5Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, header[0])
	}

	methods := make([]byte, int(header[1]))
	if _, err := io.ReadFull(rw, methods); err != nil {
		return err
	}

	for _, m := range methods {
		if m == AuthMethodNoAuth {
			_, err := rw.Write([]byte{SOCKS5Version, AuthMethodNoAuth})
			return err
		}
	}
	rw.Write([]byte{SOCKS5Version, AuthMethodNoAcceptable})
	return ErrNoAcceptableAuth
}

// readRequest reads a request. When the request is well-formed but not
// supported it returns the reply code the client should receive.
func readRequest(r io.Reader) (*Request, byte, error) {
	// +----+-----+-------+------+----------+----------+
	// |VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
	// +----+-----+-------+------+----------+----------+
	// | 1  |  1  | X'00' |  1   | Variable |    2     |
	// +----+-----+-------+------+----------+----------+
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, 0, err
	}
	if header[0] != SOCKS5Version {
		return nil, ReplyServerFailure, fmt.Errorf("%w: %d", ErrUnsupportedVersion, header[0])
	}

	req := &Request{Command: header[1], AddrType: header[3]}
	if req.Command != CmdConnect {
		return req, ReplyCmdNotSupported, fmt.Errorf("%w: %d", ErrUnsupportedCommand, req.Command)
	}

	switch req.AddrType {
	case AddrTypeIPv4:
		addr := make([]byte, net.IPv4len)
		if _, err := io.ReadFull(r, addr); err != nil {
			return nil, 0, err
		}
		req.Host = net.IP(addr).String()

	case AddrTypeDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return nil, 0, err
		}
		if lenBuf[0] == 0 {
			return req, ReplyServerFailure, fmt.Errorf("%w: zero-length domain", ErrInvalidDestination)
		}
		domain := make([]byte, int(lenBuf[0]))
		if _, err := io.ReadFull(r, domain); err != nil {
			return nil, 0, err
		}
		req.Host = string(domain)

	default:
		return req, ReplyAddrNotSupported, fmt.Errorf("%w: %d", ErrUnsupportedAddress, req.AddrType)
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, portBuf); err != nil {
		return nil, 0, err
	}
	req.Port = int(binary.BigEndian.Uint16(portBuf))
	if req.Port == 0 {
		return req, ReplyServerFailure, fmt.Errorf("%w: port 0", ErrInvalidDestination)
	}

	return req, ReplySucceeded, nil
}

// writeReply sends a reply with an all-zero IPv4 bind address. The broker
// never reveals the agent-side address to the client.
func writeReply(w io.Writer, reply byte) error {
	// +----+-----+-------+------+----------+----------+
	// |VER | REP |  RSV  | ATYP | BND.ADDR | BND.PORT |
	// +----+-----+-------+------+----------+----------+
	// | 1  |  1  | X'00' |  1   | Variable |    2     |
	// +----+-----+-------+------+----------+----------+
	buf := []byte{SOCKS5Version, reply, 0x00, AddrTypeIPv4, 0, 0, 0, 0, 0, 0}
	_, err := w.Write(buf)
	return err
}
