// Package socks5 implements the client-facing SOCKS5 front-end: the greeting,
// the CONNECT request, and the two scripted replies the tunnel client sends.
// Authentication negotiation is limited to "no auth" by design; there is no
// UDP ASSOCIATE or BIND support.
package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// SOCKS5 protocol constants per RFC 1928.
const Version = 0x05

// Command types. Only CmdConnect is handled; anything else gets ReplyCmdNotSupported.
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

// Reply codes per RFC 1928 section 6.
const (
	ReplySucceeded        = 0x00
	ReplyServerFailure    = 0x01
	ReplyCmdNotSupported  = 0x07
	ReplyAddrNotSupported = 0x08
)

// maxGreetingBytes bounds the scratch read for the greeting: 1 (ver) + 1
// (nmethods) + up to 255 method bytes + slack.
const maxGreetingBytes = 262

// ErrBadClient is returned for any SOCKS5 protocol violation or unsupported
// command from the user application.
var ErrBadClient = errors.New("socks5: bad client")

// Request is the parsed CONNECT target: address type, address, and port.
type Request struct {
	AddrType byte
	Addr     string // dotted IPv4, bracket-free IPv6, or domain name
	Port     uint16
}

// ReadGreeting consumes the SOCKS5 greeting (VER, NMETHODS, METHODS) and
// rejects anything that isn't version 5. No authentication method is
// negotiated beyond "no auth" — the methods list is read and discarded.
func ReadGreeting(r io.Reader) error {
	buf := make([]byte, 2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("%w: read greeting: %v", ErrBadClient, err)
	}
	if buf[0] != Version {
		return fmt.Errorf("%w: unsupported SOCKS version %d", ErrBadClient, buf[0])
	}

	numMethods := int(buf[1])
	if numMethods > maxGreetingBytes-2 {
		numMethods = maxGreetingBytes - 2 // clamp against the fixed scratch buffer
	}
	methods := make([]byte, numMethods)
	if _, err := io.ReadFull(r, methods); err != nil {
		return fmt.Errorf("%w: read methods: %v", ErrBadClient, err)
	}
	return nil
}

// WriteNoAuthMethod replies "05 00": version 5, no-auth method selected.
func WriteNoAuthMethod(w io.Writer) error {
	_, err := w.Write([]byte{Version, 0x00})
	return err
}

// ReadRequest reads the SOCKS5 request header and destination address. The
// command byte is returned as sent, without being checked: the caller
// rejects anything other than CmdConnect (replying ReplyCmdNotSupported and
// closing).
func ReadRequest(r io.Reader) (cmd byte, req *Request, err error) {
	// +----+-----+-------+------+----------+----------+
	// |VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
	// +----+-----+-------+------+----------+----------+
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, fmt.Errorf("%w: read request header: %v", ErrBadClient, err)
	}
	if header[0] != Version {
		return 0, nil, fmt.Errorf("%w: unsupported SOCKS version %d", ErrBadClient, header[0])
	}
	cmd = header[1]
	atyp := header[3]

	req = &Request{AddrType: atyp}

	switch atyp {
	case AddrTypeIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(r, addr); err != nil {
			return 0, nil, fmt.Errorf("%w: read IPv4 address: %v", ErrBadClient, err)
		}
		req.Addr = net.IP(addr).String()

	case AddrTypeDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return 0, nil, fmt.Errorf("%w: read domain length: %v", ErrBadClient, err)
		}
		domainLen := int(lenBuf[0])
		if domainLen == 0 {
			return 0, nil, fmt.Errorf("%w: zero-length domain name", ErrBadClient)
		}
		domain := make([]byte, domainLen)
		if _, err := io.ReadFull(r, domain); err != nil {
			return 0, nil, fmt.Errorf("%w: read domain: %v", ErrBadClient, err)
		}
		req.Addr = string(domain)

	case AddrTypeIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(r, addr); err != nil {
			return 0, nil, fmt.Errorf("%w: read IPv6 address: %v", ErrBadClient, err)
		}
		req.Addr = net.IP(addr).String()

	default:
		return 0, nil, fmt.Errorf("%w: unsupported address type %d", ErrBadClient, atyp)
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, portBuf); err != nil {
		return 0, nil, fmt.Errorf("%w: read port: %v", ErrBadClient, err)
	}
	req.Port = binary.BigEndian.Uint16(portBuf)

	return cmd, req, nil
}

// WriteSuccess sends the fixed success reply "05 00 00 01 00 00 00 00 00 00"
// (bound address 0.0.0.0:0). Sent before the tunnel to the remote server has
// even been dialed, so a downstream dial failure can't be reflected back as
// a SOCKS error — accepted as a protocol-level limitation of this design.
func WriteSuccess(w io.Writer) error {
	_, err := w.Write([]byte{Version, ReplySucceeded, 0x00, AddrTypeIPv4, 0, 0, 0, 0, 0, 0})
	return err
}

// WriteFailure sends a reply with the given code and a zeroed bound address.
func WriteFailure(w io.Writer, code byte) error {
	_, err := w.Write([]byte{Version, code, 0x00, AddrTypeIPv4, 0, 0, 0, 0, 0, 0})
	return err
}
