// Package addrcodec encodes and decodes the address header that is the
// first plaintext payload of the client→server tunnel direction: a 1-byte
// address type, the address itself, and a 2-byte big-endian port.
package addrcodec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/net/idna"
)

// Address types recognized on the wire.
const (
	TypeIPv4   = 0x01
	TypeDomain = 0x03
)

// ErrBadAddress is returned for a malformed, truncated, or unsupported
// address header.
var ErrBadAddress = errors.New("addrcodec: bad address")

// Header is the decoded address + port pair.
type Header struct {
	Type byte
	Addr string // dotted-quad for IPv4, ASCII/punycode domain for TypeDomain
	Port uint16
}

// Encode serializes a Header to wire bytes: type:u8, (4 bytes | 1-byte
// length + n bytes), port:u16_be. Domain names are normalized to ASCII
// (punycode) via IDNA so internationalized hostnames survive the tunnel.
func Encode(h Header) ([]byte, error) {
	switch h.Type {
	case TypeIPv4:
		ip := net.ParseIP(h.Addr).To4()
		if ip == nil {
			return nil, fmt.Errorf("%w: invalid IPv4 address %q", ErrBadAddress, h.Addr)
		}
		buf := make([]byte, 1+4+2)
		buf[0] = TypeIPv4
		copy(buf[1:5], ip)
		binary.BigEndian.PutUint16(buf[5:7], h.Port)
		return buf, nil

	case TypeDomain:
		ascii, err := idna.Lookup.ToASCII(h.Addr)
		if err != nil {
			// Not every destination is a valid IDNA label (e.g. already
			// ASCII with characters IDNA rejects); fall back to the raw
			// name rather than failing the whole connect.
			ascii = h.Addr
		}
		if len(ascii) == 0 || len(ascii) > 255 {
			return nil, fmt.Errorf("%w: domain length %d out of range", ErrBadAddress, len(ascii))
		}
		buf := make([]byte, 1+1+len(ascii)+2)
		buf[0] = TypeDomain
		buf[1] = byte(len(ascii))
		copy(buf[2:2+len(ascii)], ascii)
		binary.BigEndian.PutUint16(buf[2+len(ascii):], h.Port)
		return buf, nil

	default:
		return nil, fmt.Errorf("%w: unsupported address type %d", ErrBadAddress, h.Type)
	}
}

// Decode reads a Header from r: the inverse of Encode. It rejects address
// types outside {1, 3}, a zero-length domain, and truncated input.
func Decode(r io.Reader) (Header, error) {
	typeBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, typeBuf); err != nil {
		return Header{}, fmt.Errorf("%w: read type: %v", ErrBadAddress, err)
	}

	h := Header{Type: typeBuf[0]}

	switch h.Type {
	case TypeIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(r, addr); err != nil {
			return Header{}, fmt.Errorf("%w: read IPv4 address: %v", ErrBadAddress, err)
		}
		h.Addr = net.IP(addr).String()

	case TypeDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return Header{}, fmt.Errorf("%w: read domain length: %v", ErrBadAddress, err)
		}
		domainLen := int(lenBuf[0])
		if domainLen == 0 {
			return Header{}, fmt.Errorf("%w: zero-length domain name", ErrBadAddress)
		}
		domain := make([]byte, domainLen)
		if _, err := io.ReadFull(r, domain); err != nil {
			return Header{}, fmt.Errorf("%w: read domain: %v", ErrBadAddress, err)
		}
		h.Addr = string(domain)

	default:
		return Header{}, fmt.Errorf("%w: unsupported address type %d", ErrBadAddress, h.Type)
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, portBuf); err != nil {
		return Header{}, fmt.Errorf("%w: read port: %v", ErrBadAddress, err)
	}
	h.Port = binary.BigEndian.Uint16(portBuf)

	return h, nil
}

// HostPort formats the header as a "host:port" dial target.
func (h Header) HostPort() string {
	return net.JoinHostPort(h.Addr, fmt.Sprintf("%d", h.Port))
}
