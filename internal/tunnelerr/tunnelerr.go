// Package tunnelerr holds the sentinel errors shared by the acceptor,
// relay, and config packages that don't already have a natural home in a
// narrower package (socks5.ErrBadClient, addrcodec.ErrBadAddress, and
// cipher.ErrShortHeader live next to the code that detects them).
package tunnelerr

import "errors"

var (
	// ErrDialFailure is the outbound TCP connect to the origin failing.
	ErrDialFailure = errors.New("tunnelerr: dial failure")
	// ErrTransport covers a socket read/write error or a short write that
	// survived retries.
	ErrTransport = errors.New("tunnelerr: transport error")
	// ErrBindFailure is a listener failing to bind at startup.
	ErrBindFailure = errors.New("tunnelerr: bind failure")
	// ErrConfigError is a missing or unparseable configuration.
	ErrConfigError = errors.New("tunnelerr: config error")
)
