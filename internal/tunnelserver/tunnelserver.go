// Package tunnelserver implements the server-side endpoint: for each
// incoming tunnel connection it decrypts the client's address header, dials
// the requested origin, and relays bytes for the lifetime of the connection:
// peer-to-origin bytes through the ingress session that decrypted the
// header, origin-to-peer bytes through a separate egress session.
package tunnelserver

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/jumptiger/jumptiger/internal/accounting"
	"github.com/jumptiger/jumptiger/internal/addrcodec"
	"github.com/jumptiger/jumptiger/internal/cipher"
	"github.com/jumptiger/jumptiger/internal/logging"
	"github.com/jumptiger/jumptiger/internal/metrics"
	"github.com/jumptiger/jumptiger/internal/recovery"
	"github.com/jumptiger/jumptiger/internal/relay"
	"github.com/jumptiger/jumptiger/internal/tunnelerr"
)

// Config parameterizes one server listener.
type Config struct {
	ListenAddr     string // e.g. "0.0.0.0:8388"
	Password       string
	Timeout        time.Duration
	MaxConnections int
	AcceptsPerSec  float64

	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Accounting *accounting.Sink
}

// Listener accepts encrypted tunnel connections and relays each to the
// origin named by its decrypted address header.
type Listener struct {
	cfg Config

	mu       sync.Mutex
	ln       net.Listener
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	nextID atomic.Uint64
}

// New constructs a Listener. Call Start to begin accepting.
func New(cfg Config) *Listener {
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	return &Listener{cfg: cfg, stopCh: make(chan struct{})}
}

// Start binds the listen address and begins accepting in the background.
func (l *Listener) Start() error {
	lc := net.ListenConfig{Control: setReuseAddr}
	ln, err := lc.Listen(context.Background(), "tcp", l.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %v", tunnelerr.ErrBindFailure, l.cfg.ListenAddr, err)
	}
	if l.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, l.cfg.MaxConnections)
	}

	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	l.wg.Add(1)
	go l.acceptLoop()
	return nil
}

// Stop closes the listener and waits for the accept loop to exit.
func (l *Listener) Stop() error {
	l.stopOnce.Do(func() { close(l.stopCh) })

	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	l.wg.Wait()
	return err
}

// Addr returns the bound listen address. Only valid after Start returns.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ln.Addr().String()
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.cfg.Logger, "tunnelserver.acceptLoop")

	var limiter *rate.Limiter
	if l.cfg.AcceptsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(l.cfg.AcceptsPerSec), 1)
	}

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.stopCh:
				return
			default:
			}
			l.cfg.Logger.Error("accept failed", logging.KeyError, err.Error())
			return
		}

		if limiter != nil {
			limiter.Wait(context.Background())
		}

		id := fmt.Sprintf("s-%d", l.nextID.Add(1))
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer recovery.RecoverWithLog(l.cfg.Logger, "tunnelserver.handle")
			l.handle(id, conn)
		}()
	}
}

// handle decodes the peer's address header, dials the origin, and relays
// bytes for the tunnel's lifetime. Failures are logged and contained to
// this connection.
func (l *Listener) handle(id string, peerConn net.Conn) {
	defer peerConn.Close()
	log := l.cfg.Logger.With(logging.KeyTunnelID, id, logging.KeyComponent, "tunnelserver")

	key := cipher.DeriveKey(l.cfg.Password)
	ingress := cipher.NewIngress(key)

	header, leftover, err := readAddressHeader(peerConn, ingress)
	if err != nil {
		log.Warn("bad address header", logging.KeyError, err.Error())
		if l.cfg.Metrics != nil {
			if shortErr := ingress.Closed(); shortErr != nil {
				l.cfg.Metrics.ShortHeaderEvents.Inc()
			} else {
				l.cfg.Metrics.BadAddressRejects.Inc()
			}
		}
		return
	}

	origin, err := net.DialTimeout("tcp", header.HostPort(), 10*time.Second)
	if err != nil {
		log.Warn("dial origin failed", logging.KeyAddress, header.HostPort(), logging.KeyError, err.Error())
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.DialFailures.Inc()
		}
		// Nothing to send back on this wire format; the client observes EOF.
		return
	}
	defer origin.Close()

	egress, err := cipher.NewEgress(key)
	if err != nil {
		log.Error("egress session failed", logging.KeyError, err.Error())
		return
	}

	if l.cfg.Accounting != nil {
		l.cfg.Accounting.Add(id, header.Addr, int(header.Port))
		defer l.cfg.Accounting.Close(id)
	}
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.TunnelsOpened.Inc()
		l.cfg.Metrics.TunnelsActive.Inc()
		defer l.cfg.Metrics.TunnelsActive.Dec()
		defer l.cfg.Metrics.TunnelsClosed.Inc()
	}
	start := time.Now()
	defer func() {
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.TunnelLatency.Observe(time.Since(start).Seconds())
		}
	}()

	if len(leftover) > 0 {
		if _, err := origin.Write(leftover); err != nil {
			log.Warn("write buffered payload to origin failed", logging.KeyError, err.Error())
			return
		}
		if l.cfg.Accounting != nil {
			l.cfg.Accounting.Update(id, int64(len(leftover)), 0)
		}
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.BytesIn.Add(float64(len(leftover)))
		}
	}

	peerLeg := relay.WithIdleTimeout(peerConn, l.cfg.Timeout)
	originLeg := relay.WithIdleTimeout(origin, l.cfg.Timeout)

	peerToOrigin := func(p []byte) ([]byte, error) { return ingress.Decrypt(p) }
	originToPeer := func(p []byte) ([]byte, error) { return egress.Encrypt(p), nil }

	// The server's bytes_in counts plaintext delivered to the origin,
	// bytes_out counts plaintext received from the origin — the mirror
	// image of the client's ciphertext-based convention. CFB output is as
	// long as its input, so the origin-to-peer count is the ciphertext
	// length minus the IV carried by the first emission.
	ivCounted := false
	err = relay.Duplex(peerLeg, originLeg, peerToOrigin, originToPeer,
		func(n int) {
			if l.cfg.Accounting != nil {
				l.cfg.Accounting.Update(id, int64(n), 0)
			}
			if l.cfg.Metrics != nil {
				l.cfg.Metrics.BytesIn.Add(float64(n))
			}
		},
		func(n int) {
			if !ivCounted {
				ivCounted = true
				n -= cipher.IVSize
			}
			if l.cfg.Accounting != nil {
				l.cfg.Accounting.Update(id, 0, int64(n))
			}
			if l.cfg.Metrics != nil {
				l.cfg.Metrics.BytesOut.Add(float64(n))
			}
		},
		relay.DefaultBufferSize)

	if err != nil {
		log.Debug("relay ended", logging.KeyError, err.Error())
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.TransportErrors.WithLabelValues("server").Inc()
		}
	}
}

// readAddressHeader feeds peerConn through ingress.Decrypt, accumulating
// decrypted plaintext until a complete address header can be parsed out of
// it. The IV and the header may arrive split across several TCP
// reads, and a read may also carry user payload bytes past the header's end
// — those are returned as leftover so the caller can forward them before
// the steady-state relay loop takes over.
func readAddressHeader(peerConn net.Conn, ingress *cipher.Ingress) (addrcodec.Header, []byte, error) {
	var acc []byte
	buf := make([]byte, 512)

	for {
		n, err := peerConn.Read(buf)
		if n > 0 {
			plain, decErr := ingress.Decrypt(buf[:n])
			if decErr != nil {
				return addrcodec.Header{}, nil, decErr
			}
			acc = append(acc, plain...)

			header, rest, complete, parseErr := tryParseHeader(acc)
			if parseErr != nil {
				return addrcodec.Header{}, nil, parseErr
			}
			if complete {
				return header, rest, nil
			}
		}
		if err != nil {
			if closedErr := ingress.Closed(); closedErr != nil {
				return addrcodec.Header{}, nil, closedErr
			}
			return addrcodec.Header{}, nil, err
		}
	}
}

// tryParseHeader reports whether acc already contains a complete address
// header, and if so decodes it and returns the bytes (if any) past its end.
// A false "complete" with a nil error means more bytes are needed.
func tryParseHeader(acc []byte) (header addrcodec.Header, rest []byte, complete bool, err error) {
	if len(acc) < 1 {
		return addrcodec.Header{}, nil, false, nil
	}

	var need int
	switch acc[0] {
	case addrcodec.TypeIPv4:
		need = 1 + 4 + 2
	case addrcodec.TypeDomain:
		if len(acc) < 2 {
			return addrcodec.Header{}, nil, false, nil
		}
		need = 1 + 1 + int(acc[1]) + 2
	default:
		return addrcodec.Header{}, nil, false, addrcodec.ErrBadAddress
	}

	if len(acc) < need {
		return addrcodec.Header{}, nil, false, nil
	}

	header, err = addrcodec.Decode(bytes.NewReader(acc[:need]))
	if err != nil {
		return addrcodec.Header{}, nil, false, err
	}
	return header, acc[need:], true, nil
}

// setReuseAddr mirrors tunnelclient's listener hardening.
func setReuseAddr(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			sockErr = err
			return
		}
		unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
