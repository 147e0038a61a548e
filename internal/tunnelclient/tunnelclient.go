// Package tunnelclient implements the client-side endpoint: a SOCKS5
// front-end that, for every accepted user connection, dials the configured
// tunnel server, frames the requested address as the first encrypted
// payload, and relays bytes for the lifetime of the connection.
package tunnelclient

import (
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
	"github.com/jumptiger/jumptiger/internal/socks5"
	"github.com/jumptiger/jumptiger/internal/tunnelerr"
)

// Config parameterizes one client listener.
type Config struct {
	ListenAddr     string // e.g. "0.0.0.0:1080"
	ServerAddr     string // tunnel server "host:port"
	Password       string
	Timeout        time.Duration // idle timeout; 0 disables it
	MaxConnections int           // 0 = unlimited, enforced via netutil.LimitListener
	AcceptsPerSec  float64       // 0 disables accept-rate limiting

	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Accounting *accounting.Sink
}

// Listener accepts SOCKS5 connections and relays each through an encrypted
// tunnel to a single configured server.
type Listener struct {
	cfg Config

	mu       sync.Mutex
	ln       net.Listener
	running  atomic.Bool
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

// Start binds the listen address with SO_REUSEADDR set and begins accepting
// in the background. It returns once the socket is bound.
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
	l.running.Store(true)

	l.wg.Add(1)
	go l.acceptLoop()
	return nil
}

// Stop closes the listener and waits for in-flight accept handling to
// observe the shutdown; it does not forcibly close tunnels already relaying.
func (l *Listener) Stop() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.running.Store(false)

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
	defer recovery.RecoverWithLog(l.cfg.Logger, "tunnelclient.acceptLoop")

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

		id := fmt.Sprintf("c-%d", l.nextID.Add(1))
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer recovery.RecoverWithLog(l.cfg.Logger, "tunnelclient.handle")
			l.handle(id, conn)
		}()
	}
}

// handle runs the full SOCKS5 dialogue, then opens the tunnel, frames the
// requested address, and relays. Failures here are logged and contain
// themselves to this connection; they never reach acceptLoop.
func (l *Listener) handle(id string, userConn net.Conn) {
	defer userConn.Close()
	log := l.cfg.Logger.With(logging.KeyTunnelID, id, logging.KeyComponent, "tunnelclient")

	if err := socks5.ReadGreeting(userConn); err != nil {
		log.Warn("bad greeting", logging.KeyError, err.Error())
		l.incBadClient()
		return
	}
	if err := socks5.WriteNoAuthMethod(userConn); err != nil {
		return
	}

	cmd, req, err := socks5.ReadRequest(userConn)
	if err != nil {
		log.Warn("bad request", logging.KeyError, err.Error())
		l.incBadClient()
		return
	}
	if cmd != socks5.CmdConnect {
		socks5.WriteFailure(userConn, socks5.ReplyCmdNotSupported)
		return
	}

	addrType, err := toAddrCodecType(req.AddrType)
	if err != nil {
		socks5.WriteFailure(userConn, socks5.ReplyAddrNotSupported)
		return
	}

	// The success reply goes out before the server has even been dialed, so
	// a downstream dial failure has no SOCKS error to ride back on.
	if err := socks5.WriteSuccess(userConn); err != nil {
		return
	}

	serverConn, err := net.DialTimeout("tcp", l.cfg.ServerAddr, 10*time.Second)
	if err != nil {
		log.Warn("dial server failed", logging.KeyError, err.Error())
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.DialFailures.Inc()
		}
		// The user already saw a SOCKS success reply; all that's left is to
		// close their socket.
		return
	}
	defer serverConn.Close()

	key := cipher.DeriveKey(l.cfg.Password)
	egress, err := cipher.NewEgress(key)
	if err != nil {
		log.Error("egress session failed", logging.KeyError, err.Error())
		return
	}
	ingress := cipher.NewIngress(key)

	header, err := addrcodec.Encode(addrcodec.Header{Type: addrType, Addr: req.Addr, Port: req.Port})
	if err != nil {
		log.Warn("address encode failed", logging.KeyError, err.Error())
		return
	}

	if l.cfg.Accounting != nil {
		l.cfg.Accounting.Add(id, req.Addr, int(req.Port))
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

	// The address header is the first plaintext of the user→server
	// direction; it goes out ahead of any relayed bytes.
	if _, err := serverConn.Write(egress.Encrypt(header)); err != nil {
		log.Warn("write address header failed", logging.KeyError, err.Error())
		return
	}

	userLeg := relay.WithIdleTimeout(userConn, l.cfg.Timeout)
	serverLeg := relay.WithIdleTimeout(serverConn, l.cfg.Timeout)

	userToServer := func(p []byte) ([]byte, error) { return egress.Encrypt(p), nil }
	serverToUser := func(p []byte) ([]byte, error) {
		out, err := ingress.Decrypt(p)
		if err != nil {
			return nil, err
		}
		return out, nil
	}

	err = relay.Duplex(userLeg, serverLeg, userToServer, serverToUser,
		func(n int) {
			if l.cfg.Accounting != nil {
				l.cfg.Accounting.Update(id, 0, int64(n))
			}
			if l.cfg.Metrics != nil {
				l.cfg.Metrics.BytesOut.Add(float64(n))
			}
		},
		func(n int) {
			if l.cfg.Accounting != nil {
				l.cfg.Accounting.Update(id, int64(n), 0)
			}
			if l.cfg.Metrics != nil {
				l.cfg.Metrics.BytesIn.Add(float64(n))
			}
		},
		relay.DefaultBufferSize)

	if err != nil {
		log.Debug("relay ended", logging.KeyError, err.Error())
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.TransportErrors.WithLabelValues("client").Inc()
		}
	}

	if err := ingress.Closed(); err != nil {
		log.Warn("ingress short header", logging.KeyError, err.Error())
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.ShortHeaderEvents.Inc()
		}
	}
}

func (l *Listener) incBadClient() {
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.BadClientRejects.Inc()
	}
}

// toAddrCodecType maps a SOCKS5 address type to the two the tunnel's wire
// address header actually supports (IPv4 and domain name). IPv6 CONNECT
// targets have no frame to carry them in, so they're reported as
// unsupported rather than silently truncated.
func toAddrCodecType(socksType byte) (byte, error) {
	switch socksType {
	case socks5.AddrTypeIPv4:
		return addrcodec.TypeIPv4, nil
	case socks5.AddrTypeDomain:
		return addrcodec.TypeDomain, nil
	default:
		return 0, addrcodec.ErrBadAddress
	}
}

// setReuseAddr is a net.ListenConfig.Control callback that sets SO_REUSEADDR
// and SO_REUSEPORT on the listening socket before bind, so a restarted
// listener can rebind immediately instead of waiting out TIME_WAIT.
func setReuseAddr(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			sockErr = err
			return
		}
		// Best-effort: SO_REUSEPORT isn't load-bearing for correctness here.
		unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
