// Package httpproxy implements the secondary HTTP/HTTPS forward proxy: a
// plain (uncrypted) CONNECT and absolute-form request splicer that sits
// alongside the encrypted tunnel but never uses it.
package httpproxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/jumptiger/jumptiger/internal/accounting"
	"github.com/jumptiger/jumptiger/internal/logging"
	"github.com/jumptiger/jumptiger/internal/metrics"
	"github.com/jumptiger/jumptiger/internal/recovery"
	"github.com/jumptiger/jumptiger/internal/relay"
)

// connectEstablished is sent back to the client once the origin connection
// for a CONNECT request is open.
const connectEstablished = "HTTP/1.1 200 Connection established\r\n\r\n"

// Config parameterizes one proxy listener.
type Config struct {
	ListenAddr     string // e.g. "127.0.0.1:8087"
	Timeout        time.Duration
	MaxConnections int
	AcceptsPerSec  float64

	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Accounting *accounting.Sink
}

// Listener accepts plain HTTP/HTTPS proxy connections.
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
		return fmt.Errorf("httpproxy: listen %s: %w", l.cfg.ListenAddr, err)
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
	defer recovery.RecoverWithLog(l.cfg.Logger, "httpproxy.acceptLoop")

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

		id := fmt.Sprintf("p-%d", l.nextID.Add(1))
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer recovery.RecoverWithLog(l.cfg.Logger, "httpproxy.handle")
			l.handle(id, conn)
		}()
	}
}

// handle reads one HTTP request line off the client, dials the named
// origin, and splices bytes verbatim in both directions. No crypto, no
// address header — this is a plain forward proxy.
func (l *Listener) handle(id string, clientConn net.Conn) {
	defer clientConn.Close()
	log := l.cfg.Logger.With(logging.KeyTunnelID, id, logging.KeyComponent, "httpproxy")

	reader := bufio.NewReader(clientConn)
	req, err := http.ReadRequest(reader)
	if err != nil {
		log.Debug("bad request", logging.KeyError, err.Error())
		return
	}

	if l.cfg.Accounting != nil {
		l.cfg.Accounting.Add(id, req.Host, 0)
		defer l.cfg.Accounting.Close(id)
	}
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.TunnelsOpened.Inc()
		l.cfg.Metrics.TunnelsActive.Inc()
		defer l.cfg.Metrics.TunnelsActive.Dec()
		defer l.cfg.Metrics.TunnelsClosed.Inc()
	}

	if req.Method == http.MethodConnect {
		l.handleConnect(log, clientConn, req)
		return
	}
	l.handlePlain(log, clientConn, reader, req)
}

// handleConnect opens a tunnel-free TCP connection to the CONNECT target,
// replies 200, and splices bytes until either side closes.
func (l *Listener) handleConnect(log *slog.Logger, clientConn net.Conn, req *http.Request) {
	host, port, err := splitHostPortDefault(req.Host, 443)
	if err != nil {
		log.Warn("bad CONNECT target", logging.KeyAddress, req.Host, logging.KeyError, err.Error())
		return
	}

	origin, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), 10*time.Second)
	if err != nil {
		log.Warn("dial origin failed", logging.KeyAddress, req.Host, logging.KeyError, err.Error())
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.DialFailures.Inc()
		}
		clientConn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return
	}
	defer origin.Close()

	if _, err := clientConn.Write([]byte(connectEstablished)); err != nil {
		return
	}

	l.splice(log, clientConn, origin)
}

// handlePlain forwards an absolute-form request (GET/POST/… with a full URL
// in the request line) to its origin, then splices the response. The request
// head is re-serialized by reconstructRequestLine; the raw bytes the client
// sent are not forwarded as such.
func (l *Listener) handlePlain(log *slog.Logger, clientConn net.Conn, reader *bufio.Reader, req *http.Request) {
	target := req.URL
	if !target.IsAbs() {
		clientConn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
		return
	}

	host, port, err := splitHostPortDefault(target.Host, 80)
	if err != nil {
		log.Warn("bad request target", logging.KeyAddress, target.Host, logging.KeyError, err.Error())
		return
	}

	origin, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), 10*time.Second)
	if err != nil {
		log.Warn("dial origin failed", logging.KeyAddress, target.Host, logging.KeyError, err.Error())
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.DialFailures.Inc()
		}
		clientConn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return
	}
	defer origin.Close()

	raw, err := reconstructRequestLine(req)
	if err != nil {
		return
	}
	if _, err := origin.Write(raw); err != nil {
		return
	}
	// Any request body / pipelined bytes already buffered by reader but not
	// yet consumed as the request line/headers must still reach the origin.
	if reader.Buffered() > 0 {
		buffered := make([]byte, reader.Buffered())
		reader.Read(buffered)
		origin.Write(buffered)
	}

	l.splice(log, clientConn, origin)
}

// splice relays bytes verbatim in both directions with the configured idle
// timeout, adding each write to the byte metrics. The accounting record's
// byte counters are not updated.
func (l *Listener) splice(log *slog.Logger, clientConn, originConn net.Conn) {
	clientLeg := relay.WithIdleTimeout(clientConn, l.cfg.Timeout)
	originLeg := relay.WithIdleTimeout(originConn, l.cfg.Timeout)

	identity := func(p []byte) ([]byte, error) { return p, nil }

	err := relay.Duplex(clientLeg, originLeg, identity, identity,
		func(n int) {
			if l.cfg.Metrics != nil {
				l.cfg.Metrics.BytesOut.Add(float64(n))
			}
		},
		func(n int) {
			if l.cfg.Metrics != nil {
				l.cfg.Metrics.BytesIn.Add(float64(n))
			}
		},
		relay.DefaultBufferSize)

	if err != nil {
		log.Debug("splice ended", logging.KeyError, err.Error())
	}
}

// reconstructRequestLine re-serializes req with a relative request-target
// (as the origin expects) instead of the absolute-form URL the proxy client
// sent, keeping method, headers (minus Proxy-Connection), and body framing
// intact.
func reconstructRequestLine(req *http.Request) ([]byte, error) {
	var buf bytes.Buffer
	target := req.URL.RequestURI()
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", req.Method, target)
	req.Header.WriteSubset(&buf, map[string]bool{"Proxy-Connection": true})
	// http.ReadRequest moves Transfer-Encoding out of req.Header; write it
	// back so a chunked body stays framed for the origin.
	if len(req.TransferEncoding) > 0 {
		fmt.Fprintf(&buf, "Transfer-Encoding: %s\r\n", strings.Join(req.TransferEncoding, ", "))
	}
	fmt.Fprintf(&buf, "Host: %s\r\n\r\n", req.Host)
	return buf.Bytes(), nil
}

// splitHostPortDefault splits "host:port" or bare "host", defaulting port
// when absent.
func splitHostPortDefault(hostport string, defaultPort int) (host, port string, err error) {
	if !strings.Contains(hostport, ":") {
		return hostport, strconv.Itoa(defaultPort), nil
	}
	h, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", "", err
	}
	if p == "" {
		p = strconv.Itoa(defaultPort)
	}
	return h, p, nil
}

// setReuseAddr mirrors the tunnel listeners' socket hardening.
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
