package relay

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func identity(b []byte) ([]byte, error) {
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// pipeConn adapts net.Pipe's net.Conn (which has no CloseWrite) so relay's
// half-close path is exercised the same way a *net.TCPConn would be.
type pipeConn struct {
	net.Conn
	closedWrite bool
}

func (p *pipeConn) CloseWrite() error {
	p.closedWrite = true
	return nil
}

func TestDuplex_EchoBothDirections(t *testing.T) {
	aServer, aClient := net.Pipe()
	bServer, bClient := net.Pipe()

	// "origin" echoes whatever it reads on bServer back out, simulating a
	// TCP echo server sitting behind leg B.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := bServer.Read(buf)
			if n > 0 {
				bServer.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	var gotA, gotB int
	done := make(chan error, 1)
	go func() {
		done <- Duplex(&pipeConn{Conn: aServer}, &pipeConn{Conn: bClient},
			identity, identity,
			func(n int) { gotA += n }, func(n int) { gotB += n }, 0)
	}()

	if _, err := aClient.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply := make([]byte, 5)
	aClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(aClient, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if !bytes.Equal(reply, []byte("hello")) {
		t.Fatalf("reply = %q, want %q", reply, "hello")
	}

	aClient.Close()
	bServer.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Duplex returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Duplex did not return after both legs closed")
	}

	if gotA == 0 || gotB == 0 {
		t.Fatalf("expected byte counts on both legs, got A=%d B=%d", gotA, gotB)
	}
}

func TestDuplex_TransformErrorAborts(t *testing.T) {
	aServer, aClient := net.Pipe()
	bServer, bClient := net.Pipe()
	defer bServer.Close()

	boom := func([]byte) ([]byte, error) { return nil, io.ErrUnexpectedEOF }

	done := make(chan error, 1)
	go func() {
		done <- Duplex(&pipeConn{Conn: aServer}, &pipeConn{Conn: bClient}, boom, identity, nil, nil, 0)
	}()

	aClient.Write([]byte("x"))

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected transform error to abort Duplex")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Duplex did not return after transform error")
	}
}

// oneByteWriter accepts at most one byte per Write call, so every write of a
// longer buffer comes back partial.
type oneByteWriter struct {
	buf   bytes.Buffer
	calls int
}

func (w *oneByteWriter) Write(p []byte) (int, error) {
	w.calls++
	if len(p) > 1 {
		p = p[:1]
	}
	return w.buf.Write(p)
}

func Test_writeAll_RetriesPartialWrites(t *testing.T) {
	w := &oneByteWriter{}

	data := bytes.Repeat([]byte("z"), 1000)
	if err := writeAll(w, data); err != nil {
		t.Fatalf("writeAll: %v", err)
	}
	if !bytes.Equal(w.buf.Bytes(), data) {
		t.Fatalf("wrote %d bytes, want %d", w.buf.Len(), len(data))
	}
	if w.calls != len(data) {
		t.Fatalf("Write called %d times, want %d", w.calls, len(data))
	}
}

func TestWithIdleTimeout_ExpiresOnSilence(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	wrapped := WithIdleTimeout(server, 20*time.Millisecond)
	buf := make([]byte, 8)
	_, err := wrapped.Read(buf)
	if err == nil {
		t.Fatal("expected read to time out on a silent peer")
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("err = %v, want a net.Error timeout", err)
	}
}

func TestWithIdleTimeout_ZeroIsNoop(t *testing.T) {
	server, _ := net.Pipe()
	defer server.Close()

	if WithIdleTimeout(server, 0) != server {
		t.Fatal("expected WithIdleTimeout with a non-positive timeout to return the conn unwrapped")
	}
}

func TestWithIdleTimeout_PreservesCloseWrite(t *testing.T) {
	aServer, aClient := net.Pipe()
	defer aClient.Close()

	wrapped := WithIdleTimeout(&pipeConn{Conn: aServer}, time.Second)
	hc, ok := wrapped.(halfCloser)
	if !ok {
		t.Fatal("expected WithIdleTimeout to preserve the wrapped conn's CloseWrite")
	}
	if err := hc.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %v", err)
	}
}
