package monitor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/jumptiger/jumptiger/internal/accounting"
)

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	cfg.ListenAddr = "127.0.0.1:0"
	s := New(cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestStats_ReflectsAccountingSink(t *testing.T) {
	sink := accounting.New()
	sink.Add("t-1", "example.com", 443)
	sink.Update("t-1", 10, 20)

	s := startServer(t, Config{Accounting: sink})

	resp, err := http.Get("http://" + s.Addr() + "/api/stats")
	if err != nil {
		t.Fatalf("GET /api/stats: %v", err)
	}
	defer resp.Body.Close()

	var snap accounting.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Stats.TotalBytesIn != 10 || snap.Stats.TotalBytesOut != 20 {
		t.Fatalf("stats = %+v", snap.Stats)
	}
	if len(snap.Connections) != 1 || snap.Connections[0].Host != "example.com" {
		t.Fatalf("connections = %+v", snap.Connections)
	}
}

func TestReset_WithoutAuthGuardClearsTotals(t *testing.T) {
	sink := accounting.New()
	sink.Add("t-1", "example.com", 443)

	s := startServer(t, Config{Accounting: sink})

	resp, err := http.Get("http://" + s.Addr() + "/api/reset")
	if err != nil {
		t.Fatalf("GET /api/reset: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	snap := sink.Snapshot()
	if snap.Stats.TotalConnections != 0 || len(snap.Connections) != 0 {
		t.Fatalf("snapshot not cleared: %+v", snap)
	}
}

func TestReset_WithAuthGuardRejectsWrongPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword: %v", err)
	}

	sink := accounting.New()
	s := startServer(t, Config{Accounting: sink, AuthHash: string(hash)})

	req, _ := http.NewRequest(http.MethodGet, "http://"+s.Addr()+"/api/reset", nil)
	req.SetBasicAuth("admin", "wrong-password")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/reset: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestReset_WithAuthGuardAcceptsCorrectPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword: %v", err)
	}

	sink := accounting.New()
	sink.Add("t-1", "example.com", 443)
	s := startServer(t, Config{Accounting: sink, AuthHash: string(hash)})

	req, _ := http.NewRequest(http.MethodGet, "http://"+s.Addr()+"/api/reset", nil)
	req.SetBasicAuth("admin", "correct-horse")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/reset: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestStream_PushesSnapshotOnMutation(t *testing.T) {
	sink := accounting.New()
	s := startServer(t, Config{Accounting: sink})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+s.Addr()+"/api/stream", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var first accounting.Snapshot
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatalf("read initial snapshot: %v", err)
	}
	if first.Stats.TotalConnections != 0 {
		t.Fatalf("initial snapshot = %+v, want empty", first.Stats)
	}

	sink.Add("t-1", "example.com", 443)

	var second accounting.Snapshot
	if err := wsjson.Read(ctx, conn, &second); err != nil {
		t.Fatalf("read pushed snapshot: %v", err)
	}
	if second.Stats.TotalConnections != 1 {
		t.Fatalf("pushed snapshot = %+v, want 1 connection", second.Stats)
	}
}

func TestRoot_ServesPlaceholder(t *testing.T) {
	sink := accounting.New()
	s := startServer(t, Config{Accounting: sink})

	resp, err := http.Get("http://" + s.Addr() + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if len(body) == 0 {
		t.Fatal("expected non-empty placeholder body")
	}
}
