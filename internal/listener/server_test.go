package listener

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/tunnel-broker/internal/metrics"
)

func waitCount(t *testing.T, s *Server, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.ConnectionCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("ConnectionCount = %d, want %d", s.ConnectionCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// blockingHandler holds each connection until the server stops.
func blockingHandler(ctx context.Context, conn net.Conn) {
	<-ctx.Done()
}

func TestServer_StartStop(t *testing.T) {
	s := New(Config{Name: "test", Address: "127.0.0.1:0"}, func(ctx context.Context, conn net.Conn) {
		io.WriteString(conn, "hi")
	})
	if s.Address() != nil {
		t.Error("Address before Start should be nil")
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.IsRunning() {
		t.Error("IsRunning = false")
	}

	conn, err := net.Dial("tcp", s.Address().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	buf, err := io.ReadAll(conn)
	if err != nil || string(buf) != "hi" {
		t.Errorf("read = %q, %v", buf, err)
	}

	if err := s.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if s.IsRunning() {
		t.Error("IsRunning = true after Stop")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestServer_ServeTwice(t *testing.T) {
	s := New(Config{Name: "test", Address: "127.0.0.1:0"}, blockingHandler)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	if err := s.Serve(ln); err == nil {
		t.Error("Serve on a running server should fail")
	}
}

func TestServer_MaxConnections(t *testing.T) {
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	s := New(Config{Name: "test", Address: "127.0.0.1:0", MaxConnections: 1, Metrics: m}, blockingHandler)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	first, err := net.Dial("tcp", s.Address().String())
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	waitCount(t, s, 1)

	second, err := net.Dial("tcp", s.Address().String())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = second.Read(make([]byte, 1))
	if err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("second connection read = %v, want closed", err)
	}

	if got := testutil.ToFloat64(m.ListenerRejections.WithLabelValues("test", "max_connections")); got != 1 {
		t.Errorf("rejections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ListenerConnections.WithLabelValues("test")); got != 1 {
		t.Errorf("connections = %v, want 1", got)
	}
}

func TestServer_StopClosesLiveConnections(t *testing.T) {
	s := New(Config{Name: "test", Address: "127.0.0.1:0"}, func(ctx context.Context, conn net.Conn) {
		// Ignores ctx; only closing the socket ends the read.
		io.Copy(io.Discard, conn)
	})
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	conn, err := net.Dial("tcp", s.Address().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitCount(t, s, 1)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a live connection")
	}
	if s.ConnectionCount() != 0 {
		t.Errorf("ConnectionCount = %d after Stop", s.ConnectionCount())
	}
}
