package broker

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"
	"golang.org/x/crypto/bcrypt"

	"github.com/postalsys/tunnel-broker/internal/liveness"
	"github.com/postalsys/tunnel-broker/internal/metrics"
	"github.com/postalsys/tunnel-broker/internal/protocol"
	"github.com/postalsys/tunnel-broker/internal/routing"
	"github.com/postalsys/tunnel-broker/internal/session"
	"github.com/postalsys/tunnel-broker/internal/transport"
)

const testToken = "s3cret"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestBroker(t *testing.T, mutate func(*Config)) (*Broker, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	cfg := Config{
		AgentAddress:  "127.0.0.1:0",
		HTTPAddress:   "127.0.0.1:0",
		SOCKS5Address: "127.0.0.1:0",
		Token:         testToken,
		AuthTimeout:   2 * time.Second,
		Metrics:       m,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { b.Stop() })
	return b, m
}

// fakeAgent speaks the agent side of the protocol over a real connection.
type fakeAgent struct {
	sess   *session.Session
	frames chan *protocol.Frame
	done   chan struct{}
}

// dialAgent connects and authenticates. It returns the broker's reply to
// Auth; the agent keeps reading only when that reply is Ok.
func dialAgent(t *testing.T, b *Broker, id, token string, answerPings bool) (*fakeAgent, *protocol.Frame) {
	t.Helper()
	conn, err := net.Dial("tcp", b.AgentAddr().String())
	if err != nil {
		t.Fatalf("dial agent listener: %v", err)
	}
	a := &fakeAgent{
		sess:   session.New(conn, session.Config{WriteTimeout: 2 * time.Second}),
		frames: make(chan *protocol.Frame, 256),
		done:   make(chan struct{}),
	}
	t.Cleanup(func() {
		a.sess.Close()
		<-a.done
	})

	if err := a.sess.Send(protocol.NewAuth(token, id, 1, 10)); err != nil {
		t.Fatalf("send auth: %v", err)
	}
	reply, err := a.sess.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("await auth reply: %v", err)
	}

	go func() {
		defer close(a.done)
		defer close(a.frames)
		if reply.Type != protocol.FrameOk {
			return
		}
		for {
			f, err := a.sess.Receive(0)
			if err != nil {
				return
			}
			if f.Type == protocol.FramePing {
				if answerPings {
					a.sess.Send(&protocol.Frame{Type: protocol.FramePong})
				}
				continue
			}
			a.frames <- f
		}
	}()
	return a, reply
}

func (a *fakeAgent) next(t *testing.T) *protocol.Frame {
	t.Helper()
	select {
	case f, ok := <-a.frames:
		if !ok {
			t.Fatal("agent session closed")
		}
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func (a *fakeAgent) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-a.done:
	case <-time.After(3 * time.Second):
		t.Fatal("agent session still open")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("New without token: err = %v, want ErrNoCredentials", err)
	}
	if _, err := New(Config{TokenHash: "not-a-hash"}); err == nil {
		t.Error("New with invalid token hash succeeded")
	}
	if _, err := New(Config{Token: "x", Strategy: "fastest"}); !errors.Is(err, routing.ErrUnknownStrategy) {
		t.Errorf("New with bad strategy: err = %v", err)
	}

	b, err := New(Config{Token: "x"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b.cfg.AgentTransport != transport.KindTCP {
		t.Errorf("AgentTransport = %q, want tcp", b.cfg.AgentTransport)
	}
	b.Stop()
}

func TestAgentRegisters(t *testing.T) {
	b, m := newTestBroker(t, nil)

	_, reply := dialAgent(t, b, "edge-1", testToken, true)
	if reply.Type != protocol.FrameOk {
		t.Fatalf("reply = %v, want Ok", reply)
	}
	if msg := reply.Attr(protocol.AttrMsg); msg != "welcome edge-1" {
		t.Errorf("msg = %q", msg)
	}

	waitFor(t, "registration", func() bool { return len(b.Agents()) == 1 })
	st := b.Agents()[0]
	if st.ID != "edge-1" || st.Route.MaxConnections != 10 {
		t.Errorf("agent = %+v", st)
	}
	if got := testutil.ToFloat64(m.AgentsConnected); got != 1 {
		t.Errorf("agents connected = %v, want 1", got)
	}
}

func TestBadTokenRejected(t *testing.T) {
	b, m := newTestBroker(t, nil)

	a, reply := dialAgent(t, b, "edge-1", "wrong", true)
	if reply.Type != protocol.FrameErr || reply.Attr(protocol.AttrReason) != reasonInvalidToken {
		t.Fatalf("reply = %v, want Err invalid token", reply)
	}
	if _, err := a.sess.Receive(2 * time.Second); err == nil {
		t.Error("session still open after auth failure")
	}
	waitFor(t, "auth failure metric", func() bool { return testutil.ToFloat64(m.AuthFailures) == 1 })
	if n := len(b.Agents()); n != 0 {
		t.Errorf("agents = %d, want 0", n)
	}
}

func TestFirstFrameMustBeAuth(t *testing.T) {
	b, _ := newTestBroker(t, nil)

	conn, err := net.Dial("tcp", b.AgentAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	sess := session.New(conn, session.Config{})
	defer sess.Close()

	sess.Send(&protocol.Frame{Type: protocol.FramePing})
	reply, err := sess.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if reply.Type != protocol.FrameErr || reply.Attr(protocol.AttrReason) != reasonExpectedAuth {
		t.Errorf("reply = %v, want Err expected AUTH", reply)
	}
}

func TestTokenHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := newTestBroker(t, func(c *Config) {
		c.Token = ""
		c.TokenHash = string(hash)
	})

	if _, reply := dialAgent(t, b, "edge-1", "hashed-secret", true); reply.Type != protocol.FrameOk {
		t.Errorf("correct token: reply = %v", reply)
	}
	if _, reply := dialAgent(t, b, "edge-2", testToken, true); reply.Type != protocol.FrameErr {
		t.Errorf("wrong token: reply = %v", reply)
	}
}

func TestConnectEndToEnd(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	agent, _ := dialAgent(t, b, "A1", testToken, true)
	waitFor(t, "registration", func() bool { return len(b.Agents()) == 1 })

	client, err := net.Dial("tcp", b.HTTPAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	client.SetDeadline(time.Now().Add(5 * time.Second))

	io.WriteString(client, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")
	status := make([]byte, len("HTTP/1.1 200 Connection Established\r\n\r\n"))
	if _, err := io.ReadFull(client, status); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if string(status) != "HTTP/1.1 200 Connection Established\r\n\r\n" {
		t.Fatalf("status = %q", status)
	}

	open := agent.next(t)
	if open.Type != protocol.FrameOpenRequest {
		t.Fatalf("frame = %v, want OpenRequest", open)
	}
	if host, port, _ := open.Target(); host != "example.com" || port != 443 {
		t.Errorf("target = %s:%d", host, port)
	}

	io.WriteString(client, "hello")
	var got strings.Builder
	for got.Len() < len("hello") {
		f := agent.next(t)
		if f.Type != protocol.FrameData || f.SubstreamID != open.SubstreamID {
			t.Fatalf("frame = %v, want Data", f)
		}
		got.Write(f.Payload)
	}
	if got.String() != "hello" {
		t.Errorf("relayed = %q", got.String())
	}

	agent.sess.Send(protocol.NewData(open.SubstreamID, []byte("world")))
	back := make([]byte, 5)
	if _, err := io.ReadFull(client, back); err != nil || string(back) != "world" {
		t.Fatalf("client read %q, %v", back, err)
	}

	client.Close()
	end := agent.next(t)
	if end.Type != protocol.FrameEnd || end.SubstreamID != open.SubstreamID {
		t.Fatalf("frame = %v, want End", end)
	}
	select {
	case f, ok := <-agent.frames:
		if ok {
			t.Errorf("unexpected frame after End: %v", f)
		}
	case <-time.After(200 * time.Millisecond):
	}
	waitFor(t, "substream teardown", func() bool { return len(b.Connections()) == 0 })
}

func TestSOCKS5EndToEnd(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	agent, _ := dialAgent(t, b, "A1", testToken, true)
	waitFor(t, "registration", func() bool { return len(b.Agents()) == 1 })

	client, err := net.Dial("tcp", b.SOCKS5Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	client.SetDeadline(time.Now().Add(5 * time.Second))

	client.Write([]byte{0x05, 0x01, 0x00})
	method := make([]byte, 2)
	if _, err := io.ReadFull(client, method); err != nil {
		t.Fatal(err)
	}
	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len("example.org"))}
	req = append(req, "example.org"...)
	req = append(req, 0x00, 0x50)
	client.Write(req)

	reply := make([]byte, 10)
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatal(err)
	}
	if reply[1] != 0x00 {
		t.Fatalf("reply code = %#x", reply[1])
	}
	open := agent.next(t)
	if host, port, _ := open.Target(); host != "example.org" || port != 80 {
		t.Errorf("target = %s:%d", host, port)
	}
}

func TestNoAgentsReturns503(t *testing.T) {
	b, m := newTestBroker(t, nil)

	client, err := net.Dial("tcp", b.HTTPAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	client.SetDeadline(time.Now().Add(5 * time.Second))

	io.WriteString(client, "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	if n := len(b.Connections()); n != 0 {
		t.Errorf("substreams = %d, want 0", n)
	}
	if got := testutil.ToFloat64(m.Selections.WithLabelValues(string(routing.RoundRobin), "no_agent")); got != 1 {
		t.Errorf("failed selections = %v, want 1", got)
	}
}

func TestReconnectEvictsPriorSession(t *testing.T) {
	b, m := newTestBroker(t, nil)

	first, _ := dialAgent(t, b, "A1", testToken, true)
	waitFor(t, "first registration", func() bool { return len(b.Agents()) == 1 })

	dialAgent(t, b, "A1", testToken, true)
	first.waitClosed(t)

	waitFor(t, "eviction", func() bool { return testutil.ToFloat64(m.AgentEvictions) == 1 })
	if n := len(b.Agents()); n != 1 {
		t.Errorf("agents = %d, want 1", n)
	}
	if got := testutil.ToFloat64(m.AgentsConnected); got != 1 {
		t.Errorf("agents connected = %v, want 1", got)
	}
}

func TestReconnectTearsDownSubstreams(t *testing.T) {
	b, _ := newTestBroker(t, nil)

	first, _ := dialAgent(t, b, "A1", testToken, true)
	waitFor(t, "first registration", func() bool { return len(b.Agents()) == 1 })

	client, err := net.Dial("tcp", b.HTTPAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	client.SetDeadline(time.Now().Add(5 * time.Second))

	io.WriteString(client, "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n")
	if open := first.next(t); open.Type != protocol.FrameOpenRequest {
		t.Fatalf("frame = %v, want OpenRequest", open)
	}
	waitFor(t, "substream", func() bool { return len(b.Connections()) == 1 })
	if route := b.Agents()[0].Route; route.Connections != 1 {
		t.Fatalf("route connections = %d, want 1", route.Connections)
	}

	dialAgent(t, b, "A1", testToken, true)
	first.waitClosed(t)

	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}

	waitFor(t, "substream teardown", func() bool { return len(b.Connections()) == 0 })
	waitFor(t, "new session", func() bool { return len(b.Agents()) == 1 })
	agents := b.Agents()
	if agents[0].ID != "A1" || agents[0].Route.Connections != 0 {
		t.Errorf("agent = %s with %d connections, want A1 with 0", agents[0].ID, agents[0].Route.Connections)
	}
}

func TestAgentLimit(t *testing.T) {
	b, m := newTestBroker(t, func(c *Config) { c.MaxAgents = 1 })

	dialAgent(t, b, "A1", testToken, true)
	waitFor(t, "registration", func() bool { return len(b.Agents()) == 1 })

	second, reply := dialAgent(t, b, "A2", testToken, true)
	if reply.Type != protocol.FrameOk {
		t.Fatalf("reply = %v", reply)
	}
	f := second.next(t)
	if f.Type != protocol.FrameErr || f.Attr(protocol.AttrReason) != reasonAgentLimit {
		t.Errorf("frame = %v, want Err agent limit exceeded", f)
	}
	second.waitClosed(t)

	if got := testutil.ToFloat64(m.AgentRejections.WithLabelValues("limit")); got != 1 {
		t.Errorf("rejections = %v, want 1", got)
	}
	if agents := b.Agents(); len(agents) != 1 || agents[0].ID != "A1" {
		t.Errorf("agents = %+v", agents)
	}
}

func TestHeartbeatTimeoutRemovesAgent(t *testing.T) {
	b, m := newTestBroker(t, func(c *Config) {
		c.Heartbeat = liveness.Config{Interval: 20 * time.Millisecond, Timeout: 100 * time.Millisecond}
	})

	silent, _ := dialAgent(t, b, "quiet", testToken, false)
	silent.waitClosed(t)

	waitFor(t, "removal", func() bool { return len(b.Agents()) == 0 })
	if got := testutil.ToFloat64(m.HeartbeatTimeouts); got != 1 {
		t.Errorf("heartbeat timeouts = %v, want 1", got)
	}
}

func TestUnexpectedAuthEndsSession(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	a, _ := dialAgent(t, b, "A1", testToken, true)
	waitFor(t, "registration", func() bool { return len(b.Agents()) == 1 })

	a.sess.Send(protocol.NewAuth(testToken, "A1", 0, 0))
	f := a.next(t)
	if f.Type != protocol.FrameErr || f.Attr(protocol.AttrReason) != reasonUnexpectedAuth {
		t.Errorf("frame = %v, want Err unexpected AUTH", f)
	}
	a.waitClosed(t)
	waitFor(t, "removal", func() bool { return len(b.Agents()) == 0 })
}

func TestStrategyAndPin(t *testing.T) {
	b, _ := newTestBroker(t, nil)

	if err := b.SetStrategy("least_connections"); err != nil {
		t.Fatalf("SetStrategy: %v", err)
	}
	if err := b.SetStrategy("bogus"); !errors.Is(err, routing.ErrUnknownStrategy) {
		t.Errorf("SetStrategy(bogus) = %v", err)
	}

	b.SetPinned("  A7 ")
	snap := b.Snapshot()
	if snap.Strategy != routing.LeastConnections {
		t.Errorf("strategy = %s", snap.Strategy)
	}
	if snap.PinnedAgent != "A7" {
		t.Errorf("pinned = %q, want A7", snap.PinnedAgent)
	}
	if !snap.Running || snap.AgentAddress == "" || snap.HTTPAddress == "" || snap.SOCKS5Address == "" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Health.Level != routing.HealthLevelNoAgents {
		t.Errorf("health with no agents = %+v", snap.Health)
	}

	dialAgent(t, b, "A1", testToken, true)
	waitFor(t, "registration", func() bool { return len(b.Agents()) == 1 })
	if h := b.Snapshot().Health; h.Level != routing.HealthLevelExcellent || h.Total != 1 || h.Healthy != 1 {
		t.Errorf("health = %+v", h)
	}

	b.SetPinned("")
	if b.Snapshot().PinnedAgent != "" {
		t.Error("pin not cleared")
	}
}

func TestStopClosesAgents(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	a, _ := dialAgent(t, b, "A1", testToken, true)
	waitFor(t, "registration", func() bool { return len(b.Agents()) == 1 })

	if err := b.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	a.waitClosed(t)
	if b.IsRunning() {
		t.Error("broker still running")
	}
}
