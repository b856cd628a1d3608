package mux

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/postalsys/tunnel-broker/internal/protocol"
	"github.com/postalsys/tunnel-broker/internal/registry"
	"github.com/postalsys/tunnel-broker/internal/routing"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingSession captures frames sent to the agent.
type recordingSession struct {
	frames chan *protocol.Frame
	done   chan struct{}

	mu   sync.Mutex
	fail bool
}

func newRecordingSession() *recordingSession {
	return &recordingSession{
		frames: make(chan *protocol.Frame, 1024),
		done:   make(chan struct{}),
	}
}

func (r *recordingSession) Send(f *protocol.Frame) error {
	r.mu.Lock()
	fail := r.fail
	r.mu.Unlock()
	if fail {
		return errors.New("broken pipe")
	}
	r.frames <- f
	return nil
}

func (r *recordingSession) Close() error { return nil }

func (r *recordingSession) Done() <-chan struct{} { return r.done }

func (r *recordingSession) setFail(v bool) {
	r.mu.Lock()
	r.fail = v
	r.mu.Unlock()
}

func (r *recordingSession) next(t *testing.T) *protocol.Frame {
	t.Helper()
	select {
	case f := <-r.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func (r *recordingSession) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case f := <-r.frames:
		t.Fatalf("unexpected frame %v", f)
	case <-time.After(d):
	}
}

type fixture struct {
	mux     *Multiplexer
	tracker *routing.Tracker
	reg     *registry.Registry
	agent   *registry.Agent
	sess    *recordingSession
}

func newFixture(t *testing.T, maxConns, maxSubstreams int) *fixture {
	t.Helper()
	tracker := routing.NewTracker(routing.TrackerConfig{})
	m := New(Config{Admission: tracker, MaxSubstreams: maxSubstreams, PushTimeout: time.Second})
	reg := registry.New(registry.Config{
		OnRemove: func(a *registry.Agent, _ registry.RemoveReason) {
			m.CloseAgent(a)
			tracker.Remove(a.ID)
		},
	})

	sess := newRecordingSession()
	agent, err := reg.Register("A1", sess, registry.Options{})
	if err != nil {
		t.Fatal(err)
	}
	tracker.Add(agent.ID, 1, maxConns)
	t.Cleanup(m.CloseAll)
	return &fixture{mux: m, tracker: tracker, reg: reg, agent: agent, sess: sess}
}

func (f *fixture) connections(t *testing.T) int {
	t.Helper()
	st, ok := f.tracker.State(f.agent.ID)
	if !ok {
		return 0
	}
	return st.Connections
}

func TestOpen_RelaysClientBytesInOrder(t *testing.T) {
	f := newFixture(t, 10, 0)
	client, server := net.Pipe()
	defer client.Close()

	s, err := f.mux.Open(context.Background(), f.agent, "example.com", 443, server, OpenOptions{Listener: "http"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if f.connections(t) != 1 {
		t.Errorf("connections = %d, want 1", f.connections(t))
	}

	open := f.sess.next(t)
	if open.Type != protocol.FrameOpenRequest || open.SubstreamID != s.ID {
		t.Fatalf("first frame = %v", open)
	}
	if host, port, _ := open.Target(); host != "example.com" || port != 443 {
		t.Errorf("target = %s:%d", host, port)
	}

	s.Start()
	for _, chunk := range []string{"hello ", "tunnel ", "world"} {
		if _, err := client.Write([]byte(chunk)); err != nil {
			t.Fatal(err)
		}
		d := f.sess.next(t)
		if d.Type != protocol.FrameData || d.SubstreamID != s.ID || string(d.Payload) != chunk {
			t.Fatalf("frame = %v payload %q, want Data %q", d, d.Payload, chunk)
		}
	}

	client.Close()
	end := f.sess.next(t)
	if end.Type != protocol.FrameEnd || end.SubstreamID != s.ID {
		t.Fatalf("frame after close = %v, want End", end)
	}
	s.Wait()
	f.sess.expectNone(t, 50*time.Millisecond)

	if f.mux.Len() != 0 {
		t.Errorf("Len() = %d after close", f.mux.Len())
	}
	if f.connections(t) != 0 {
		t.Errorf("connections = %d after close", f.connections(t))
	}
	if total, ok := f.mux.Close(s.ID); ok || total != 0 {
		t.Errorf("Close() of closed substream = %d, %v", total, ok)
	}
}

func TestOpen_InitialBytesFollowOpenRequest(t *testing.T) {
	f := newFixture(t, 10, 0)
	client, server := net.Pipe()
	defer client.Close()

	initial := []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	s, err := f.mux.Open(context.Background(), f.agent, "example.com", 80, server, OpenOptions{Initial: initial, PlainHTTP: true})
	if err != nil {
		t.Fatal(err)
	}
	if got := f.sess.next(t); got.Type != protocol.FrameOpenRequest {
		t.Fatalf("first frame = %v", got)
	}
	d := f.sess.next(t)
	if d.Type != protocol.FrameData || string(d.Payload) != string(initial) || d.SubstreamID != s.ID {
		t.Fatalf("second frame = %v", d)
	}
	if s.BytesTransferred() != int64(len(initial)) {
		t.Errorf("BytesTransferred() = %d", s.BytesTransferred())
	}
	f.mux.Close(s.ID)
}

func TestDispatch_AgentDataThenEnd(t *testing.T) {
	f := newFixture(t, 10, 0)
	client, server := net.Pipe()
	defer client.Close()

	s, err := f.mux.Open(context.Background(), f.agent, "example.com", 443, server, OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	f.sess.next(t)

	// Frames may arrive before the listener starts the pumps.
	f.mux.Dispatch(f.agent, protocol.NewData(s.ID, []byte("response-1;")))
	f.mux.Dispatch(f.agent, protocol.NewData(s.ID, []byte("response-2")))
	f.mux.Dispatch(f.agent, protocol.NewEnd(s.ID))
	s.Start()

	got, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(got) != "response-1;response-2" {
		t.Errorf("client read %q", got)
	}

	s.Wait()
	f.sess.expectNone(t, 50*time.Millisecond)

	st, _ := f.tracker.State(f.agent.ID)
	if st.Successes != 1 || st.Connections != 0 {
		t.Errorf("state after agent End = %+v", st)
	}
}

func TestDispatch_IgnoresForeignAgent(t *testing.T) {
	f := newFixture(t, 10, 0)
	client, server := net.Pipe()
	defer client.Close()

	s, err := f.mux.Open(context.Background(), f.agent, "example.com", 443, server, OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}

	other, err := f.reg.Register("A2", newRecordingSession(), registry.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !f.mux.Dispatch(other, protocol.NewEnd(s.ID)) {
		t.Error("Dispatch should claim End frames")
	}
	if f.mux.Len() != 1 {
		t.Error("End from another agent closed the substream")
	}
	if f.mux.Dispatch(other, &protocol.Frame{Type: protocol.FramePing}) {
		t.Error("Dispatch claimed a Ping")
	}
	if f.mux.Dispatch(other, protocol.NewErr("", "session level")) {
		t.Error("Dispatch claimed a session level Err")
	}
	f.mux.Close(s.ID)
}

func TestOpen_AdmissionDenied(t *testing.T) {
	f := newFixture(t, 1, 0)
	c1, s1 := net.Pipe()
	defer c1.Close()
	c2, s2 := net.Pipe()
	defer c2.Close()
	defer s2.Close()

	first, err := f.mux.Open(context.Background(), f.agent, "a", 1, s1, OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.mux.Open(context.Background(), f.agent, "b", 2, s2, OpenOptions{}); !errors.Is(err, routing.ErrAdmissionDenied) {
		t.Fatalf("Open() at cap error = %v, want ErrAdmissionDenied", err)
	}
	if f.connections(t) != 1 || f.mux.Len() != 1 {
		t.Errorf("connections = %d, Len = %d after denied open", f.connections(t), f.mux.Len())
	}
	f.mux.Close(first.ID)
}

func TestOpen_BrokerWideCap(t *testing.T) {
	f := newFixture(t, 10, 1)
	c1, s1 := net.Pipe()
	defer c1.Close()
	c2, s2 := net.Pipe()
	defer c2.Close()
	defer s2.Close()

	first, err := f.mux.Open(context.Background(), f.agent, "a", 1, s1, OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.mux.Open(context.Background(), f.agent, "b", 2, s2, OpenOptions{}); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Open() error = %v, want ErrCapacityExceeded", err)
	}
	if f.connections(t) != 1 {
		t.Errorf("slot leaked: connections = %d", f.connections(t))
	}
	f.mux.Close(first.ID)
}

func TestOpen_SendFailure(t *testing.T) {
	f := newFixture(t, 10, 0)
	f.sess.setFail(true)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	if _, err := f.mux.Open(context.Background(), f.agent, "a", 1, server, OpenOptions{}); !errors.Is(err, ErrSendFailed) {
		t.Fatalf("Open() error = %v, want ErrSendFailed", err)
	}
	if f.connections(t) != 0 || f.mux.Len() != 0 {
		t.Errorf("failed open left state behind")
	}
	st, _ := f.tracker.State(f.agent.ID)
	if st.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d", st.ConsecutiveFailures)
	}
}

func TestDispatch_ErrAnswersPlainHTTPWith502(t *testing.T) {
	f := newFixture(t, 10, 0)
	client, server := net.Pipe()
	defer client.Close()

	s, err := f.mux.Open(context.Background(), f.agent, "example.com", 80, server, OpenOptions{PlainHTTP: true})
	if err != nil {
		t.Fatal(err)
	}
	s.Start()

	status := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(client).ReadString('\n')
		status <- line
	}()

	f.mux.Dispatch(f.agent, protocol.NewErr(s.ID, "connection refused"))

	select {
	case line := <-status:
		if !strings.HasPrefix(line, "HTTP/1.1 502") {
			t.Errorf("status line = %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no 502 response")
	}
	s.Wait()

	st, _ := f.tracker.State(f.agent.ID)
	if st.ConsecutiveFailures != 1 || st.Connections != 0 {
		t.Errorf("state after Err = %+v", st)
	}
	// The agent already dropped its side; no End goes back.
	for len(f.sess.frames) > 0 {
		if fr := <-f.sess.frames; fr.Type == protocol.FrameEnd {
			t.Errorf("End sent after agent Err")
		}
	}
}

func TestCloseAgent_TearsDownSubstreams(t *testing.T) {
	f := newFixture(t, 10, 0)

	type pair struct {
		client net.Conn
		sub    *Substream
	}
	var pairs []pair
	for i := 0; i < 3; i++ {
		client, server := net.Pipe()
		defer client.Close()
		s, err := f.mux.Open(context.Background(), f.agent, "example.com", 443, server, OpenOptions{})
		if err != nil {
			t.Fatal(err)
		}
		s.Start()
		pairs = append(pairs, pair{client, s})
	}

	// A reconnect under the same id evicts the agent and its substreams.
	if _, err := f.reg.Register("A1", newRecordingSession(), registry.Options{}); err != nil {
		t.Fatal(err)
	}

	for i, p := range pairs {
		select {
		case <-p.sub.Done():
		case <-time.After(time.Second):
			t.Fatalf("substream %d not torn down", i)
		}
		p.sub.Wait()
		p.client.SetReadDeadline(time.Now().Add(time.Second))
		if _, err := p.client.Read(make([]byte, 1)); err == nil {
			t.Errorf("client %d still readable", i)
		}
	}
	if f.mux.Len() != 0 {
		t.Errorf("Len() = %d", f.mux.Len())
	}
}

func TestOpen_AfterAgentRemoved(t *testing.T) {
	f := newFixture(t, 10, 0)
	f.reg.UnregisterAgent(f.agent)
	f.tracker.Add(f.agent.ID, 1, 10)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	if _, err := f.mux.Open(context.Background(), f.agent, "a", 1, server, OpenOptions{}); !errors.Is(err, ErrAgentGone) {
		t.Fatalf("Open() error = %v, want ErrAgentGone", err)
	}
	if f.connections(t) != 0 {
		t.Errorf("connections = %d", f.connections(t))
	}
}

func TestClose_AfterRecordResetKeepsNewCount(t *testing.T) {
	f := newFixture(t, 10, 0)
	client, server := net.Pipe()
	defer client.Close()

	s, err := f.mux.Open(context.Background(), f.agent, "example.com", 80, server, OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}

	// The routing record is replaced under the live substream, as when the
	// agent re-registers, and a new substream fills it.
	f.tracker.Add(f.agent.ID, 1, 1)
	if _, err := f.tracker.Acquire(f.agent.ID); err != nil {
		t.Fatal(err)
	}

	if _, ok := f.mux.Close(s.ID); !ok {
		t.Fatal("Close() reported unknown substream")
	}
	if got := f.connections(t); got != 1 {
		t.Errorf("connections = %d after stale release, want 1", got)
	}
	if _, err := f.tracker.Acquire(f.agent.ID); !errors.Is(err, routing.ErrAdmissionDenied) {
		t.Errorf("Acquire over cap error = %v, want ErrAdmissionDenied", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	f := newFixture(t, 10, 0)
	client, server := net.Pipe()
	defer client.Close()

	s, err := f.mux.Open(context.Background(), f.agent, "example.com", 80, server, OpenOptions{Initial: []byte("12345")})
	if err != nil {
		t.Fatal(err)
	}
	f.sess.next(t)
	f.sess.next(t)

	total, ok := f.mux.Close(s.ID)
	if !ok || total != 5 {
		t.Errorf("Close() = %d, %v, want 5, true", total, ok)
	}
	if end := f.sess.next(t); end.Type != protocol.FrameEnd {
		t.Errorf("Close sent %v, want End", end)
	}
	if _, ok := f.mux.Close(s.ID); ok {
		t.Error("second Close() reported open")
	}
	f.sess.expectNone(t, 50*time.Millisecond)
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t, 10, 0)
	client, server := net.Pipe()
	defer client.Close()

	s, err := f.mux.Open(context.Background(), f.agent, "example.com", 443, server, OpenOptions{Listener: "socks5"})
	if err != nil {
		t.Fatal(err)
	}
	snap := f.mux.Snapshot()
	if len(snap) != 1 || snap[0].ID != s.ID || snap[0].Target != "example.com:443" || snap[0].Listener != "socks5" {
		t.Errorf("Snapshot() = %+v", snap)
	}
	if f.mux.CountForAgent(f.agent) != 1 {
		t.Errorf("CountForAgent() = %d", f.mux.CountForAgent(f.agent))
	}
	f.mux.Close(s.ID)
}
