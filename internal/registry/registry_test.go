package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/postalsys/tunnel-broker/internal/protocol"
)

type fakeSession struct {
	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{done: make(chan struct{})}
}

func (f *fakeSession) Send(*protocol.Frame) error { return nil }

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

func (f *fakeSession) Done() <-chan struct{} { return f.done }

func (f *fakeSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestRegister_ReconnectEvictsPrior(t *testing.T) {
	var removed []*Agent
	var reasons []RemoveReason
	r := New(Config{OnRemove: func(a *Agent, reason RemoveReason) {
		removed = append(removed, a)
		reasons = append(reasons, reason)
	}})

	first := newFakeSession()
	a1, err := r.Register("A1", first, Options{})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	second := newFakeSession()
	a2, err := r.Register("A1", second, Options{})
	if err != nil {
		t.Fatalf("second Register() error = %v", err)
	}

	if !first.isClosed() {
		t.Error("prior session not closed")
	}
	if second.isClosed() {
		t.Error("new session closed")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
	got, ok := r.Get("A1")
	if !ok || got != a2 {
		t.Errorf("Get(A1) = %v, want the new agent", got)
	}
	if len(removed) != 1 || removed[0] != a1 || reasons[0] != ReasonEvicted {
		t.Errorf("OnRemove calls = %v %v", removed, reasons)
	}
	if a1.Status() != StatusOffline || a2.Status() != StatusActive {
		t.Errorf("statuses = %s/%s", a1.Status(), a2.Status())
	}

	// The evicted session's read loop exits later; its unregister must not
	// remove the new entry.
	if r.UnregisterAgent(a1) {
		t.Error("UnregisterAgent of evicted agent returned true")
	}
	if r.Len() != 1 {
		t.Errorf("Len() after stale unregister = %d", r.Len())
	}
}

func TestRegister_LimitExceeded(t *testing.T) {
	r := New(Config{MaxAgents: 2})
	sessions := make([]*fakeSession, 3)
	for i := range sessions {
		sessions[i] = newFakeSession()
	}

	for i := 0; i < 2; i++ {
		if _, err := r.Register(fmt.Sprintf("agent-%d", i), sessions[i], Options{}); err != nil {
			t.Fatalf("Register(%d) error = %v", i, err)
		}
	}

	_, err := r.Register("agent-2", sessions[2], Options{})
	if !errors.Is(err, ErrAgentLimitExceeded) {
		t.Fatalf("Register() error = %v, want ErrAgentLimitExceeded", err)
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
	for i := 0; i < 2; i++ {
		if sessions[i].isClosed() {
			t.Errorf("session %d closed by rejected registration", i)
		}
	}

	// Replacing an existing id does not grow the table, so it is allowed.
	if _, err := r.Register("agent-0", newFakeSession(), Options{}); err != nil {
		t.Errorf("replacement at cap error = %v", err)
	}
}

func TestRegister_InvalidID(t *testing.T) {
	r := New(Config{})
	if _, err := r.Register("   ", newFakeSession(), Options{}); !errors.Is(err, ErrInvalidAgentID) {
		t.Errorf("Register() error = %v, want ErrInvalidAgentID", err)
	}
}

func TestRegister_NormalizesID(t *testing.T) {
	r := New(Config{})
	first := newFakeSession()
	if _, err := r.Register("caf\u00e9", first, Options{}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register(" cafe\u0301 ", newFakeSession(), Options{}); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
	if !first.isClosed() {
		t.Error("equivalent id did not evict prior session")
	}
}

func TestUnregister(t *testing.T) {
	var reasons []RemoveReason
	r := New(Config{OnRemove: func(_ *Agent, reason RemoveReason) { reasons = append(reasons, reason) }})
	sess := newFakeSession()
	if _, err := r.Register("A1", sess, Options{Weight: 2, MaxConnections: 5}); err != nil {
		t.Fatal(err)
	}

	if !r.Unregister("A1") {
		t.Fatal("Unregister() = false")
	}
	if r.Unregister("A1") {
		t.Error("second Unregister() = true")
	}
	if sess.isClosed() {
		t.Error("Unregister must not close the session")
	}
	if len(reasons) != 1 || reasons[0] != ReasonDisconnected {
		t.Errorf("reasons = %v", reasons)
	}
}

func TestList_SortedByID(t *testing.T) {
	r := New(Config{})
	for _, id := range []string{"C", "A", "B"} {
		if _, err := r.Register(id, newFakeSession(), Options{}); err != nil {
			t.Fatal(err)
		}
	}
	list := r.List()
	if len(list) != 3 || list[0].ID != "A" || list[1].ID != "B" || list[2].ID != "C" {
		t.Errorf("List() order wrong: %v", list)
	}
}

func TestCloseAll(t *testing.T) {
	r := New(Config{})
	sessions := []*fakeSession{newFakeSession(), newFakeSession()}
	for i, s := range sessions {
		if _, err := r.Register(fmt.Sprint(i), s, Options{}); err != nil {
			t.Fatal(err)
		}
	}
	r.CloseAll()
	if r.Len() != 0 {
		t.Errorf("Len() = %d", r.Len())
	}
	for i, s := range sessions {
		if !s.isClosed() {
			t.Errorf("session %d not closed", i)
		}
	}
}

func TestRegister_Concurrent(t *testing.T) {
	r := New(Config{MaxAgents: 10})
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := r.Register(fmt.Sprintf("agent-%d", i), newFakeSession(), Options{}); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if accepted != 10 || r.Len() != 10 {
		t.Errorf("accepted = %d, Len() = %d, want 10", accepted, r.Len())
	}
}
