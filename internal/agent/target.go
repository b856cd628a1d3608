package agent

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/postalsys/tunnel-broker/internal/logging"
	"github.com/postalsys/tunnel-broker/internal/protocol"
	"github.com/postalsys/tunnel-broker/internal/recovery"
	"github.com/postalsys/tunnel-broker/internal/session"
)

const (
	targetQueueSize = 64
	queueTimeout    = 10 * time.Second
	readBufferSize  = 32 * 1024
)

// Err reasons sent to the broker for one substream.
const (
	reasonInvalidTarget = "invalid target"
	reasonDuplicate     = "duplicate substream id"
	reasonAtCapacity    = "agent at capacity"
	reasonDialFailed    = "dial failed"
	reasonReadFailed    = "destination read failed"
)

// target is the destination side of one substream. Data from the broker is
// queued in order and written by a single goroutine.
type target struct {
	id   string
	addr string

	ctx    context.Context
	cancel context.CancelFunc

	queue chan []byte

	// ended is only touched by the read loop.
	ended bool
}

// open starts dialing the destination of an OpenRequest. Failures are
// reported to the broker as Err tagged with the substream id.
func (a *Agent) open(sess *session.Session, f *protocol.Frame) {
	id := f.SubstreamID
	if id == "" {
		a.logger.Debug("OpenRequest without substream id")
		return
	}
	host, port, err := f.Target()
	if err != nil {
		sess.Send(protocol.NewErr(id, reasonInvalidTarget))
		return
	}

	t := &target{
		id:    id,
		addr:  net.JoinHostPort(host, strconv.Itoa(port)),
		queue: make(chan []byte, targetQueueSize),
	}
	t.ctx, t.cancel = context.WithCancel(sess.Context())

	a.mu.Lock()
	switch {
	case a.targets[id] != nil:
		a.mu.Unlock()
		t.cancel()
		sess.Send(protocol.NewErr(id, reasonDuplicate))
		return
	case a.cfg.MaxConnections > 0 && len(a.targets) >= a.cfg.MaxConnections:
		a.mu.Unlock()
		t.cancel()
		sess.Send(protocol.NewErr(id, reasonAtCapacity))
		return
	}
	a.targets[id] = t
	a.mu.Unlock()

	a.opened.Add(1)
	a.wg.Add(1)
	go a.serveTarget(sess, t)
}

func (a *Agent) lookup(id string) *target {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.targets[id]
}

func (a *Agent) remove(t *target) {
	a.mu.Lock()
	if a.targets[t.id] == t {
		delete(a.targets, t.id)
	}
	a.mu.Unlock()
}

// deliver queues broker Data for the destination. A destination that cannot
// drain the queue within queueTimeout is dropped.
func (a *Agent) deliver(f *protocol.Frame) {
	t := a.lookup(f.SubstreamID)
	if t == nil || t.ended {
		return
	}

	timer := time.NewTimer(queueTimeout)
	defer timer.Stop()
	select {
	case t.queue <- f.Payload:
	case <-t.ctx.Done():
	case <-timer.C:
		a.logger.Warn("destination too slow, dropping substream",
			logging.KeySubstreamID, t.id,
			logging.KeyTarget, t.addr)
		t.cancel()
	}
}

// end closes the destination once every queued byte has been written.
func (a *Agent) end(id string) {
	t := a.lookup(id)
	if t == nil || t.ended {
		return
	}
	t.ended = true
	close(t.queue)
}

// abort drops the destination connection immediately.
func (a *Agent) abort(id string) {
	if t := a.lookup(id); t != nil {
		t.cancel()
	}
}

func (a *Agent) serveTarget(sess *session.Session, t *target) {
	defer a.wg.Done()
	defer recovery.RecoverWithLog(a.logger, "agent.serveTarget")
	defer a.remove(t)
	defer t.cancel()

	log := a.logger.With(logging.KeySubstreamID, t.id, logging.KeyTarget, t.addr)

	dialCtx, cancel := context.WithTimeout(t.ctx, a.cfg.DialTimeout)
	conn, err := a.dialer.DialContext(dialCtx, "tcp", t.addr)
	cancel()
	if err != nil {
		if t.ctx.Err() == nil {
			log.Info("destination dial failed", logging.KeyError, err)
			sess.Send(protocol.NewErr(t.id, reasonDialFailed+": "+err.Error()))
		}
		return
	}
	defer conn.Close()
	stop := context.AfterFunc(t.ctx, func() { conn.Close() })
	defer stop()

	log.Debug("destination connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer recovery.RecoverWithLog(a.logger, "agent.targetWriter")
		a.writeTarget(conn, t)
	}()

	var total int64
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			total += int64(n)
			if sendErr := sess.Send(protocol.NewData(t.id, buf[:n])); sendErr != nil {
				t.cancel()
				break
			}
		}
		if err != nil {
			if t.ctx.Err() == nil {
				if errors.Is(err, io.EOF) {
					sess.Send(protocol.NewEnd(t.id))
				} else {
					sess.Send(protocol.NewErr(t.id, reasonReadFailed))
				}
			}
			t.cancel()
			break
		}
	}
	<-writerDone

	log.Debug("destination closed", logging.Bytes(total))
}

// writeTarget writes queued payloads in order. When the broker ends the
// substream it returns after the queue drains and cancels the target.
func (a *Agent) writeTarget(conn net.Conn, t *target) {
	defer t.cancel()
	for {
		select {
		case data, ok := <-t.queue:
			if !ok {
				return
			}
			if _, err := conn.Write(data); err != nil {
				return
			}
		case <-t.ctx.Done():
			return
		}
	}
}
