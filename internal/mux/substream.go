package mux

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/tunnel-broker/internal/logging"
	"github.com/postalsys/tunnel-broker/internal/metrics"
	"github.com/postalsys/tunnel-broker/internal/protocol"
	"github.com/postalsys/tunnel-broker/internal/recovery"
	"github.com/postalsys/tunnel-broker/internal/registry"
)

// Close reasons reported to metrics and logs.
const (
	ReasonClientEOF   = "client_eof"
	ReasonAgentEnd    = "agent_end"
	ReasonAgentError  = "agent_error"
	ReasonAgentLost   = "agent_lost"
	ReasonClientError = "client_error"
	ReasonSendFailed  = "send_failed"
	ReasonSlowClient  = "slow_client"
	ReasonClosed      = "closed"
)

const badGatewayResponse = "HTTP/1.1 502 Bad Gateway\r\n" +
	"Content-Type: text/plain\r\n" +
	"Content-Length: 12\r\n" +
	"Connection: close\r\n\r\n" +
	"Bad Gateway\n"

// Substream is one client connection relayed through an agent. The
// multiplexer owns it; listeners only call Start.
type Substream struct {
	ID         string
	Agent      *registry.Agent
	TargetHost string
	TargetPort int
	Listener   string
	CreatedAt  time.Time

	client    net.Conn
	plainHTTP bool
	m         *Multiplexer

	// generation of the admission record the slot was taken from.
	generation uint64

	// inbound carries agent payloads to the client writer. A nil entry marks
	// the agent's End.
	inbound chan []byte

	bytesUp     atomic.Int64
	bytesDown   atomic.Int64
	firstByteAt atomic.Int64

	endSent     atomic.Bool
	endReceived atomic.Bool
	started     atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	total     int64
	wg        sync.WaitGroup
}

// Target returns host:port.
func (s *Substream) Target() string {
	return net.JoinHostPort(s.TargetHost, strconv.Itoa(s.TargetPort))
}

// BytesTransferred returns payload bytes relayed in both directions.
func (s *Substream) BytesTransferred() int64 {
	return s.bytesUp.Load() + s.bytesDown.Load()
}

// Done is closed when the substream is torn down.
func (s *Substream) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Start launches the two pump goroutines. Listeners call it after writing
// their success reply so the reply always precedes relayed bytes.
func (s *Substream) Start() {
	if s.ctx.Err() != nil || !s.started.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(2)
	go s.pumpClientToAgent()
	go s.pumpAgentToClient()
}

// Close tears the substream down and tells the agent to drop its side.
// It returns the bytes relayed; repeated calls are no-ops.
func (s *Substream) Close() int64 {
	return s.shutdown(closeOptions{reason: ReasonClosed, sendEnd: true})
}

// Wait blocks until both pumps have exited.
func (s *Substream) Wait() {
	<-s.ctx.Done()
	s.wg.Wait()
}

func (s *Substream) pumpClientToAgent() {
	defer s.wg.Done()
	defer recovery.RecoverWithCallback(s.m.logger, "mux.clientToAgent", func(any) {
		s.shutdown(closeOptions{reason: ReasonClientError, sendEnd: true})
	})

	buf := make([]byte, protocol.MaxDataChunk)
	for {
		n, err := s.client.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if sendErr := s.Agent.Session.Send(protocol.NewData(s.ID, chunk)); sendErr != nil {
				s.shutdown(closeOptions{reason: ReasonSendFailed, failure: true, gatewayError: true})
				return
			}
			s.bytesUp.Add(int64(n))
			s.m.metrics.RecordBytes(metrics.DirectionUpstream, n)
		}
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			reason := ReasonClientEOF
			if !errors.Is(err, io.EOF) {
				reason = ReasonClientError
			}
			s.shutdown(closeOptions{reason: reason, sendEnd: true})
			return
		}
	}
}

func (s *Substream) pumpAgentToClient() {
	defer s.wg.Done()
	defer recovery.RecoverWithCallback(s.m.logger, "mux.agentToClient", func(any) {
		s.shutdown(closeOptions{reason: ReasonClientError, sendEnd: true})
	})

	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.inbound:
			if data == nil {
				s.shutdown(closeOptions{reason: ReasonAgentEnd})
				return
			}
			if _, err := s.client.Write(data); err != nil {
				if s.ctx.Err() == nil {
					s.shutdown(closeOptions{reason: ReasonClientError, sendEnd: true})
				}
				return
			}
			s.bytesDown.Add(int64(len(data)))
			s.m.metrics.RecordBytes(metrics.DirectionDownstream, len(data))
		}
	}
}

// push queues an agent payload for the client, blocking while the buffer is
// full. It gives up after the multiplexer's push timeout and tears the
// substream down, since a stalled client must not stall the agent session.
func (s *Substream) push(data []byte) {
	select {
	case s.inbound <- data:
		return
	case <-s.ctx.Done():
		return
	default:
	}

	timer := time.NewTimer(s.m.pushTimeout)
	defer timer.Stop()
	select {
	case s.inbound <- data:
	case <-s.ctx.Done():
	case <-timer.C:
		s.m.logger.Warn("client not draining substream, closing",
			logging.KeySubstreamID, s.ID,
			logging.KeyAgentID, s.Agent.ID)
		s.shutdown(closeOptions{reason: ReasonSlowClient, sendEnd: true})
	}
}

func (s *Substream) markFirstByte() {
	s.firstByteAt.CompareAndSwap(0, time.Now().UnixNano())
}

func (s *Substream) firstByteLatency() time.Duration {
	at := s.firstByteAt.Load()
	if at == 0 {
		return 0
	}
	return time.Duration(at - s.CreatedAt.UnixNano())
}

type closeOptions struct {
	reason string

	// sendEnd tells the agent to drop its side, unless an End already
	// crossed in either direction.
	sendEnd bool

	// failure charges the agent's health record.
	failure bool

	// gatewayError answers a plain HTTP client that has not received any
	// bytes yet with 502 before closing.
	gatewayError bool
}

// shutdown tears the substream down once and returns the byte total.
func (s *Substream) shutdown(opts closeOptions) int64 {
	s.closeOnce.Do(func() {
		s.cancel()

		if opts.sendEnd && !s.endReceived.Load() && s.endSent.CompareAndSwap(false, true) {
			s.Agent.Session.Send(protocol.NewEnd(s.ID))
		}
		if opts.gatewayError && s.plainHTTP && s.bytesDown.Load() == 0 {
			s.client.SetWriteDeadline(time.Now().Add(time.Second))
			io.WriteString(s.client, badGatewayResponse)
		}
		s.client.Close()

		s.total = s.BytesTransferred()
		s.m.finish(s, opts)
	})
	return s.total
}
