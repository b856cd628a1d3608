package broker

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/postalsys/tunnel-broker/internal/protocol"
	"github.com/postalsys/tunnel-broker/internal/registry"
	"github.com/postalsys/tunnel-broker/internal/session"
)

// DefaultAuthTimeout bounds the wait for an agent's Auth frame.
const DefaultAuthTimeout = 10 * time.Second

var (
	// ErrAuthFailed is returned when an agent presents a bad token.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrHandshake is returned when the first frame is not a valid Auth.
	ErrHandshake = errors.New("invalid handshake")

	// ErrNoCredentials is returned by New when neither a token nor a token
	// hash is configured.
	ErrNoCredentials = errors.New("no agent token configured")
)

// Err reasons sent to agents.
const (
	reasonExpectedAuth   = "expected AUTH"
	reasonMissingAgentID = "missing agent_id"
	reasonInvalidToken   = "invalid token"
	reasonAgentLimit     = "agent limit exceeded"
	reasonUnexpectedAuth = "unexpected AUTH"
)

// authenticator checks agent tokens against either a shared secret or its
// bcrypt hash.
type authenticator struct {
	token []byte
	hash  []byte
}

func newAuthenticator(token, tokenHash string) (*authenticator, error) {
	if token == "" && tokenHash == "" {
		return nil, ErrNoCredentials
	}
	a := &authenticator{}
	if tokenHash != "" {
		if _, err := bcrypt.Cost([]byte(tokenHash)); err != nil {
			return nil, fmt.Errorf("invalid token hash: %w", err)
		}
		a.hash = []byte(tokenHash)
	} else {
		a.token = []byte(token)
	}
	return a, nil
}

func (a *authenticator) verify(token string) bool {
	if token == "" {
		return false
	}
	if a.hash != nil {
		return bcrypt.CompareHashAndPassword(a.hash, []byte(token)) == nil
	}
	return subtle.ConstantTimeCompare(a.token, []byte(token)) == 1
}

// hello is the outcome of a successful handshake.
type hello struct {
	agentID string
	opts    registry.Options
}

// acceptHandshake waits for Auth, validates it and answers Ok. On failure the
// agent receives Err with the reason before the caller closes the session.
func (b *Broker) acceptHandshake(sess *session.Session) (*hello, error) {
	f, err := sess.Receive(b.cfg.AuthTimeout)
	if err != nil {
		return nil, fmt.Errorf("waiting for AUTH: %w", err)
	}

	if f.Type != protocol.FrameAuth {
		sess.Send(protocol.NewErr("", reasonExpectedAuth))
		return nil, fmt.Errorf("%w: expected AUTH, got %s", ErrHandshake, f.Type)
	}

	agentID := registry.NormalizeID(f.Attr(protocol.AttrAgentID))
	if agentID == "" {
		sess.Send(protocol.NewErr("", reasonMissingAgentID))
		return nil, fmt.Errorf("%w: %s", ErrHandshake, reasonMissingAgentID)
	}

	if !b.auth.verify(f.Attr(protocol.AttrToken)) {
		sess.Send(protocol.NewErr("", reasonInvalidToken))
		return nil, fmt.Errorf("%w: agent %q", ErrAuthFailed, agentID)
	}

	if err := sess.Send(protocol.NewOk("welcome " + agentID)); err != nil {
		return nil, fmt.Errorf("sending OK: %w", err)
	}

	h := &hello{
		agentID: agentID,
		opts: registry.Options{
			Weight:         f.IntAttr(protocol.AttrWeight),
			MaxConnections: f.IntAttr(protocol.AttrMaxConnections),
		},
	}
	if addr := sess.RemoteAddr(); addr != nil {
		h.opts.RemoteAddr = addr.String()
	}
	return h, nil
}
