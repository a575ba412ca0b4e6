// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and feed controlled S2S sessions.
// Use Session to drive the inbound message stream and inspect what the
// pipeline sent.
//
// Example:
//
//	p := &mock.Provider{}
//	handle, _ := p.Connect(ctx, cfg)
//	sess := p.LastSession()
//	sess.Push(s2s.Message{Interrupted: true})
//	sess.End(errors.New("remote failure"))
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxlive/pkg/provider/s2s"
)

// Compile-time interface assertions.
var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*Session)(nil)
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a fresh [Session] per call, retrievable with LastSession.
	Session s2s.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Block, if non-nil, makes Connect wait until it is closed or the
	// context is cancelled.
	Block chan struct{}

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.S2SCapabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	sessions []*Session
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	block := p.Block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	s := NewSession()
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.S2SCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// ConnectCount returns how many times Connect was called.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// LastSession returns the most recent session created by Connect, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Session is a mock implementation of s2s.SessionHandle.
type Session struct {
	mu       sync.Mutex
	messages chan s2s.Message
	closed   bool
	err      error

	// SendErr, if non-nil, is returned by Send.
	SendErr error

	// CloseErr is returned by Close.
	CloseErr error

	sent       []s2s.Blob
	closeCalls int
}

// NewSession returns a session with a buffered message channel.
func NewSession() *Session {
	return &Session{messages: make(chan s2s.Message, 64)}
}

// Send records blob and returns SendErr, or [s2s.ErrSessionClosed] after the
// session has ended.
func (s *Session) Send(blob s2s.Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.sent = append(s.sent, blob)
	return nil
}

// Messages returns the inbound channel.
func (s *Session) Messages() <-chan s2s.Message { return s.messages }

// Err returns the error passed to End.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close records the call and closes the message channel once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	s.endLocked(nil)
	return s.CloseErr
}

// Push delivers m to the consumer. It reports false when the session has
// ended or the buffer is full.
func (s *Session) Push(m s2s.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.messages <- m:
		return true
	default:
		return false
	}
}

// End simulates the remote side ending the session. A nil err is a clean
// close; a non-nil err is reported by Err.
func (s *Session) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked(err)
}

func (s *Session) endLocked(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.messages)
}

// Sent returns a copy of every blob accepted by Send.
func (s *Session) Sent() []s2s.Blob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]s2s.Blob, len(s.sent))
	copy(out, s.sent)
	return out
}

// CloseCalls returns how many times Close was called.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Closed reports whether the session has ended.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
