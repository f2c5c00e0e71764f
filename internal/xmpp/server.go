// Package xmpp is a small in-process server that gives every accepted
// pipeline a session, runs units through the interceptor registry and routes
// them between sessions and the server itself.
package xmpp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/host"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/interceptor"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/pipeline"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/stanza"
	"go.uber.org/zap"
)

// ErrNoRoute is returned for units addressed to a foreign domain.
var ErrNoRoute = errors.New("no route to domain")

// Server routes units for a single domain.
type Server struct {
	domain       string
	interceptors *interceptor.Registry
	logger       *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	local    *localSession
}

var _ host.Router = (*Server)(nil)

func NewServer(domain string, interceptors *interceptor.Registry, logger *zap.Logger) *Server {
	return &Server{
		domain:       domain,
		interceptors: interceptors,
		logger:       logger,
		sessions:     make(map[string]*Session),
		local:        &localSession{domain: domain},
	}
}

// Domain returns the served domain.
func (s *Server) Domain() string { return s.domain }

// Terminal builds the session stage that ends every pipeline.
func (s *Server) Terminal(p *pipeline.Pipeline) host.Stage {
	return newSession(s, p)
}

// SessionCount returns the number of active sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Lookup finds the session owning address; any resource part is ignored.
func (s *Server) Lookup(address string) (*Session, bool) {
	if i := strings.IndexByte(address, '/'); i >= 0 {
		address = address[:i]
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[address]
	return sess, ok
}

func (s *Server) add(sess *Session) {
	s.mu.Lock()
	s.sessions[sess.Address()] = sess
	s.mu.Unlock()
	s.logger.Debug("session started", zap.String("address", sess.Address()))
}

func (s *Server) remove(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess.Address())
	s.mu.Unlock()
	s.logger.Debug("session ended", zap.String("address", sess.Address()))
}

// Route dispatches a unit originating from the server. Units without a
// sender are stamped with the domain.
func (s *Server) Route(ctx context.Context, unit *stanza.Unit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if unit.From() == "" {
		unit.SetFrom(s.domain)
	}
	return s.route(unit)
}

func (s *Server) handleInbound(sess *Session, unit *stanza.Unit) {
	s.interceptors.Invoke(unit, sess, true, false)

	if err := s.route(unit); err != nil {
		s.logger.Debug("inbound unit not routable",
			zap.String("stream_id", sess.StreamID()),
			zap.Error(err))
		if unit.IsRequest() {
			_ = sess.Deliver(stanza.ErrorFor(unit, "remote-server-not-found"))
		}
	}

	s.interceptors.Invoke(unit, sess, true, true)
}

func (s *Server) route(unit *stanza.Unit) error {
	to := unit.To()
	switch {
	case to == "" || to == s.domain:
		return s.handleLocal(unit)
	case domainOf(to) == s.domain:
		if sess, ok := s.Lookup(to); ok {
			return sess.Deliver(unit)
		}
		return s.bounce(unit, "service-unavailable")
	default:
		return fmt.Errorf("%w: %s", ErrNoRoute, domainOf(to))
	}
}

func (s *Server) handleLocal(unit *stanza.Unit) error {
	switch {
	case unit.IsRequest():
		var reply *stanza.Unit
		if unit.PayloadNamespace() == stanza.NSPing {
			reply = stanza.ResultFor(unit)
		} else {
			reply = stanza.ErrorFor(unit, "feature-not-implemented")
		}
		return s.route(reply)
	case unit.IsResponse():
		s.interceptors.Invoke(unit, s.local, true, false)
		s.interceptors.Invoke(unit, s.local, true, true)
		return nil
	default:
		s.logger.Debug("dropping unit addressed to the server", zap.String("kind", string(unit.Kind())))
		return nil
	}
}

func (s *Server) bounce(unit *stanza.Unit, condition string) error {
	if !unit.IsRequest() {
		s.logger.Debug("dropping unit for unavailable recipient", zap.String("to", unit.To()))
		return nil
	}
	if err := s.route(stanza.ErrorFor(unit, condition)); err != nil {
		s.logger.Debug("bounce not deliverable", zap.Error(err))
	}
	return nil
}

func domainOf(address string) string {
	if i := strings.IndexByte(address, '/'); i >= 0 {
		address = address[:i]
	}
	if i := strings.IndexByte(address, '@'); i >= 0 {
		address = address[i+1:]
	}
	return address
}

// localSession stands in for the server when it is the recipient.
type localSession struct {
	domain string
}

func (l *localSession) StreamID() string { return "server" }
func (l *localSession) Address() string  { return l.domain }

func (l *localSession) HostAddress() (string, error) {
	return "", errors.New("server has no peer address")
}
