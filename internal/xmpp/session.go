package xmpp

import (
	"errors"
	"net"
	"strings"

	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/host"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/stanza"
	"go.uber.org/zap"
)

var errNoPeerAddress = errors.New("peer address unavailable")

// Session binds one pipeline to an address of the form <stream id>@<domain>.
// It is the last stage of its pipeline.
type Session struct {
	server   *Server
	pipeline host.Pipeline
	address  string
}

func newSession(server *Server, p host.Pipeline) *Session {
	return &Session{
		server:   server,
		pipeline: p,
		address:  p.ID() + "@" + server.domain,
	}
}

func (s *Session) StreamID() string { return s.pipeline.ID() }
func (s *Session) Address() string  { return s.address }

// HostAddress returns the peer IP without its port.
func (s *Session) HostAddress() (string, error) {
	addr := s.pipeline.RemoteAddr()
	if addr == nil {
		return "", errNoPeerAddress
	}
	h, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", err
	}
	return h, nil
}

// Deliver writes unit to the peer, running the outbound interceptors around
// the write.
func (s *Session) Deliver(unit *stanza.Unit) error {
	s.server.interceptors.Invoke(unit, s, false, false)
	err := s.pipeline.Write(unit.String())
	s.server.interceptors.Invoke(unit, s, false, true)
	return err
}

func (s *Session) Active(host.StageContext)   { s.server.add(s) }
func (s *Session) Inactive(host.StageContext) { s.server.remove(s) }

func (s *Session) Read(_ host.StageContext, msg any) {
	line, ok := msg.(string)
	if !ok || strings.TrimSpace(line) == "" {
		return
	}

	unit, err := stanza.Parse(line)
	if err != nil {
		s.server.logger.Debug("discarding unparsable input",
			zap.String("stream_id", s.StreamID()),
			zap.Error(err))
		return
	}

	unit.SetFrom(s.address)
	s.server.handleInbound(s, unit)
}
