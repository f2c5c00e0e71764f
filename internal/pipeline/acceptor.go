package pipeline

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/host"
	"go.uber.org/zap"
)

// TerminalFactory builds the application stage for a new pipeline.
type TerminalFactory func(p *Pipeline) host.Stage

// AcceptorConfig configures one listener.
type AcceptorConfig struct {
	Type      host.ConnectionType
	Addr      string
	TLS       *tls.Config
	KeepAlive time.Duration
}

// Acceptor listens for one connection category and runs a pipeline per
// accepted connection.
type Acceptor struct {
	cfg      AcceptorConfig
	registry *Registry
	terminal TerminalFactory
	logger   *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	live     map[*Pipeline]struct{}
	wg       sync.WaitGroup
	closed   bool
}

func NewAcceptor(cfg AcceptorConfig, registry *Registry, terminal TerminalFactory, logger *zap.Logger) *Acceptor {
	return &Acceptor{
		cfg:      cfg,
		registry: registry,
		terminal: terminal,
		logger:   logger.With(zap.String("listener", cfg.Type.String())),
		live:     make(map[*Pipeline]struct{}),
	}
}

// Start binds the listener and accepts in the background.
func (a *Acceptor) Start() error {
	ln, err := net.Listen("tcp", a.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s on %s: %w", a.cfg.Type, a.cfg.Addr, err)
	}
	if a.cfg.TLS != nil {
		ln = tls.NewListener(ln, a.cfg.TLS)
	}

	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()

	a.logger.Info("listener started", zap.String("addr", ln.Addr().String()), zap.Bool("tls", a.cfg.TLS != nil))

	a.wg.Add(1)
	go a.acceptLoop(ln)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (a *Acceptor) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

func (a *Acceptor) acceptLoop(ln net.Listener) {
	defer a.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			a.logger.Warn("accept failed", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.Serve(conn)
		}()
	}
}

// Build assembles the standard stage chain for conn without serving it.
func (a *Acceptor) Build(conn net.Conn) *Pipeline {
	p := New(uuid.NewString()[:8], a.cfg.Type, conn, a.logger)
	_ = p.AddLast(DecoderName, NewDecoder(a.logger))
	if a.cfg.TLS != nil {
		_ = p.AddLast(TLSName, TLSMarker{})
	}
	_ = p.AddLast(KeepAliveName, NewKeepAlive(a.cfg.KeepAlive, a.logger))
	if a.terminal != nil {
		_ = p.AddLast(StanzaName, a.terminal(p))
	}
	return p
}

// Serve runs conn to completion. Listeners registered for the category see
// the pipeline before its first event and after its last.
func (a *Acceptor) Serve(conn net.Conn) {
	p := a.Build(conn)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_ = conn.Close()
		return
	}
	a.live[p] = struct{}{}
	a.mu.Unlock()

	a.registry.Register(p)
	a.logger.Debug("pipeline opened", zap.String("pipeline_id", p.ID()))

	p.Serve()

	a.registry.Unregister(p)
	a.mu.Lock()
	delete(a.live, p)
	a.mu.Unlock()
	a.logger.Debug("pipeline closed", zap.String("pipeline_id", p.ID()))
}

// Close stops accepting, closes every live pipeline and waits for them.
func (a *Acceptor) Close() error {
	a.mu.Lock()
	a.closed = true
	ln := a.listener
	live := make([]*Pipeline, 0, len(a.live))
	for p := range a.live {
		live = append(live, p)
	}
	a.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, p := range live {
		_ = p.Close()
	}
	a.wg.Wait()
	return err
}
