// Package interpreted logs every unit the server handles, after parsing,
// together with the direction and owning stream.
package interpreted

import (
	"sync"
	"time"

	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/host"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/runtimeconfig"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/stanza"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/services/trace"
	"go.uber.org/zap"
)

// Printer is a single global interceptor gated by its own toggle.
type Printer struct {
	registry host.InterceptorRegistry
	sink     trace.Emitter
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	enabled bool
	cell    *runtimeconfig.Cell
}

var _ host.Interceptor = (*Printer)(nil)

func NewPrinter(registry host.InterceptorRegistry, sink trace.Emitter, logger *zap.Logger) *Printer {
	return &Printer{
		registry: registry,
		sink:     sink,
		logger:   logger,
		now:      time.Now,
	}
}

// Enabled reports whether the printer is registered.
func (p *Printer) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// Cell returns the bound cell, or nil.
func (p *Printer) Cell() *runtimeconfig.Cell {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cell
}

// Bind makes c drive the printer and applies its current value.
func (p *Printer) Bind(c *runtimeconfig.Cell) {
	p.mu.Lock()
	p.cell = c
	p.mu.Unlock()

	c.OnChange(p.SetEnabled)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.setEnabledLocked(c.Get())
}

// SetEnabled registers or unregisters the printer with the host.
func (p *Printer) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setEnabledLocked(enabled)
}

func (p *Printer) setEnabledLocked(enabled bool) {
	if p.enabled == enabled {
		return
	}
	p.enabled = enabled
	if enabled {
		p.registry.Add(p)
		p.logger.Info("interpreted logging enabled")
	} else {
		p.registry.Remove(p)
		p.logger.Info("interpreted logging disabled")
	}
}

// Close unregisters the printer.
func (p *Printer) Close() {
	p.SetEnabled(false)
}

// InterceptPacket emits one event per unit before processing.
func (p *Printer) InterceptPacket(unit *stanza.Unit, session host.Session, incoming, processed bool) {
	if processed || session == nil || unit == nil {
		return
	}

	dir := trace.DirSent
	if incoming {
		dir = trace.DirReceived
	}

	p.sink.Emit(trace.Event{
		Time:      p.now(),
		Layer:     trace.LayerInterpreted,
		Category:  trace.InterpretedCategory,
		Address:   hostAddress(session),
		Direction: dir,
		ContextID: session.StreamID(),
		Payload:   unit.String(),
	})
}

// hostAddress renders the peer as /<ip>:?????. The port is not known at this
// layer. A failed lookup yields an empty address.
func hostAddress(session host.Session) string {
	addr, err := session.HostAddress()
	if err != nil {
		return ""
	}
	return "/" + addr + ":?????"
}
