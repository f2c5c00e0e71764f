// Package host defines the contracts between the debugger and the server it
// instruments: connection pipelines, their lifecycle, unit interception and
// unit dispatch.
package host

import (
	"context"
	"errors"
	"net"

	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/stanza"
)

// ConnectionType is the category of a connection listener.
type ConnectionType int

const (
	ConnectionClient ConnectionType = iota
	ConnectionClientLegacyTLS
	ConnectionServer
	ConnectionComponent
	ConnectionMultiplexer
)

var connectionTypes = []struct {
	name string
	tag  string
}{
	ConnectionClient:          {name: "client", tag: "C2S-STARTTLS"},
	ConnectionClientLegacyTLS: {name: "client-legacy-tls", tag: "C2S-DIRECTTLS"},
	ConnectionServer:          {name: "server", tag: "S2S-STARTTLS"},
	ConnectionComponent:       {name: "component", tag: "ExComp-STARTTLS"},
	ConnectionMultiplexer:     {name: "multiplexer", tag: "CM-STARTTLS"},
}

// ConnectionTypes lists every category in declaration order.
func ConnectionTypes() []ConnectionType {
	out := make([]ConnectionType, len(connectionTypes))
	for i := range connectionTypes {
		out[i] = ConnectionType(i)
	}
	return out
}

// ParseConnectionType accepts a category name or its trace tag.
func ParseConnectionType(s string) (ConnectionType, bool) {
	for i, ct := range connectionTypes {
		if s == ct.name || s == ct.tag {
			return ConnectionType(i), true
		}
	}
	return 0, false
}

func (t ConnectionType) valid() bool { return t >= 0 && int(t) < len(connectionTypes) }

// String returns the category name.
func (t ConnectionType) String() string {
	if !t.valid() {
		return "unknown"
	}
	return connectionTypes[t].name
}

// Tag returns the label written into raw trace lines.
func (t ConnectionType) Tag() string {
	if !t.valid() {
		return "UNKNOWN"
	}
	return connectionTypes[t].tag
}

// PipelineState is the lifecycle state of a connection.
type PipelineState int32

const (
	StateConnecting PipelineState = iota
	StateOpen
	StateClosed
)

func (s PipelineState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	ErrStageExists   = errors.New("stage already exists")
	ErrStageNotFound = errors.New("stage not found")
	ErrPipelineGone  = errors.New("pipeline closed")
)

// Stage is a named handler in a pipeline. A stage implements InboundStage,
// OutboundStage or both.
type Stage interface{}

// StageContext is handed to a stage on every event. Fire* forwards inbound
// events to the next stage toward the application; Write forwards an outbound
// message toward the socket.
type StageContext interface {
	Name() string
	Pipeline() Pipeline
	FireActive()
	FireInactive()
	FireRead(msg any)
	Write(msg any) error
}

// InboundStage observes connection events and reads.
type InboundStage interface {
	Active(ctx StageContext)
	Inactive(ctx StageContext)
	Read(ctx StageContext, msg any)
}

// OutboundStage observes writes.
type OutboundStage interface {
	Write(ctx StageContext, msg any) error
}

// Pipeline is a connection's processing chain. The host owns it; observers
// must not keep it past its close notification.
type Pipeline interface {
	ID() string
	Type() ConnectionType
	// RemoteAddr is nil when the peer address is not known.
	RemoteAddr() net.Addr
	State() PipelineState
	Names() []string
	Get(name string) Stage
	// Write sends msg from the application end of the chain.
	Write(msg any) error
}

// MutablePipeline supports adding and removing stages at runtime.
type MutablePipeline interface {
	Pipeline
	AddFirst(name string, stage Stage) error
	AddAfter(base, name string, stage Stage) error
	Remove(name string) (Stage, error)
}

// PipelineListener is told about pipelines of one category opening and closing.
type PipelineListener interface {
	PipelineOpened(p Pipeline)
	PipelineClosed(p Pipeline)
}

// PipelineRegistry exposes the open pipelines of each category.
type PipelineRegistry interface {
	Open(t ConnectionType) []Pipeline
	AddListener(t ConnectionType, l PipelineListener)
	RemoveListener(t ConnectionType, l PipelineListener)
}

// Session is the authenticated stream a unit belongs to.
type Session interface {
	StreamID() string
	Address() string
	// HostAddress is the peer's IP address.
	HostAddress() (string, error)
}

// Interceptor sees every unit the server handles, twice: before processing
// with processed=false and after with processed=true. Implementations must be
// comparable since registries identify them by equality.
type Interceptor interface {
	InterceptPacket(unit *stanza.Unit, session Session, incoming, processed bool)
}

// InterceptorRegistry holds the global set of interceptors.
type InterceptorRegistry interface {
	Add(i Interceptor) bool
	Remove(i Interceptor) bool
}

// Router dispatches a unit into the server as if it arrived from the server
// itself.
type Router interface {
	Route(ctx context.Context, unit *stanza.Unit) error
}
