// Package pipeline is a named-stage processing chain over a net.Conn, in the
// style of a channel pipeline: inbound events travel from the socket toward
// the application stage, writes travel back toward the socket. Stages may be
// added and removed while the connection is live.
package pipeline

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/host"
	"go.uber.org/zap"
)

const readBufferSize = 4096

// Pipeline implements host.MutablePipeline.
type Pipeline struct {
	id     string
	typ    host.ConnectionType
	conn   net.Conn
	logger *zap.Logger

	mu     sync.RWMutex
	head   *node
	tail   *node
	byName map[string]*node

	state     atomic.Int32
	writeMu   sync.Mutex
	closeOnce sync.Once
}

var _ host.MutablePipeline = (*Pipeline)(nil)

// New creates a pipeline with no stages in the connecting state.
func New(id string, typ host.ConnectionType, conn net.Conn, logger *zap.Logger) *Pipeline {
	p := &Pipeline{
		id:     id,
		typ:    typ,
		conn:   conn,
		logger: logger.With(zap.String("pipeline_id", id), zap.String("type", typ.String())),
		byName: make(map[string]*node),
	}
	p.head = &node{name: "head", p: p}
	p.tail = &node{name: "tail", p: p}
	p.head.next = p.tail
	p.tail.prev = p.head
	return p
}

func (p *Pipeline) ID() string                { return p.id }
func (p *Pipeline) Type() host.ConnectionType { return p.typ }
func (p *Pipeline) State() host.PipelineState { return host.PipelineState(p.state.Load()) }

// RemoteAddr returns the peer address, or nil when unknown.
func (p *Pipeline) RemoteAddr() net.Addr {
	if p.conn == nil {
		return nil
	}
	return p.conn.RemoteAddr()
}

// Names returns stage names from the socket end to the application end.
func (p *Pipeline) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var names []string
	for n := p.head.next; n != p.tail; n = n.next {
		names = append(names, n.name)
	}
	return names
}

// Get returns the stage registered under name, or nil.
func (p *Pipeline) Get(name string) host.Stage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if n, ok := p.byName[name]; ok {
		return n.stage
	}
	return nil
}

// AddLast appends a stage at the application end.
func (p *Pipeline) AddLast(name string, stage host.Stage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.linkAfterLocked(p.tail.prev, name, stage)
}

// AddFirst inserts a stage at the socket end.
func (p *Pipeline) AddFirst(name string, stage host.Stage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.linkAfterLocked(p.head, name, stage)
}

// AddAfter inserts a stage immediately after base.
func (p *Pipeline) AddAfter(base, name string, stage host.Stage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.byName[base]
	if !ok {
		return fmt.Errorf("%w: %s", host.ErrStageNotFound, base)
	}
	return p.linkAfterLocked(b, name, stage)
}

func (p *Pipeline) linkAfterLocked(prev *node, name string, stage host.Stage) error {
	if stage == nil {
		return errors.New("stage cannot be nil")
	}
	if _, exists := p.byName[name]; exists {
		return fmt.Errorf("%w: %s", host.ErrStageExists, name)
	}
	n := &node{name: name, stage: stage, p: p, prev: prev, next: prev.next}
	prev.next.prev = n
	prev.next = n
	p.byName[name] = n
	return nil
}

// Remove unlinks the named stage. Events already travelling through it finish
// along its former neighbours.
func (p *Pipeline) Remove(name string) (host.Stage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", host.ErrStageNotFound, name)
	}
	n.prev.next = n.next
	n.next.prev = n.prev
	delete(p.byName, name)
	return n.stage, nil
}

// Write sends msg from the application end toward the socket.
func (p *Pipeline) Write(msg any) error {
	if p.State() == host.StateClosed {
		return host.ErrPipelineGone
	}
	return p.tail.Write(msg)
}

// Serve marks the pipeline open, fires the active event and pumps reads until
// the connection fails or is closed. The inactive event fires before Serve
// returns.
func (p *Pipeline) Serve() {
	p.state.Store(int32(host.StateOpen))
	p.head.FireActive()

	buf := make([]byte, readBufferSize)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.head.FireRead(chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				p.logger.Debug("connection read failed", zap.Error(err))
			}
			break
		}
	}

	p.Close()
	p.head.FireInactive()
}

// Close closes the connection. It is safe to call more than once.
func (p *Pipeline) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.state.Store(int32(host.StateClosed))
		if p.conn != nil {
			err = p.conn.Close()
		}
	})
	return err
}

func (p *Pipeline) writeToConn(msg any) error {
	var data []byte
	switch m := msg.(type) {
	case []byte:
		data = m
	case string:
		data = []byte(m)
	default:
		return fmt.Errorf("unsupported outbound message type %T", msg)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.State() == host.StateClosed {
		return host.ErrPipelineGone
	}
	_, err := p.conn.Write(data)
	return err
}

func (p *Pipeline) nextInbound(from *node) *node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for c := from.next; c != nil; c = c.next {
		if _, ok := c.stage.(host.InboundStage); ok {
			return c
		}
	}
	return nil
}

func (p *Pipeline) prevOutbound(from *node) *node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for c := from.prev; c != nil; c = c.prev {
		if _, ok := c.stage.(host.OutboundStage); ok {
			return c
		}
	}
	return nil
}

// node is both a list entry and the StageContext handed to its stage.
type node struct {
	name       string
	stage      host.Stage
	p          *Pipeline
	prev, next *node
}

func (n *node) Name() string            { return n.name }
func (n *node) Pipeline() host.Pipeline { return n.p }

func (n *node) FireActive() {
	if next := n.p.nextInbound(n); next != nil {
		next.stage.(host.InboundStage).Active(next)
	}
}

func (n *node) FireInactive() {
	if next := n.p.nextInbound(n); next != nil {
		next.stage.(host.InboundStage).Inactive(next)
	}
}

func (n *node) FireRead(msg any) {
	if next := n.p.nextInbound(n); next != nil {
		next.stage.(host.InboundStage).Read(next, msg)
		return
	}
	n.p.logger.Debug("discarding unhandled inbound message", zap.String("type", fmt.Sprintf("%T", msg)))
}

func (n *node) Write(msg any) error {
	if prev := n.p.prevOutbound(n); prev != nil {
		return prev.stage.(host.OutboundStage).Write(prev, msg)
	}
	return n.p.writeToConn(msg)
}
