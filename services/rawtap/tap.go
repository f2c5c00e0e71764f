// Package rawtap logs the decoded text flowing through connection pipelines.
// A Tap is a pass-through pipeline stage; an Injector keeps one Tap on every
// open pipeline of its category while enabled.
package rawtap

import (
	"strings"
	"time"

	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/host"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/runtimeconfig"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/services/trace"
	"go.uber.org/zap"
)

// StageName is the name under which the tap is inserted.
const StageName = "rawDebugger"

// Tap observes a pipeline without altering anything passing through it.
type Tap struct {
	category   host.ConnectionType
	whitespace *runtimeconfig.Cell
	sink       trace.Emitter
	logger     *zap.Logger
	now        func() time.Time
}

var (
	_ host.InboundStage  = (*Tap)(nil)
	_ host.OutboundStage = (*Tap)(nil)
)

// NewTap creates a tap for one category. whitespace, when true, keeps
// payloads that are empty or all whitespace.
func NewTap(category host.ConnectionType, whitespace *runtimeconfig.Cell, sink trace.Emitter, logger *zap.Logger) *Tap {
	return &Tap{
		category:   category,
		whitespace: whitespace,
		sink:       sink,
		logger:     logger,
		now:        time.Now,
	}
}

func (t *Tap) Active(ctx host.StageContext) {
	t.observe(ctx, trace.DirOpen, "")
	ctx.FireActive()
}

func (t *Tap) Inactive(ctx host.StageContext) {
	t.observe(ctx, trace.DirClosed, "")
	ctx.FireInactive()
}

func (t *Tap) Read(ctx host.StageContext, msg any) {
	if s, ok := msg.(string); ok {
		t.observePayload(ctx, trace.DirReceived, s)
	}
	ctx.FireRead(msg)
}

func (t *Tap) Write(ctx host.StageContext, msg any) error {
	if s, ok := msg.(string); ok {
		t.observePayload(ctx, trace.DirSent, s)
	}
	return ctx.Write(msg)
}

func (t *Tap) observePayload(ctx host.StageContext, dir trace.Direction, payload string) {
	if strings.TrimSpace(payload) == "" && !t.keepWhitespace() {
		return
	}
	t.observe(ctx, dir, payload)
}

func (t *Tap) keepWhitespace() bool {
	return t.whitespace != nil && t.whitespace.Get()
}

// observe never lets a failure escape onto the connection's goroutine.
func (t *Tap) observe(ctx host.StageContext, dir trace.Direction, payload string) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("raw tap failed to record event",
				zap.String("category", t.category.Tag()),
				zap.String("direction", string(dir)),
				zap.Any("panic", r))
		}
	}()

	t.sink.Emit(trace.Event{
		Time:      t.now(),
		Layer:     trace.LayerRaw,
		Category:  t.category.Tag(),
		Address:   remoteAddress(ctx),
		Direction: dir,
		ContextID: contextID(ctx),
		Payload:   payload,
	})
}

func remoteAddress(ctx host.StageContext) (addr string) {
	defer func() {
		if recover() != nil {
			addr = trace.UnknownAddress
		}
	}()
	p := ctx.Pipeline()
	if p == nil {
		return trace.UnknownAddress
	}
	ra := p.RemoteAddr()
	if ra == nil {
		return trace.UnknownAddress
	}
	return "/" + ra.String()
}

func contextID(ctx host.StageContext) (id string) {
	defer func() {
		if recover() != nil {
			id = ctx.Name()
		}
	}()
	if p := ctx.Pipeline(); p != nil {
		return p.ID()
	}
	return ctx.Name()
}
