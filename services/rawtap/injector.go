package rawtap

import (
	"sync"

	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/host"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/observability"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/runtimeconfig"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/services/trace"
	"go.uber.org/zap"
)

// insertAfter lists the stages a tap is placed behind, most preferred first.
// When none is present the tap goes to the socket end of the pipeline.
var insertAfter = []string{
	"inboundCompressionHandler",
	"outboundCompressionHandler",
	"sslHandler",
	"keepAliveHandler",
}

// Injector keeps a tap on every open pipeline of one category while enabled.
type Injector struct {
	category   host.ConnectionType
	registry   host.PipelineRegistry
	whitespace *runtimeconfig.Cell
	sink       trace.Emitter
	metrics    *observability.Metrics
	logger     *zap.Logger

	mu       sync.Mutex
	enabled  bool
	attached map[string]host.MutablePipeline
	cell     *runtimeconfig.Cell
}

var _ host.PipelineListener = (*Injector)(nil)

// NewInjector creates a disabled injector.
func NewInjector(
	category host.ConnectionType,
	registry host.PipelineRegistry,
	whitespace *runtimeconfig.Cell,
	sink trace.Emitter,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Injector {
	return &Injector{
		category:   category,
		registry:   registry,
		whitespace: whitespace,
		sink:       sink,
		metrics:    metrics,
		logger:     logger.With(zap.String("category", category.Tag())),
		attached:   make(map[string]host.MutablePipeline),
	}
}

// Category returns the connection category the injector serves.
func (i *Injector) Category() host.ConnectionType { return i.category }

// Enabled reports whether taps are being attached.
func (i *Injector) Enabled() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.enabled
}

// Attached returns the number of pipelines currently carrying a tap.
func (i *Injector) Attached() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.attached)
}

// Cell returns the bound cell, or nil.
func (i *Injector) Cell() *runtimeconfig.Cell {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cell
}

// Bind makes c drive the injector and applies its current value.
func (i *Injector) Bind(c *runtimeconfig.Cell) {
	i.mu.Lock()
	i.cell = c
	i.mu.Unlock()

	c.OnChange(i.SetEnabled)

	// Read under the lock so a flip racing the registration above cannot be
	// overwritten by a stale value.
	i.mu.Lock()
	defer i.mu.Unlock()
	i.setEnabledLocked(c.Get())
}

// SetEnabled attaches or detaches taps. Repeating the current value does
// nothing.
func (i *Injector) SetEnabled(enabled bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.setEnabledLocked(enabled)
}

func (i *Injector) setEnabledLocked(enabled bool) {
	if i.enabled == enabled {
		return
	}
	i.enabled = enabled

	if enabled {
		i.registry.AddListener(i.category, i)
		for _, p := range i.registry.Open(i.category) {
			i.attachLocked(p)
		}
		i.logger.Info("raw traffic logging enabled", zap.Int("attached", len(i.attached)))
	} else {
		i.registry.RemoveListener(i.category, i)
		for id, p := range i.attached {
			i.detachLocked(id, p)
		}
		i.logger.Info("raw traffic logging disabled")
	}
	i.metrics.SetAttachedTaps(i.category.Tag(), len(i.attached))
}

// PipelineOpened attaches a tap when the injector is enabled.
func (i *Injector) PipelineOpened(p host.Pipeline) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.enabled {
		return
	}
	i.attachLocked(p)
	i.metrics.SetAttachedTaps(i.category.Tag(), len(i.attached))
}

// PipelineClosed forgets p. The stage itself goes away with the pipeline.
func (i *Injector) PipelineClosed(p host.Pipeline) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.attached[p.ID()]; !ok {
		return
	}
	delete(i.attached, p.ID())
	i.metrics.SetAttachedTaps(i.category.Tag(), len(i.attached))
}

// Close detaches every tap and stops following the bound cell.
func (i *Injector) Close() {
	i.SetEnabled(false)
}

func (i *Injector) attachLocked(p host.Pipeline) {
	if _, ok := i.attached[p.ID()]; ok {
		return
	}
	mp, ok := p.(host.MutablePipeline)
	if !ok {
		i.logger.Warn("pipeline does not support adding stages; raw traffic will not be logged",
			zap.String("pipeline_id", p.ID()))
		return
	}
	if mp.Get(StageName) != nil {
		i.attached[p.ID()] = mp
		return
	}

	tap := NewTap(i.category, i.whitespace, i.sink, i.logger)
	if err := insert(mp, tap); err != nil {
		i.logger.Warn("failed to add raw traffic tap",
			zap.String("pipeline_id", p.ID()), zap.Error(err))
		return
	}
	i.attached[p.ID()] = mp
}

func (i *Injector) detachLocked(id string, p host.MutablePipeline) {
	delete(i.attached, id)
	if _, err := p.Remove(StageName); err != nil {
		i.logger.Debug("raw traffic tap already gone", zap.String("pipeline_id", id), zap.Error(err))
	}
}

func insert(p host.MutablePipeline, tap *Tap) error {
	for _, base := range insertAfter {
		if p.Get(base) != nil {
			return p.AddAfter(base, StageName, tap)
		}
	}
	return p.AddFirst(StageName, tap)
}
