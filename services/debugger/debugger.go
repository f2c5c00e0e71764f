// Package debugger assembles the taps, their toggles and the trace sink into
// one unit with an initialize/destroy lifecycle.
package debugger

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/host"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/observability"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/runtimeconfig"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/services"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/services/interpreted"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/services/rawtap"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/services/trace"
	"go.uber.org/zap"
)

// PropertyPrefix starts every debugger property key.
const PropertyPrefix = "plugin.xmldebugger."

const (
	KeyInterpreted = PropertyPrefix + "interpretedAllowed"
	KeyWhitespace  = PropertyPrefix + "logWhitespace" // true logs blank payloads
	KeyConsole     = PropertyPrefix + "logToStdOut"
	KeyFile        = PropertyPrefix + "logToFile"
)

// RawKey returns the property that toggles raw logging for t, for example
// plugin.xmldebugger.c2s-starttls.
func RawKey(t host.ConnectionType) string {
	return PropertyPrefix + strings.ToLower(t.Tag())
}

// Options are the destinations of the trace sink.
type Options struct {
	Console   io.Writer
	TraceFile *zap.Logger
}

// Debugger owns one injector per connection category, the interpreted
// printer and the sink they all write to.
type Debugger struct {
	logger *zap.Logger

	whitespace  *runtimeconfig.Cell
	console     *runtimeconfig.Cell
	file        *runtimeconfig.Cell
	interpreted *runtimeconfig.Cell
	raw         map[host.ConnectionType]*runtimeconfig.Cell

	injectors map[host.ConnectionType]*rawtap.Injector
	printer   *interpreted.Printer
	sink      *trace.Sink

	mu    sync.Mutex
	state lifecycle
}

type lifecycle int

const (
	created lifecycle = iota
	initialized
	destroyed
)

func New(
	store *runtimeconfig.Store,
	pipelines host.PipelineRegistry,
	interceptors host.InterceptorRegistry,
	opts Options,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Debugger {
	d := &Debugger{
		logger:      logger,
		whitespace:  runtimeconfig.NewCell(store, KeyWhitespace, false),
		console:     runtimeconfig.NewCell(store, KeyConsole, true),
		file:        runtimeconfig.NewCell(store, KeyFile, false),
		interpreted: runtimeconfig.NewCell(store, KeyInterpreted, false),
		raw:         make(map[host.ConnectionType]*runtimeconfig.Cell),
		injectors:   make(map[host.ConnectionType]*rawtap.Injector),
	}

	d.sink = trace.NewSink(trace.SinkConfig{
		Console:        opts.Console,
		ConsoleEnabled: d.console,
		File:           opts.TraceFile,
		FileEnabled:    d.file,
	}, metrics, logger)

	for _, t := range host.ConnectionTypes() {
		d.raw[t] = runtimeconfig.NewCell(store, RawKey(t), true)
		d.injectors[t] = rawtap.NewInjector(t, pipelines, d.whitespace, d.sink, metrics, logger)
	}
	d.printer = interpreted.NewPrinter(interceptors, d.sink, logger)
	return d
}

// Initialize binds every tap to its toggle and applies the current values.
func (d *Debugger) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != created {
		return fmt.Errorf("debugger cannot be initialized twice")
	}

	for _, t := range host.ConnectionTypes() {
		d.injectors[t].Bind(d.raw[t])
	}
	d.printer.Bind(d.interpreted)
	d.state = initialized

	d.logger.Info("debugger initialisation complete",
		zap.Any("settings", d.Settings()))
	return nil
}

// Destroy removes every tap, listener and interceptor. Toggles stop having
// any effect.
func (d *Debugger) Destroy() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == destroyed {
		return nil
	}
	d.state = destroyed

	for _, c := range d.cells() {
		c.Close()
	}
	for _, t := range host.ConnectionTypes() {
		d.injectors[t].Close()
	}
	d.printer.Close()

	d.logger.Info("debugger destruction complete")
	return d.sink.Close()
}

// Initialized reports whether the taps are live.
func (d *Debugger) Initialized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == initialized
}

func (d *Debugger) cells() []*runtimeconfig.Cell {
	out := []*runtimeconfig.Cell{d.whitespace, d.console, d.file, d.interpreted}
	for _, t := range host.ConnectionTypes() {
		out = append(out, d.raw[t])
	}
	return out
}

// Injector returns the injector serving t, or nil for an unknown category.
func (d *Debugger) Injector(t host.ConnectionType) *rawtap.Injector {
	return d.injectors[t]
}

func (d *Debugger) Printer() *interpreted.Printer { return d.printer }
func (d *Debugger) Sink() *trace.Sink             { return d.sink }

// SetEnabled toggles raw logging for one category.
func (d *Debugger) SetEnabled(t host.ConnectionType, enabled bool) error {
	c, ok := d.raw[t]
	if !ok {
		return services.NewDomainError(services.ErrorTypeNotFound,
			fmt.Sprintf("unknown connection category %d", int(t)), nil)
	}
	c.Set(enabled)
	return nil
}

// Settings are the operator-facing toggles.
//
// Whitespace follows logWhitespace: false, the default, suppresses raw
// payloads that are empty or all whitespace; true logs them too.
type Settings struct {
	RawDefault     bool `json:"raw_default"`
	RawLegacyTLS   bool `json:"raw_legacy_tls"`
	RawComponent   bool `json:"raw_component"`
	RawMultiplexer bool `json:"raw_multiplexer"`
	Interpreted    bool `json:"interpreted"`
	Whitespace     bool `json:"whitespace"`
	ConsoleSink    bool `json:"console_sink"`
	FileSink       bool `json:"file_sink"`
}

// Settings reads the current toggles.
func (d *Debugger) Settings() Settings {
	return Settings{
		RawDefault:     d.raw[host.ConnectionClient].Get(),
		RawLegacyTLS:   d.raw[host.ConnectionClientLegacyTLS].Get(),
		RawComponent:   d.raw[host.ConnectionComponent].Get(),
		RawMultiplexer: d.raw[host.ConnectionMultiplexer].Get(),
		Interpreted:    d.interpreted.Get(),
		Whitespace:     d.whitespace.Get(),
		ConsoleSink:    d.console.Get(),
		FileSink:       d.file.Get(),
	}
}

// Apply writes every toggle. Unchanged values cause no notification.
func (d *Debugger) Apply(s Settings) {
	d.raw[host.ConnectionClient].Set(s.RawDefault)
	d.raw[host.ConnectionClientLegacyTLS].Set(s.RawLegacyTLS)
	d.raw[host.ConnectionComponent].Set(s.RawComponent)
	d.raw[host.ConnectionMultiplexer].Set(s.RawMultiplexer)
	d.interpreted.Set(s.Interpreted)
	d.whitespace.Set(s.Whitespace)
	d.console.Set(s.ConsoleSink)
	d.file.Set(s.FileSink)

	d.logger.Info("debugger settings applied", zap.Any("settings", s))
}

// TapStatus describes one category's raw tap.
type TapStatus struct {
	Category string `json:"category"`
	Tag      string `json:"tag"`
	Property string `json:"property"`
	Enabled  bool   `json:"enabled"`
	Attached int    `json:"attached"`
}

// Taps lists every category in declaration order.
func (d *Debugger) Taps() []TapStatus {
	out := make([]TapStatus, 0, len(d.injectors))
	for _, t := range host.ConnectionTypes() {
		inj := d.injectors[t]
		out = append(out, TapStatus{
			Category: t.String(),
			Tag:      t.Tag(),
			Property: RawKey(t),
			Enabled:  inj.Enabled(),
			Attached: inj.Attached(),
		})
	}
	return out
}
