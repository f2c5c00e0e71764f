package rawtap

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/host"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/pipeline"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/runtimeconfig"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/services/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []trace.Event
	ch     chan trace.Event
}

func newCaptureEmitter() *captureEmitter {
	return &captureEmitter{ch: make(chan trace.Event, 64)}
}

func (c *captureEmitter) Emit(e trace.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	select {
	case c.ch <- e:
	default:
	}
}

func (c *captureEmitter) all() []trace.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]trace.Event(nil), c.events...)
}

func (c *captureEmitter) next(t *testing.T) trace.Event {
	t.Helper()
	select {
	case e := <-c.ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for trace event")
		return trace.Event{}
	}
}

type panickingEmitter struct{}

func (panickingEmitter) Emit(trace.Event) { panic("sink exploded") }

// fakeContext stands in for a pipeline position.
type fakeContext struct {
	p        host.Pipeline
	active   int
	inactive int
	read     []any
	written  []any
}

func (c *fakeContext) Name() string            { return StageName }
func (c *fakeContext) Pipeline() host.Pipeline { return c.p }
func (c *fakeContext) FireActive()             { c.active++ }
func (c *fakeContext) FireInactive()           { c.inactive++ }
func (c *fakeContext) FireRead(msg any)        { c.read = append(c.read, msg) }

func (c *fakeContext) Write(msg any) error {
	c.written = append(c.written, msg)
	return nil
}

func whitespaceCell(on bool) *runtimeconfig.Cell {
	return runtimeconfig.NewCell(runtimeconfig.NewStore(nil), "plugin.xmldebugger.logWhitespace", on)
}

func TestTapObservesAndForwards(t *testing.T) {
	emitter := newCaptureEmitter()
	tap := NewTap(host.ConnectionClient, whitespaceCell(false), emitter, zap.NewNop())
	tap.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 6000000, time.UTC) }

	ctx := &fakeContext{p: pipeline.New("ab12cd34", host.ConnectionClient, nil, zap.NewNop())}

	tap.Active(ctx)
	tap.Read(ctx, "<presence/>")
	require.NoError(t, tap.Write(ctx, "<message/>"))
	tap.Read(ctx, []byte("raw bytes"))
	tap.Inactive(ctx)

	assert.Equal(t, 1, ctx.active)
	assert.Equal(t, 1, ctx.inactive)
	assert.Equal(t, []any{"<presence/>", []byte("raw bytes")}, ctx.read)
	assert.Equal(t, []any{"<message/>"}, ctx.written)

	events := emitter.all()
	require.Len(t, events, 4)
	assert.Equal(t, trace.DirOpen, events[0].Direction)
	assert.Equal(t, trace.DirReceived, events[1].Direction)
	assert.Equal(t, "<presence/>", events[1].Payload)
	assert.Equal(t, trace.DirSent, events[2].Direction)
	assert.Equal(t, trace.DirClosed, events[3].Direction)

	for _, e := range events {
		assert.Equal(t, trace.LayerRaw, e.Layer)
		assert.Equal(t, "C2S-STARTTLS", e.Category)
		assert.Equal(t, trace.UnknownAddress, e.Address)
		assert.Equal(t, "ab12cd34", e.ContextID)
	}
	assert.Equal(t,
		"2024-01-02T03:04:05.006Z - C2S-STARTTLS ???              - RECV - (   ab12cd34): <presence/>",
		events[1].Line())
}

func TestTapRemoteAddress(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	emitter := newCaptureEmitter()
	tap := NewTap(host.ConnectionServer, nil, emitter, zap.NewNop())
	tap.Active(&fakeContext{p: pipeline.New("s2s", host.ConnectionServer, server, zap.NewNop())})

	events := emitter.all()
	require.Len(t, events, 1)
	assert.Equal(t, "/pipe", events[0].Address)
	assert.Equal(t, "S2S-STARTTLS", events[0].Category)
}

func TestTapWhitespace(t *testing.T) {
	tests := []struct {
		name       string
		whitespace bool
		payload    string
		wantEvent  bool
	}{
		{"blank suppressed", false, " ", false},
		{"empty suppressed", false, "", false},
		{"blank kept when enabled", true, " \t", true},
		{"content always kept", false, "<iq/>", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			emitter := newCaptureEmitter()
			tap := NewTap(host.ConnectionClient, whitespaceCell(tt.whitespace), emitter, zap.NewNop())
			ctx := &fakeContext{p: pipeline.New("id", host.ConnectionClient, nil, zap.NewNop())}

			tap.Read(ctx, tt.payload)
			require.NoError(t, tap.Write(ctx, tt.payload))

			assert.Equal(t, []any{tt.payload}, ctx.read)
			assert.Equal(t, []any{tt.payload}, ctx.written)
			if tt.wantEvent {
				assert.Len(t, emitter.all(), 2)
			} else {
				assert.Empty(t, emitter.all())
			}
		})
	}
}

func TestTapContainsPanics(t *testing.T) {
	tap := NewTap(host.ConnectionClient, nil, panickingEmitter{}, zap.NewNop())
	ctx := &fakeContext{}

	assert.NotPanics(t, func() {
		tap.Active(ctx)
		tap.Read(ctx, "<presence/>")
		_ = tap.Write(ctx, "<presence/>")
		tap.Inactive(ctx)
	})
	assert.Equal(t, 1, ctx.active)
	assert.Equal(t, 1, ctx.inactive)
	assert.Len(t, ctx.read, 1)
	assert.Len(t, ctx.written, 1)
}

type passStage struct{}

func (passStage) Active(ctx host.StageContext)               { ctx.FireActive() }
func (passStage) Inactive(ctx host.StageContext)             { ctx.FireInactive() }
func (passStage) Read(ctx host.StageContext, msg any)        { ctx.FireRead(msg) }
func (passStage) Write(ctx host.StageContext, msg any) error { return ctx.Write(msg) }

func newPipeline(t *testing.T, id string, stages ...string) *pipeline.Pipeline {
	t.Helper()
	p := pipeline.New(id, host.ConnectionClient, nil, zap.NewNop())
	for _, name := range stages {
		require.NoError(t, p.AddLast(name, passStage{}))
	}
	return p
}

func TestInsertionPoint(t *testing.T) {
	tests := []struct {
		name   string
		stages []string
		want   []string
	}{
		{
			name:   "after compression",
			stages: []string{"decoder", "inboundCompressionHandler", "sslHandler", "keepAliveHandler"},
			want:   []string{"decoder", "inboundCompressionHandler", StageName, "sslHandler", "keepAliveHandler"},
		},
		{
			name:   "after tls",
			stages: []string{"decoder", "sslHandler", "keepAliveHandler", "stanzaHandler"},
			want:   []string{"decoder", "sslHandler", StageName, "keepAliveHandler", "stanzaHandler"},
		},
		{
			name:   "after keepalive",
			stages: []string{"decoder", "keepAliveHandler", "stanzaHandler"},
			want:   []string{"decoder", "keepAliveHandler", StageName, "stanzaHandler"},
		},
		{
			name:   "first when nothing matches",
			stages: []string{"decoder", "stanzaHandler"},
			want:   []string{StageName, "decoder", "stanzaHandler"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPipeline(t, "p", tt.stages...)
			require.NoError(t, insert(p, NewTap(host.ConnectionClient, nil, newCaptureEmitter(), zap.NewNop())))
			assert.Equal(t, tt.want, p.Names())
		})
	}
}

func TestInjectorFollowsCell(t *testing.T) {
	registry := pipeline.NewRegistry(zap.NewNop())
	existing := newPipeline(t, "a", "decoder", "keepAliveHandler")
	registry.Register(existing)

	store := runtimeconfig.NewStore(nil)
	cell := runtimeconfig.NewCell(store, "plugin.xmldebugger.c2s-starttls", false)
	inj := NewInjector(host.ConnectionClient, registry, nil, newCaptureEmitter(), nil, zap.NewNop())
	inj.Bind(cell)

	assert.False(t, inj.Enabled())
	assert.Nil(t, existing.Get(StageName))

	cell.Set(true)
	assert.True(t, inj.Enabled())
	assert.NotNil(t, existing.Get(StageName))
	assert.Equal(t, 1, inj.Attached())

	// Pipelines opened while enabled are tapped on arrival.
	later := newPipeline(t, "b", "decoder", "keepAliveHandler")
	registry.Register(later)
	assert.NotNil(t, later.Get(StageName))
	assert.Equal(t, 2, inj.Attached())

	// Repeating the value is a no-op.
	inj.SetEnabled(true)
	assert.Equal(t, []string{"decoder", "keepAliveHandler", StageName}, later.Names())

	registry.Unregister(later)
	assert.Equal(t, 1, inj.Attached())

	cell.Set(false)
	assert.False(t, inj.Enabled())
	assert.Nil(t, existing.Get(StageName))
	assert.Equal(t, 0, inj.Attached())

	// Disabled injectors ignore new pipelines.
	third := newPipeline(t, "c", "decoder")
	registry.Register(third)
	assert.Nil(t, third.Get(StageName))
}

func TestInjectorConvergesUnderConcurrency(t *testing.T) {
	const (
		workers = 8
		rounds  = 100
		toggles = 50
	)

	registry := pipeline.NewRegistry(zap.NewNop())
	store := runtimeconfig.NewStore(nil)
	cell := runtimeconfig.NewCell(store, "plugin.xmldebugger.c2s-starttls", false)
	inj := NewInjector(host.ConnectionClient, registry, nil, newCaptureEmitter(), nil, zap.NewNop())
	inj.Bind(cell)
	defer inj.Close()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		open []*pipeline.Pipeline
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				p := pipeline.New(fmt.Sprintf("w%d-r%d", w, r), host.ConnectionClient, nil, zap.NewNop())
				assert.NoError(t, p.AddLast("decoder", passStage{}))
				assert.NoError(t, p.AddLast("keepAliveHandler", passStage{}))
				registry.Register(p)
				if r%2 == 0 {
					registry.Unregister(p)
					continue
				}
				mu.Lock()
				open = append(open, p)
				mu.Unlock()
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < toggles; i++ {
			cell.Set(i%2 == 0)
		}
		cell.Set(true)
	}()
	wg.Wait()

	require.Len(t, open, workers*rounds/2)
	assert.Equal(t, len(open), inj.Attached())
	for _, p := range open {
		assert.Equal(t, 1, countStage(p.Names(), StageName), p.ID())
	}

	cell.Set(false)
	assert.Equal(t, 0, inj.Attached())
	for _, p := range open {
		assert.Equal(t, 0, countStage(p.Names(), StageName), p.ID())
	}

	// Flipping back reattaches exactly one tap each.
	cell.Set(true)
	cell.Set(true)
	assert.Equal(t, len(open), inj.Attached())
	for _, p := range open {
		assert.Equal(t, 1, countStage(p.Names(), StageName), p.ID())
	}
}

func TestInjectorBindRacingToggles(t *testing.T) {
	for i := 0; i < 50; i++ {
		registry := pipeline.NewRegistry(zap.NewNop())
		store := runtimeconfig.NewStore(nil)
		cell := runtimeconfig.NewCell(store, "plugin.xmldebugger.c2s-starttls", false)
		inj := NewInjector(host.ConnectionClient, registry, nil, newCaptureEmitter(), nil, zap.NewNop())

		done := make(chan struct{})
		go func() {
			defer close(done)
			for j := 0; j < 20; j++ {
				cell.Set(j%2 == 0)
			}
		}()
		inj.Bind(cell)
		<-done

		assert.Equal(t, cell.Get(), inj.Enabled())
		inj.Close()
	}
}

func countStage(names []string, name string) int {
	n := 0
	for _, s := range names {
		if s == name {
			n++
		}
	}
	return n
}

func TestInjectorIgnoresOtherCategories(t *testing.T) {
	registry := pipeline.NewRegistry(zap.NewNop())
	server := pipeline.New("s", host.ConnectionServer, nil, zap.NewNop())
	registry.Register(server)

	inj := NewInjector(host.ConnectionClient, registry, nil, newCaptureEmitter(), nil, zap.NewNop())
	inj.SetEnabled(true)
	defer inj.Close()

	assert.Nil(t, server.Get(StageName))
	assert.Equal(t, 0, inj.Attached())
}

// fixedPipeline supports no stage changes.
type fixedPipeline struct{ id string }

func (f fixedPipeline) ID() string                { return f.id }
func (f fixedPipeline) Type() host.ConnectionType { return host.ConnectionMultiplexer }
func (f fixedPipeline) RemoteAddr() net.Addr      { return nil }
func (f fixedPipeline) State() host.PipelineState { return host.StateOpen }
func (f fixedPipeline) Names() []string           { return nil }
func (f fixedPipeline) Get(string) host.Stage     { return nil }
func (f fixedPipeline) Write(any) error           { return nil }

type staticRegistry struct {
	pipelines []host.Pipeline
	listeners int
}

func (r *staticRegistry) Open(host.ConnectionType) []host.Pipeline { return r.pipelines }
func (r *staticRegistry) AddListener(host.ConnectionType, host.PipelineListener) {
	r.listeners++
}
func (r *staticRegistry) RemoveListener(host.ConnectionType, host.PipelineListener) {
	r.listeners--
}

func TestInjectorSkipsImmutablePipelines(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	tapped := newPipeline(t, "m2", "decoder")
	registry := &staticRegistry{pipelines: []host.Pipeline{fixedPipeline{id: "m1"}, tapped}}

	inj := NewInjector(host.ConnectionMultiplexer, registry, nil, newCaptureEmitter(), nil, zap.New(core))
	assert.NotPanics(t, func() { inj.SetEnabled(true) })

	assert.Equal(t, 1, inj.Attached())
	assert.NotNil(t, tapped.Get(StageName))
	assert.Equal(t, 1, registry.listeners)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "m1", logs.All()[0].ContextMap()["pipeline_id"])

	inj.SetEnabled(false)
	assert.Equal(t, 0, registry.listeners)
	assert.Nil(t, tapped.Get(StageName))
}

type lineRecorder struct{ lines chan string }

func (r *lineRecorder) Active(host.StageContext)   {}
func (r *lineRecorder) Inactive(host.StageContext) {}
func (r *lineRecorder) Read(_ host.StageContext, msg any) {
	if s, ok := msg.(string); ok {
		r.lines <- s
	}
}

func TestInjectorOnLivePipeline(t *testing.T) {
	server, client := net.Pipe()
	registry := pipeline.NewRegistry(zap.NewNop())
	emitter := newCaptureEmitter()

	inj := NewInjector(host.ConnectionClient, registry, nil, emitter, nil, zap.NewNop())
	inj.SetEnabled(true)
	defer inj.Close()

	recorder := &lineRecorder{lines: make(chan string, 4)}
	p := pipeline.New("live0001", host.ConnectionClient, server, zap.NewNop())
	require.NoError(t, p.AddLast(pipeline.DecoderName, pipeline.NewDecoder(zap.NewNop())))
	require.NoError(t, p.AddLast(pipeline.KeepAliveName, pipeline.NewKeepAlive(0, zap.NewNop())))
	require.NoError(t, p.AddLast(pipeline.StanzaName, recorder))
	registry.Register(p)

	done := make(chan struct{})
	go func() {
		p.Serve()
		registry.Unregister(p)
		close(done)
	}()

	assert.Equal(t, trace.DirOpen, emitter.next(t).Direction)

	_, err := client.Write([]byte("<presence/>\n"))
	require.NoError(t, err)

	recv := emitter.next(t)
	assert.Equal(t, trace.DirReceived, recv.Direction)
	assert.Equal(t, "<presence/>", recv.Payload)
	assert.Equal(t, "/pipe", recv.Address)
	assert.Equal(t, "<presence/>", <-recorder.lines)

	require.NoError(t, client.Close())
	assert.Equal(t, trace.DirClosed, emitter.next(t).Direction)
	<-done
	assert.Equal(t, 0, inj.Attached())
}
