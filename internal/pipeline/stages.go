package pipeline

import (
	"bytes"
	"sync"
	"time"

	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/host"
	"go.uber.org/zap"
)

// Well-known stage names.
const (
	DecoderName   = "decoder"
	TLSName       = "sslHandler"
	KeepAliveName = "keepAliveHandler"
	StanzaName    = "stanzaHandler"
)

// MaxLineLength bounds a single decoded line.
const MaxLineLength = 1 << 20

// Decoder frames the byte stream into newline-terminated text lines and
// encodes outbound text the same way.
type Decoder struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	logger *zap.Logger
}

func NewDecoder(logger *zap.Logger) *Decoder {
	return &Decoder{logger: logger}
}

func (d *Decoder) Active(ctx host.StageContext)   { ctx.FireActive() }
func (d *Decoder) Inactive(ctx host.StageContext) { ctx.FireInactive() }

func (d *Decoder) Read(ctx host.StageContext, msg any) {
	chunk, ok := msg.([]byte)
	if !ok {
		ctx.FireRead(msg)
		return
	}

	d.mu.Lock()
	d.buf.Write(chunk)
	var lines []string
	for {
		i := bytes.IndexByte(d.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := d.buf.Next(i + 1)
		line = bytes.TrimSuffix(line[:i], []byte("\r"))
		lines = append(lines, string(line))
	}
	overflow := d.buf.Len() > MaxLineLength
	if overflow {
		d.buf.Reset()
	}
	d.mu.Unlock()

	for _, line := range lines {
		ctx.FireRead(line)
	}
	if overflow {
		d.logger.Warn("closing connection after oversized line",
			zap.String("pipeline_id", ctx.Pipeline().ID()))
		if c, ok := ctx.Pipeline().(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
}

func (d *Decoder) Write(ctx host.StageContext, msg any) error {
	if s, ok := msg.(string); ok {
		return ctx.Write([]byte(s + "\n"))
	}
	return ctx.Write(msg)
}

// TLSMarker sits on pipelines whose listener terminates TLS. Traffic reaching
// it is already decrypted; it only records that the pipeline is encrypted.
type TLSMarker struct{}

func (TLSMarker) Active(ctx host.StageContext)               { ctx.FireActive() }
func (TLSMarker) Inactive(ctx host.StageContext)             { ctx.FireInactive() }
func (TLSMarker) Read(ctx host.StageContext, msg any)        { ctx.FireRead(msg) }
func (TLSMarker) Write(ctx host.StageContext, msg any) error { return ctx.Write(msg) }

// KeepAlive sends a whitespace ping after a period without inbound traffic.
type KeepAlive struct {
	interval time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	timer *time.Timer
}

func NewKeepAlive(interval time.Duration, logger *zap.Logger) *KeepAlive {
	return &KeepAlive{interval: interval, logger: logger}
}

func (k *KeepAlive) Active(ctx host.StageContext) {
	if k.interval > 0 {
		p := ctx.Pipeline()
		k.mu.Lock()
		k.timer = time.AfterFunc(k.interval, func() { k.ping(p) })
		k.mu.Unlock()
	}
	ctx.FireActive()
}

func (k *KeepAlive) Inactive(ctx host.StageContext) {
	k.mu.Lock()
	if k.timer != nil {
		k.timer.Stop()
		k.timer = nil
	}
	k.mu.Unlock()
	ctx.FireInactive()
}

func (k *KeepAlive) Read(ctx host.StageContext, msg any) {
	k.reset()
	ctx.FireRead(msg)
}

func (k *KeepAlive) reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.timer != nil {
		k.timer.Reset(k.interval)
	}
}

func (k *KeepAlive) ping(p host.Pipeline) {
	if p.State() != host.StateOpen {
		return
	}
	if err := p.Write(" "); err != nil {
		k.logger.Debug("keep-alive ping failed", zap.String("pipeline_id", p.ID()), zap.Error(err))
		return
	}
	k.reset()
}
