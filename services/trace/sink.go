package trace

import (
	"fmt"
	"io"
	"sync"

	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/observability"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/runtimeconfig"
	"go.uber.org/zap"
)

// Emitter accepts trace events. Implementations must not block or panic.
type Emitter interface {
	Emit(e Event)
}

// Subscriber receives every emitted event, independent of the console and
// file toggles.
type Subscriber interface {
	Publish(e Event)
}

// SinkConfig wires the two toggled destinations.
type SinkConfig struct {
	Console        io.Writer
	ConsoleEnabled *runtimeconfig.Cell
	File           *zap.Logger
	FileEnabled    *runtimeconfig.Cell
}

// Sink writes each event straight to the enabled destinations; nothing is
// buffered.
type Sink struct {
	console        io.Writer
	consoleEnabled *runtimeconfig.Cell
	consoleMu      sync.Mutex

	file        *zap.Logger
	fileEnabled *runtimeconfig.Cell
	missingFile sync.Once

	subMu       sync.RWMutex
	subscribers []*subscriberEntry

	metrics *observability.Metrics
	logger  *zap.Logger
}

type subscriberEntry struct {
	sub Subscriber
}

var _ Emitter = (*Sink)(nil)

func NewSink(cfg SinkConfig, metrics *observability.Metrics, logger *zap.Logger) *Sink {
	return &Sink{
		console:        cfg.Console,
		consoleEnabled: cfg.ConsoleEnabled,
		file:           cfg.File,
		fileEnabled:    cfg.FileEnabled,
		metrics:        metrics,
		logger:         logger,
	}
}

// Emit formats e once and routes the line.
func (s *Sink) Emit(e Event) {
	s.metrics.RecordTraceEvent(string(e.Layer), string(e.Direction))

	var line string
	if s.enabled(s.consoleEnabled) && s.console != nil {
		line = e.Line()
		s.consoleMu.Lock()
		_, err := fmt.Fprintln(s.console, line)
		s.consoleMu.Unlock()
		if err != nil {
			s.logger.Debug("console trace write failed", zap.Error(err))
		}
	}

	if s.enabled(s.fileEnabled) {
		if s.file == nil {
			s.missingFile.Do(func() {
				s.logger.Warn("file trace destination enabled but no trace log file is configured")
			})
		} else {
			if line == "" {
				line = e.Line()
			}
			s.file.Info(line)
		}
	}

	s.subMu.RLock()
	subs := s.subscribers
	s.subMu.RUnlock()
	for _, entry := range subs {
		entry.sub.Publish(e)
	}
}

func (s *Sink) enabled(c *runtimeconfig.Cell) bool {
	return c != nil && c.Get()
}

// Subscribe adds sub and returns a func that removes it.
func (s *Sink) Subscribe(sub Subscriber) func() {
	entry := &subscriberEntry{sub: sub}

	s.subMu.Lock()
	next := make([]*subscriberEntry, 0, len(s.subscribers)+1)
	next = append(next, s.subscribers...)
	s.subscribers = append(next, entry)
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		next := make([]*subscriberEntry, 0, len(s.subscribers))
		for _, e := range s.subscribers {
			if e != entry {
				next = append(next, e)
			}
		}
		s.subscribers = next
	}
}

// Close flushes the file destination.
func (s *Sink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Sync()
}
