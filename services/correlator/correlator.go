// Package correlator sends one operator-supplied unit into the server and, for
// requests that demand an answer, waits a bounded time for the matching reply.
package correlator

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/host"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/observability"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/stanza"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/services"
	"go.uber.org/zap"
)

// Outcome of a submission.
type Outcome string

const (
	OutcomeSent          Outcome = "sent"
	OutcomeSentWithReply Outcome = "sent-with-reply"
	OutcomeSentNoReply   Outcome = "sent-no-reply"
	OutcomeRejected      Outcome = "rejected"
)

// dispatchFailed labels submissions that the server could not route. They
// return an error rather than a Result, so it is a metric label only.
const dispatchFailed = "dispatch-error"

// DefaultReplyTimeout bounds the wait for a reply.
const DefaultReplyTimeout = 15 * time.Second

// Config tunes the correlator.
type Config struct {
	ReplyTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{ReplyTimeout: DefaultReplyTimeout}
}

// Result describes what happened to a submission.
type Result struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
	Request string  `json:"request,omitempty"`
	Reply   string  `json:"reply,omitempty"`
}

// Correlator dispatches through router and watches interceptors for replies.
type Correlator struct {
	router       host.Router
	interceptors host.InterceptorRegistry
	cfg          Config
	metrics      *observability.Metrics
	logger       *zap.Logger
}

func New(router host.Router, interceptors host.InterceptorRegistry, cfg Config, metrics *observability.Metrics, logger *zap.Logger) *Correlator {
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = DefaultReplyTimeout
	}
	return &Correlator{
		router:       router,
		interceptors: interceptors,
		cfg:          cfg,
		metrics:      metrics,
		logger:       logger,
	}
}

// ReplyTimeout returns the configured wait bound.
func (c *Correlator) ReplyTimeout() time.Duration { return c.cfg.ReplyTimeout }

// Submit parses input and dispatches it. Rejected input returns both a result
// and a rejected DomainError. A timeout is not an error. ctx only governs the
// dispatch itself; once a request is in flight the wait runs to its bound.
func (c *Correlator) Submit(ctx context.Context, input string) (*Result, error) {
	unit, err := stanza.Parse(input)
	if err != nil {
		return c.reject(err)
	}

	result := &Result{Request: unit.String()}

	if !unit.IsRequest() || unit.ID() == "" {
		if err := c.dispatch(ctx, unit); err != nil {
			return nil, err
		}
		result.Outcome = OutcomeSent
		c.finish(result)
		return result, nil
	}

	obs := newReplyObserver(unit.ID())
	c.interceptors.Add(obs)
	defer c.interceptors.Remove(obs)

	if err := c.dispatch(ctx, unit); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.cfg.ReplyTimeout)
	defer timer.Stop()

	select {
	case reply := <-obs.slot:
		result.Outcome = OutcomeSentWithReply
		result.Reply = reply.String()
	case <-timer.C:
		result.Outcome = OutcomeSentNoReply
		c.logger.Debug("no reply before timeout",
			zap.String("id", unit.ID()),
			zap.Duration("timeout", c.cfg.ReplyTimeout))
	}
	c.finish(result)
	return result, nil
}

func (c *Correlator) dispatch(ctx context.Context, unit *stanza.Unit) error {
	if err := c.router.Route(ctx, unit); err != nil {
		c.logger.Warn("stanza dispatch failed", zap.String("kind", string(unit.Kind())), zap.Error(err))
		c.metrics.RecordSubmission(dispatchFailed)
		return services.WrapDispatch("failed to dispatch stanza", err)
	}
	return nil
}

func (c *Correlator) reject(err error) (*Result, error) {
	reason := rejectionReason(err)
	result := &Result{Outcome: OutcomeRejected, Reason: reason}
	c.finish(result)

	derr := services.NewDomainError(services.ErrorTypeRejected, reason, err).
		WithDetail("outcome", string(OutcomeRejected)).
		WithDetail("reason", reason)
	return result, derr
}

func (c *Correlator) finish(r *Result) {
	c.metrics.RecordSubmission(string(r.Outcome))
	c.logger.Info("stanza submitted", zap.String("outcome", string(r.Outcome)))
}

func rejectionReason(err error) string {
	if errors.Is(err, stanza.ErrEmpty) {
		return "no input"
	}
	return err.Error()
}

// replyObserver fills its slot with the first unprocessed response carrying
// the request id. Later matches are dropped.
type replyObserver struct {
	id     string
	filled atomic.Bool
	slot   chan *stanza.Unit
}

func newReplyObserver(id string) *replyObserver {
	return &replyObserver{id: id, slot: make(chan *stanza.Unit, 1)}
}

func (o *replyObserver) InterceptPacket(unit *stanza.Unit, _ host.Session, _, processed bool) {
	if processed || unit == nil || !unit.IsResponse() || unit.ID() != o.id {
		return
	}
	if !o.filled.CompareAndSwap(false, true) {
		return
	}
	o.slot <- unit.Copy()
}
