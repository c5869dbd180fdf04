package mqtt

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/eddielth/flowguard-bridge/config"
	"github.com/eddielth/flowguard-bridge/logger"
	"github.com/eddielth/flowguard-bridge/metrics"
)

// State is the supervisor's connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Subscribed
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	case ShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// MessageHandler processes one delivery. It is called sequentially, in
// arrival order, from the supervisor goroutine.
type MessageHandler func(ctx context.Context, msg Message)

// Supervisor owns the broker session lifecycle: connect, subscribe,
// dispatch, and reconnect with exponential backoff after any loss.
type Supervisor struct {
	dial    Dialer
	handler MessageHandler
	topic   string
	qos     byte
	policy  config.BackoffConfig
	jitter  float64
	log     *zap.SugaredLogger
	onState func(State)

	state   atomic.Int32
	attempt int
}

// SupervisorOption configures a Supervisor
type SupervisorOption func(*Supervisor)

// WithSupervisorLogger replaces the "mqtt" component logger.
func WithSupervisorLogger(log *zap.SugaredLogger) SupervisorOption {
	return func(s *Supervisor) {
		s.log = log
	}
}

// WithJitter sets the backoff randomization factor (0 disables jitter).
func WithJitter(factor float64) SupervisorOption {
	return func(s *Supervisor) {
		s.jitter = factor
	}
}

// WithStateHook registers fn to be called on every state transition.
func WithStateHook(fn func(State)) SupervisorOption {
	return func(s *Supervisor) {
		s.onState = fn
	}
}

// NewSupervisor creates a supervisor for the topic and backoff policy in cfg.
func NewSupervisor(cfg config.MQTTConfig, dial Dialer, handler MessageHandler, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		dial:    dial,
		handler: handler,
		topic:   cfg.Topic,
		qos:     byte(cfg.QoS),
		policy:  cfg.Reconnect,
		jitter:  backoff.DefaultRandomizationFactor,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Named("mqtt")
	}
	return s
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(state State) {
	s.state.Store(int32(state))
	metrics.ConnectionState.Set(float64(state))
	if s.onState != nil {
		s.onState(state)
	}
}

func (s *Supervisor) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if s.policy.InitialInterval > 0 {
		b.InitialInterval = s.policy.InitialInterval
	}
	if s.policy.MaxInterval > 0 {
		b.MaxInterval = s.policy.MaxInterval
	}
	if s.policy.Multiplier >= 1 {
		b.Multiplier = s.policy.Multiplier
	}
	b.RandomizationFactor = s.jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run connects and dispatches messages until ctx is cancelled. A message
// already handed to the handler completes before Run returns. Connection
// failures are retried forever; Run returns nil on shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	b := s.newBackOff()
	s.setState(Disconnected)

	for {
		if ctx.Err() != nil {
			break
		}

		s.setState(Connecting)
		session := s.dial()

		if err := session.Connect(ctx); err != nil {
			session.Close()
			if ctx.Err() != nil {
				break
			}
			s.setState(Disconnected)
			s.logConnectFailure(err)
		} else {
			s.log.Infow("connected to broker", "topic", s.topic)
			lost := s.serve(ctx, session, b)
			session.Close()
			if !lost {
				break
			}
			s.setState(Disconnected)
		}

		if !s.pause(ctx, b) {
			break
		}
	}

	s.setState(ShuttingDown)
	s.log.Info("broker session released, supervisor stopped")
	return nil
}

// serve subscribes and dispatches events. It reports true when the
// connection was lost and false when ctx was cancelled.
func (s *Supervisor) serve(ctx context.Context, session Session, b backoff.BackOff) bool {
	events := session.Events()

	for {
		err := session.Subscribe(ctx, s.topic, s.qos)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return false
		}

		delay := b.NextBackOff()
		s.log.Errorw("failed to subscribe",
			"topic", s.topic,
			"code", transportCode(err),
			"retry_in", delay,
			"error", err,
		)
		if lost, stop := s.waitSubscribeRetry(ctx, events, delay); lost || stop {
			return lost
		}
	}

	b.Reset()
	s.attempt = 0
	s.setState(Subscribed)
	s.log.Infow("subscribed to topic", "topic", s.topic, "qos", s.qos)

	for {
		select {
		case <-ctx.Done():
			return false
		case ev := <-events:
			if ev.Kind == EventConnectionLost {
				s.log.Warnw("connection to broker lost", "error", ev.Err)
				return true
			}
			if ctx.Err() != nil {
				return false
			}
			s.handler(ctx, ev.Message)
		}
	}
}

func (s *Supervisor) waitSubscribeRetry(ctx context.Context, events <-chan Event, delay time.Duration) (lost, stop bool) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, true
		case <-timer.C:
			return false, false
		case ev := <-events:
			if ev.Kind == EventConnectionLost {
				s.log.Warnw("connection to broker lost before subscribing", "error", ev.Err)
				return true, false
			}
			s.handler(ctx, ev.Message)
		}
	}
}

// pause waits out the next backoff delay. It returns false if ctx is
// cancelled first.
func (s *Supervisor) pause(ctx context.Context, b backoff.BackOff) bool {
	s.attempt++
	delay := b.NextBackOff()
	metrics.ReconnectAttemptsTotal.Inc()
	s.log.Infow("reconnecting to broker", "attempt", s.attempt, "backoff", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) logConnectFailure(err error) {
	s.log.Errorw("failed to connect to broker",
		"code", transportCode(err),
		"error", err,
	)
}

func transportCode(err error) int {
	var te *TransportError
	if errors.As(err, &te) {
		return int(te.Code)
	}
	return -1
}
