package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/eddielth/flowguard-bridge/config"
	"github.com/eddielth/flowguard-bridge/logger"
)

// subscribeFailure is the SUBACK return code for a refused filter.
const subscribeFailure = 0x80

var errTimeout = errors.New("timed out")

// Message is one delivery from the broker.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// EventKind tells message deliveries from connectivity changes.
type EventKind int

const (
	EventMessage EventKind = iota
	EventConnectionLost
)

// Event is what a Session yields to the supervisor.
type Event struct {
	Kind    EventKind
	Message Message
	// Err is the disconnect reason for EventConnectionLost.
	Err error
}

// TransportError is a failed connect or subscribe.
type TransportError struct {
	Op string
	// Code is the CONNACK/SUBACK return code, 0 when none was received.
	Code byte
	Err  error
}

func (e *TransportError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("mqtt %s failed (code %d): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("mqtt %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Session is a single broker connection. A new Session is created for
// every connection attempt and discarded after Close.
type Session interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, filter string, qos byte) error
	// Events delivers messages and connection loss, bounded by the queue size.
	Events() <-chan Event
	// Close disconnects and unblocks any pending delivery.
	Close()
}

// Dialer creates a fresh, unconnected Session.
type Dialer func() Session

// PahoSession is a Session over the Eclipse Paho client. Paho's own
// reconnect is disabled; the Supervisor decides when to reconnect.
type PahoSession struct {
	cfg       config.MQTTConfig
	client    paho.Client
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewPahoDialer returns a Dialer building PahoSessions from cfg.
func NewPahoDialer(cfg config.MQTTConfig) Dialer {
	return func() Session {
		return NewPahoSession(cfg)
	}
}

// NewPahoSession creates an unconnected session. Credentials are optional;
// without a username the connection is attempted unauthenticated.
func NewPahoSession(cfg config.MQTTConfig) *PahoSession {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1
	}

	s := &PahoSession{
		cfg:    cfg,
		events: make(chan Event, queueSize),
		done:   make(chan struct{}),
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL())

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("flowguard-bridge-%d", time.Now().UnixNano())
	}
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		s.emit(Event{Kind: EventConnectionLost, Err: err})
	})

	s.client = paho.NewClient(opts)
	return s
}

// Connect opens the connection and waits for the CONNACK.
func (s *PahoSession) Connect(ctx context.Context) error {
	token := s.client.Connect()
	if err := waitToken(ctx, token, s.cfg.ConnectTimeout); err != nil {
		var code byte
		if ct, ok := token.(*paho.ConnectToken); ok {
			code = ct.ReturnCode()
		}
		return &TransportError{Op: "connect", Code: code, Err: err}
	}

	logger.Debug("connected to MQTT broker: %s", s.cfg.BrokerURL())
	return nil
}

// Subscribe subscribes to filter and waits for the SUBACK.
func (s *PahoSession) Subscribe(ctx context.Context, filter string, qos byte) error {
	token := s.client.Subscribe(filter, qos, s.onMessage)
	if err := waitToken(ctx, token, s.cfg.SubscribeTimeout); err != nil {
		return &TransportError{Op: "subscribe", Err: err}
	}

	if st, ok := token.(*paho.SubscribeToken); ok {
		if code, found := st.Result()[filter]; found && code == subscribeFailure {
			return &TransportError{Op: "subscribe", Code: code, Err: fmt.Errorf("broker refused topic %s", filter)}
		}
	}
	return nil
}

func (s *PahoSession) onMessage(_ paho.Client, msg paho.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	s.emit(Event{
		Kind: EventMessage,
		Message: Message{
			Topic:      msg.Topic(),
			Payload:    payload,
			ReceivedAt: time.Now(),
		},
	})
}

// emit blocks while the queue is full so paho stops reading from the
// socket instead of buffering without bound. It gives up once the session
// is closed.
func (s *PahoSession) emit(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *PahoSession) Events() <-chan Event {
	return s.events
}

// Close disconnects from the broker
func (s *PahoSession) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.client.IsConnectionOpen() {
			s.client.Disconnect(250)
			logger.Debug("disconnected from MQTT broker")
		}
	})
}

func waitToken(ctx context.Context, token paho.Token, timeout time.Duration) error {
	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case <-token.Done():
		return token.Error()
	case <-timeoutC:
		return errTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
