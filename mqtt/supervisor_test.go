package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/eddielth/flowguard-bridge/config"
	"github.com/eddielth/flowguard-bridge/metrics"
)

type fakeSession struct {
	connectErr    error
	subscribeErrs []error
	events        chan Event

	mu         sync.Mutex
	subscribes int
	closed     bool
}

func newFakeSession(connectErr error, subscribeErrs ...error) *fakeSession {
	return &fakeSession{
		connectErr:    connectErr,
		subscribeErrs: subscribeErrs,
		events:        make(chan Event, 16),
	}
}

func (f *fakeSession) Connect(context.Context) error {
	return f.connectErr
}

func (f *fakeSession) Subscribe(context.Context, string, byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.subscribes
	f.subscribes++
	if n < len(f.subscribeErrs) {
		return f.subscribeErrs[n]
	}
	return nil
}

func (f *fakeSession) Events() <-chan Event {
	return f.events
}

func (f *fakeSession) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSession) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes
}

func (f *fakeSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeDialer struct {
	mu       sync.Mutex
	sessions []*fakeSession
	dialed   int
}

func (d *fakeDialer) Dial() Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.dialed
	d.dialed++
	if i < len(d.sessions) {
		return d.sessions[i]
	}
	return newFakeSession(errors.New("broker unreachable"))
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialed
}

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) handle(_ context.Context, msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Topic)
	}
	return out
}

func testMQTTConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Topic: "flowguard/sensors",
		QoS:   1,
		Reconnect: config.BackoffConfig{
			InitialInterval: time.Millisecond,
			MaxInterval:     4 * time.Millisecond,
			Multiplier:      2,
		},
	}
}

func newTestSupervisor(cfg config.MQTTConfig, d *fakeDialer, handler MessageHandler) (*Supervisor, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	sup := NewSupervisor(cfg, d.Dial, handler,
		WithSupervisorLogger(zap.New(core).Sugar()),
		WithJitter(0),
	)
	return sup, logs
}

func start(t *testing.T, sup *Supervisor) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sup.Run(ctx)
	}()
	t.Cleanup(cancel)
	return cancel, done
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func backoffDelays(logs *observer.ObservedLogs) []time.Duration {
	var out []time.Duration
	for _, entry := range logs.FilterMessage("reconnecting to broker").All() {
		out = append(out, entry.ContextMap()["backoff"].(time.Duration))
	}
	return out
}

func TestSupervisorDeliversMessagesInOrder(t *testing.T) {
	session := newFakeSession(nil)
	dialer := &fakeDialer{sessions: []*fakeSession{session}}
	rec := &recorder{}
	sup, _ := newTestSupervisor(testMQTTConfig(), dialer, rec.handle)

	cancel, done := start(t, sup)
	require.Eventually(t, func() bool { return sup.State() == Subscribed }, time.Second, time.Millisecond)

	for _, topic := range []string{"a", "b", "c"} {
		session.events <- Event{Kind: EventMessage, Message: Message{Topic: topic}}
	}
	require.Eventually(t, func() bool { return len(rec.topics()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, rec.topics())

	cancel()
	waitDone(t, done)
	assert.Equal(t, ShuttingDown, sup.State())
	assert.True(t, session.isClosed())
	assert.Equal(t, 1, dialer.count())
}

func TestSupervisorReconnectsAfterConnectionLoss(t *testing.T) {
	first := newFakeSession(nil)
	second := newFakeSession(nil)
	dialer := &fakeDialer{sessions: []*fakeSession{first, second}}
	rec := &recorder{}
	sup, logs := newTestSupervisor(testMQTTConfig(), dialer, rec.handle)

	_, done := start(t, sup)
	require.Eventually(t, func() bool { return sup.State() == Subscribed }, time.Second, time.Millisecond)

	first.events <- Event{Kind: EventConnectionLost, Err: errors.New("broker restarted")}

	require.Eventually(t, func() bool {
		return dialer.count() == 2 && second.subscribeCount() == 1 && sup.State() == Subscribed
	}, time.Second, time.Millisecond)
	assert.True(t, first.isClosed())
	assert.Equal(t, 1, logs.FilterMessage("connection to broker lost").Len())

	reconnects := logs.FilterMessage("reconnecting to broker").All()
	require.Len(t, reconnects, 1)
	assert.Equal(t, int64(1), reconnects[0].ContextMap()["attempt"])
	assert.Equal(t, time.Millisecond, reconnects[0].ContextMap()["backoff"])

	second.events <- Event{Kind: EventMessage, Message: Message{Topic: "after-reconnect"}}
	require.Eventually(t, func() bool { return len(rec.topics()) == 1 }, time.Second, time.Millisecond)

	select {
	case <-done:
		t.Fatal("supervisor exited after connection loss")
	default:
	}
}

func TestSupervisorBackoffGrowsAndIsBounded(t *testing.T) {
	refused := &TransportError{Op: "connect", Code: 5, Err: errors.New("not authorized")}
	sessions := []*fakeSession{
		newFakeSession(refused),
		newFakeSession(refused),
		newFakeSession(refused),
		newFakeSession(refused),
		newFakeSession(refused),
		newFakeSession(nil),
	}
	dialer := &fakeDialer{sessions: sessions}
	sup, logs := newTestSupervisor(testMQTTConfig(), dialer, (&recorder{}).handle)

	before := testutil.ToFloat64(metrics.ReconnectAttemptsTotal)

	_, _ = start(t, sup)
	require.Eventually(t, func() bool { return sup.State() == Subscribed }, 2*time.Second, time.Millisecond)

	assert.Equal(t, []time.Duration{
		time.Millisecond,
		2 * time.Millisecond,
		4 * time.Millisecond,
		4 * time.Millisecond,
		4 * time.Millisecond,
	}, backoffDelays(logs))
	assert.Equal(t, 5.0, testutil.ToFloat64(metrics.ReconnectAttemptsTotal)-before)

	failures := logs.FilterMessage("failed to connect to broker").All()
	require.Len(t, failures, 5)
	assert.Equal(t, int64(5), failures[0].ContextMap()["code"])
	for _, s := range sessions[:5] {
		assert.True(t, s.isClosed())
	}
}

func TestSupervisorRetriesSubscribeOnSameSession(t *testing.T) {
	refused := &TransportError{Op: "subscribe", Code: subscribeFailure, Err: errors.New("refused")}
	session := newFakeSession(nil, refused, refused)
	dialer := &fakeDialer{sessions: []*fakeSession{session}}
	sup, logs := newTestSupervisor(testMQTTConfig(), dialer, (&recorder{}).handle)

	_, _ = start(t, sup)
	require.Eventually(t, func() bool { return sup.State() == Subscribed }, time.Second, time.Millisecond)

	assert.Equal(t, 1, dialer.count())
	assert.Equal(t, 3, session.subscribeCount())

	failures := logs.FilterMessage("failed to subscribe").All()
	require.Len(t, failures, 2)
	assert.Equal(t, int64(subscribeFailure), failures[0].ContextMap()["code"])
}

func TestSupervisorConnectionLostWhileSubscribing(t *testing.T) {
	first := newFakeSession(nil, errors.New("suback timeout"))
	first.events <- Event{Kind: EventConnectionLost, Err: errors.New("eof")}
	second := newFakeSession(nil)
	dialer := &fakeDialer{sessions: []*fakeSession{first, second}}
	sup, _ := newTestSupervisor(testMQTTConfig(), dialer, (&recorder{}).handle)

	_, _ = start(t, sup)
	require.Eventually(t, func() bool {
		return dialer.count() == 2 && sup.State() == Subscribed
	}, time.Second, time.Millisecond)
	assert.True(t, first.isClosed())
}

func TestSupervisorShutdownDuringBackoff(t *testing.T) {
	cfg := testMQTTConfig()
	cfg.Reconnect.InitialInterval = time.Hour
	cfg.Reconnect.MaxInterval = time.Hour
	dialer := &fakeDialer{}
	sup, logs := newTestSupervisor(cfg, dialer, (&recorder{}).handle)

	cancel, done := start(t, sup)
	require.Eventually(t, func() bool {
		return logs.FilterMessage("reconnecting to broker").Len() == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, Disconnected, sup.State())

	cancel()
	waitDone(t, done)
	assert.Equal(t, ShuttingDown, sup.State())
	assert.Equal(t, 1, dialer.count())
}

func TestSupervisorShutdownWaitsForInFlightMessage(t *testing.T) {
	session := newFakeSession(nil)
	dialer := &fakeDialer{sessions: []*fakeSession{session}}

	started := make(chan struct{})
	release := make(chan struct{})
	var finished bool
	handler := func(context.Context, Message) {
		close(started)
		<-release
		finished = true
	}
	sup, _ := newTestSupervisor(testMQTTConfig(), dialer, handler)

	cancel, done := start(t, sup)
	require.Eventually(t, func() bool { return sup.State() == Subscribed }, time.Second, time.Millisecond)

	session.events <- Event{Kind: EventMessage, Message: Message{Topic: "slow"}}
	<-started
	cancel()

	select {
	case <-done:
		t.Fatal("supervisor returned while a message was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	waitDone(t, done)
	assert.True(t, finished)
	assert.True(t, session.isClosed())
}

func TestSupervisorStateHookAndGauge(t *testing.T) {
	session := newFakeSession(nil)
	dialer := &fakeDialer{sessions: []*fakeSession{session}}

	var mu sync.Mutex
	var states []State
	sup := NewSupervisor(testMQTTConfig(), dialer.Dial, (&recorder{}).handle,
		WithSupervisorLogger(zap.NewNop().Sugar()),
		WithStateHook(func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}),
	)

	cancel, done := start(t, sup)
	require.Eventually(t, func() bool { return sup.State() == Subscribed }, time.Second, time.Millisecond)
	assert.Equal(t, float64(Subscribed), testutil.ToFloat64(metrics.ConnectionState))

	cancel()
	waitDone(t, done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{Disconnected, Connecting, Subscribed, ShuttingDown}, states)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "subscribed", Subscribed.String())
	assert.Equal(t, "shutting_down", ShuttingDown.String())
	assert.Equal(t, "unknown", State(42).String())
}
