package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeProvider is a minimal Provider double: Connect flips connected to
// true (unless connectErr is set), and IsConnected/setConnected let a
// test simulate an externally observed connection drop.
type fakeProvider struct {
	id string

	mu           sync.Mutex
	connected    bool
	connectCalls int
	connectErr   error
	panicOnNext  bool
}

func (f *fakeProvider) ID() string { return f.id }

func (f *fakeProvider) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.panicOnNext {
		panic("boom")
	}
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeProvider) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeProvider) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

func TestAddProvider_RejectsDuplicateIDAndAfterStart(t *testing.T) {
	s := NewSupervisor(zap.NewNop())
	cfg := BackoffConfig{InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond, BackoffFactor: 2}
	p := &fakeProvider{id: "binance-futures"}
	require.NoError(t, s.AddProvider(p, cfg))
	assert.Error(t, s.AddProvider(p, cfg), "duplicate provider id is rejected")

	require.NoError(t, s.Start())
	defer s.Stop()
	assert.Error(t, s.AddProvider(&fakeProvider{id: "other"}, cfg),
		"cannot add a provider once the supervisor is running")
}

func TestRun_ReconnectsWithBackoffAfterConnectionLoss(t *testing.T) {
	s := NewSupervisor(zap.NewNop())
	s.connectionCheckInterval = 2 * time.Millisecond

	reconnects := make(chan struct{}, 10)
	p := &fakeProvider{id: "flaky"}
	cfg := BackoffConfig{
		InitialBackoff: 3 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		BackoffFactor:  2,
		OnReconnect:    func() { reconnects <- struct{}{} },
	}
	require.NoError(t, s.AddProvider(p, cfg))
	require.NoError(t, s.Start())
	defer s.Stop()

	select {
	case <-reconnects:
	case <-time.After(time.Second):
		t.Fatal("provider never connected initially")
	}
	require.Eventually(t, func() bool { return p.IsConnected() }, time.Second, time.Millisecond)

	p.setConnected(false)

	select {
	case <-reconnects:
	case <-time.After(time.Second):
		t.Fatal("supervisor never retried the dropped connection")
	}
	require.Eventually(t, func() bool { return p.IsConnected() }, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, p.calls(), 2)
}

func TestConnectAndWatch_RecoversPanicAsError(t *testing.T) {
	s := NewSupervisor(zap.NewNop())
	p := &fakeProvider{id: "panicky", panicOnNext: true}
	w := &worker{provider: p, backoff: BackoffConfig{}}

	err := s.connectAndWatch(context.Background(), w, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestConnectAndWatch_ReturnsErrorOnFailedConnect(t *testing.T) {
	s := NewSupervisor(zap.NewNop())
	p := &fakeProvider{id: "down", connectErr: errors.New("refused")}
	w := &worker{provider: p, backoff: BackoffConfig{}}

	err := s.connectAndWatch(context.Background(), w, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
}

func TestCalculateBackoff_DoublesThenClampsAtMax(t *testing.T) {
	s := NewSupervisor(zap.NewNop())
	cfg := BackoffConfig{InitialBackoff: time.Second, MaxBackoff: 8 * time.Second, BackoffFactor: 2}
	assert.Equal(t, time.Second, s.calculateBackoff(1, cfg))
	assert.Equal(t, 2*time.Second, s.calculateBackoff(2, cfg))
	assert.Equal(t, 4*time.Second, s.calculateBackoff(3, cfg))
	assert.Equal(t, 8*time.Second, s.calculateBackoff(4, cfg))
	assert.Equal(t, 8*time.Second, s.calculateBackoff(10, cfg), "clamps at MaxBackoff")
}
