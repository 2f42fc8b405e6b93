package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wegate/pkg/bus"
	"wegate/pkg/channel"
	"wegate/pkg/config"
	"wegate/pkg/router"
)

type scriptedAdapter struct {
	name    string
	inbound []bus.InboundMessage

	mu       sync.Mutex
	outbound []bus.OutboundMessage
	fed      chan struct{}
	feedOnce sync.Once
}

func newScriptedAdapter(name string, inbound ...bus.InboundMessage) *scriptedAdapter {
	return &scriptedAdapter{name: name, inbound: inbound, fed: make(chan struct{})}
}

func (a *scriptedAdapter) Name() string {
	return a.name
}

func (a *scriptedAdapter) Run(ctx context.Context, handler channel.Handler) error {
	for _, inbound := range a.inbound {
		if err := handler(ctx, inbound); err != nil {
			return err
		}
	}

	a.feedOnce.Do(func() { close(a.fed) })

	<-ctx.Done()
	return nil
}

func (a *scriptedAdapter) Send(_ context.Context, outbound bus.OutboundMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outbound = append(a.outbound, outbound)
	return nil
}

func (a *scriptedAdapter) sent() []bus.OutboundMessage {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]bus.OutboundMessage, len(a.outbound))
	copy(out, a.outbound)
	return out
}

type recordingDispatcher struct {
	mu        sync.Mutex
	envelopes []bus.InboundMessage
	err       error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, msg bus.InboundMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.err != nil {
		return d.err
	}
	d.envelopes = append(d.envelopes, msg)
	return nil
}

func (d *recordingDispatcher) dispatched() []bus.InboundMessage {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]bus.InboundMessage, len(d.envelopes))
	copy(out, d.envelopes)
	return out
}

type sessionResolver struct{}

func (sessionResolver) ResolveRoute(_ context.Context, peer router.Peer) (router.Route, error) {
	return router.Route{SessionKey: "session-" + peer.SenderID, AgentID: "agent-7"}, nil
}

func (sessionResolver) Approve(context.Context, router.Peer) (bool, error) {
	return true, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	return &config.Config{
		Gateway: config.GatewayConfig{Host: "127.0.0.1", Port: freeTCPPort(t)},
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())
	return port
}

func TestServiceRoutesInboundThroughResolverAndDispatcher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter := newScriptedAdapter("wecom:main",
		bus.InboundMessage{Channel: "wecom", Account: "main", SenderID: "zhangsan", MessageID: "m1", Content: "hello"},
		bus.InboundMessage{Channel: "wecom", Account: "main", SenderID: "lisi", MessageID: "m2", Content: "world"},
	)
	dispatcher := &recordingDispatcher{}

	svc, err := NewService(testConfig(t), []channel.Adapter{adapter}, sessionResolver{}, dispatcher, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(dispatcher.dispatched()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	envelopes := dispatcher.dispatched()
	require.Equal(t, "session-zhangsan", envelopes[0].SessionKey)
	require.Equal(t, "agent-7", envelopes[0].AgentID)
	require.Equal(t, "session-lisi", envelopes[1].SessionKey)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestServiceEchoLoopback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter := newScriptedAdapter("wecom:main",
		bus.InboundMessage{Channel: "wecom", Account: "main", SenderID: "zhangsan", MessageID: "m1", Content: "ping"},
	)

	// Nil collaborators: the echo dispatcher loops the message back out.
	svc, err := NewService(testConfig(t), []channel.Adapter{adapter}, nil, nil, nil)
	require.NoError(t, err)

	go func() { _ = svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(adapter.sent()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sent := adapter.sent()
	require.Equal(t, "zhangsan", sent[0].Recipient)
	require.Equal(t, "ping", sent[0].Content)
}

func TestServiceEmitsDispatchFailedEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter := newScriptedAdapter("wecom:main",
		bus.InboundMessage{Channel: "wecom", Account: "main", SenderID: "zhangsan", MessageID: "m1", Content: "hello"},
	)
	dispatcher := &recordingDispatcher{err: errors.New("collaborator offline")}

	svc, err := NewService(testConfig(t), []channel.Adapter{adapter}, nil, dispatcher, nil)
	require.NoError(t, err)

	events, unsubscribe := svc.Bus().SubscribeEvents(ctx, 16)
	defer unsubscribe()

	go func() { _ = svc.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-events:
			if event.Type != bus.EventDispatchFailed {
				continue
			}
			require.Equal(t, "m1", event.MessageID)
			require.Contains(t, event.Error, "collaborator offline")
			return
		case <-deadline:
			t.Fatal("dispatch_failed event did not arrive")
		}
	}
}

func TestServiceStatusEndpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t)
	adapter := newScriptedAdapter("wecom:main",
		bus.InboundMessage{Channel: "wecom", Account: "main", SenderID: "zhangsan", MessageID: "m1", Content: "hello"},
	)

	svc, err := NewService(cfg, []channel.Adapter{adapter}, nil, &recordingDispatcher{}, nil)
	require.NoError(t, err)

	go func() { _ = svc.Run(ctx) }()

	var status statusResponse
	require.Eventually(t, func() bool {
		response, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", cfg.Gateway.Port))
		if err != nil {
			return false
		}
		defer response.Body.Close()
		if err := json.NewDecoder(response.Body).Decode(&status); err != nil {
			return false
		}
		return status.Dispatched == 1
	}, 2*time.Second, 20*time.Millisecond)

	require.Equal(t, "ok", status.Status)
	state, ok := status.Channels["wecom:main"]
	require.True(t, ok)
	require.True(t, state.Running)
}

func TestServiceRejectsEmptyComposition(t *testing.T) {
	_, err := NewService(nil, nil, nil, nil, nil)
	require.Error(t, err)

	_, err = NewService(testConfig(t), nil, nil, nil, nil)
	require.Error(t, err)

	adapter := newScriptedAdapter("wecom:main")
	_, err = NewService(testConfig(t), []channel.Adapter{adapter, adapter}, nil, nil, nil)
	require.Error(t, err)
}

func TestServiceReadyEndpointReflectsChannels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t)
	adapter := newScriptedAdapter("wecom:main")

	svc, err := NewService(cfg, []channel.Adapter{adapter}, nil, &recordingDispatcher{}, nil)
	require.NoError(t, err)

	go func() { _ = svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		response, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/readyz", cfg.Gateway.Port))
		if err != nil {
			return false
		}
		response.Body.Close()
		return response.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
}
