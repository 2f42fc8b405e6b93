package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"wegate/pkg/bus"
	"wegate/pkg/channel"
	"wegate/pkg/config"
	"wegate/pkg/router"
)

const (
	defaultStatusHost = "0.0.0.0"
	defaultStatusPort = 18890
)

// Service composes channel adapters, the message bus, and the routing
// collaborator into one running gateway. Adapters publish accepted messages
// through the shared handler; the dispatch loop resolves routes and hands
// envelopes to the collaborator; the outbound loop pushes the collaborator's
// replies back out through the owning adapter.
type Service struct {
	cfg        *config.Config
	log        *slog.Logger
	bus        *bus.MessageBus
	resolver   router.Resolver
	dispatcher router.Dispatcher
	adapters   map[string]channel.Adapter
	ordered    []channel.Adapter

	mu            sync.RWMutex
	startedAt     time.Time
	channelStates map[string]channelState
	dispatched    uint64
	dropped       uint64
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status        string                  `json:"status"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	Dispatched    uint64                  `json:"dispatched"`
	Dropped       uint64                  `json:"dropped"`
	Channels      map[string]channelState `json:"channels"`
}

// NewService wires the gateway together. A nil resolver or dispatcher falls
// back to the static loopback collaborator, which keeps the binary runnable
// before a real one is attached.
func NewService(cfg *config.Config, adapters []channel.Adapter, resolver router.Resolver, dispatcher router.Dispatcher, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if len(adapters) == 0 {
		return nil, errors.New("at least one channel adapter is required")
	}
	if log == nil {
		log = slog.Default()
	}

	messageBus := bus.NewMessageBus()
	if resolver == nil {
		resolver = router.StaticResolver{}
	}
	if dispatcher == nil {
		dispatcher = &router.EchoDispatcher{Bus: messageBus}
	}

	byName := make(map[string]channel.Adapter, len(adapters))
	channelStates := make(map[string]channelState, len(adapters))
	for _, adapter := range adapters {
		if _, exists := byName[adapter.Name()]; exists {
			return nil, fmt.Errorf("duplicate channel adapter %q", adapter.Name())
		}
		byName[adapter.Name()] = adapter
		channelStates[adapter.Name()] = channelState{}
	}

	return &Service{
		cfg:           cfg,
		log:           log.With("component", "gateway.service"),
		bus:           messageBus,
		resolver:      resolver,
		dispatcher:    dispatcher,
		adapters:      byName,
		ordered:       adapters,
		channelStates: channelStates,
	}, nil
}

// Bus exposes the message bus so an external collaborator can publish
// outbound replies and subscribe to gateway events.
func (s *Service) Bus() *bus.MessageBus {
	return s.bus
}

// Run blocks until ctx is canceled or a component fails. Dedup and token
// state live inside the adapters and survive until process exit; shutdown
// only stops the listeners and loops.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	serverErrors := make(chan error, 1)
	go s.runStatusServer(ctx, serverErrors)

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		s.dispatchLoop(ctx)
	}()
	go func() {
		defer loops.Done()
		s.outboundLoop(ctx)
	}()

	adapterErrors := make(chan error, len(s.ordered))
	for _, adapter := range s.ordered {
		adapter := adapter
		s.setChannelState(adapter.Name(), channelState{Running: true})

		go func() {
			err := adapter.Run(ctx, s.handleInbound)
			s.setChannelState(adapter.Name(), channelState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				adapterErrors <- fmt.Errorf("run %s channel: %w", adapter.Name(), err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErrors:
	case runErr = <-adapterErrors:
	}

	s.bus.Close()
	loops.Wait()
	return runErr
}

// handleInbound is the shared channel handler: it queues one accepted message
// for dispatch.
func (s *Service) handleInbound(ctx context.Context, inbound bus.InboundMessage) error {
	if !s.bus.PublishInbound(ctx, inbound) {
		return errors.New("gateway is shutting down")
	}

	s.bus.PublishEvent(ctx, bus.Event{
		Type:      bus.EventCallbackReceived,
		Channel:   inbound.Channel,
		Account:   inbound.Account,
		SenderID:  inbound.SenderID,
		MessageID: inbound.MessageID,
		RequestID: inbound.Metadata["request_id"],
	})
	return nil
}

// dispatchLoop consumes queued envelopes, resolves their route, and hands
// them to the collaborator. Failures never propagate back to the channel
// adapter; the platform exchange is long finished.
func (s *Service) dispatchLoop(ctx context.Context) {
	for {
		inbound, ok := s.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}

		peer := router.Peer{
			Channel:  inbound.Channel,
			Account:  inbound.Account,
			SenderID: inbound.SenderID,
			AgentID:  inbound.AgentID,
		}

		route, err := s.resolver.ResolveRoute(ctx, peer)
		if err != nil {
			s.noteDrop(ctx, inbound, fmt.Errorf("resolve route: %w", err))
			continue
		}
		if route.SessionKey != "" {
			inbound.SessionKey = route.SessionKey
		}
		if route.AgentID != "" {
			inbound.AgentID = route.AgentID
		}

		if err := s.dispatcher.Dispatch(ctx, inbound); err != nil {
			s.noteDrop(ctx, inbound, fmt.Errorf("dispatch: %w", err))
			continue
		}

		s.mu.Lock()
		s.dispatched++
		s.mu.Unlock()

		s.bus.PublishEvent(ctx, bus.Event{
			Type:      bus.EventMessageDispatched,
			Channel:   inbound.Channel,
			Account:   inbound.Account,
			SenderID:  inbound.SenderID,
			MessageID: inbound.MessageID,
			RequestID: inbound.Metadata["request_id"],
		})
	}
}

// outboundLoop pushes collaborator replies back out through the adapter that
// owns the destination account.
func (s *Service) outboundLoop(ctx context.Context) {
	for {
		outbound, ok := s.bus.ConsumeOutbound(ctx)
		if !ok {
			return
		}

		adapter, ok := s.adapters[outbound.Channel+":"+outbound.Account]
		if !ok {
			s.log.Error("No adapter for outbound message", "channel", outbound.Channel, "account", outbound.Account)
			continue
		}

		if err := adapter.Send(ctx, outbound); err != nil {
			s.log.Error("Failed to send outbound message", "channel", outbound.Channel, "recipient", outbound.Recipient, "error", err)
			s.bus.PublishEvent(ctx, bus.Event{
				Type:     bus.EventSendFailed,
				Channel:  outbound.Channel,
				Account:  outbound.Account,
				SenderID: outbound.Recipient,
				Error:    err.Error(),
			})
		}
	}
}

func (s *Service) noteDrop(ctx context.Context, inbound bus.InboundMessage, err error) {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()

	s.log.Error("Failed to dispatch inbound message", "channel", inbound.Channel, "message_id", inbound.MessageID, "error", err)
	s.bus.PublishEvent(ctx, bus.Event{
		Type:      bus.EventDispatchFailed,
		Channel:   inbound.Channel,
		Account:   inbound.Account,
		SenderID:  inbound.SenderID,
		MessageID: inbound.MessageID,
		RequestID: inbound.Metadata["request_id"],
		Error:     err.Error(),
	})
}

func (s *Service) runStatusServer(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultStatusHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultStatusPort
	}

	addr := host + ":" + strconv.Itoa(port)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start status server: %w", err)
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		channels[name] = state
	}

	return statusResponse{
		Status:        status,
		UptimeSeconds: uptime,
		Dispatched:    s.dispatched,
		Dropped:       s.dropped,
		Channels:      channels,
	}
}

func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, state := range s.channelStates {
		if state.Running {
			return true
		}
	}

	return false
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
