package wecom

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"wegate/pkg/bus"
	"wegate/pkg/channel"
	"wegate/pkg/config"
	"wegate/pkg/router"
	api "wegate/pkg/wecom"
)

const channelName = "wecom"
const messagePreviewLimit = 240
const maxCallbackBodySize = 1 << 20
const shutdownTimeout = 5 * time.Second

// Adapter is the callback server for one WeCom account: it owns the HTTP
// listener on the account's port, verifies and decrypts deliveries, and hands
// accepted messages to the shared channel handler.
//
// The platform gives callbacks a hard response deadline of a few seconds and
// retries on timeout, so the delivery handler acknowledges with 200 before
// any crypto or dispatch work runs.
type Adapter struct {
	account  config.WeComAccount
	name     string
	policy   channel.AccessPolicy
	codec    *api.Codec
	dedup    *api.Deduplicator
	client   *api.Client
	resolver router.Resolver
	log      *slog.Logger

	handler channel.Handler
	runCtx  context.Context
	wg      sync.WaitGroup
}

// NewAdapter validates one account's credential bundle and constructs its
// callback server. A shared client lets accounts on the same credential pair
// reuse one token cache entry.
func NewAdapter(account config.WeComAccount, client *api.Client, resolver router.Resolver, log *slog.Logger) (*Adapter, error) {
	if err := account.Validate(); err != nil {
		return nil, err
	}

	codec, err := api.NewCodec(account.Token, account.EncodingAESKey, account.CorpID)
	if err != nil {
		return nil, err
	}

	policy, err := channel.ParsePolicy(account.Policy.Mode, account.Policy.AllowFrom)
	if err != nil {
		return nil, fmt.Errorf("account %q: %w", account.Name, err)
	}

	if client == nil {
		client = api.NewClient("", nil, nil)
	}
	if resolver == nil {
		resolver = router.StaticResolver{}
	}
	if log == nil {
		log = slog.Default()
	}

	name := strings.TrimSpace(account.Name)
	if name == "" {
		name = account.CorpID
	}

	return &Adapter{
		account:  account,
		name:     name,
		policy:   policy,
		codec:    codec,
		dedup:    api.NewDeduplicator(),
		client:   client,
		resolver: resolver,
		log:      log.With("component", "channel.wecom", "account", name),
		runCtx:   context.Background(),
	}, nil
}

// Name returns the unique adapter identifier used for outbound routing and
// status reporting.
func (a *Adapter) Name() string {
	return channelName + ":" + a.name
}

// Policy reports the account's access policy mode.
func (a *Adapter) Policy() string {
	return a.policy.Mode()
}

// Run serves the account's verification and delivery endpoints until ctx is
// canceled, then shuts the listener down gracefully and waits for in-flight
// callback processing to drain.
func (a *Adapter) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	a.handler = handler
	a.runCtx = ctx

	mux := http.NewServeMux()
	mux.HandleFunc("/", a.recoverable(a.serveCallback))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.account.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serverErrors <- err
	}()

	a.log.Info("WeCom channel started", "port", a.account.Port, "policy", a.policy.Mode())

	select {
	case err := <-serverErrors:
		if err != nil {
			return fmt.Errorf("wecom listener: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("Listener shutdown incomplete", "error", err)
		}
		<-serverErrors
		a.wg.Wait()
		return nil
	}
}

// Send pushes one outbound reply to the platform send endpoint.
func (a *Adapter) Send(ctx context.Context, outbound bus.OutboundMessage) error {
	creds := api.Credentials{
		CorpID:  a.account.CorpID,
		Secret:  a.account.Secret,
		AgentID: a.account.AgentID,
	}

	result, err := a.client.SendText(ctx, creds, outbound.Recipient, outbound.Content)
	if err != nil {
		return err
	}

	a.log.Info("Sent message", "recipient", outbound.Recipient, "msg_id", result.MsgID, "content", previewText(outbound.Content))
	return nil
}

func (a *Adapter) serveCallback(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.handleVerify(w, r)
	case http.MethodPost:
		a.handleDelivery(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleVerify answers the platform's URL verification probe: check the
// signature over the echo string, decrypt it, and return the raw plaintext.
// Failures are a bare 403 with no hint of the reason.
func (a *Adapter) handleVerify(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	signature := query.Get("msg_signature")
	timestamp := query.Get("timestamp")
	nonce := query.Get("nonce")
	echo := query.Get("echostr")

	if !a.codec.VerifySignature(signature, timestamp, nonce, echo) {
		a.log.Warn("URL verification signature mismatch", "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	plaintext, err := a.codec.Decrypt(echo)
	if err != nil {
		a.log.Warn("URL verification decrypt failed", "error", err)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	// The platform expects the decrypted text verbatim, not JSON.
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, plaintext)
}

// handleDelivery acknowledges a message delivery immediately and processes it
// out of band. By the time decryption or dispatch can fail, the 200 is
// already on the wire, so failures are logged and the message is dropped.
func (a *Adapter) handleDelivery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBodySize))
	if err != nil {
		a.log.Warn("Failed to read callback body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	query := r.URL.Query()
	signature := query.Get("msg_signature")
	timestamp := query.Get("timestamp")
	nonce := query.Get("nonce")

	w.WriteHeader(http.StatusOK)

	a.wg.Add(1)
	go a.process(signature, timestamp, nonce, string(body))
}

// process runs the decrypt/dedup/parse/policy/dispatch pipeline for one
// acknowledged delivery. It runs on the adapter's run context, not the
// request's: the HTTP exchange is already over.
func (a *Adapter) process(signature, timestamp, nonce, body string) {
	defer a.wg.Done()

	requestID := uuid.NewString()
	log := a.log.With("request_id", requestID)

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("Callback processing panicked", "panic", rec)
		}
	}()

	ctx := a.runCtx

	encrypted := api.ExtractField(body, "Encrypt")
	if encrypted == "" {
		log.Warn("Callback body has no Encrypt field")
		return
	}

	if !a.codec.VerifySignature(signature, timestamp, nonce, encrypted) {
		log.Warn("Callback signature mismatch")
		return
	}

	plaintext, err := a.codec.Decrypt(encrypted)
	if err != nil {
		log.Warn("Callback decrypt failed", "error", err)
		return
	}

	messageID := api.ExtractField(plaintext, "MsgId")
	if messageID != "" && !a.dedup.MarkIfNew(messageID) {
		log.Info("Duplicate delivery suppressed", "message_id", messageID)
		return
	}

	message := api.ParseMessage(plaintext)
	if message.MsgType != "text" || strings.TrimSpace(message.Content) == "" {
		log.Debug("Ignoring non-text or empty message", "msg_type", message.MsgType)
		return
	}

	peer := router.Peer{
		Channel:  channelName,
		Account:  a.name,
		SenderID: message.FromUser,
		AgentID:  a.account.AgentID,
	}

	switch a.policy.Evaluate(message.FromUser) {
	case channel.Reject:
		log.Info("Dropping message from sender not on allowlist", "sender_id", message.FromUser)
		return
	case channel.Delegate:
		approved, err := a.resolver.Approve(ctx, peer)
		if err != nil {
			log.Error("Pairing decision failed", "sender_id", message.FromUser, "error", err)
			return
		}
		if !approved {
			log.Info("Dropping message from unpaired sender", "sender_id", message.FromUser)
			return
		}
	}

	inbound := bus.InboundMessage{
		Channel:    channelName,
		Account:    a.name,
		SenderID:   message.FromUser,
		AgentID:    firstNonEmpty(message.AgentID, a.account.AgentID),
		MessageID:  message.MsgID,
		SessionKey: sessionKey(message.FromUser),
		Content:    message.Content,
		Formatted:  fmt.Sprintf("[%s] %s", message.FromUser, message.Content),
		CreatedAt:  time.Unix(message.CreateTime, 0).UTC(),
		Metadata: map[string]string{
			"request_id": requestID,
			"msg_type":   message.MsgType,
		},
	}
	log.Info("Received message", "sender_id", message.FromUser, "message_id", message.MsgID, "content", previewText(message.Content))

	if err := a.handler(ctx, inbound); err != nil {
		log.Error("Failed to hand off inbound message", "error", err)
	}
}

// recoverable converts handler panics into a 500 when no response has been
// written yet; afterwards they are log-only, matching the delivery path where
// the 200 is sent before processing.
func (a *Adapter) recoverable(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tracked := &trackingResponseWriter{ResponseWriter: w}
		defer func() {
			if rec := recover(); rec != nil {
				a.log.Error("Handler panicked", "path", r.URL.Path, "panic", rec)
				if !tracked.wrote {
					w.WriteHeader(http.StatusInternalServerError)
				}
			}
		}()

		next(tracked, r)
	}
}

type trackingResponseWriter struct {
	http.ResponseWriter
	wrote bool
}

func (w *trackingResponseWriter) WriteHeader(status int) {
	w.wrote = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *trackingResponseWriter) Write(data []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(data)
}

// sessionKey maps one sender to one routing session namespace.
func sessionKey(senderID string) string {
	return channelName + ":" + strings.TrimSpace(senderID)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}
