package cmd

import (
	"context"
	"testing"

	"wegate/pkg/bus"
	channelpkg "wegate/pkg/channel"
	"wegate/pkg/config"
)

const testAESKey = "jWmYm7qr5nMoAUwZRjGtBxmz3KA1tkAj3ykkR6q2B2C"

type testAdapter struct{ name string }

func (a testAdapter) Name() string { return a.name }

func (a testAdapter) Run(_ context.Context, _ channelpkg.Handler) error { return nil }

func (a testAdapter) Send(_ context.Context, _ bus.OutboundMessage) error { return nil }

func TestEnabledAdaptersRequiresAtLeastOneAccount(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	if _, err := enabledAdapters(cfg, nil); err == nil {
		t.Fatal("expected error when no accounts are enabled")
	}
}

func TestEnabledAdaptersSkipsInvalidAccounts(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Channels.WeCom.Enabled = true
	cfg.Channels.WeCom.Accounts = []config.WeComAccount{
		{Name: "broken", CorpID: "", AgentID: "1", Secret: "s", Token: "t", EncodingAESKey: testAESKey, Port: 8801},
		{Name: "good", CorpID: "wwtest", AgentID: "1", Secret: "s", Token: "t", EncodingAESKey: testAESKey, Port: 8802},
	}

	adapters, err := enabledAdapters(cfg, nil)
	if err != nil {
		t.Fatalf("enabledAdapters error: %v", err)
	}
	if len(adapters) != 1 {
		t.Fatalf("adapters = %d, want 1", len(adapters))
	}
	if adapters[0].Name() != "wecom:good" {
		t.Fatalf("adapter name = %q", adapters[0].Name())
	}
}

func TestEnabledChannelNames(t *testing.T) {
	t.Parallel()

	adapters := []channelpkg.Adapter{testAdapter{name: "wecom:main"}, testAdapter{name: "wecom:backup"}}
	if got := enabledChannelNames(adapters); got != "wecom:main,wecom:backup" {
		t.Fatalf("enabledChannelNames = %q, want %q", got, "wecom:main,wecom:backup")
	}
}
