package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testAESKey = "jWmYm7qr5nMoAUwZRjGtBxmz3KA1tkAj3ykkR6q2B2C"

func writeConfig(t *testing.T, content string) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("WEGATE_CONFIG", path)
}

func TestLoadConfigFromEnvPath(t *testing.T) {
	writeConfig(t, `{
	  "api": {"base_url": "http://127.0.0.1:9000"},
	  "channels": {"wecom": {"enabled": true, "accounts": [{
	    "name": "main",
	    "corp_id": "wwtest",
	    "agent_id": "1000002",
	    "secret": "s3cr3t",
	    "token": "tok123",
	    "encoding_aes_key": "`+testAESKey+`",
	    "port": 8801,
	    "policy": {"mode": "allowlist", "allow_from": ["zhangsan", "lisi"]}
	  }]}},
	  "gateway": {"host": "0.0.0.0", "port": 18890},
	  "logging": {"format": "json", "level": "debug", "add_source": true}
	}`)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}

	if cfg.API.BaseURL != "http://127.0.0.1:9000" {
		t.Fatalf("api.base_url = %q", cfg.API.BaseURL)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "debug" || !cfg.Logging.AddSource {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Gateway.Port != 18890 {
		t.Fatalf("gateway.port = %d", cfg.Gateway.Port)
	}

	if !cfg.Channels.WeCom.Enabled {
		t.Fatal("channels.wecom.enabled = false")
	}
	if len(cfg.Channels.WeCom.Accounts) != 1 {
		t.Fatalf("accounts = %d, want 1", len(cfg.Channels.WeCom.Accounts))
	}

	account := cfg.Channels.WeCom.Accounts[0]
	if account.CorpID != "wwtest" || account.AgentID != "1000002" || account.Port != 8801 {
		t.Fatalf("account = %+v", account)
	}
	if account.Policy.Mode != "allowlist" || len(account.Policy.AllowFrom) != 2 {
		t.Fatalf("policy = %+v", account.Policy)
	}
	if err := account.Validate(); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	writeConfig(t, `{
	  "channels": {"wecom": {"enabled": true, "accounts": [{
	    "name": "main",
	    "corp_id": "wwtest",
	    "agent_id": "1000002",
	    "secret": "file-secret",
	    "token": "file-token",
	    "encoding_aes_key": "`+testAESKey+`",
	    "port": 8801
	  }]}},
	  "gateway": {"host": "127.0.0.1", "port": 18890}
	}`)

	t.Setenv("WEGATE_WECOM_SECRET", "env-secret")
	t.Setenv("WEGATE_WECOM_TOKEN", "env-token")
	t.Setenv("WEGATE_WECOM_ALLOW_FROM", " zhangsan , ,lisi ")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}

	account := cfg.Channels.WeCom.Accounts[0]
	if account.Secret != "env-secret" {
		t.Fatalf("secret = %q, want env override", account.Secret)
	}
	if account.Token != "env-token" {
		t.Fatalf("token = %q, want env override", account.Token)
	}
	if len(account.Policy.AllowFrom) != 2 || account.Policy.AllowFrom[0] != "zhangsan" {
		t.Fatalf("allow_from = %v", account.Policy.AllowFrom)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv("WEGATE_CONFIG", filepath.Join(t.TempDir(), "missing.json"))

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestAccountValidate(t *testing.T) {
	valid := WeComAccount{
		Name:           "main",
		CorpID:         "wwtest",
		AgentID:        "1000002",
		Secret:         "s",
		Token:          "t",
		EncodingAESKey: testAESKey,
		Port:           8801,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid account rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*WeComAccount)
		want   string
	}{
		{name: "missing corp id", mutate: func(a *WeComAccount) { a.CorpID = " " }, want: "corp_id"},
		{name: "missing agent id", mutate: func(a *WeComAccount) { a.AgentID = "" }, want: "agent_id"},
		{name: "missing secret", mutate: func(a *WeComAccount) { a.Secret = "" }, want: "secret"},
		{name: "missing token", mutate: func(a *WeComAccount) { a.Token = "" }, want: "token"},
		{name: "short aes key", mutate: func(a *WeComAccount) { a.EncodingAESKey = "short" }, want: "encoding_aes_key"},
		{name: "bad port", mutate: func(a *WeComAccount) { a.Port = 0 }, want: "port"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			account := valid
			tc.mutate(&account)

			err := account.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
