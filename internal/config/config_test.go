package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	v := NewViper()
	v.Set("auth.signing_secret", "secret")
	v.Set("internal.secret", "internal")

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Errorf("HTTPAddress = %q, want %q", cfg.HTTPAddress, defaultHTTPAddress)
	}
	if cfg.MaxMessageLen != 1000 {
		t.Errorf("MaxMessageLen = %d, want 1000", cfg.MaxMessageLen)
	}
	if cfg.ViewCooldown != 24*time.Hour {
		t.Errorf("ViewCooldown = %s, want 24h", cfg.ViewCooldown)
	}
	if cfg.EventTimeout != 5*time.Second {
		t.Errorf("EventTimeout = %s, want 5s", cfg.EventTimeout)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("AGORA_AUTH_SIGNING_SECRET", "env-secret")
	t.Setenv("AGORA_INTERNAL_SECRET", "env-internal")
	t.Setenv("AGORA_CHAT_MAX_LENGTH", "280")
	t.Setenv("AGORA_WS_EVENT_TIMEOUT", "2s")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.SigningSecret != "env-secret" {
		t.Errorf("SigningSecret = %q", cfg.SigningSecret)
	}
	if cfg.MaxMessageLen != 280 {
		t.Errorf("MaxMessageLen = %d, want 280", cfg.MaxMessageLen)
	}
	if cfg.EventTimeout != 2*time.Second {
		t.Errorf("EventTimeout = %s, want 2s", cfg.EventTimeout)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(set func(string, any))
		wantErr string
	}{
		{"missing signing secret", func(set func(string, any)) { set("auth.signing_secret", " ") }, "auth.signing_secret"},
		{"missing internal secret", func(set func(string, any)) { set("internal.secret", "") }, "internal.secret"},
		{"zero workers", func(set func(string, any)) { set("ws.worker_pool", 0) }, "ws.worker_pool"},
		{"zero max length", func(set func(string, any)) { set("chat.max_length", 0) }, "chat.max_length"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewViper()
			v.Set("auth.signing_secret", "secret")
			v.Set("internal.secret", "internal")
			tt.mutate(v.Set)

			_, err := Load(v)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}
