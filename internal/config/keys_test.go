package config

import (
	"errors"
	"testing"
)

func TestGetAPIKey(t *testing.T) {
	t.Run("environment wins over config", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "sk-ant-env-key")
		cfg := &Config{Anthropic: AnthropicConfig{APIKey: "sk-ant-config-key"}}

		key, err := GetAPIKey(cfg)
		if err != nil || key != "sk-ant-env-key" {
			t.Errorf("GetAPIKey = %q, %v", key, err)
		}
		if src := GetAPIKeySource(cfg); src != KeySourceEnv {
			t.Errorf("source = %v, want environment", src)
		}
	})

	t.Run("from config", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")
		cfg := &Config{Anthropic: AnthropicConfig{APIKey: "sk-ant-config-key"}}

		key, err := GetAPIKey(cfg)
		if err != nil || key != "sk-ant-config-key" {
			t.Errorf("GetAPIKey = %q, %v", key, err)
		}
		if src := GetAPIKeySource(cfg); src != KeySourceConfig {
			t.Errorf("source = %v, want config_file", src)
		}
	})

	t.Run("unresolved reference", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")
		t.Setenv("ARBITER_TEST_MISSING", "")
		cfg := &Config{Anthropic: AnthropicConfig{APIKey: "${ARBITER_TEST_MISSING}"}}
		if _, err := GetAPIKey(cfg); !errors.Is(err, ErrNoAPIKey) {
			t.Errorf("err = %v, want ErrNoAPIKey", err)
		}
	})

	t.Run("bedrock needs no key", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")
		cfg := &Config{Anthropic: AnthropicConfig{Bedrock: true}}
		key, err := GetAPIKey(cfg)
		if err != nil || key != "" {
			t.Errorf("GetAPIKey = %q, %v", key, err)
		}
		if src := GetAPIKeySource(cfg); src != KeySourceBedrock {
			t.Errorf("source = %v, want aws_bedrock", src)
		}
	})

	t.Run("no key configured", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")
		if _, err := GetAPIKey(&Config{}); !errors.Is(err, ErrNoAPIKey) {
			t.Errorf("err = %v, want ErrNoAPIKey", err)
		}
		if src := GetAPIKeySource(nil); src != KeySourceNone {
			t.Errorf("source = %v, want none", src)
		}
	})
}

func TestValidateAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"valid key", "sk-ant-REDACTED", false},
		{"empty key", "", true},
		{"wrong prefix", "sk-openai-12345678901234567890", true},
		{"too short", "sk-ant-abc", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAPIKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAPIKey() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMaskAPIKey(t *testing.T) {
	tests := []struct {
		key      string
		expected string
	}{
		{"sk-ant-REDACTED", "sk-ant-...wxyz"},
		{"", "(not set)"},
		{"short", "***"},
	}
	for _, tt := range tests {
		if got := MaskAPIKey(tt.key); got != tt.expected {
			t.Errorf("MaskAPIKey(%q) = %q, want %q", tt.key, got, tt.expected)
		}
	}
}
