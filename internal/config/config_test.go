package config

import (
	"testing"
	"time"
)

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		fallback time.Duration
		want     time.Duration
	}{
		{"unset", "", 5 * time.Second, 5 * time.Second},
		{"go duration", "90s", time.Second, 90 * time.Second},
		{"bare seconds", "45", time.Second, 45 * time.Second},
		{"garbage", "soon", 7 * time.Second, 7 * time.Second},
		{"negative", "-3s", 2 * time.Second, 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tt.value)
			if got := getEnvDuration("TEST_DURATION", tt.fallback); got != tt.want {
				t.Fatalf("getEnvDuration(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestParseOrigins(t *testing.T) {
	if got := parseOrigins(""); got != nil {
		t.Fatalf("empty origins should allow all, got %v", got)
	}

	got := parseOrigins(" https://a.example , ,https://b.example")
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GRADING_TIMEOUT", "")
	t.Setenv("FLAG_SUPPRESSION_WINDOW", "")

	cfg := Load()
	if cfg.GradingTimeout != 60*time.Second {
		t.Fatalf("default grading timeout = %v, want 60s", cfg.GradingTimeout)
	}
	if cfg.FlagSuppressionWindow != 5*time.Second {
		t.Fatalf("default suppression window = %v, want 5s", cfg.FlagSuppressionWindow)
	}
}
