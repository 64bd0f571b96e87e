package logger

import (
	"log/slog"
	"testing"
)

func TestGetInstanceIDIsStable(t *testing.T) {
	first := GetInstanceID()
	if first == "" {
		t.Fatal("expected a non-empty instance id")
	}
	if second := GetInstanceID(); second != first {
		t.Errorf("instance id changed between calls: %s vs %s", first, second)
	}
}

func TestFromConfigMapsLevels(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for name, want := range cases {
		if got := FromConfig(name, "").Level; got != want {
			t.Errorf("level %s mapped to %v, want %v", name, got, want)
		}
	}
}

func TestWithComponentReturnsDistinctLogger(t *testing.T) {
	base := New(Config{Level: slog.LevelError})
	scoped := base.WithComponent("session")
	if scoped == base || scoped.Logger == base.Logger {
		t.Error("expected a derived logger, got the same instance")
	}
}
