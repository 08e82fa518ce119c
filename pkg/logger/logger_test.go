package logger

import (
	"context"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestOrDiscard(t *testing.T) {
	log := OrDiscard(nil)
	if log == nil {
		t.Fatal("expected a logger")
	}
	if log.Enabled(context.Background(), slog.LevelError) {
		log.Error("dropped")
	}
	base := slog.Default()
	if OrDiscard(base) != base {
		t.Fatal("expected the given logger back")
	}
}
