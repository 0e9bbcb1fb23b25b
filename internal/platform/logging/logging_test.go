package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	log, err := New("shouting")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("debug should be disabled at the fallback level")
	}
}

func TestTokenPrefix(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"abc", "abc"},
		{"0123456789abcdef", "01234567"},
	}
	for _, tt := range tests {
		if got := TokenPrefix(tt.in); got != tt.want {
			t.Fatalf("TokenPrefix(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
