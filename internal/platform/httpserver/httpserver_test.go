package httpserver

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestNew_Defaults(t *testing.T) {
	s := New(Options{Addr: ":0"})
	if s.HTTP.Handler == nil {
		t.Fatal("expected a default router")
	}
	if s.HTTP.IdleTimeout != DefaultIdleTimeout {
		t.Fatalf("IdleTimeout = %v", s.HTTP.IdleTimeout)
	}
	if s.HTTP.MaxHeaderBytes != DefaultMaxHeaderBytes {
		t.Fatalf("MaxHeaderBytes = %d", s.HTTP.MaxHeaderBytes)
	}
	if s.HTTP.WriteTimeout != 0 {
		t.Fatalf("streamed bodies need no WriteTimeout, got %v", s.HTTP.WriteTimeout)
	}
	if s.HTTP.ErrorLog != nil {
		t.Fatal("no logger given, expected default error log")
	}
}

func TestNew_Overrides(t *testing.T) {
	s := New(Options{Addr: ":0", IdleTimeout: 30 * time.Second, MaxHeaderBytes: 4096, Logger: zap.NewNop()})
	if s.HTTP.IdleTimeout != 30*time.Second || s.HTTP.MaxHeaderBytes != 4096 {
		t.Fatalf("overrides ignored: idle=%v max=%d", s.HTTP.IdleTimeout, s.HTTP.MaxHeaderBytes)
	}
	if s.HTTP.ErrorLog == nil {
		t.Fatal("server errors should go to the service logger")
	}
}

func TestShutdown_NotStarted(t *testing.T) {
	if err := New(Options{Addr: ":0"}).Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
