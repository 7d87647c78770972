package shutdown

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"kiln/internal/pkg/logger"
)

func newTestLogger() *logger.Logger {
	var buf bytes.Buffer
	return logger.New(logger.Config{Level: "debug", Format: "json", Output: &buf})
}

func TestRegister(t *testing.T) {
	mgr := NewManager(newTestLogger(), 5*time.Second)

	mgr.Register("test", func(ctx context.Context) error { return nil })

	if len(mgr.handlers) != 1 {
		t.Fatalf("expected 1 handler, got %d", len(mgr.handlers))
	}
	if mgr.handlers[0].Name != "test" {
		t.Errorf("expected handler name test, got %s", mgr.handlers[0].Name)
	}
}

func TestShutdown(t *testing.T) {
	t.Run("runs all handlers", func(t *testing.T) {
		mgr := NewManager(newTestLogger(), 5*time.Second)

		var calls atomic.Int32
		for _, name := range []string{"a", "b", "c"} {
			mgr.Register(name, func(ctx context.Context) error {
				calls.Add(1)
				return nil
			})
		}

		mgr.Shutdown()

		if got := calls.Load(); got != 3 {
			t.Errorf("expected 3 handlers called, got %d", got)
		}
	})

	t.Run("closes done channel", func(t *testing.T) {
		mgr := NewManager(newTestLogger(), 5*time.Second)
		mgr.Shutdown()

		select {
		case <-mgr.Done():
		case <-time.After(time.Second):
			t.Error("expected done channel to be closed")
		}
	})

	t.Run("handler error does not block others", func(t *testing.T) {
		mgr := NewManager(newTestLogger(), 5*time.Second)

		var ok atomic.Bool
		mgr.Register("failing", func(ctx context.Context) error {
			return errors.New("cleanup failed")
		})
		mgr.Register("healthy", func(ctx context.Context) error {
			ok.Store(true)
			return nil
		})

		mgr.Shutdown()

		if !ok.Load() {
			t.Error("expected healthy handler to run despite failing one")
		}
	})
}

func TestRegisterSimple(t *testing.T) {
	mgr := NewManager(newTestLogger(), 5*time.Second)

	var called bool
	mgr.RegisterSimple("simple", func() { called = true })
	mgr.Shutdown()

	if !called {
		t.Error("expected simple handler to be called")
	}
}

func TestDefaultTimeout(t *testing.T) {
	mgr := NewManager(newTestLogger(), 0)
	if mgr.timeout != 30*time.Second {
		t.Errorf("expected default timeout of 30s, got %s", mgr.timeout)
	}
}
