package utils

import (
	"errors"
	"testing"
	"time"
)

func TestRecoverAsError(t *testing.T) {
	t.Run("recovers from panic", func(t *testing.T) {
		fn := func() (err error) {
			defer RecoverAsError(&err)
			panic("test panic")
		}

		err := fn()
		if err == nil {
			t.Fatal("expected error from panic recovery")
		}

		var panicErr *PanicError
		if !errors.As(err, &panicErr) {
			t.Fatalf("expected PanicError, got %T", err)
		}
		if panicErr.Value != "test panic" {
			t.Errorf("expected panic value 'test panic', got %v", panicErr.Value)
		}
		if panicErr.StackTrace == "" {
			t.Error("expected stack trace to be populated")
		}
	})

	t.Run("preserves original error", func(t *testing.T) {
		originalErr := errors.New("original error")
		fn := func() (err error) {
			defer RecoverAsError(&err)
			return originalErr
		}

		if err := fn(); err != originalErr {
			t.Errorf("expected original error, got %v", err)
		}
	})
}

func TestGuard(t *testing.T) {
	sentinel := errors.New("tensor shape mismatch")

	err := Guard(func() error { panic(sentinel) })
	var panicErr *PanicError
	if !errors.As(err, &panicErr) {
		t.Fatalf("expected PanicError, got %T", err)
	}
	if !errors.Is(err, sentinel) {
		t.Error("expected panic error value to be unwrapped")
	}

	if err := Guard(func() error { return nil }); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestSafeGo(t *testing.T) {
	errCh := make(chan error, 1)
	SafeGo(func() {
		panic("worker panic")
	}, func(err error) {
		errCh <- err
	})

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected error to be passed to callback")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for panic recovery")
	}
}
