package supervisor

import (
	"context"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func TestRunRestartsOnSIGUSR1ThenShutsDownOnSIGTERM(t *testing.T) {
	var starts int32
	var stopReasons []string

	factory := func(ctx context.Context) (func(string), error) {
		atomic.AddInt32(&starts, 1)
		return func(reason string) {
			stopReasons = append(stopReasons, reason)
		}, nil
	}

	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), factory)
	}()

	time.Sleep(20 * time.Millisecond)
	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("send SIGUSR1: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("send SIGTERM: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after SIGTERM")
	}

	if atomic.LoadInt32(&starts) != 2 {
		t.Fatalf("expected factory started twice (initial + restart), got %d", starts)
	}
	if len(stopReasons) != 2 || stopReasons[0] != "restart" || stopReasons[1] != "shutdown" {
		t.Fatalf("unexpected stop reasons: %v", stopReasons)
	}
}

func TestRunPropagatesStartError(t *testing.T) {
	wantErr := context.DeadlineExceeded
	factory := func(ctx context.Context) (func(string), error) {
		return nil, wantErr
	}
	if err := Run(context.Background(), factory); err == nil {
		t.Fatal("expected Run() to return a start error")
	}
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	factory := func(ctx context.Context) (func(string), error) {
		return func(reason string) {}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, factory) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}
