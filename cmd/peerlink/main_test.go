package main

import (
	"context"
	"testing"
	"time"
)

func TestDemoCommand(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := newApp().RunContext(ctx, []string{"peerlink", "--log-level", "error", "demo"}); err != nil {
		t.Fatalf("demo: %v", err)
	}
}

func TestBenchCommand(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	args := []string{"peerlink", "--log-level", "error", "bench", "--duration", "300ms", "--clients", "2", "--workers", "2", "--info-ratio", "0.5"}
	if err := newApp().RunContext(ctx, args); err != nil {
		t.Fatalf("bench: %v", err)
	}
}

func TestBadLogLevel(t *testing.T) {
	if err := newApp().Run([]string{"peerlink", "--log-level", "loud", "demo"}); err == nil {
		t.Fatal("expected an error for an unknown log level")
	}
}

func TestReversed(t *testing.T) {
	got := reversed([]byte{1, 2, 3})
	if string(got) != string([]byte{3, 2, 1}) {
		t.Fatalf("reversed: got %v, want [3 2 1]", got)
	}
	if len(reversed(nil)) != 0 {
		t.Fatal("reversed(nil) not empty")
	}
}
