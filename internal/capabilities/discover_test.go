package capabilities

import (
	"context"
	"runtime"
	"testing"
)

func TestDiscoverAlwaysReportsOSAndArch(t *testing.T) {
	t.Parallel()

	m := New()
	caps := m.Discover(context.Background())

	if caps["Agent.OS"] != runtime.GOOS {
		t.Fatalf("expected Agent.OS == %q, got %q", runtime.GOOS, caps["Agent.OS"])
	}
	if caps["Agent.Arch"] != runtime.GOARCH {
		t.Fatalf("expected Agent.Arch == %q, got %q", runtime.GOARCH, caps["Agent.Arch"])
	}
}

func TestDiscoverDoesNotPanicOnCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := New()
	caps := m.Discover(ctx)
	if caps["Agent.OS"] == "" {
		t.Fatal("expected OS/Arch to still be reported even when gopsutil calls fail")
	}
}
