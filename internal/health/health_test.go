package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestChecker_Basic(t *testing.T) {
	checker := NewChecker("1.0.0")

	status := checker.GetStatus()

	if status.Status != "ok" {
		t.Errorf("expected status 'ok', got %s", status.Status)
	}

	if status.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got %s", status.Version)
	}

	if status.UptimeSeconds < 0 {
		t.Error("expected non-negative uptime")
	}
}

func TestChecker_SetComponent(t *testing.T) {
	checker := NewChecker("1.0.0")

	checker.SetComponent("remote", true, "connected")

	status := checker.GetStatus()

	if len(status.Components) != 1 {
		t.Errorf("expected 1 component, got %d", len(status.Components))
	}

	remote, ok := status.Components["remote"]
	if !ok {
		t.Fatal("expected remote component")
	}

	if !remote.Healthy {
		t.Error("expected remote to be healthy")
	}

	if remote.Message != "connected" {
		t.Errorf("expected message 'connected', got %s", remote.Message)
	}
}

func TestChecker_Degraded(t *testing.T) {
	checker := NewChecker("1.0.0")

	checker.SetComponent("engine", true, "ok")
	checker.SetComponent("remote", false, "unreachable")

	status := checker.GetStatus()

	if status.Status != "degraded" {
		t.Errorf("expected status 'degraded', got %s", status.Status)
	}

	if checker.IsHealthy() {
		t.Error("expected IsHealthy() to return false")
	}
}

func TestChecker_InformationalNeverDegrades(t *testing.T) {
	checker := NewChecker("1.0.0")

	checker.SetComponent("engine", true, "ok")
	checker.SetInfo("usb_device", false, "no device attached")

	status := checker.GetStatus()
	if status.Status != "ok" {
		t.Errorf("expected status 'ok', got %s", status.Status)
	}
	if !status.Components["usb_device"].Informational {
		t.Error("expected usb_device to be informational")
	}
	if !checker.IsHealthy() {
		t.Error("expected IsHealthy() to ignore informational components")
	}
}

func TestChecker_Recovery(t *testing.T) {
	checker := NewChecker("1.0.0")

	// Start unhealthy
	checker.SetComponent("generator", false, "write failed")

	if checker.IsHealthy() {
		t.Error("expected unhealthy")
	}

	// Recover
	checker.SetComponent("generator", true, "idle")

	if !checker.IsHealthy() {
		t.Error("expected healthy after recovery")
	}

	status := checker.GetStatus()
	if status.Status != "ok" {
		t.Errorf("expected status 'ok', got %s", status.Status)
	}
}

func TestChecker_Refresh(t *testing.T) {
	checker := NewChecker("1.0.0")

	var up atomic.Bool
	checker.Register("remote", false, func(ctx context.Context) (bool, string) {
		if up.Load() {
			return true, "connected"
		}
		return false, "unreachable"
	})
	checker.Register("usb_device", true, func(ctx context.Context) (bool, string) {
		return false, "none"
	})

	checker.Refresh(context.Background())
	if checker.GetStatus().Status != "degraded" {
		t.Errorf("expected degraded while remote is down")
	}

	up.Store(true)
	checker.Refresh(context.Background())

	status := checker.GetStatus()
	if status.Status != "ok" {
		t.Errorf("expected status 'ok', got %s", status.Status)
	}
	if len(status.Components) != 2 {
		t.Errorf("expected 2 components, got %d", len(status.Components))
	}
	if status.Components["remote"].Message != "connected" {
		t.Errorf("remote message = %q, want connected", status.Components["remote"].Message)
	}
}

func TestChecker_Run(t *testing.T) {
	checker := NewChecker("1.0.0")

	var calls atomic.Int32
	checker.Register("engine", false, func(ctx context.Context) (bool, string) {
		calls.Add(1)
		return true, ""
	})

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()

	if err := checker.Run(ctx, 10*time.Millisecond); err != context.DeadlineExceeded {
		t.Errorf("Run() error = %v, want DeadlineExceeded", err)
	}
	if calls.Load() < 3 {
		t.Errorf("probe ran %d times, want at least 3", calls.Load())
	}
}
