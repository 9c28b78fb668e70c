package health

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
)

func ok(context.Context) error { return nil }

func failing(msg string) ReadinessFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	if got := NewChecker().Liveness(context.Background()).Status; got != StatusHealthy {
		t.Errorf("Liveness = %s, want healthy", got)
	}
}

func TestChecker_Readiness(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		checker   *Checker
		want      Status
		wantReady bool
	}{
		{"nothing configured", NewChecker(), StatusUnhealthy, false},
		{"all healthy", NewChecker().Require("storage", ReadinessFunc(ok)).Observe("stages", ReadinessFunc(ok)), StatusHealthy, true},
		{"critical down", NewChecker().Require("storage", failing("bucket missing")).Observe("stages", ReadinessFunc(ok)), StatusUnhealthy, false},
		{"optional down", NewChecker().Require("storage", ReadinessFunc(ok)).Observe("stages", failing("breaker open")), StatusDegraded, true},
		{"both down", NewChecker().Require("storage", failing("x")).Observe("stages", failing("y")), StatusUnhealthy, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp := tt.checker.Readiness(context.Background())
			if resp.Status != tt.want {
				t.Errorf("Status = %s, want %s (checks %v)", resp.Status, tt.want, resp.Checks)
			}
			if resp.IsReady() != tt.wantReady {
				t.Errorf("IsReady() = %v, want %v", resp.IsReady(), tt.wantReady)
			}
		})
	}
}

func TestChecker_ReadinessMessage(t *testing.T) {
	t.Parallel()
	resp := NewChecker().Require("storage", failing("bucket missing")).Readiness(context.Background())
	if got := resp.Checks["storage"]; got.Status != StatusUnhealthy || got.Message != "bucket missing" {
		t.Errorf("storage check = %+v", got)
	}
}

func TestChecker_ReadinessIsCached(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := NewChecker().Require("storage", ReadinessFunc(func(context.Context) error {
		calls.Add(1)
		return nil
	}))

	c.Readiness(context.Background())
	c.Readiness(context.Background())
	if calls.Load() != 1 {
		t.Errorf("dependency checked %d times, want 1", calls.Load())
	}
}

func TestChecker_ShuttingDown(t *testing.T) {
	t.Parallel()
	c := NewChecker().Require("storage", ReadinessFunc(ok))
	if !c.Readiness(context.Background()).IsHealthy() {
		t.Fatal("expected healthy before shutdown")
	}

	c.SetShuttingDown()
	resp := c.Readiness(context.Background())
	if resp.Status != StatusUnhealthy {
		t.Errorf("Status = %s, want unhealthy", resp.Status)
	}
	if _, ok := resp.Checks["shutdown"]; !ok {
		t.Error("expected shutdown check")
	}
}

func TestChecker_Names(t *testing.T) {
	t.Parallel()
	c := NewChecker().Observe("stages", ReadinessFunc(ok)).Require("storage", ReadinessFunc(ok))
	if got := c.Names(); !slices.Equal(got, []string{"stages", "storage"}) {
		t.Errorf("Names() = %v", got)
	}
}

func TestResponse_IsHealthy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status   Status
		expected bool
	}{
		{StatusHealthy, true},
		{StatusUnhealthy, false},
		{StatusDegraded, false},
	}
	for _, tt := range tests {
		if got := (&Response{Status: tt.status}).IsHealthy(); got != tt.expected {
			t.Errorf("IsHealthy(%s) = %v, want %v", tt.status, got, tt.expected)
		}
	}
}
