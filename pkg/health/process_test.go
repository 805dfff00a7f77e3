package health

import (
	"context"
	"os"
	"testing"
)

func TestProcessCheckerHealthyForSelf(t *testing.T) {
	checker := NewProcessChecker(os.Getpid())
	result := checker.Check(context.Background())
	if !result.Healthy {
		t.Errorf("expected own pid to be healthy, got: %s", result.Message)
	}
	if checker.Type() != CheckTypeProcess {
		t.Errorf("expected type %s, got %s", CheckTypeProcess, checker.Type())
	}
}

func TestProcessCheckerUnhealthyForUnlikelyPid(t *testing.T) {
	checker := NewProcessChecker(999999999)
	result := checker.Check(context.Background())
	if result.Healthy {
		t.Errorf("expected nonexistent pid to be unhealthy")
	}
}
