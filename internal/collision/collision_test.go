package collision

import (
	"testing"
	"time"

	"careline/internal/domain"
)

func TestClassifyBusyIsHard(t *testing.T) {
	res := Classify(domain.Task{}, true, time.Now())
	if res.Kind != HardConflict {
		t.Fatalf("expected hard conflict, got %v", res.Kind)
	}
	if res.RetryAfter <= 0 {
		t.Fatal("hard conflict must carry a retry delay")
	}
}

func TestClassifyHeldTaskIsSoft(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	owner := "cg-ana"
	claimed := now.Add(-12 * time.Minute).Format(time.RFC3339)
	res := Classify(domain.Task{OwnerID: &owner, ClaimedAt: &claimed}, false, now)
	if res.Kind != SoftConflict {
		t.Fatalf("expected soft conflict, got %v", res.Kind)
	}
	if res.Owner != "cg-ana" {
		t.Fatalf("expected owner cg-ana, got %s", res.Owner)
	}
	if res.HeldFor != 12*time.Minute {
		t.Fatalf("expected held for 12m, got %s", res.HeldFor)
	}
}

func TestClassifyFreeTask(t *testing.T) {
	res := Classify(domain.Task{}, false, time.Now())
	if res.Kind != NoConflict {
		t.Fatalf("expected no conflict, got %v", res.Kind)
	}
}
