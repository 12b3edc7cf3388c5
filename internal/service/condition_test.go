package service

import (
	"errors"
	"testing"

	"github.com/CaioWing/Flotilla/internal/domain"
)

func TestThresholdSuccess_ExactBoundary(t *testing.T) {
	counts := GroupStatusCounts{Finished: 5, Total: 10}

	ok, err := thresholdSuccess(counts, "50")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("exactly 50% must satisfy a 50% threshold")
	}

	ok, _ = thresholdSuccess(GroupStatusCounts{Finished: 4, Total: 10}, "50")
	if ok {
		t.Fatal("40% must not satisfy a 50% threshold")
	}
}

func TestThresholdSuccess_EmptyGroup(t *testing.T) {
	ok, err := thresholdSuccess(GroupStatusCounts{Total: 0}, "100")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("an empty group is trivially successful")
	}
}

func TestThresholdError_ExactBoundary(t *testing.T) {
	ok, err := thresholdError(GroupStatusCounts{Error: 2, Total: 4}, "50")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("exactly 50% errors must trip a 50% threshold")
	}

	ok, _ = thresholdError(GroupStatusCounts{Error: 1, Total: 4}, "50")
	if ok {
		t.Fatal("25% errors must not trip a 50% threshold")
	}
}

func TestThresholdError_EmptyGroup(t *testing.T) {
	ok, err := thresholdError(GroupStatusCounts{Total: 0}, "0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("an empty group can never trip the error condition")
	}
}

func TestParsePercent_Invalid(t *testing.T) {
	for _, exp := range []string{"", "abc", "-1", "101"} {
		if _, err := parsePercent(exp); !errors.Is(err, domain.ErrInvalidCondition) {
			t.Fatalf("%q: expected ErrInvalidCondition, got %v", exp, err)
		}
	}
}

func TestValidateConditions(t *testing.T) {
	valid := DefaultConditions("100", "50")
	if err := ValidateConditions(valid); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := valid
	bad.SuccessCondition = "unknown"
	if err := ValidateConditions(bad); !errors.Is(err, domain.ErrInvalidCondition) {
		t.Fatalf("expected ErrInvalidCondition, got %v", err)
	}

	bad = valid
	bad.ErrorAction = "explode"
	if err := ValidateConditions(bad); !errors.Is(err, domain.ErrInvalidCondition) {
		t.Fatalf("expected ErrInvalidCondition, got %v", err)
	}

	bad = valid
	bad.ErrorConditionExp = "nope"
	if err := ValidateConditions(bad); !errors.Is(err, domain.ErrInvalidCondition) {
		t.Fatalf("expected ErrInvalidCondition, got %v", err)
	}
}
