package service

import (
	"fmt"
	"strconv"

	"github.com/CaioWing/Flotilla/internal/domain"
)

// GroupStatusCounts aggregates the action states of one rollout group. Total
// is the group's snapshotted target count and is the denominator for every
// threshold evaluation.
type GroupStatusCounts struct {
	Scheduled int
	Running   int
	Finished  int
	Error     int
	Canceled  int
	Total     int
}

// ConditionFunc evaluates a group condition against the current counts. The
// expression format depends on the condition kind; for thresholds it is a
// percentage in [0,100].
type ConditionFunc func(counts GroupStatusCounts, expression string) (bool, error)

// Condition kinds resolve to pure evaluation functions through these static
// tables. Success and error conditions are registered separately because
// they look at different counters.
var (
	successConditions = map[domain.ConditionKind]ConditionFunc{
		domain.ConditionThreshold: thresholdSuccess,
	}
	errorConditions = map[domain.ConditionKind]ConditionFunc{
		domain.ConditionThreshold: thresholdError,
	}
)

func thresholdSuccess(counts GroupStatusCounts, expression string) (bool, error) {
	percent, err := parsePercent(expression)
	if err != nil {
		return false, err
	}
	if counts.Total == 0 {
		return true, nil
	}
	return float64(counts.Finished)/float64(counts.Total)*100 >= percent, nil
}

func thresholdError(counts GroupStatusCounts, expression string) (bool, error) {
	percent, err := parsePercent(expression)
	if err != nil {
		return false, err
	}
	if counts.Total == 0 {
		return false, nil
	}
	return float64(counts.Error)/float64(counts.Total)*100 >= percent, nil
}

func evalSuccessCondition(c domain.RolloutGroupConditions, counts GroupStatusCounts) (bool, error) {
	fn, ok := successConditions[c.SuccessCondition]
	if !ok {
		return false, fmt.Errorf("%w: unknown success condition %q", domain.ErrInvalidCondition, c.SuccessCondition)
	}
	return fn(counts, c.SuccessConditionExp)
}

func evalErrorCondition(c domain.RolloutGroupConditions, counts GroupStatusCounts) (bool, error) {
	fn, ok := errorConditions[c.ErrorCondition]
	if !ok {
		return false, fmt.Errorf("%w: unknown error condition %q", domain.ErrInvalidCondition, c.ErrorCondition)
	}
	return fn(counts, c.ErrorConditionExp)
}

func parsePercent(expression string) (float64, error) {
	p, err := strconv.ParseFloat(expression, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a percentage", domain.ErrInvalidCondition, expression)
	}
	if p < 0 || p > 100 {
		return 0, fmt.Errorf("%w: %q is out of range", domain.ErrInvalidCondition, expression)
	}
	return p, nil
}

// ValidateConditions checks the expressions of both conditions without
// evaluating them, so malformed rollouts fail at creation time.
func ValidateConditions(c domain.RolloutGroupConditions) error {
	if _, ok := successConditions[c.SuccessCondition]; !ok {
		return fmt.Errorf("%w: unknown success condition %q", domain.ErrInvalidCondition, c.SuccessCondition)
	}
	if _, ok := errorConditions[c.ErrorCondition]; !ok {
		return fmt.Errorf("%w: unknown error condition %q", domain.ErrInvalidCondition, c.ErrorCondition)
	}
	if c.SuccessAction != domain.GroupActionNextGroup {
		return fmt.Errorf("%w: unknown success action %q", domain.ErrInvalidCondition, c.SuccessAction)
	}
	if c.ErrorAction != domain.GroupActionPause {
		return fmt.Errorf("%w: unknown error action %q", domain.ErrInvalidCondition, c.ErrorAction)
	}
	if _, err := parsePercent(c.SuccessConditionExp); err != nil {
		return err
	}
	if _, err := parsePercent(c.ErrorConditionExp); err != nil {
		return err
	}
	return nil
}
