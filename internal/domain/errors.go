package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("already exists")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidInput        = errors.New("invalid input")
	ErrIncompleteSet       = errors.New("distribution set is incomplete")
	ErrNoMatchingTargets   = errors.New("target filter matched no targets")
	ErrRolloutIllegalState = errors.New("rollout is in an illegal state for this operation")
	ErrCancelNotAllowed    = errors.New("action cannot be canceled")
	ErrForceQuitNotAllowed = errors.New("action cannot be force quit")
	ErrActionClosed        = errors.New("action is already closed")
	ErrStaleRevision       = errors.New("entity revision is stale")
	ErrInvalidCondition    = errors.New("invalid rollout group condition")
)
