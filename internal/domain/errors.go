// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConfiguration indicates an unknown agent type, strategy kind,
// or otherwise invalid orchestration configuration.
var ErrConfiguration = errors.New("configuration error")

// ErrResourceExhausted indicates an admission-control limit was hit:
// concurrent agents, active tasks, or memory budget.
var ErrResourceExhausted = errors.New("resource exhausted")

// ErrAgentExecution indicates an underlying model call failed or
// returned unusable output.
var ErrAgentExecution = errors.New("agent execution failed")

// ErrTimeout indicates the orchestration exceeded its wall-clock deadline.
var ErrTimeout = errors.New("orchestration timed out")

// ErrCancelled indicates a caller-requested abort.
var ErrCancelled = errors.New("orchestration cancelled")
