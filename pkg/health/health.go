package health

import (
	"context"
	"time"
)

// Result holds the outcome of a single health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker performs a health check against a backend target
type Checker interface {
	Check(ctx context.Context) Result
}
