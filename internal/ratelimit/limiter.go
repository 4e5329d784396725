// Package ratelimit bounds how often one caller may hit one endpoint.
package ratelimit

import (
	"context"
	"fmt"
)

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Key builds the limiter key of a (principal, endpoint) pair.
func Key(principal, endpoint string) string {
	return fmt.Sprintf("%s|%s", principal, endpoint)
}

// Unlimited allows everything.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (bool, error) { return true, nil }
