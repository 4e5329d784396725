// Package auth resolves request credentials to a principal: a device acting
// for itself or a user acting on any device it can see.
package auth

import (
	"context"

	"github.com/oicur0t/devlogs/internal/logs"
)

// Kind is the scope a credential was issued for.
type Kind string

const (
	KindDevice Kind = "device"
	KindUser   Kind = "user"
)

// Principal is an authenticated caller. ID is the device UUID for device
// principals and the user id for user principals.
type Principal struct {
	Kind Kind
	ID   string
	// Method is "jwt" or "apikey".
	Method string
}

// String identifies the principal in logs and rate limit keys.
func (p Principal) String() string {
	return string(p.Kind) + ":" + p.ID
}

// CanAccess reports whether p may read or write the logs of the device.
// Callers must already have checked that the device exists.
func (p Principal) CanAccess(deviceUUID string) error {
	switch p.Kind {
	case KindUser:
		return nil
	case KindDevice:
		if p.ID == deviceUUID {
			return nil
		}
		return &logs.AuthorizationError{Reason: "device credential is not valid for device " + deviceUUID}
	default:
		return &logs.AuthorizationError{Reason: "unknown credential scope"}
	}
}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext returns the principal stored by the middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}
