// Package push delivers notification messages through pluggable providers.
package push

import (
	"context"
	"errors"
	"fmt"
)

// Provider defines the interface for push delivery implementations.
// Delivery is not idempotent; callers record what was sent.
type Provider interface {
	// Send delivers one message. link may be empty.
	Send(ctx context.Context, title, body, link string) error
	// Name identifies the provider in logs.
	Name() string
}

// DeliveryError is a failed delivery. It never carries endpoint URLs or
// tokens.
type DeliveryError struct {
	Provider string
	Status   int
	Err      error
}

func (e *DeliveryError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("%s push: HTTP %d", e.Provider, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s push: %v", e.Provider, e.Err)
	default:
		return e.Provider + " push failed"
	}
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsDeliveryError checks if an error is a push delivery failure.
func IsDeliveryError(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de)
}
