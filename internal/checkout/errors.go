package checkout

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCheckoutInProgress is returned by Begin while the surface already has an attempt.
	ErrCheckoutInProgress = errors.New("checkout: a checkout is already in progress")
	// ErrNoActiveCheckout is returned by Complete when no widget is open for the surface.
	ErrNoActiveCheckout = errors.New("checkout: no active checkout")
	// ErrMissingOrderID is returned when the backend answers without an order id.
	ErrMissingOrderID = errors.New("checkout: order response has no order id")
)

// ConfigError reports checkout preconditions missing from configuration.
type ConfigError struct {
	Missing []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("checkout: payment is not configured (missing %s)", strings.Join(e.Missing, ", "))
}

// Stage names the step of Begin that failed.
type Stage string

const (
	StageScript Stage = "script"
	StageOrder  Stage = "order"
)

// StageError wraps a network failure while preparing the widget.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	switch e.Stage {
	case StageScript:
		return fmt.Sprintf("checkout: failed to load payment gateway: %v", e.Err)
	case StageOrder:
		return fmt.Sprintf("checkout: failed to create order: %v", e.Err)
	default:
		return fmt.Sprintf("checkout: %s: %v", e.Stage, e.Err)
	}
}

func (e *StageError) Unwrap() error { return e.Err }

// StatusError is a non-2xx answer from the order backend.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("checkout: %s status %d: %s", e.Op, e.Status, e.Body)
}
