// Package delivery implements C6 (the durable delivery queue) and C7
// (the retrying webhook worker pool) described in spec §4.5-§4.6.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/geofencehq/pipeline/internal/model"
)

// Job is the enriched input an Adapter executes: the Automation
// configuration plus the human-readable context a rendered payload
// needs (device and zone names), independent of how that enrichment
// was loaded.
type Job struct {
	Delivery   model.Delivery
	Automation model.Automation
	Event      model.TransitionEvent
	DeviceName string
	ZoneName   string
}

// Result is what a successful Adapter call returns for persistence.
type Result struct {
	ResponseSnapshot string
}

// RetriableError marks an Adapter failure as transient: network
// errors, 5xx, 408, 429. The worker pool reschedules with backoff.
type RetriableError struct {
	Err error
}

func (e *RetriableError) Error() string { return e.Err.Error() }
func (e *RetriableError) Unwrap() error { return e.Err }

// PermanentError marks an Adapter failure as unrecoverable: 4xx other
// than 408/429, or adapter configuration errors. The worker pool marks
// the Delivery dead immediately, regardless of attempt count.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsRetriable reports whether err (as returned by an Adapter) should
// be treated as transient.
func IsRetriable(err error) bool {
	var r *RetriableError
	return errors.As(err, &r)
}

// Adapter executes one Delivery job against a concrete sink kind
// (webhook, and any pluggable kind per spec §4.6).
type Adapter interface {
	Execute(ctx context.Context, job Job) (Result, error)
}

// Registry resolves an Adapter by Automation.Kind.
type Registry map[string]Adapter

// Resolve returns the adapter for kind, or a PermanentError if none is
// registered — an unknown kind is an adapter configuration error, not
// a transient one.
func (r Registry) Resolve(kind string) (Adapter, error) {
	a, ok := r[kind]
	if !ok {
		return nil, &PermanentError{Err: fmt.Errorf("delivery: no adapter registered for kind %q", kind)}
	}
	return a, nil
}
