// Package lifecycle computes the CRF lifecycle phase of a form instance
// and guards the terminal lock transition.
package lifecycle

import (
	"context"

	"github.com/trialgrid/crfengine/model"
)

// Store is the persistence collaborator for lifecycle flags and workflow
// configuration.
type Store interface {
	// ReadLifecycleFlags returns the stored flags for a form instance.
	ReadLifecycleFlags(ctx context.Context, formInstanceID string) (model.LifecycleFlags, error)

	// ReadWorkflowConfig returns the active workflow configuration for a
	// form. Forms without an explicit configuration get the zero config
	// (nothing beyond completion required).
	ReadWorkflowConfig(ctx context.Context, formID string) (model.WorkflowConfig, error)

	// AcquireLock re-reads the instance's flags and configuration inside
	// a transaction, calls guard with them, and applies the lock flag
	// only if guard returns nil. Two concurrent lock attempts must not
	// both observe "prerequisites satisfied"; implementations serialise
	// the read-check-write sequence.
	AcquireLock(ctx context.Context, formInstanceID, actorID string,
		guard func(model.LifecycleFlags, model.WorkflowConfig) error) error
}
