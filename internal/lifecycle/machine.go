package lifecycle

import (
	"context"
	"fmt"

	"github.com/trialgrid/crfengine/model"
)

// EntityFormInstance is the entity kind accepted by
// AvailableTransitions. Only form instances are supported today; the
// parameter exists so a future "study event" or "casebook" entity can
// reuse the same API.
const EntityFormInstance = "form_instance"

// Machine derives lifecycle status from stored flags and per-form
// workflow configuration. It holds no state of its own.
type Machine struct {
	store Store
}

// NewMachine creates a lifecycle machine over the given store.
func NewMachine(store Store) *Machine {
	return &Machine{store: store}
}

// Status computes the current lifecycle view of a form instance: the
// current phase is one past the highest completed mandatory phase, and
// every other phase lands in CompletedPhases or PendingPhases, with
// PendingPhases restricted to phases the configuration requires.
func (m *Machine) Status(ctx context.Context, formInstanceID string) (model.CrfLifecycleStatus, error) {
	flags, err := m.store.ReadLifecycleFlags(ctx, formInstanceID)
	if err != nil {
		return model.CrfLifecycleStatus{}, err
	}
	cfg, err := m.store.ReadWorkflowConfig(ctx, flags.FormID)
	if err != nil {
		return model.CrfLifecycleStatus{}, err
	}
	return ComputeStatus(flags, cfg), nil
}

// AvailableTransitions enumerates the phases reachable from the current
// phase: always a single forward step in the canonical flow, reported as
// a set for extensibility.
func (m *Machine) AvailableTransitions(ctx context.Context, entityKind, entityID string) ([]model.Phase, error) {
	if entityKind != EntityFormInstance {
		return nil, model.NewBadRequestError(
			fmt.Sprintf("unsupported entity kind %q", entityKind),
		)
	}
	status, err := m.Status(ctx, entityID)
	if err != nil {
		return nil, err
	}
	return NextTransitions(status), nil
}

// ComputeStatus derives the lifecycle status from flags and config. Pure
// function; shared with the lock guard and exported for tests.
func ComputeStatus(flags model.LifecycleFlags, cfg model.WorkflowConfig) model.CrfLifecycleStatus {
	mandatory := MandatoryPhases(cfg)
	done := phaseCompletion(flags, cfg)

	highest := -1
	for i, p := range mandatory {
		if done[p] {
			highest = i
		}
	}

	var current model.Phase
	switch {
	case highest < 0:
		current = model.PhaseDataEntry
	case highest+1 < len(mandatory):
		current = mandatory[highest+1]
	default:
		current = model.PhaseLocked
	}

	status := model.CrfLifecycleStatus{
		FormInstanceID: flags.FormInstanceID,
		CurrentPhase:   current,
		Config:         cfg,
	}

	// Data entry is behind us once the instance is marked complete.
	if current != model.PhaseDataEntry && done[model.PhaseComplete] {
		status.CompletedPhases = append(status.CompletedPhases, model.PhaseDataEntry)
	}
	for _, p := range model.CanonicalPhases[1:] {
		if p == current {
			continue
		}
		if done[p] {
			status.CompletedPhases = append(status.CompletedPhases, p)
		} else if isMandatory(p, mandatory) {
			status.PendingPhases = append(status.PendingPhases, p)
		}
	}
	return status
}

// NextTransitions returns the single forward step reachable from the
// status's current phase: the next mandatory phase in the canonical
// flow. There is no skipping ahead, and nothing lies past the lock.
func NextTransitions(status model.CrfLifecycleStatus) []model.Phase {
	if status.CurrentPhase == model.PhaseLocked {
		return nil
	}
	mandatory := MandatoryPhases(status.Config)
	if status.CurrentPhase == model.PhaseDataEntry {
		return []model.Phase{mandatory[0]}
	}
	for i, p := range mandatory {
		if p == status.CurrentPhase && i+1 < len(mandatory) {
			return []model.Phase{mandatory[i+1]}
		}
	}
	return nil
}

// MandatoryPhases returns the mandatory phase sequence beyond data
// entry, honouring the configuration's SDV and signature switches.
// Completion and lock are always mandatory.
func MandatoryPhases(cfg model.WorkflowConfig) []model.Phase {
	phases := []model.Phase{model.PhaseComplete}
	if cfg.RequiresSDV {
		phases = append(phases, model.PhaseSDVComplete)
	}
	if cfg.RequiresSignature {
		phases = append(phases, model.PhaseSigned)
	}
	return append(phases, model.PhaseLocked)
}

// phaseCompletion maps each representable phase to whether its stored
// flag marks it complete. Double data entry gates the completion phase:
// with RequiresDDE set, the instance only counts as complete once the
// second-pass entry has also been recorded.
func phaseCompletion(flags model.LifecycleFlags, cfg model.WorkflowConfig) map[model.Phase]bool {
	complete := flags.CompletionStatus
	if cfg.RequiresDDE && !flags.DoubleEntryStatus {
		complete = false
	}
	return map[model.Phase]bool{
		model.PhaseComplete:    complete,
		model.PhaseSDVComplete: flags.SDVStatus,
		model.PhaseSigned:      flags.SignatureStatus,
		model.PhaseLocked:      flags.LockStatus,
	}
}

func isMandatory(p model.Phase, mandatory []model.Phase) bool {
	for _, m := range mandatory {
		if m == p {
			return true
		}
	}
	return false
}
