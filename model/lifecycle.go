package model

import "time"

// Phase is a stage in the CRF lifecycle. The canonical forward order is
// data_entry → complete → sdv_complete → signed → locked; sdv_complete and
// signed drop out of the mandatory sequence when the form's workflow
// configuration does not require them, but remain representable.
type Phase string

const (
	PhaseDataEntry   Phase = "data_entry"
	PhaseComplete    Phase = "complete"
	PhaseSDVComplete Phase = "sdv_complete"
	PhaseSigned      Phase = "signed"
	PhaseLocked      Phase = "locked"
)

// CanonicalPhases is the full forward ordering of lifecycle phases.
var CanonicalPhases = []Phase{
	PhaseDataEntry, PhaseComplete, PhaseSDVComplete, PhaseSigned, PhaseLocked,
}

// WorkflowConfig is the per-form workflow configuration. At most one
// active config exists per form, scoped additionally by study in
// multi-tenant deployments.
type WorkflowConfig struct {
	FormID            string `json:"form_id"`
	StudyID           string `json:"study_id,omitempty"`
	RequiresSDV       bool   `json:"requires_sdv"`
	RequiresSignature bool   `json:"requires_signature"`
	RequiresDDE       bool   `json:"requires_dde"`
}

// LifecycleFlags are the persisted per-instance status flags the state
// machine derives the current phase from.
type LifecycleFlags struct {
	FormInstanceID    string     `json:"form_instance_id"`
	FormID            string     `json:"form_id"`
	CompletionStatus  bool       `json:"completion_status"`
	DoubleEntryStatus bool       `json:"double_entry_status"`
	SDVStatus         bool       `json:"sdv_status"`
	SignatureStatus   bool       `json:"signature_status"`
	LockStatus        bool       `json:"lock_status"`
	LockedBy          string     `json:"locked_by,omitempty"`
	LockedAt          *time.Time `json:"locked_at,omitempty"`
}

// CrfLifecycleStatus is the derived lifecycle view of a form instance. It
// is computed on demand and never stored. CurrentPhase appears in neither
// CompletedPhases nor PendingPhases; PendingPhases contains only phases
// the workflow configuration marks mandatory.
type CrfLifecycleStatus struct {
	FormInstanceID  string         `json:"form_instance_id"`
	CurrentPhase    Phase          `json:"current_phase"`
	CompletedPhases []Phase        `json:"completed_phases"`
	PendingPhases   []Phase        `json:"pending_phases"`
	Config          WorkflowConfig `json:"workflow_config"`
}

// LockResult is the outcome of a lock attempt. Prerequisite failures are
// expected, named outcomes, not errors; Message is suitable for showing
// to the end user verbatim.
type LockResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
