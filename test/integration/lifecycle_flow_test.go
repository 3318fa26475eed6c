package integration

import (
	"net/http"
	"testing"

	"github.com/trialgrid/crfengine/model"
)

// walkLifecycle drives one form instance from data entry to locked over
// the HTTP API, asserting the derived phase at every step.
func TestLifecycleProgressionToLock(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.Do(http.MethodPut, "/v1/forms/visit1/workflow-config", "",
		model.WorkflowConfig{RequiresSDV: true, RequiresSignature: true})
	h.AssertStatus(t, resp, http.StatusOK)

	flags := model.LifecycleFlags{FormInstanceID: "fi-1", FormID: "visit1"}
	h.Store.PutLifecycleFlags(flags)

	assertPhase := func(want model.Phase) {
		t.Helper()
		var status model.CrfLifecycleStatus
		resp := h.Do(http.MethodGet, "/v1/form-instances/fi-1/lifecycle", "", nil)
		h.AssertJSON(t, resp, http.StatusOK, &status)
		if status.CurrentPhase != want {
			t.Fatalf("phase = %q, want %q", status.CurrentPhase, want)
		}
	}

	assertPhase(model.PhaseDataEntry)

	flags.CompletionStatus = true
	h.Store.PutLifecycleFlags(flags)
	assertPhase(model.PhaseSDVComplete)

	// Locking before SDV and signature is refused with the earliest
	// missing step named.
	var result model.LockResult
	resp = h.Do(http.MethodPost, "/v1/form-instances/fi-1/lock", "",
		map[string]any{"actor_id": "user-dm"})
	h.AssertJSON(t, resp, http.StatusConflict, &result)
	if result.Success {
		t.Fatal("lock should be refused before SDV")
	}

	flags.SDVStatus = true
	h.Store.PutLifecycleFlags(flags)
	assertPhase(model.PhaseSigned)

	flags.SignatureStatus = true
	h.Store.PutLifecycleFlags(flags)
	assertPhase(model.PhaseLocked)

	resp = h.Do(http.MethodPost, "/v1/form-instances/fi-1/lock", "",
		map[string]any{"actor_id": "user-dm"})
	h.AssertJSON(t, resp, http.StatusOK, &result)
	if !result.Success {
		t.Fatalf("lock failed: %s", result.Message)
	}

	// A second lock attempt conflicts.
	resp = h.Do(http.MethodPost, "/v1/form-instances/fi-1/lock", "",
		map[string]any{"actor_id": "user-cra"})
	h.AssertJSON(t, resp, http.StatusConflict, &result)
	if result.Success {
		t.Fatal("double lock should be refused")
	}
}

func TestTransitionsFollowWorkflowConfig(t *testing.T) {
	h := NewTestHarness(t)

	// No explicit config: completion leads straight to lock.
	h.Store.PutLifecycleFlags(model.LifecycleFlags{
		FormInstanceID:   "fi-2",
		FormID:           "visit2",
		CompletionStatus: true,
	})

	var trans struct {
		CurrentPhase model.Phase   `json:"current_phase"`
		Transitions  []model.Phase `json:"transitions"`
	}
	resp := h.Do(http.MethodGet, "/v1/form-instances/fi-2/transitions", "", nil)
	h.AssertJSON(t, resp, http.StatusOK, &trans)
	if trans.CurrentPhase != model.PhaseLocked {
		t.Fatalf("phase = %q, want locked as the next mandatory step", trans.CurrentPhase)
	}
	if len(trans.Transitions) != 0 {
		t.Fatalf("transitions = %v, want none from the terminal phase", trans.Transitions)
	}
}

func TestDoubleDataEntryGatesLock(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.Do(http.MethodPut, "/v1/forms/visit1/workflow-config", "",
		model.WorkflowConfig{RequiresDDE: true})
	h.AssertStatus(t, resp, http.StatusOK)

	h.Store.PutLifecycleFlags(model.LifecycleFlags{
		FormInstanceID:   "fi-3",
		FormID:           "visit1",
		CompletionStatus: true,
	})

	var result model.LockResult
	resp = h.Do(http.MethodPost, "/v1/form-instances/fi-3/lock", "",
		map[string]any{"actor_id": "user-dm"})
	h.AssertJSON(t, resp, http.StatusConflict, &result)
	if result.Success {
		t.Fatal("lock should be refused until double data entry completes")
	}

	h.Store.PutLifecycleFlags(model.LifecycleFlags{
		FormInstanceID:    "fi-3",
		FormID:            "visit1",
		CompletionStatus:  true,
		DoubleEntryStatus: true,
	})
	resp = h.Do(http.MethodPost, "/v1/form-instances/fi-3/lock", "",
		map[string]any{"actor_id": "user-dm"})
	h.AssertJSON(t, resp, http.StatusOK, &result)
	if !result.Success {
		t.Fatalf("lock failed: %s", result.Message)
	}
}
