package lifecycle

import (
	"context"

	"go.uber.org/zap"

	"github.com/trialgrid/crfengine/model"
)

// LockGuard is the terminal gate of the lifecycle: it refuses to lock a
// form instance until every phase its configuration marks mandatory has
// been completed. It is a last-mile synchronous check, independent of
// whatever validation happened at data-entry time.
type LockGuard struct {
	store   Store
	log     *zap.Logger
	attempt func(outcome string)
}

// NewLockGuard creates a LockGuard. The attempt hook, if non-nil, is
// called once per lock attempt with "success", "refused" or "error".
func NewLockGuard(store Store, log *zap.Logger, attempt func(outcome string)) *LockGuard {
	if log == nil {
		log = zap.NewNop()
	}
	return &LockGuard{store: store, log: log, attempt: attempt}
}

// LockRecord attempts to lock a form instance. Prerequisite failures are
// expected outcomes whose message names the missing phase; only
// persistence failures report through the same shape with a store
// message. The guard never trusts a caller-supplied status: flags are
// re-read transactionally inside the store so two concurrent attempts
// cannot both observe satisfied prerequisites.
func (g *LockGuard) LockRecord(ctx context.Context, formInstanceID, actorID string) model.LockResult {
	var refusal *model.ErrorEnvelope

	err := g.store.AcquireLock(ctx, formInstanceID, actorID,
		func(flags model.LifecycleFlags, cfg model.WorkflowConfig) error {
			if err := CheckLockPrerequisites(flags, cfg); err != nil {
				refusal = err
				return err
			}
			return nil
		})

	switch {
	case err == nil:
		g.record("success")
		g.log.Info("form instance locked",
			zap.String("form_instance_id", formInstanceID),
			zap.String("actor_id", actorID))
		return model.LockResult{Success: true, Message: "form instance locked"}
	case refusal != nil:
		g.record("refused")
		g.log.Info("lock refused",
			zap.String("form_instance_id", formInstanceID),
			zap.String("actor_id", actorID),
			zap.String("reason", refusal.Message))
		return model.LockResult{Success: false, Message: refusal.Message}
	default:
		g.record("error")
		g.log.Error("lock attempt failed",
			zap.String("form_instance_id", formInstanceID),
			zap.Error(err))
		if envErr, ok := err.(*model.ErrorEnvelope); ok {
			return model.LockResult{Success: false, Message: envErr.Message}
		}
		return model.LockResult{Success: false, Message: "lock could not be applied: " + err.Error()}
	}
}

// CheckLockPrerequisites returns a LOCK_PREREQUISITE error naming the
// first unsatisfied mandatory phase, or nil when the instance may be
// locked. Checked in canonical order so the caller always learns the
// earliest missing step.
func CheckLockPrerequisites(flags model.LifecycleFlags, cfg model.WorkflowConfig) *model.ErrorEnvelope {
	if flags.LockStatus {
		return model.NewLockPrerequisiteError("form instance is already locked")
	}
	if !flags.CompletionStatus {
		return model.NewLockPrerequisiteError("cannot lock: data entry is not marked complete")
	}
	if cfg.RequiresDDE && !flags.DoubleEntryStatus {
		return model.NewLockPrerequisiteError("cannot lock: double data entry has not been completed")
	}
	if cfg.RequiresSDV && !flags.SDVStatus {
		return model.NewLockPrerequisiteError("cannot lock: SDV has not been completed")
	}
	if cfg.RequiresSignature && !flags.SignatureStatus {
		return model.NewLockPrerequisiteError("cannot lock: signature has not been applied")
	}
	return nil
}

func (g *LockGuard) record(outcome string) {
	if g.attempt != nil {
		g.attempt(outcome)
	}
}
