package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/trialgrid/crfengine/internal/observability"
	"github.com/trialgrid/crfengine/internal/rules"
	"github.com/trialgrid/crfengine/model"
)

// RulesHandler serves the custom rule CRUD endpoints and the merged
// per-form rule listing.
type RulesHandler struct {
	repo *rules.Repository
	log  *zap.Logger
}

func NewRulesHandler(repo *rules.Repository, log *zap.Logger) *RulesHandler {
	return &RulesHandler{repo: repo, log: log}
}

type listRulesResponse struct {
	FormID string                 `json:"form_id"`
	Rules  []model.ValidationRule `json:"rules"`
	Count  int                    `json:"count"`
}

type toggleRuleRequest struct {
	FormID string `json:"form_id"`
	Active bool   `json:"active"`
}

// HandleListRules returns the merged, deduplicated rule set for a form
// from all configured sources.
func (h *RulesHandler) HandleListRules(w http.ResponseWriter, r *http.Request) {
	formID := chi.URLParam(r, "formId")
	force := r.URL.Query().Get("force_refresh") == "true"

	merged := h.repo.GetRulesForForm(r.Context(), formID, force)
	WriteJSON(w, http.StatusOK, listRulesResponse{
		FormID: formID,
		Rules:  merged,
		Count:  len(merged),
	})
}

// HandleCreateRule persists a new custom rule.
func (h *RulesHandler) HandleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule model.ValidationRule
	if err := decodeJSON(r, &rule); err != nil {
		WriteError(w, r, err)
		return
	}

	created, err := h.repo.CreateRule(r.Context(), rule)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	observability.RequestLogger(r.Context(), h.log).Info("rule created",
		zap.Int64("rule_id", created.ID),
		zap.String("form_id", created.FormID),
		zap.String("rule_type", string(created.Kind)))

	WriteJSON(w, http.StatusCreated, created)
}

// HandleUpdateRule replaces an existing custom rule.
func (h *RulesHandler) HandleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := ruleID(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	var rule model.ValidationRule
	if err := decodeJSON(r, &rule); err != nil {
		WriteError(w, r, err)
		return
	}
	rule.ID = id

	if err := h.repo.UpdateRule(r.Context(), rule); err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, rule)
}

// HandleDeleteRule removes a custom rule. form_id is required as a query
// parameter so the form's cached rule set can be invalidated.
func (h *RulesHandler) HandleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := ruleID(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	formID := r.URL.Query().Get("form_id")
	if formID == "" {
		WriteError(w, r, model.NewBadRequestError("form_id query parameter is required"))
		return
	}

	if err := h.repo.DeleteRule(r.Context(), formID, id); err != nil {
		WriteError(w, r, err)
		return
	}

	observability.RequestLogger(r.Context(), h.log).Info("rule deleted",
		zap.Int64("rule_id", id),
		zap.String("form_id", formID))

	w.WriteHeader(http.StatusNoContent)
}

// HandleToggleRule activates or retires a custom rule without deleting it.
func (h *RulesHandler) HandleToggleRule(w http.ResponseWriter, r *http.Request) {
	id, err := ruleID(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	var req toggleRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	if req.FormID == "" {
		WriteError(w, r, model.NewBadRequestError("form_id is required"))
		return
	}

	if err := h.repo.ToggleRule(r.Context(), req.FormID, id, req.Active); err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"id": id, "active": req.Active})
}

func ruleID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "ruleId")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, model.NewBadRequestError("invalid rule id")
	}
	return id, nil
}
