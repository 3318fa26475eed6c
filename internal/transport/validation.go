package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/trialgrid/crfengine/internal/observability"
	"github.com/trialgrid/crfengine/internal/rules"
	"github.com/trialgrid/crfengine/internal/validation"
	"github.com/trialgrid/crfengine/model"
)

// maxBodyBytes bounds request payloads. Form submissions are small;
// anything over a megabyte is a client bug.
const maxBodyBytes = 1 << 20

// ValidationHandler serves the validation endpoints: whole-form runs,
// single-field runs, and ad-hoc rule testing.
type ValidationHandler struct {
	orchestrator *validation.Orchestrator
	eval         *rules.Evaluator
	log          *zap.Logger
}

func NewValidationHandler(orc *validation.Orchestrator, eval *rules.Evaluator, log *zap.Logger) *ValidationHandler {
	return &ValidationHandler{orchestrator: orc, eval: eval, log: log}
}

type validateFormRequest struct {
	Data           model.FieldContext `json:"data"`
	FormInstanceID string             `json:"form_instance_id,omitempty"`
	CreateQueries  bool               `json:"create_queries,omitempty"`
	ForceRefresh   bool               `json:"force_refresh,omitempty"`
}

type validateFieldRequest struct {
	Value          any                `json:"value"`
	Context        model.FieldContext `json:"context,omitempty"`
	FormInstanceID string             `json:"form_instance_id,omitempty"`
	CreateQueries  bool               `json:"create_queries,omitempty"`
	ForceRefresh   bool               `json:"force_refresh,omitempty"`
}

type testRuleRequest struct {
	Rule    model.ValidationRule `json:"rule"`
	Value   any                  `json:"value"`
	Context model.FieldContext   `json:"context,omitempty"`
}

type testRuleResponse struct {
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// HandleValidateForm runs every active rule for the form against the
// submitted payload.
func (h *ValidationHandler) HandleValidateForm(w http.ResponseWriter, r *http.Request) {
	formID := chi.URLParam(r, "formId")

	var req validateFormRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	if req.Data == nil {
		WriteError(w, r, model.NewBadRequestError("data is required"))
		return
	}

	outcome := h.orchestrator.ValidateFormData(r.Context(), formID, req.Data,
		validationOptions(req.FormInstanceID, req.CreateQueries, req.ForceRefresh)...)

	observability.RequestLogger(r.Context(), h.log).Debug("form validated",
		zap.String("form_id", formID),
		zap.Bool("valid", outcome.Valid),
		zap.Int("errors", len(outcome.Errors)),
		zap.Int("warnings", len(outcome.Warnings)))

	WriteJSON(w, http.StatusOK, outcome)
}

// HandleValidateField runs the rules targeting a single field, with the
// rest of the form supplied as evaluation context.
func (h *ValidationHandler) HandleValidateField(w http.ResponseWriter, r *http.Request) {
	formID := chi.URLParam(r, "formId")
	fieldPath := chi.URLParam(r, "fieldPath")

	var req validateFieldRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}

	outcome := h.orchestrator.ValidateFieldChange(r.Context(), formID, fieldPath, req.Value, req.Context,
		validationOptions(req.FormInstanceID, req.CreateQueries, req.ForceRefresh)...)

	WriteJSON(w, http.StatusOK, outcome)
}

// HandleTestRule evaluates a caller-supplied rule against a value without
// persisting anything. Rule authors use this to try a rule before saving.
func (h *ValidationHandler) HandleTestRule(w http.ResponseWriter, r *http.Request) {
	var req testRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	if !req.Rule.Kind.Known() {
		WriteError(w, r, model.NewBadRequestError("unknown rule type"))
		return
	}

	resp := testRuleResponse{Passed: h.eval.TestRule(req.Rule, req.Value, req.Context)}
	if !resp.Passed {
		resp.Message = req.Rule.Message()
	}
	WriteJSON(w, http.StatusOK, resp)
}

func validationOptions(formInstanceID string, createQueries, forceRefresh bool) []validation.Option {
	var opts []validation.Option
	if createQueries && formInstanceID != "" {
		opts = append(opts, validation.WithQueryCreation(formInstanceID))
	}
	if forceRefresh {
		opts = append(opts, validation.WithForceRefresh())
	}
	return opts
}

// decodeJSON reads a bounded JSON request body into dst. Returns a
// BAD_REQUEST envelope on any decode failure.
func decodeJSON(r *http.Request, dst any) error {
	body := io.LimitReader(r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return model.NewBadRequestError("request body is required")
		}
		return model.NewBadRequestError("invalid JSON body: " + err.Error())
	}
	return nil
}
