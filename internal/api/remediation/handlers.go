package remediation

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/catherinevee/remediator/internal/remediation"
	"github.com/catherinevee/remediator/internal/shared/errors"
	"github.com/catherinevee/remediator/internal/shared/logger"
)

// Service is the workflow surface exposed over HTTP.
type Service interface {
	Apply(ctx context.Context, req remediation.Request) (*remediation.Job, error)
	RequestApproval(ctx context.Context, req remediation.Request) (*remediation.Job, error)
	Approve(ctx context.Context, tenantID, jobID, approver, comment string) (*remediation.Job, error)
	Rollback(ctx context.Context, tenantID, jobID, actor, reason string) (*remediation.Job, error)
	Status(ctx context.Context, tenantID, jobID string) (*remediation.Job, error)
	ListPending(ctx context.Context, tenantID string) ([]*remediation.Job, error)
}

// Handler handles HTTP requests for remediation operations
type Handler struct {
	service Service
	logger  zerolog.Logger
}

// NewHandler creates a new remediation handler
func NewHandler(service Service, l zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger.Component(l, "api"),
	}
}

// JobListResponse wraps a list of jobs.
type JobListResponse struct {
	Jobs  []*remediation.Job `json:"jobs"`
	Total int                `json:"total"`
}

// Apply handles POST /api/v1/tenants/{tenant}/remediations
func (h *Handler) Apply(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	job, err := h.service.Apply(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err, job)
		return
	}
	WriteJSONResponse(w, statusFor(job), job)
}

// RequestApproval handles POST /api/v1/tenants/{tenant}/remediations/approval-requests
func (h *Handler) RequestApproval(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	job, err := h.service.RequestApproval(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err, job)
		return
	}
	WriteJSONResponse(w, http.StatusAccepted, job)
}

// Approve handles POST /api/v1/tenants/{tenant}/remediations/{id}/approve
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var body ApprovalRequest
	if !decodeBody(w, r, &body, true) {
		return
	}
	if err := remediation.ValidateStruct("approval", &body); err != nil {
		WriteValidationError(w, err)
		return
	}

	job, err := h.service.Approve(r.Context(), vars["tenant"], vars["id"], body.Approver, body.Comment)
	if err != nil {
		h.writeServiceError(w, r, err, job)
		return
	}
	WriteJSONResponse(w, http.StatusOK, job)
}

// Rollback handles POST /api/v1/tenants/{tenant}/remediations/{id}/rollback
func (h *Handler) Rollback(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var body RollbackRequest
	if !decodeBody(w, r, &body, false) {
		return
	}

	job, err := h.service.Rollback(r.Context(), vars["tenant"], vars["id"], body.Actor, body.Reason)
	if err != nil {
		h.writeServiceError(w, r, err, job)
		return
	}
	WriteJSONResponse(w, http.StatusOK, job)
}

// GetJob handles GET /api/v1/tenants/{tenant}/remediations/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	job, err := h.service.Status(r.Context(), vars["tenant"], vars["id"])
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	WriteJSONResponse(w, http.StatusOK, job)
}

// ListJobs handles GET /api/v1/tenants/{tenant}/remediations?status=PENDING_APPROVAL
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if err := ValidateListStatus(r.URL.Query().Get("status")); err != nil {
		WriteValidationError(w, err)
		return
	}

	jobs, err := h.service.ListPending(r.Context(), mux.Vars(r)["tenant"])
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	if jobs == nil {
		jobs = []*remediation.Job{}
	}
	WriteJSONResponse(w, http.StatusOK, JobListResponse{Jobs: jobs, Total: len(jobs)})
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	WriteJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request) (remediation.Request, bool) {
	var req remediation.Request
	if !decodeBody(w, r, &req, true) {
		return req, false
	}

	tenant := mux.Vars(r)["tenant"]
	if req.TenantID != "" && req.TenantID != tenant {
		WriteErrorResponse(w, http.StatusBadRequest, "Tenant mismatch", "tenantId in body does not match the path")
		return req, false
	}
	req.TenantID = tenant
	return req, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}, required bool) bool {
	if r.Body == nil || r.ContentLength == 0 {
		if !required {
			return true
		}
		WriteErrorResponse(w, http.StatusBadRequest, "Invalid JSON", "request body is required")
		return false
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteErrorResponse(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return false
	}
	return true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, job *remediation.Job) {
	status := HTTPStatus(err)
	log := logger.WithTrace(r.Context(), h.logger)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	} else {
		log.Debug().Err(err).Str("path", r.URL.Path).Msg("request rejected")
	}

	response := ErrorResponse{
		Error:  err.Error(),
		Type:   string(errors.TypeOf(err)),
		Status: status,
		Job:    job,
	}
	var typed *errors.Error
	if errors.As(err, &typed) {
		response.Error = typed.Message
		response.Code = typed.Code
		response.Details = typed.Details
		response.Help = typed.UserHelp
	}
	if status == http.StatusInternalServerError && response.Type == string(errors.ErrorTypeSystem) {
		response.Error = "internal error"
		response.Details = nil
	}
	WriteJSONResponse(w, status, response)
}

// statusFor distinguishes executed jobs from parked ones.
func statusFor(job *remediation.Job) int {
	if job.Status == remediation.StatusPendingApproval {
		return http.StatusAccepted
	}
	return http.StatusCreated
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Type    string                 `json:"type"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
	Help    string                 `json:"help,omitempty"`
	Status  int                    `json:"status"`
	Job     *remediation.Job       `json:"job,omitempty"`
}

// HTTPStatus maps the error taxonomy onto status codes.
func HTTPStatus(err error) int {
	switch errors.TypeOf(err) {
	case errors.ErrorTypeValidation:
		return http.StatusBadRequest
	case errors.ErrorTypeNotFound:
		return http.StatusNotFound
	case errors.ErrorTypeConflict, errors.ErrorTypeRollback:
		return http.StatusConflict
	case errors.ErrorTypeSafetyViolation:
		return http.StatusUnprocessableEntity
	case errors.ErrorTypeRemediation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSONResponse writes a JSON response
func WriteJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// WriteErrorResponse writes an error response
func WriteErrorResponse(w http.ResponseWriter, statusCode int, message, details string) {
	response := map[string]interface{}{
		"error":   message,
		"details": details,
		"status":  statusCode,
	}
	WriteJSONResponse(w, statusCode, response)
}

// WriteValidationError writes a validation error response
func WriteValidationError(w http.ResponseWriter, err error) {
	response := ErrorResponse{
		Error:  err.Error(),
		Type:   string(errors.ErrorTypeValidation),
		Status: http.StatusBadRequest,
	}
	var typed *errors.Error
	if errors.As(err, &typed) {
		response.Error = typed.Message
		response.Details = typed.Details
	}
	WriteJSONResponse(w, http.StatusBadRequest, response)
}
