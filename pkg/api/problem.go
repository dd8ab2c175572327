// Package api — HTTP surface of the ledger. Error responses are RFC 7807
// Problem Details carrying a stable machine-readable code.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/stratalabs/strata/pkg/atom"
	"github.com/stratalabs/strata/pkg/ledger"
	"github.com/stratalabs/strata/pkg/membrane"
	"github.com/stratalabs/strata/pkg/policy"
	"github.com/stratalabs/strata/pkg/stream"
)

// Stable error codes. Clients branch on Code, never on Detail text.
const (
	CodeCanonicalization  = "CANONICALIZATION_ERROR"
	CodeCausalityMismatch = "CAUSALITY_MISMATCH"
	CodeSequenceConflict  = "SEQUENCE_CONFLICT"
	CodeSignatureInvalid  = "SIGNATURE_INVALID"
	CodePolicyViolation   = "POLICY_VIOLATION"
	CodeNotFound          = "NOT_FOUND"
	CodeResyncRequired    = "RESYNC_REQUIRED"
	CodePermitDenied      = "PERMIT_DENIED"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// Code is the stable machine-readable error code; policy violations
	// carry their subtype as "POLICY_VIOLATION.<subtype>".
	Code string `json:"code,omitempty"`
	// Retryable marks errors a client may resolve by refreshing state and
	// retrying. Only sequence conflicts qualify.
	Retryable bool `json:"retryable,omitempty"`
	// TraceID links to the request log line via X-Request-ID.
	TraceID string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteProblem writes an RFC 7807 response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, code, title, detail string, retryable bool) {
	problem := &ProblemDetail{
		Type:      fmt.Sprintf("https://stratalabs.dev/errors/%s", code),
		Title:     title,
		Status:    status,
		Detail:    detail,
		Instance:  r.URL.Path,
		Code:      code,
		Retryable: retryable,
		TraceID:   w.Header().Get("X-Request-ID"),
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteBadRequest writes a 400 with no domain code.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusBadRequest, "", "Bad Request", detail, false)
}

// WriteNotFound writes a 404 NOT_FOUND.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusNotFound, CodeNotFound, "Not Found", detail, false)
}

// WriteTooManyRequests writes a 429 with a Retry-After hint.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteProblem(w, r, http.StatusTooManyRequests, "", "Too Many Requests",
		"Rate limit exceeded. Retry after the specified interval.", true)
}

// WriteInternal writes a 500. err is logged, never exposed.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "path", r.URL.Path, "error", err)
	WriteProblem(w, r, http.StatusInternalServerError, "", "Internal Server Error",
		"An unexpected error occurred. Please try again later.", false)
}

// WriteDomainError maps the validation and commit error taxonomy onto
// problem responses. Unknown errors become 500s.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		canonErr  *atom.CanonicalizationError
		causality *membrane.CausalityMismatchError
		conflict  *ledger.SequenceConflictError
		sigErr    *membrane.SignatureInvalidError
		physErr   *membrane.PhysicsError
		violation *policy.Violation
		denied    *membrane.PermitDenied
	)
	switch {
	case errors.As(err, &canonErr):
		WriteProblem(w, r, http.StatusBadRequest, CodeCanonicalization,
			"Canonicalization Error", canonErr.Error(), false)
	case errors.As(err, &causality):
		WriteProblem(w, r, http.StatusConflict, CodeCausalityMismatch,
			"Causality Mismatch", causality.Error(), false)
	case errors.As(err, &conflict):
		WriteProblem(w, r, http.StatusConflict, CodeSequenceConflict,
			"Sequence Conflict", conflict.Error(), true)
	case errors.As(err, &sigErr):
		WriteProblem(w, r, http.StatusForbidden, CodeSignatureInvalid,
			"Signature Invalid", sigErr.Error(), false)
	case errors.As(err, &physErr):
		WriteProblem(w, r, http.StatusUnprocessableEntity, CodePolicyViolation+".physics",
			"Policy Violation", physErr.Error(), false)
	case errors.As(err, &violation):
		WriteProblem(w, r, http.StatusUnprocessableEntity, CodePolicyViolation+"."+violation.Subtype,
			"Policy Violation", violation.Error(), false)
	case errors.As(err, &denied):
		WriteProblem(w, r, http.StatusForbidden, CodePermitDenied,
			"Permit Denied", denied.Error(), false)
	case errors.Is(err, membrane.ErrInvalidVersion):
		WriteBadRequest(w, r, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		WriteNotFound(w, r, err.Error())
	case errors.Is(err, stream.ErrResyncRequired):
		WriteProblem(w, r, http.StatusGone, CodeResyncRequired,
			"Resync Required", err.Error(), false)
	default:
		WriteInternal(w, r, err)
	}
}
