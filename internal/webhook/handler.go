// Package webhook exposes the ingestion pipeline over HTTP.
package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/welldanyogia/leafmail/internal/ingest"
	"github.com/welldanyogia/leafmail/internal/logger"
)

// Error codes for webhook responses
const (
	CodeAuthFailed             = "AUTHENTICATION_FAILURE"
	CodeUnsupportedContentType = "UNSUPPORTED_CONTENT_TYPE"
	CodeMalformedPayload       = "MALFORMED_PAYLOAD"
	CodePayloadTooLarge        = "PAYLOAD_TOO_LARGE"
	CodeUnrecognizedAddress    = "UNRECOGNIZED_ADDRESS_SCHEME"
	CodeIdentityNotFound       = "IDENTITY_NOT_FOUND"
	CodePersistenceFailure     = "PERSISTENCE_FAILURE"
	CodeInternalError          = "INTERNAL_ERROR"
)

// APIResponse represents the standard API response format
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents the error detail in API response
type APIError struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Details map[string][]string `json:"details,omitempty"`
}

// IngestResponse is the data returned for an accepted email
type IngestResponse struct {
	LeafID    string `json:"leafId"`
	LeafType  string `json:"leafType"`
	HasMedia  bool   `json:"hasMedia"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// Ingester runs one webhook delivery through the pipeline
type Ingester interface {
	Ingest(ctx context.Context, r *http.Request) *ingest.Outcome
}

// Handler handles relay webhook deliveries
type Handler struct {
	ingester Ingester
	logger   *slog.Logger
}

// NewHandler creates a new webhook Handler instance
func NewHandler(ingester Ingester, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		ingester: ingester,
		logger:   logger,
	}
}

// ServeEmail handles POST /webhooks/email
func (h *Handler) ServeEmail(w http.ResponseWriter, r *http.Request) {
	outcome := h.ingester.Ingest(r.Context(), r)
	if outcome == nil {
		logger.WithCorrelationID(r.Context(), h.logger).Error("ingestion returned no outcome")
		h.writeError(w, http.StatusInternalServerError, CodeInternalError, ingest.KindInternal.Message(), nil)
		return
	}

	if outcome.Error != nil {
		h.writeError(w, outcome.Error.Status(), errorCode(outcome.Error.Kind), outcome.Error.Kind.Message(), nil)
		return
	}

	h.writeSuccess(w, http.StatusOK, IngestResponse{
		LeafID:    outcome.LeafID,
		LeafType:  string(outcome.LeafType),
		HasMedia:  outcome.HasMedia,
		Duplicate: outcome.Duplicate,
	})
}

// errorCode maps an ingestion error kind onto its response code
func errorCode(kind ingest.ErrorKind) string {
	switch kind {
	case ingest.KindAuthenticationFailure:
		return CodeAuthFailed
	case ingest.KindUnsupportedContentType:
		return CodeUnsupportedContentType
	case ingest.KindMalformedPayload:
		return CodeMalformedPayload
	case ingest.KindPayloadTooLarge:
		return CodePayloadTooLarge
	case ingest.KindUnrecognizedAddress:
		return CodeUnrecognizedAddress
	case ingest.KindIdentityNotFound:
		return CodeIdentityNotFound
	case ingest.KindPersistenceFailure:
		return CodePersistenceFailure
	default:
		return CodeInternalError
	}
}

// writeSuccess writes a success JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Warn("failed to write response", "error", err)
	}
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, statusCode int, code, message string, details map[string][]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
		Timestamp: time.Now().UTC(),
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Warn("failed to write response", "error", err)
	}
}
