package ingest

import (
	"net/http"
)

// ErrorKind classifies why an ingestion stopped or degraded
type ErrorKind string

const (
	KindAuthenticationFailure  ErrorKind = "authentication_failure"
	KindUnsupportedContentType ErrorKind = "unsupported_content_type"
	KindMalformedPayload       ErrorKind = "malformed_payload"
	KindPayloadTooLarge        ErrorKind = "payload_too_large"
	KindUnrecognizedAddress    ErrorKind = "unrecognized_address_scheme"
	KindIdentityNotFound       ErrorKind = "identity_not_found"
	KindPersistenceFailure     ErrorKind = "persistence_failure"
	KindInternal               ErrorKind = "internal_error"

	// Per-file kinds. They are logged and counted, never returned.
	KindAttachmentTooLarge     ErrorKind = "attachment_too_large"
	KindAttachmentBlocked      ErrorKind = "attachment_blocked"
	KindAttachmentUploadFailed ErrorKind = "attachment_upload_failed"
)

type kindInfo struct {
	status  int
	message string
}

// Messages are fixed per kind so no internal detail reaches the relay.
var kinds = map[ErrorKind]kindInfo{
	KindAuthenticationFailure:  {http.StatusUnauthorized, "Webhook authentication failed"},
	KindUnsupportedContentType: {http.StatusBadRequest, "Unsupported content type"},
	KindMalformedPayload:       {http.StatusBadRequest, "Email payload is missing required fields"},
	KindPayloadTooLarge:        {http.StatusRequestEntityTooLarge, "Email exceeds the maximum size"},
	KindUnrecognizedAddress:    {http.StatusBadRequest, "Recipient address is not recognized"},
	KindIdentityNotFound:       {http.StatusNotFound, "Recipient not found"},
	KindPersistenceFailure:     {http.StatusInternalServerError, "Failed to save memory"},
	KindInternal:               {http.StatusInternalServerError, "An unexpected error occurred"},
}

// Status returns the HTTP status for a terminal kind
func (k ErrorKind) Status() int {
	if info, ok := kinds[k]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// Message returns the caller-facing message for a kind
func (k ErrorKind) Message() string {
	if info, ok := kinds[k]; ok {
		return info.message
	}
	return kinds[KindInternal].message
}

// Error is a terminal ingestion failure. Err carries the detail for logs.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status returns the HTTP status for the error
func (e *Error) Status() int {
	return e.Kind.Status()
}

func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
