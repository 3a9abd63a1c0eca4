package parser

import (
	"errors"
	"time"
)

// IncomingEmail is the canonical form of an inbound email, whatever wire
// encoding the relay used. To and From are never empty on a parsed value.
type IncomingEmail struct {
	To          string        `json:"to"`
	From        string        `json:"from"`
	Subject     string        `json:"subject"`
	Text        string        `json:"text"`
	HTML        string        `json:"html,omitempty"`
	Attachments []*Attachment `json:"attachments"`
	Timestamp   *time.Time    `json:"timestamp,omitempty"`
	// MessageID is the relay's message identifier, empty when not supplied
	MessageID string `json:"message_id,omitempty"`
	SizeBytes int64  `json:"size_bytes"`
}

// HasAttachments reports whether any attachment was extracted
func (e *IncomingEmail) HasAttachments() bool {
	return len(e.Attachments) > 0
}

// Attachment is a file carried by an inbound email.
// URL and StoragePath are filled once by the attachment handler; an empty URL
// means the media exists but could not be stored.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	URL         string `json:"url"`
	StoragePath string `json:"storage_path,omitempty"`
	Data        []byte `json:"-"`
}

// ErrorKind classifies parse failures for the HTTP boundary
type ErrorKind string

const (
	KindUnsupportedContentType ErrorKind = "unsupported_content_type"
	KindMalformedPayload       ErrorKind = "malformed_payload"
)

// Sentinel errors matched with errors.Is through ParseError.Unwrap
var (
	ErrUnsupportedContentType = errors.New("unsupported content type")
	ErrMalformedPayload       = errors.New("malformed payload")
)

// ParseError represents an error during webhook payload parsing
type ParseError struct {
	Kind    ErrorKind `json:"kind"`
	Stage   string    `json:"stage"`   // Which parsing stage failed
	Message string    `json:"message"` // Error description
}

// Error implements the error interface
func (e *ParseError) Error() string {
	return e.Message
}

// Unwrap maps the kind onto its sentinel error
func (e *ParseError) Unwrap() error {
	if e.Kind == KindUnsupportedContentType {
		return ErrUnsupportedContentType
	}
	return ErrMalformedPayload
}

// Content types accepted on the webhook
const (
	ContentTypeForm      = "application/x-www-form-urlencoded"
	ContentTypeMultipart = "multipart/form-data"
	ContentTypeJSON      = "application/json"
	ContentTypeOctet     = "application/octet-stream"
)

// Limits
const (
	// MaxMultipartMemory is the part of a multipart body kept in memory before spilling to disk
	MaxMultipartMemory = 32 << 20
	// MaxHeaderLength bounds subject and address values
	MaxHeaderLength = 1000
	// MaxAttachments bounds the untrusted attachment count fields
	MaxAttachments = 100
)
