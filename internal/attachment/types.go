package attachment

import (
	"context"
	"errors"
	"fmt"

	"github.com/welldanyogia/leafmail/internal/parser"
)

// Per-file outcomes. None of them aborts an ingestion.
var (
	// ErrAttachmentTooLarge excludes the file from the leaf
	ErrAttachmentTooLarge = errors.New("attachment too large")
	// ErrAttachmentBlocked excludes executables and disguised executables
	ErrAttachmentBlocked = errors.New("attachment blocked")
	// ErrAttachmentUploadFailed keeps the file as a metadata-only record
	ErrAttachmentUploadFailed = errors.New("attachment upload failed")
)

// ObjectStore stores media bytes and returns a fetchable URL
type ObjectStore interface {
	Put(ctx context.Context, data []byte, path, contentType string) (string, error)
}

// Rejection records why one file was excluded or could not be stored
type Rejection struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts,omitempty"`
	Err      error  `json:"-"`
}

// Error implements the error interface
func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Filename, r.Reason)
}

// Unwrap exposes the sentinel for errors.Is
func (r *Rejection) Unwrap() error {
	return r.Err
}

// UploadResult is the settled outcome of one batch.
// Attachments keeps input order and includes metadata-only records for failed uploads.
type UploadResult struct {
	Attachments []*parser.Attachment `json:"attachments"`
	Rejected    []*Rejection         `json:"rejected,omitempty"`
	Failed      []*Rejection         `json:"failed,omitempty"`
}

// HasMedia reports whether at least one attachment is retrievable
func (r *UploadResult) HasMedia() bool {
	for _, a := range r.Attachments {
		if a.URL != "" {
			return true
		}
	}
	return false
}

// URLs returns the public URLs of the stored attachments, in order
func (r *UploadResult) URLs() []string {
	urls := make([]string, 0, len(r.Attachments))
	for _, a := range r.Attachments {
		if a.URL != "" {
			urls = append(urls, a.URL)
		}
	}
	return urls
}

// Retry configuration for uploads
const (
	// MaxUploadRetries is the maximum number of attempts per file
	MaxUploadRetries = 3
	// InitialRetryDelay is the initial delay before the first retry
	InitialRetryDelay = 100 // milliseconds
	// MaxRetryDelay is the maximum delay between retries
	MaxRetryDelay = 2000 // milliseconds
	// RetryBackoffMultiplier is the multiplier for exponential backoff
	RetryBackoffMultiplier = 2
)

// MaxCorrelationIDLength bounds message-id derived storage prefixes
const MaxCorrelationIDLength = 128

// DangerousExtensions lists blocked file extensions
var DangerousExtensions = map[string]bool{
	".exe": true, ".bat": true, ".cmd": true, ".vbs": true, ".js": true,
	".jar": true, ".msi": true, ".scr": true, ".pif": true, ".com": true,
	".ps1": true, ".dll": true,
}

// PathTraversalChars are removed from filenames before they become storage keys
var PathTraversalChars = []string{"..", "/", "\\", "\x00"}

// MagicSignature identifies an executable format by its leading bytes
type MagicSignature struct {
	Name      string
	Signature []byte
}

// ExecutableMagicSignatures detect executables uploaded under innocent names
var ExecutableMagicSignatures = []MagicSignature{
	{Name: "Windows PE", Signature: []byte{0x4D, 0x5A}},
	{Name: "Linux ELF", Signature: []byte{0x7F, 0x45, 0x4C, 0x46}},
	{Name: "Mach-O 32-bit", Signature: []byte{0xFE, 0xED, 0xFA, 0xCE}},
	{Name: "Mach-O 64-bit", Signature: []byte{0xFE, 0xED, 0xFA, 0xCF}},
	{Name: "Mach-O 32-bit (reverse)", Signature: []byte{0xCE, 0xFA, 0xED, 0xFE}},
	{Name: "Mach-O 64-bit (reverse)", Signature: []byte{0xCF, 0xFA, 0xED, 0xFE}},
	{Name: "Java class", Signature: []byte{0xCA, 0xFE, 0xBA, 0xBE}},
	{Name: "Windows Script", Signature: []byte("<job")},
}
