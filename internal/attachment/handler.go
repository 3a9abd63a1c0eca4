// Package attachment validates inbound email attachments and stores them
// under a per-email prefix, one file at a time and independently.
package attachment

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	mrand "math/rand"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/welldanyogia/leafmail/internal/parser"
)

// Handler validates and uploads attachments
type Handler struct {
	store       ObjectStore
	maxSize     int64
	concurrency int
	logger      *slog.Logger
	retryDelay  time.Duration
}

// NewHandler creates an attachment handler. A nil store yields metadata-only records.
func NewHandler(store ObjectStore, maxSize int64, concurrency int, logger *slog.Logger) *Handler {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:       store,
		maxSize:     maxSize,
		concurrency: concurrency,
		logger:      logger,
		retryDelay:  time.Duration(InitialRetryDelay) * time.Millisecond,
	}
}

type outcome struct {
	attachment *parser.Attachment
	rejected   *Rejection
	failed     *Rejection
}

// Upload stores every file concurrently. Each file settles on its own: oversized
// and blocked files are excluded, failed uploads become metadata-only records,
// and nothing short-circuits the batch.
func (h *Handler) Upload(ctx context.Context, files []*parser.Attachment, ownerID, correlationID string) *UploadResult {
	outcomes := make([]outcome, len(files))

	var g errgroup.Group
	g.SetLimit(h.concurrency)
	for i, file := range files {
		if file == nil {
			continue
		}
		g.Go(func() error {
			outcomes[i] = h.uploadOne(ctx, i, file, ownerID, correlationID)
			return nil
		})
	}
	_ = g.Wait()

	result := &UploadResult{Attachments: make([]*parser.Attachment, 0, len(files))}
	for _, o := range outcomes {
		if o.rejected != nil {
			result.Rejected = append(result.Rejected, o.rejected)
			continue
		}
		if o.failed != nil {
			result.Failed = append(result.Failed, o.failed)
		}
		if o.attachment != nil {
			result.Attachments = append(result.Attachments, o.attachment)
		}
	}
	return result
}

func (h *Handler) uploadOne(ctx context.Context, index int, file *parser.Attachment, ownerID, correlationID string) outcome {
	if rej := h.Validate(file); rej != nil {
		h.logger.Warn("attachment rejected",
			"filename", file.Filename,
			"reason", rej.Reason,
			"correlation_id", correlationID,
		)
		return outcome{rejected: rej}
	}

	// already stored by the relay
	if file.URL != "" && len(file.Data) == 0 {
		return outcome{attachment: copyMetadata(file, file.URL, file.StoragePath)}
	}
	if h.store == nil || ownerID == "" || len(file.Data) == 0 {
		return outcome{attachment: copyMetadata(file, "", "")}
	}

	path := StoragePath(ownerID, correlationID, index, file.Filename)
	url, attempts, err := h.putWithRetry(ctx, path, file)
	if err != nil {
		h.logger.Error("attachment upload failed",
			"filename", file.Filename,
			"path", path,
			"attempts", attempts,
			"error", err,
		)
		return outcome{
			attachment: copyMetadata(file, "", ""),
			failed: &Rejection{
				Filename: file.Filename,
				Reason:   fmt.Sprintf("upload failed after %d attempts", attempts),
				Attempts: attempts,
				Err:      fmt.Errorf("%w: %v", ErrAttachmentUploadFailed, err),
			},
		}
	}
	return outcome{attachment: copyMetadata(file, url, path)}
}

// Validate checks size and executable rules. nil means the file may be stored.
func (h *Handler) Validate(file *parser.Attachment) *Rejection {
	size := file.Size
	if n := int64(len(file.Data)); n > size {
		size = n
	}
	if h.maxSize > 0 && size > h.maxSize {
		return &Rejection{
			Filename: file.Filename,
			Reason:   fmt.Sprintf("attachment exceeds maximum size of %d bytes", h.maxSize),
			Err:      ErrAttachmentTooLarge,
		}
	}
	if IsDangerousExtension(file.Filename) {
		return &Rejection{
			Filename: file.Filename,
			Reason:   "dangerous file extension blocked",
			Err:      ErrAttachmentBlocked,
		}
	}
	if sig := DetectExecutableMagicBytes(file.Data); sig != nil {
		return &Rejection{
			Filename: file.Filename,
			Reason:   "disguised executable detected: " + sig.Name,
			Err:      ErrAttachmentBlocked,
		}
	}
	return nil
}

// putWithRetry uploads with exponential backoff and jitter
func (h *Handler) putWithRetry(ctx context.Context, path string, file *parser.Attachment) (string, int, error) {
	var lastErr error
	delay := h.retryDelay
	maxDelay := time.Duration(MaxRetryDelay) * time.Millisecond

	for attempt := 1; attempt <= MaxUploadRetries; attempt++ {
		url, err := h.store.Put(ctx, file.Data, path, file.ContentType)
		if err == nil {
			if attempt > 1 {
				h.logger.Info("attachment upload succeeded after retry", "path", path, "attempt", attempt)
			}
			return url, attempt, nil
		}
		lastErr = err
		h.logger.Warn("attachment upload attempt failed",
			"path", path,
			"attempt", attempt,
			"max_attempts", MaxUploadRetries,
			"error", err,
		)

		if ctx.Err() != nil {
			return "", attempt, ctx.Err()
		}
		if attempt == MaxUploadRetries {
			break
		}

		sleep := delay
		if quarter := int64(delay / 4); quarter > 0 {
			sleep += time.Duration(mrand.Int63n(quarter))
		}
		select {
		case <-ctx.Done():
			return "", attempt, ctx.Err()
		case <-time.After(sleep):
		}

		delay *= RetryBackoffMultiplier
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return "", MaxUploadRetries, lastErr
}

// MetadataOnly enumerates attachments without storing them. Used when no owner
// is known, so media is reported present but not retrievable.
func MetadataOnly(files []*parser.Attachment) []*parser.Attachment {
	out := make([]*parser.Attachment, 0, len(files))
	for _, f := range files {
		if f != nil {
			out = append(out, copyMetadata(f, "", ""))
		}
	}
	return out
}

func copyMetadata(file *parser.Attachment, url, path string) *parser.Attachment {
	size := file.Size
	if size == 0 {
		size = int64(len(file.Data))
	}
	return &parser.Attachment{
		Filename:    file.Filename,
		ContentType: file.ContentType,
		Size:        size,
		URL:         url,
		StoragePath: path,
	}
}

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// CorrelationID derives the storage prefix for one email. The provider message
// id is used when present, stripped of URL-unsafe characters; otherwise a
// timestamp with a random suffix.
func CorrelationID(messageID string, now time.Time) string {
	id := unsafeIDChars.ReplaceAllString(messageID, "")
	id = strings.Trim(id, ".")
	if len(id) > MaxCorrelationIDLength {
		id = id[:MaxCorrelationIDLength]
	}
	if id != "" {
		return id
	}

	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return fmt.Sprintf("%d", now.UnixMilli())
	}
	return fmt.Sprintf("%d-%s", now.UnixMilli(), hex.EncodeToString(suffix))
}

// StoragePath returns leaves/{owner}/{correlation}/{index}_{filename}
func StoragePath(ownerID, correlationID string, index int, filename string) string {
	name := SanitizeFilename(filename)
	if name == "" {
		name = "attachment"
	}
	return fmt.Sprintf("leaves/%s/%s/%d_%s", ownerID, correlationID, index, name)
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeFilename removes path traversal and characters unsafe in object keys
func SanitizeFilename(filename string) string {
	if filename == "" {
		return ""
	}
	for _, char := range PathTraversalChars {
		filename = strings.ReplaceAll(filename, char, "")
	}
	filename = filepath.Base(filename)
	filename = unsafeFilenameChars.ReplaceAllString(filename, "_")
	filename = strings.TrimLeft(filename, ".")

	if len(filename) > 255 {
		ext := filepath.Ext(filename)
		if len(ext) > 16 {
			ext = ""
		}
		filename = filename[:255-len(ext)] + ext
	}
	return filename
}

// IsDangerousExtension checks if a file extension is blocked
func IsDangerousExtension(filename string) bool {
	return DangerousExtensions[strings.ToLower(filepath.Ext(filename))]
}

// DetectExecutableMagicBytes returns the executable signature data starts with, if any
func DetectExecutableMagicBytes(data []byte) *MagicSignature {
	for i := range ExecutableMagicSignatures {
		if bytes.HasPrefix(data, ExecutableMagicSignatures[i].Signature) {
			return &ExecutableMagicSignatures[i]
		}
	}
	return nil
}
