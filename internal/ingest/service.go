// Package ingest turns one authenticated relay webhook into one leaf:
// authenticate, parse, resolve, look up, upload, classify, persist, notify.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/welldanyogia/leafmail/internal/attachment"
	"github.com/welldanyogia/leafmail/internal/auth"
	"github.com/welldanyogia/leafmail/internal/classifier"
	"github.com/welldanyogia/leafmail/internal/config"
	"github.com/welldanyogia/leafmail/internal/events"
	"github.com/welldanyogia/leafmail/internal/logger"
	"github.com/welldanyogia/leafmail/internal/metrics"
	"github.com/welldanyogia/leafmail/internal/parser"
	"github.com/welldanyogia/leafmail/internal/recipient"
	"github.com/welldanyogia/leafmail/internal/repository"
	"github.com/welldanyogia/leafmail/internal/storage"
)

// IdentityStore looks up the author behind a resolved address
type IdentityStore interface {
	Lookup(ctx context.Context, kind recipient.Kind, id string) (*repository.Identity, error)
}

// LeafStore persists leaves. CreateLeaf returns repository.ErrDuplicateLeaf
// when a leaf already exists for the source message.
type LeafStore interface {
	CreateLeaf(ctx context.Context, leaf *repository.NewLeaf) (uuid.UUID, error)
	FindBySourceMessageID(ctx context.Context, sourceMessageID string) (*repository.Leaf, error)
}

// Deduplicator remembers claimed delivery keys
type Deduplicator interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// MediaCleaner removes uploaded objects. Object stores may implement it.
type MediaCleaner interface {
	DeleteByKeys(ctx context.Context, keys []string) (int, error)
}

// Outcome is the result of one ingestion
type Outcome struct {
	Success   bool
	LeafID    string
	LeafType  classifier.LeafType
	HasMedia  bool
	Duplicate bool
	Error     *Error
}

// ServiceConfig contains configuration for the ingestion Service
type ServiceConfig struct {
	Ingest     config.IngestConfig
	Identities IdentityStore
	Leaves     LeafStore
	Objects    attachment.ObjectStore // nil stores attachments as metadata only
	Dedup      Deduplicator           // nil relies on the database constraint alone
	Notifier   events.Publisher       // nil drops notifications
	Logger     *slog.Logger
}

// Service runs the ingestion pipeline
type Service struct {
	authenticator *auth.Authenticator
	parser        *parser.Parser
	resolver      *recipient.Resolver
	classifier    *classifier.Classifier
	attachments   *attachment.Handler
	identities    IdentityStore
	leaves        LeafStore
	cleaner       MediaCleaner
	dedup         Deduplicator
	notifier      events.Publisher
	maxEmailSize  int64
	logger        *slog.Logger
	now           func() time.Time
}

// NewService creates a new ingestion Service instance
func NewService(cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = events.NopPublisher{}
	}
	log := cfg.Logger.With("component", "ingest")

	cleaner, _ := cfg.Objects.(MediaCleaner)

	return &Service{
		authenticator: auth.NewAuthenticator(cfg.Ingest, log),
		parser:        parser.NewParser(nil, log),
		resolver:      recipient.NewResolver(cfg.Ingest),
		classifier:    classifier.New(cfg.Ingest.MilestoneKeywords),
		attachments:   attachment.NewHandler(cfg.Objects, cfg.Ingest.MaxAttachmentSize, cfg.Ingest.UploadConcurrency, log),
		identities:    cfg.Identities,
		leaves:        cfg.Leaves,
		cleaner:       cleaner,
		dedup:         cfg.Dedup,
		notifier:      cfg.Notifier,
		maxEmailSize:  cfg.Ingest.MaxEmailSize,
		logger:        log,
		now:           time.Now,
	}
}

// Ingest processes one webhook delivery. It never panics on bad input and
// always returns an outcome the HTTP layer can render.
func (s *Service) Ingest(ctx context.Context, r *http.Request) *Outcome {
	start := time.Now()
	log := logger.WithCorrelationID(ctx, s.logger)

	outcome := s.ingest(ctx, r, log)

	label := "success"
	switch {
	case outcome.Error != nil:
		label = string(outcome.Error.Kind)
		s.logFailure(log, outcome.Error)
	case outcome.Duplicate:
		label = "duplicate"
	}
	metrics.RecordWebhook(label, time.Since(start))
	return outcome
}

func (s *Service) ingest(ctx context.Context, r *http.Request, log *slog.Logger) *Outcome {
	body, readErr := s.readBody(r)
	if readErr != nil {
		return fail(readErr)
	}
	contentType := r.Header.Get("Content-Type")

	// Received -> Authenticated
	authResult := s.authenticator.Authenticate(auth.RequestMeta{
		Headers:     r.Header,
		RemoteIP:    auth.PeerIP(r),
		ContentType: contentType,
		Body:        body,
	})
	metrics.RecordAuth(string(authResult.Method), authResult.IsValid)
	if !authResult.IsValid {
		return fail(newError(KindAuthenticationFailure, errors.New(authResult.Error)))
	}

	// Authenticated -> Parsed
	email, err := s.parser.Parse(contentType, body)
	if err != nil {
		if errors.Is(err, parser.ErrUnsupportedContentType) {
			return fail(newError(KindUnsupportedContentType, err))
		}
		return fail(newError(KindMalformedPayload, err))
	}
	log = log.With("to", email.To, "attachments", len(email.Attachments))

	// Parsed -> Resolved
	resolved, ok := s.resolver.Resolve(email.To)
	if !ok {
		// attachments are still enumerated so the log shows what was dropped
		log.Info("recipient not recognized",
			"metadata_only_attachments", len(attachment.MetadataOnly(email.Attachments)),
		)
		return fail(newError(KindUnrecognizedAddress, fmt.Errorf("no addressing scheme matched %q", email.To)))
	}

	identity, err := s.identities.Lookup(ctx, resolved.Kind, resolved.ID)
	if err != nil {
		if errors.Is(err, repository.ErrIdentityNotFound) {
			return fail(newError(KindIdentityNotFound, fmt.Errorf("%s %s: %w", resolved.Kind, resolved.ID, err)))
		}
		return fail(newError(KindInternal, fmt.Errorf("identity lookup: %w", err)))
	}

	key := IdempotencyKey(email, resolved)
	correlationID := attachment.CorrelationID(key, s.now())
	log = log.With("source_message_id", key, "message_id", email.MessageID, "pattern", resolved.Pattern)

	claimed := false
	if s.dedup != nil {
		isNew, err := s.dedup.Claim(ctx, key)
		switch {
		case err != nil:
			log.Warn("dedup unavailable, relying on database constraint", "error", err)
		case !isNew:
			if out := s.existing(ctx, key, "redis", log); out != nil {
				return out
			}
			// claimed by a delivery still in flight; the unique constraint decides
		default:
			claimed = true
		}
	}

	uploads := s.attachments.Upload(ctx, email.Attachments, identity.AuthorID.String(), correlationID)
	recordUploads(uploads)
	logFileOutcomes(log, uploads)

	// Resolved -> Classified
	result := s.classifier.Classify(email.Text, uploads.Attachments)

	// Classified -> Persisted
	leaf := &repository.NewLeaf{
		AuthorID:          identity.AuthorID,
		TreeID:            identity.TreeID,
		LeafType:          string(result.LeafType),
		Content:           LeafContent(email.Subject, email.Text),
		Confidence:        string(result.Confidence),
		Tags:              result.Tags,
		MilestoneKeywords: result.MilestoneKeywords,
		SourceMessageID:   key,
		Sender:            email.From,
		Subject:           email.Subject,
		ReceivedAt:        email.Timestamp,
		Media:             leafMedia(uploads.Attachments),
	}

	leafID, err := s.leaves.CreateLeaf(ctx, leaf)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateLeaf) {
			if out := s.existing(ctx, key, "database", log); out != nil {
				return out
			}
		}
		s.rollback(ctx, key, claimed, uploads, log)
		return fail(newError(KindPersistenceFailure, err))
	}
	metrics.LeavesCreatedTotal.WithLabelValues(string(result.LeafType)).Inc()

	hasMedia := uploads.HasMedia()
	log.Info("leaf created from email",
		"leaf_id", leafID,
		"leaf_type", result.LeafType,
		"confidence", result.Confidence,
		"reason", result.Reason,
		"has_media", hasMedia,
		"rejected_attachments", len(uploads.Rejected),
		"failed_uploads", len(uploads.Failed),
	)

	s.notify(ctx, leafID, leaf, hasMedia, log)

	return &Outcome{
		Success:  true,
		LeafID:   leafID.String(),
		LeafType: result.LeafType,
		HasMedia: hasMedia,
	}
}

// readBody reads at most maxEmailSize bytes
func (s *Service) readBody(r *http.Request) ([]byte, *Error) {
	if r.Body == nil {
		return nil, newError(KindMalformedPayload, errors.New("empty body"))
	}
	reader := io.Reader(r.Body)
	if s.maxEmailSize > 0 {
		reader = http.MaxBytesReader(nil, r.Body, s.maxEmailSize)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, newError(KindPayloadTooLarge, err)
		}
		return nil, newError(KindMalformedPayload, fmt.Errorf("read body: %w", err))
	}
	return body, nil
}

// existing reports an earlier delivery's leaf as a duplicate success.
// nil means no leaf was found.
func (s *Service) existing(ctx context.Context, key, layer string, log *slog.Logger) *Outcome {
	leaf, err := s.leaves.FindBySourceMessageID(ctx, key)
	if err != nil {
		if !errors.Is(err, repository.ErrLeafNotFound) {
			log.Warn("failed to load existing leaf", "error", err)
		}
		return nil
	}
	metrics.DuplicatesTotal.WithLabelValues(layer).Inc()
	log.Info("duplicate delivery ignored", "leaf_id", leaf.ID, "layer", layer)
	return &Outcome{
		Success:   true,
		LeafID:    leaf.ID.String(),
		LeafType:  classifier.LeafType(leaf.LeafType),
		HasMedia:  leaf.MediaCount > 0,
		Duplicate: true,
	}
}

// rollback releases the delivery key and the fresh uploads so the relay's
// retry starts clean. Runs detached from the request's cancellation.
func (s *Service) rollback(ctx context.Context, key string, claimed bool, uploads *attachment.UploadResult, log *slog.Logger) {
	ctx = context.WithoutCancel(ctx)

	if claimed {
		if err := s.dedup.Release(ctx, key); err != nil {
			log.Warn("failed to release dedup key", "error", err)
		}
	}

	if s.cleaner == nil {
		return
	}
	var paths []string
	for _, a := range uploads.Attachments {
		if strings.HasPrefix(a.StoragePath, storage.LeafMediaPrefix) {
			paths = append(paths, a.StoragePath)
		}
	}
	if len(paths) == 0 {
		return
	}
	if _, err := s.cleaner.DeleteByKeys(ctx, paths); err != nil {
		log.Warn("failed to remove uploads of unsaved leaf", "paths", len(paths), "error", err)
	}
}

// notify publishes leaf_created. Failures never affect the outcome.
func (s *Service) notify(ctx context.Context, leafID uuid.UUID, leaf *repository.NewLeaf, hasMedia bool, log *slog.Logger) {
	payload := events.LeafCreatedEvent{
		LeafID:    leafID.String(),
		AuthorID:  leaf.AuthorID.String(),
		LeafType:  leaf.LeafType,
		HasMedia:  hasMedia,
		Tags:      leaf.Tags,
		Preview:   events.PreviewText(leaf.Content, events.DefaultPreviewLength),
		Source:    repository.SourceEmail,
		CreatedAt: s.now().UTC(),
	}
	if leaf.TreeID != nil {
		payload.TreeID = leaf.TreeID.String()
	}

	event, err := events.NewEvent(events.EventTypeLeafCreated, payload.AuthorID, payload)
	if err == nil {
		err = s.notifier.Publish(ctx, event)
	}
	metrics.RecordEvent(events.EventTypeLeafCreated, err)
	if err != nil {
		log.Warn("failed to publish leaf notification", "leaf_id", leafID, "error", err)
	}
}

func (s *Service) logFailure(log *slog.Logger, err *Error) {
	switch err.Status() {
	case http.StatusInternalServerError:
		log.Error("email ingestion failed", "kind", err.Kind, "error", err.Err)
	default:
		log.Warn("email ingestion rejected", "kind", err.Kind, "error", err.Err)
	}
}

// IdempotencyKey identifies one email delivered to one recipient across relay
// redeliveries. Relays post once per recipient with a shared message id, so
// the resolved recipient is hashed in with the provider message id, or with a
// fingerprint of the canonical fields when the relay sent none.
func IdempotencyKey(email *parser.IncomingEmail, to *recipient.ResolvedRecipient) string {
	h := sha256.New()
	h.Write([]byte(to.Kind))
	h.Write([]byte{0})
	h.Write([]byte(to.ID))
	h.Write([]byte{0})

	if id := strings.TrimSpace(email.MessageID); id != "" {
		h.Write([]byte(id))
		return "msg-" + hex.EncodeToString(h.Sum(nil))[:32]
	}

	for _, part := range []string{email.To, email.From, email.Subject, email.Text, email.HTML} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	if email.Timestamp != nil {
		h.Write([]byte(email.Timestamp.UTC().Format(time.RFC3339)))
	}
	for _, a := range email.Attachments {
		fmt.Fprintf(h, "%s|%s|%d\x00", a.Filename, a.ContentType, a.Size)
	}
	return "fp-" + hex.EncodeToString(h.Sum(nil))[:32]
}

// LeafContent joins subject and body with a blank line, skipping empty parts
func LeafContent(subject, text string) string {
	subject = strings.TrimSpace(subject)
	text = strings.TrimSpace(text)
	switch {
	case subject == "":
		return text
	case text == "":
		return subject
	default:
		return subject + "\n\n" + text
	}
}

func leafMedia(attachments []*parser.Attachment) []repository.LeafMedia {
	media := make([]repository.LeafMedia, 0, len(attachments))
	for _, a := range attachments {
		if a.URL == "" {
			continue
		}
		media = append(media, repository.LeafMedia{
			URL:         a.URL,
			StoragePath: a.StoragePath,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			SizeBytes:   a.Size,
		})
	}
	return media
}

func recordUploads(result *attachment.UploadResult) {
	stored := len(result.URLs())
	metrics.RecordAttachments(metrics.AttachmentStored, stored)
	metrics.RecordAttachments(metrics.AttachmentMetadataOnly, len(result.Attachments)-stored-len(result.Failed))
	metrics.RecordAttachments(metrics.AttachmentUploadFailed, len(result.Failed))
	metrics.RecordAttachments(metrics.AttachmentRejected, len(result.Rejected))
}

func logFileOutcomes(log *slog.Logger, result *attachment.UploadResult) {
	for _, r := range result.Rejected {
		kind := KindAttachmentTooLarge
		if errors.Is(r, attachment.ErrAttachmentBlocked) {
			kind = KindAttachmentBlocked
		}
		log.Info("attachment excluded", "kind", kind, "filename", r.Filename, "reason", r.Reason)
	}
	for _, f := range result.Failed {
		log.Warn("attachment kept as metadata only",
			"kind", KindAttachmentUploadFailed,
			"filename", f.Filename,
			"attempts", f.Attempts,
			"error", f.Err,
		)
	}
}

func fail(err *Error) *Outcome {
	return &Outcome{Error: err}
}
