package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/welldanyogia/leafmail/internal/auth"
	"github.com/welldanyogia/leafmail/internal/classifier"
	"github.com/welldanyogia/leafmail/internal/config"
	"github.com/welldanyogia/leafmail/internal/events"
	"github.com/welldanyogia/leafmail/internal/parser"
	"github.com/welldanyogia/leafmail/internal/recipient"
	"github.com/welldanyogia/leafmail/internal/repository"
)

const (
	testAPIKey = "relay-api-key"
	testSecret = "relay-signing-secret"
	testUserID = "123e4567-e89b-12d3-a456-426614174000"
	testTreeID = "9b2f7c1e-4d3a-4e8b-a1c2-0f5e6d7c8b9a"
)

var (
	testUser      = uuid.MustParse(testUserID)
	userRecipient = &recipient.ResolvedRecipient{Kind: recipient.KindUser, ID: testUserID}
)

// fakeIdentities resolves the test user and tree
type fakeIdentities struct {
	err error
}

func (f *fakeIdentities) Lookup(ctx context.Context, kind recipient.Kind, id string) (*repository.Identity, error) {
	if f.err != nil {
		return nil, f.err
	}
	switch {
	case kind == recipient.KindUser && id == testUserID:
		return &repository.Identity{AuthorID: testUser, DisplayName: "Ana"}, nil
	case kind == recipient.KindTree && id == testTreeID:
		tree := uuid.MustParse(testTreeID)
		return &repository.Identity{AuthorID: testUser, TreeID: &tree, DisplayName: "Ana"}, nil
	}
	return nil, repository.ErrIdentityNotFound
}

// fakeLeaves enforces the unique source message id like the real table
type fakeLeaves struct {
	mu        sync.Mutex
	bySource  map[string]*repository.Leaf
	created   []*repository.NewLeaf
	createErr error
}

func newFakeLeaves() *fakeLeaves {
	return &fakeLeaves{bySource: make(map[string]*repository.Leaf)}
}

func (f *fakeLeaves) CreateLeaf(ctx context.Context, leaf *repository.NewLeaf) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return uuid.Nil, f.createErr
	}
	if _, ok := f.bySource[leaf.SourceMessageID]; ok {
		return uuid.Nil, repository.ErrDuplicateLeaf
	}
	id := uuid.New()
	f.bySource[leaf.SourceMessageID] = &repository.Leaf{
		ID:         id,
		AuthorID:   leaf.AuthorID,
		LeafType:   leaf.LeafType,
		MediaCount: len(leaf.Media),
	}
	f.created = append(f.created, leaf)
	return id, nil
}

func (f *fakeLeaves) FindBySourceMessageID(ctx context.Context, sourceMessageID string) (*repository.Leaf, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if leaf, ok := f.bySource[sourceMessageID]; ok {
		return leaf, nil
	}
	return nil, repository.ErrLeafNotFound
}

func (f *fakeLeaves) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// fakeObjects stores uploads in memory and supports cleanup
type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte)}
}

func (f *fakeObjects) Put(ctx context.Context, data []byte, path, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[path] = data
	return "https://cdn.test/" + path, nil
}

func (f *fakeObjects) DeleteByKeys(ctx context.Context, keys []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.objects, k)
		f.deleted = append(f.deleted, k)
	}
	return len(keys), nil
}

type fakeDedup struct {
	mu       sync.Mutex
	keys     map[string]bool
	released []string
	err      error
}

func newFakeDedup() *fakeDedup {
	return &fakeDedup{keys: make(map[string]bool)}
}

func (f *fakeDedup) Claim(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.keys[key] {
		return false, nil
	}
	f.keys[key] = true
	return true, nil
}

func (f *fakeDedup) Release(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
	f.released = append(f.released, key)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (f *fakeNotifier) Publish(ctx context.Context, event events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

type fixture struct {
	svc        *Service
	identities *fakeIdentities
	leaves     *fakeLeaves
	objects    *fakeObjects
	dedup      *fakeDedup
	notifier   *fakeNotifier
}

func testConfig() config.IngestConfig {
	return config.IngestConfig{
		AllowedDomains:    []string{"example.com"},
		UserPrefix:        "user",
		ShortPrefix:       "u-",
		PersonPrefix:      "person-",
		APIKey:            testAPIKey,
		SignatureMaxAge:   5 * time.Minute,
		MaxAttachmentSize: 1024,
		MaxEmailSize:      1 << 20,
		UploadConcurrency: 2,
		MilestoneKeywords: config.DefaultMilestoneKeywords,
	}
}

func newFixture(t *testing.T, mutate func(*config.IngestConfig)) *fixture {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	f := &fixture{
		identities: &fakeIdentities{},
		leaves:     newFakeLeaves(),
		objects:    newFakeObjects(),
		dedup:      newFakeDedup(),
		notifier:   &fakeNotifier{},
	}
	f.svc = NewService(ServiceConfig{
		Ingest:     cfg,
		Identities: f.identities,
		Leaves:     f.leaves,
		Objects:    f.objects,
		Dedup:      f.dedup,
		Notifier:   f.notifier,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return f
}

func formRequest(values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/email", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", parser.ContentTypeForm)
	req.Header.Set(auth.HeaderAPIKey, testAPIKey)
	return req
}

type filePart struct {
	field    string
	filename string
	data     []byte
}

func multipartRequest(t *testing.T, values url.Values, files []filePart) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for key, vs := range values {
		for _, v := range vs {
			if err := w.WriteField(key, v); err != nil {
				t.Fatalf("WriteField: %v", err)
			}
		}
	}
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="`+f.field+`"; filename="`+f.filename+`"`)
		part, err := w.CreatePart(h)
		if err != nil {
			t.Fatalf("CreatePart: %v", err)
		}
		part.Write(f.data)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/email", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set(auth.HeaderAPIKey, testAPIKey)
	return req
}

func milestoneForm() url.Values {
	return url.Values{
		"recipient":        {"u-" + testUserID + "@example.com"},
		"sender":           {"a@b.com"},
		"subject":          {"Hi"},
		"body-plain":       {"Our baby said her first word!"},
		"attachment-count": {"0"},
	}
}

func wantError(t *testing.T, out *Outcome, kind ErrorKind, status int) {
	t.Helper()
	if out.Success {
		t.Fatalf("Success = true, want %s", kind)
	}
	if out.Error == nil {
		t.Fatalf("Error = nil, want %s", kind)
	}
	if out.Error.Kind != kind {
		t.Errorf("Kind = %s, want %s (err: %v)", out.Error.Kind, kind, out.Error)
	}
	if out.Error.Status() != status {
		t.Errorf("Status() = %d, want %d", out.Error.Status(), status)
	}
}

func TestIngest_MilestoneForm(t *testing.T) {
	f := newFixture(t, nil)

	out := f.svc.Ingest(context.Background(), formRequest(milestoneForm()))
	if !out.Success {
		t.Fatalf("Ingest() failed: %v", out.Error)
	}
	if out.LeafType != classifier.LeafMilestone {
		t.Errorf("LeafType = %s, want milestone", out.LeafType)
	}
	if out.HasMedia {
		t.Error("HasMedia = true, want false")
	}
	if out.Duplicate {
		t.Error("Duplicate = true on first delivery")
	}
	if _, err := uuid.Parse(out.LeafID); err != nil {
		t.Errorf("LeafID %q is not a uuid", out.LeafID)
	}

	if f.leaves.count() != 1 {
		t.Fatalf("created %d leaves, want 1", f.leaves.count())
	}
	leaf := f.leaves.created[0]
	if leaf.AuthorID != testUser {
		t.Errorf("AuthorID = %s, want %s", leaf.AuthorID, testUser)
	}
	if leaf.TreeID != nil {
		t.Errorf("TreeID = %v, want nil for a user address", leaf.TreeID)
	}
	if leaf.Content != "Hi\n\nOur baby said her first word!" {
		t.Errorf("Content = %q", leaf.Content)
	}
	if leaf.Sender != "a@b.com" {
		t.Errorf("Sender = %q", leaf.Sender)
	}
	found := false
	for _, kw := range leaf.MilestoneKeywords {
		if kw == "first" {
			found = true
		}
	}
	if !found {
		t.Errorf("MilestoneKeywords = %v, want to contain first", leaf.MilestoneKeywords)
	}
	if !strings.HasPrefix(leaf.SourceMessageID, "fp-") {
		t.Errorf("SourceMessageID = %q, want fingerprint without a message id", leaf.SourceMessageID)
	}

	if len(f.notifier.events) != 1 {
		t.Fatalf("published %d events, want 1", len(f.notifier.events))
	}
	ev := f.notifier.events[0]
	if ev.Type != events.EventTypeLeafCreated || ev.UserID != testUserID {
		t.Errorf("event = %s for %s", ev.Type, ev.UserID)
	}
}

func TestIngest_DomainNotAllowed(t *testing.T) {
	f := newFixture(t, func(c *config.IngestConfig) {
		c.AllowedDomains = []string{"leafmail.app"}
	})

	out := f.svc.Ingest(context.Background(), formRequest(milestoneForm()))
	wantError(t, out, KindUnrecognizedAddress, http.StatusBadRequest)
	if f.leaves.count() != 0 {
		t.Errorf("created %d leaves, want none", f.leaves.count())
	}
	if len(f.notifier.events) != 0 {
		t.Error("event published for rejected email")
	}
}

func TestIngest_OversizedAttachmentOmitted(t *testing.T) {
	f := newFixture(t, func(c *config.IngestConfig) {
		c.MaxAttachmentSize = 16
	})

	req := multipartRequest(t, url.Values{
		"recipient":        {"user-" + testUserID + "@example.com"},
		"sender":           {"a@b.com"},
		"subject":          {"Beach day"},
		"attachment-count": {"2"},
	}, []filePart{
		{field: "attachment-1", filename: "beach.jpg", data: []byte("\xff\xd8\xff\xe0jpeg")},
		{field: "attachment-2", filename: "huge.jpg", data: bytes.Repeat([]byte{0xff}, 64)},
	})

	out := f.svc.Ingest(context.Background(), req)
	if !out.Success {
		t.Fatalf("Ingest() failed: %v", out.Error)
	}
	if !out.HasMedia {
		t.Error("HasMedia = false, want true")
	}
	if out.LeafType != classifier.LeafPhoto {
		t.Errorf("LeafType = %s, want photo", out.LeafType)
	}

	leaf := f.leaves.created[0]
	if len(leaf.Media) != 1 {
		t.Fatalf("leaf has %d media, want 1", len(leaf.Media))
	}
	if leaf.Media[0].Filename != "beach.jpg" {
		t.Errorf("media filename = %q, want beach.jpg", leaf.Media[0].Filename)
	}
	if !strings.HasPrefix(leaf.Media[0].StoragePath, "leaves/"+testUserID+"/") {
		t.Errorf("StoragePath = %q", leaf.Media[0].StoragePath)
	}
	if len(f.objects.objects) != 1 {
		t.Errorf("stored %d objects, want 1", len(f.objects.objects))
	}
}

func TestIngest_Authentication(t *testing.T) {
	stamp := func(ts time.Time) string { return strconv.FormatInt(ts.Unix(), 10) }

	tests := []struct {
		name    string
		headers map[string]string
		wantOK  bool
	}{
		{
			name:    "no credentials",
			headers: map[string]string{},
		},
		{
			name:    "wrong api key",
			headers: map[string]string{auth.HeaderAPIKey: "guess"},
		},
		{
			name: "expired signature",
			headers: map[string]string{
				auth.HeaderTimestamp: stamp(time.Now().Add(-time.Hour)),
				auth.HeaderToken:     "tok",
				auth.HeaderSignature: auth.Sign(testSecret, stamp(time.Now().Add(-time.Hour)), "tok"),
			},
		},
		{
			name: "fresh signature",
			headers: map[string]string{
				auth.HeaderTimestamp: stamp(time.Now()),
				auth.HeaderToken:     "tok",
				auth.HeaderSignature: auth.Sign(testSecret, stamp(time.Now()), "tok"),
			},
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(c *config.IngestConfig) {
				c.SigningSecret = testSecret
			})
			req := formRequest(milestoneForm())
			req.Header.Del(auth.HeaderAPIKey)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			out := f.svc.Ingest(context.Background(), req)
			if tt.wantOK {
				if !out.Success {
					t.Fatalf("Ingest() failed: %v", out.Error)
				}
				return
			}
			wantError(t, out, KindAuthenticationFailure, http.StatusUnauthorized)
			if f.leaves.count() != 0 {
				t.Error("leaf created for unauthenticated request")
			}
		})
	}
}

func TestIngest_Redelivery(t *testing.T) {
	tests := []struct {
		name    string
		form    url.Values
		noDedup bool
		wantKey string
	}{
		{
			name:    "message id",
			form:    withField(milestoneForm(), "Message-Id", "<abc@mail.example.com>"),
			wantKey: IdempotencyKey(&parser.IncomingEmail{MessageID: "abc@mail.example.com"}, userRecipient),
		},
		{
			name: "fingerprint",
			form: milestoneForm(),
		},
		{
			name:    "database constraint only",
			form:    withField(milestoneForm(), "Message-Id", "<abc@mail.example.com>"),
			noDedup: true,
			wantKey: IdempotencyKey(&parser.IncomingEmail{MessageID: "abc@mail.example.com"}, userRecipient),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			if tt.noDedup {
				f.svc.dedup = nil
			}

			first := f.svc.Ingest(context.Background(), formRequest(tt.form))
			second := f.svc.Ingest(context.Background(), formRequest(tt.form))

			if !first.Success || !second.Success {
				t.Fatalf("first = %+v, second = %+v", first, second)
			}
			if !second.Duplicate {
				t.Error("second delivery not reported as duplicate")
			}
			if second.LeafID != first.LeafID {
				t.Errorf("second LeafID = %s, want %s", second.LeafID, first.LeafID)
			}
			if second.LeafType != first.LeafType {
				t.Errorf("second LeafType = %s, want %s", second.LeafType, first.LeafType)
			}
			if f.leaves.count() != 1 {
				t.Errorf("created %d leaves, want 1", f.leaves.count())
			}
			if len(f.notifier.events) != 1 {
				t.Errorf("published %d events, want 1", len(f.notifier.events))
			}
			if tt.wantKey != "" && f.leaves.created[0].SourceMessageID != tt.wantKey {
				t.Errorf("SourceMessageID = %q, want %q", f.leaves.created[0].SourceMessageID, tt.wantKey)
			}
		})
	}
}

func TestIngest_DedupUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	f.dedup.err = errors.New("redis: connection refused")

	out := f.svc.Ingest(context.Background(), formRequest(milestoneForm()))
	if !out.Success {
		t.Fatalf("Ingest() failed: %v", out.Error)
	}
	if f.leaves.count() != 1 {
		t.Errorf("created %d leaves, want 1", f.leaves.count())
	}
}

func TestIngest_IdentityErrors(t *testing.T) {
	tests := []struct {
		name       string
		to         string
		lookupErr  error
		wantKind   ErrorKind
		wantStatus int
	}{
		{
			name:       "unknown user",
			to:         "u-00000000-0000-4000-8000-000000000000@example.com",
			wantKind:   KindIdentityNotFound,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "lookup failure",
			to:         "u-" + testUserID + "@example.com",
			lookupErr:  errors.New("pool closed"),
			wantKind:   KindInternal,
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "unrecognized local part",
			to:         "hello@example.com",
			wantKind:   KindUnrecognizedAddress,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.identities.err = tt.lookupErr

			out := f.svc.Ingest(context.Background(), formRequest(withField(milestoneForm(), "recipient", tt.to)))
			wantError(t, out, tt.wantKind, tt.wantStatus)
			if f.leaves.count() != 0 {
				t.Error("leaf created")
			}
		})
	}
}

func TestIngest_PayloadErrors(t *testing.T) {
	t.Run("unsupported content type", func(t *testing.T) {
		f := newFixture(t, nil)
		req := formRequest(milestoneForm())
		req.Header.Set("Content-Type", "text/plain")

		out := f.svc.Ingest(context.Background(), req)
		wantError(t, out, KindUnsupportedContentType, http.StatusBadRequest)
	})

	t.Run("missing sender", func(t *testing.T) {
		f := newFixture(t, nil)
		form := milestoneForm()
		form.Del("sender")

		out := f.svc.Ingest(context.Background(), formRequest(form))
		wantError(t, out, KindMalformedPayload, http.StatusBadRequest)
	})

	t.Run("body too large", func(t *testing.T) {
		f := newFixture(t, func(c *config.IngestConfig) {
			c.MaxEmailSize = 64
		})
		form := withField(milestoneForm(), "body-plain", strings.Repeat("long story ", 50))

		out := f.svc.Ingest(context.Background(), formRequest(form))
		wantError(t, out, KindPayloadTooLarge, http.StatusRequestEntityTooLarge)
	})
}

func TestIngest_PersistenceFailureRollsBack(t *testing.T) {
	f := newFixture(t, nil)
	f.leaves.createErr = errors.New("connection reset by peer")

	req := multipartRequest(t, url.Values{
		"recipient":        {"u-" + testUserID + "@example.com"},
		"sender":           {"a@b.com"},
		"Message-Id":       {"<retry-me@mail.example.com>"},
		"attachment-count": {"1"},
	}, []filePart{
		{field: "attachment-1", filename: "beach.jpg", data: []byte("\xff\xd8\xff\xe0jpeg")},
	})

	out := f.svc.Ingest(context.Background(), req)
	wantError(t, out, KindPersistenceFailure, http.StatusInternalServerError)

	if len(f.dedup.released) != 1 || f.dedup.released[0] != "retry-me@mail.example.com" {
		t.Errorf("released = %v, want the claimed key", f.dedup.released)
	}
	if len(f.objects.deleted) != 1 {
		t.Errorf("deleted %v, want the one upload", f.objects.deleted)
	}
	if len(f.objects.objects) != 0 {
		t.Errorf("%d objects left behind", len(f.objects.objects))
	}
	if len(f.notifier.events) != 0 {
		t.Error("event published for unsaved leaf")
	}

	// the relay's retry must be able to succeed
	f.leaves.createErr = nil
	retry := multipartRequest(t, url.Values{
		"recipient":        {"u-" + testUserID + "@example.com"},
		"sender":           {"a@b.com"},
		"Message-Id":       {"<retry-me@mail.example.com>"},
		"attachment-count": {"1"},
	}, []filePart{
		{field: "attachment-1", filename: "beach.jpg", data: []byte("\xff\xd8\xff\xe0jpeg")},
	})
	out = f.svc.Ingest(context.Background(), retry)
	if !out.Success || out.Duplicate {
		t.Fatalf("retry = %+v, want fresh success", out)
	}
}

func TestIngest_PersonTreeAddress(t *testing.T) {
	f := newFixture(t, nil)

	out := f.svc.Ingest(context.Background(), formRequest(withField(milestoneForm(), "recipient", "person-"+testTreeID+"@example.com")))
	if !out.Success {
		t.Fatalf("Ingest() failed: %v", out.Error)
	}
	leaf := f.leaves.created[0]
	if leaf.TreeID == nil || leaf.TreeID.String() != testTreeID {
		t.Errorf("TreeID = %v, want %s", leaf.TreeID, testTreeID)
	}
	if leaf.AuthorID != testUser {
		t.Errorf("AuthorID = %s, want tree owner", leaf.AuthorID)
	}
}

func TestIngest_NotifierFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.notifier.err = errors.New("queue full")

	out := f.svc.Ingest(context.Background(), formRequest(milestoneForm()))
	if !out.Success {
		t.Fatalf("Ingest() failed: %v", out.Error)
	}
	if f.leaves.count() != 1 {
		t.Errorf("created %d leaves, want 1", f.leaves.count())
	}
}

func TestIngest_JSON(t *testing.T) {
	f := newFixture(t, nil)
	body := `{"to":"u-` + testUserID + `@example.com","from":"a@b.com","subject":"Notes","text":"Rainy afternoon #garden","message_id":"json-1"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/email", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderAPIKey, testAPIKey)

	out := f.svc.Ingest(context.Background(), req)
	if !out.Success {
		t.Fatalf("Ingest() failed: %v", out.Error)
	}
	if out.LeafType != classifier.LeafText {
		t.Errorf("LeafType = %s, want text", out.LeafType)
	}
	leaf := f.leaves.created[0]
	if len(leaf.Tags) != 1 || leaf.Tags[0] != "garden" {
		t.Errorf("Tags = %v, want [garden]", leaf.Tags)
	}
	if want := IdempotencyKey(&parser.IncomingEmail{MessageID: "json-1"}, userRecipient); leaf.SourceMessageID != want {
		t.Errorf("SourceMessageID = %q, want %q", leaf.SourceMessageID, want)
	}
}

func TestIngest_SharedMessageIDPerRecipient(t *testing.T) {
	f := newFixture(t, nil)
	shared := withField(milestoneForm(), "Message-Id", "<shared@mail.example>")
	toTree := withField(shared, "recipient", "person-"+testTreeID+"@example.com")

	user := f.svc.Ingest(context.Background(), formRequest(shared))
	tree := f.svc.Ingest(context.Background(), formRequest(toTree))
	if !user.Success || !tree.Success {
		t.Fatalf("user = %+v, tree = %+v", user, tree)
	}
	if tree.Duplicate {
		t.Error("tree delivery reported as duplicate of the user delivery")
	}
	if tree.LeafID == user.LeafID {
		t.Errorf("both recipients got leaf %s", user.LeafID)
	}
	if f.leaves.count() != 2 {
		t.Fatalf("created %d leaves, want 2", f.leaves.count())
	}
	if f.leaves.created[1].TreeID == nil {
		t.Error("tree leaf written without tree_id")
	}

	again := f.svc.Ingest(context.Background(), formRequest(toTree))
	if !again.Duplicate || again.LeafID != tree.LeafID {
		t.Errorf("tree redelivery = %+v, want duplicate of %s", again, tree.LeafID)
	}
	if f.leaves.count() != 2 {
		t.Errorf("created %d leaves after redelivery, want 2", f.leaves.count())
	}
}

func TestIdempotencyKey(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	base := &parser.IncomingEmail{To: "u-1@example.com", From: "a@b.com", Subject: "Hi", Text: "hello", Timestamp: &ts}
	treeRecipient := &recipient.ResolvedRecipient{Kind: recipient.KindTree, ID: testTreeID}

	byID := IdempotencyKey(&parser.IncomingEmail{MessageID: " id-1 "}, userRecipient)
	if byID != IdempotencyKey(&parser.IncomingEmail{MessageID: "id-1"}, userRecipient) {
		t.Error("surrounding whitespace changed the message id key")
	}
	if !strings.HasPrefix(byID, "msg-") || len(byID) != 36 {
		t.Errorf("message id key = %q", byID)
	}
	if IdempotencyKey(&parser.IncomingEmail{MessageID: "id-1"}, treeRecipient) == byID {
		t.Error("same message id for a different recipient produced the same key")
	}

	a := IdempotencyKey(base, userRecipient)
	b := IdempotencyKey(&parser.IncomingEmail{To: "u-1@example.com", From: "a@b.com", Subject: "Hi", Text: "hello", Timestamp: &ts}, userRecipient)
	if a != b {
		t.Errorf("identical payloads gave %q and %q", a, b)
	}
	if !strings.HasPrefix(a, "fp-") || len(a) != 35 {
		t.Errorf("fingerprint = %q", a)
	}
	if IdempotencyKey(base, treeRecipient) == a {
		t.Error("same payload for a different recipient produced the same fingerprint")
	}

	changed := *base
	changed.Text = "hello!"
	if IdempotencyKey(&changed, userRecipient) == a {
		t.Error("different text produced the same fingerprint")
	}

	// field boundaries are part of the fingerprint
	shifted := *base
	shifted.Subject, shifted.Text = "Hihello", ""
	if IdempotencyKey(&shifted, userRecipient) == a {
		t.Error("shifted fields produced the same fingerprint")
	}
}

func TestLeafContent(t *testing.T) {
	tests := []struct {
		subject, text, want string
	}{
		{"Hi", "body", "Hi\n\nbody"},
		{"", "body", "body"},
		{"Hi", "  ", "Hi"},
		{" ", "", ""},
	}
	for _, tt := range tests {
		if got := LeafContent(tt.subject, tt.text); got != tt.want {
			t.Errorf("LeafContent(%q, %q) = %q, want %q", tt.subject, tt.text, got, tt.want)
		}
	}
}

func TestErrorKind(t *testing.T) {
	if KindIdentityNotFound.Status() != http.StatusNotFound {
		t.Errorf("identity_not_found status = %d", KindIdentityNotFound.Status())
	}
	if ErrorKind("bogus").Status() != http.StatusInternalServerError {
		t.Error("unknown kind should map to 500")
	}
	if ErrorKind("bogus").Message() != KindInternal.Message() {
		t.Error("unknown kind should use the internal message")
	}

	cause := errors.New("boom")
	err := newError(KindPersistenceFailure, cause)
	if !errors.Is(err, cause) {
		t.Error("Error does not unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "persistence_failure") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func withField(values url.Values, key, value string) url.Values {
	out := url.Values{}
	for k, vs := range values {
		out[k] = append([]string(nil), vs...)
	}
	out.Set(key, value)
	return out
}
