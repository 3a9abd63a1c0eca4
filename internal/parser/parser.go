// Package parser normalizes relay webhook payloads (provider forms, multipart
// forms and JSON) into one canonical IncomingEmail.
package parser

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/jhillyerd/enmime"

	"github.com/welldanyogia/leafmail/internal/sanitizer"
)

// Parser converts raw webhook bodies to IncomingEmail values
type Parser struct {
	html     sanitizer.HTMLSanitizer
	validate *validator.Validate
	logger   *slog.Logger
}

// NewParser creates a parser. A nil sanitizer uses the default bluemonday policy.
func NewParser(html sanitizer.HTMLSanitizer, logger *slog.Logger) *Parser {
	if html == nil {
		html = sanitizer.NewHTMLSanitizer()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{
		html:     html,
		validate: validator.New(),
		logger:   logger,
	}
}

// requiredFields are validated on every parsed email
type requiredFields struct {
	To   string `validate:"required,email"`
	From string `validate:"required"`
}

// Parse branches on the declared content type and builds the canonical email.
// Failures are *ParseError values.
func (p *Parser) Parse(contentType string, body []byte) (*IncomingEmail, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, unsupported(contentType)
	}

	var email *IncomingEmail
	switch mediaType {
	case ContentTypeForm:
		email, err = p.parseURLEncoded(body)
	case ContentTypeMultipart:
		email, err = p.parseMultipart(body, params["boundary"])
	case ContentTypeJSON:
		email, err = p.parseJSON(body)
	default:
		return nil, unsupported(mediaType)
	}
	if err != nil {
		return nil, err
	}

	email.SizeBytes = int64(len(body))
	p.finish(email)

	if err := p.validate.Struct(requiredFields{To: email.To, From: email.From}); err != nil {
		return nil, malformed("validation", missingFieldMessage(err))
	}
	return email, nil
}

func (p *Parser) parseURLEncoded(body []byte) (*IncomingEmail, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, malformed("form", "invalid form encoding")
	}
	fields := Fields(values)
	email := fromFields(fields)
	email.Attachments = p.inlineAttachments(fields, nil)
	p.mergeRawMIME(email, fields)
	return email, nil
}

func (p *Parser) parseMultipart(body []byte, boundary string) (*IncomingEmail, error) {
	if boundary == "" {
		return nil, malformed("multipart", "missing multipart boundary")
	}

	form, err := multipart.NewReader(bytes.NewReader(body), boundary).ReadForm(MaxMultipartMemory)
	if err != nil {
		return nil, malformed("multipart", "invalid multipart body")
	}
	defer form.RemoveAll()

	fields := Fields(form.Value)
	email := fromFields(fields)

	attachments := p.countedFileParts(fields, form.File)
	if len(attachments) == 0 {
		attachments = p.inlineAttachments(fields, form.File)
	}
	email.Attachments = attachments
	p.mergeRawMIME(email, fields)
	return email, nil
}

// fromFields applies the extraction rules for every scalar canonical field
func fromFields(fields Fields) *IncomingEmail {
	return &IncomingEmail{
		To:          NormalizeAddress(FirstOf(fields, toRules)),
		From:        NormalizeAddress(FirstOf(fields, fromRules)),
		Subject:     decodeHeader(FirstOf(fields, subjectRules)),
		Text:        FirstOf(fields, textRules),
		HTML:        FirstOf(fields, htmlRules),
		MessageID:   strings.Trim(FirstOf(fields, messageIDRules), "<> "),
		Timestamp:   ParseTimestamp(FirstOf(fields, timestampRules)),
		Attachments: []*Attachment{},
	}
}

// countedFileParts reads the attachment-count / attachment-N shape
func (p *Parser) countedFileParts(fields Fields, files map[string][]*multipart.FileHeader) []*Attachment {
	count := min(ParseCount(fields.Get("attachment-count")), MaxAttachments)
	attachments := make([]*Attachment, 0, min(count, len(files)))
	for i := 1; i <= count && len(attachments) < len(files); i++ {
		key := "attachment-" + strconv.Itoa(i)
		headers := files[key]
		if len(headers) == 0 {
			p.logger.Warn("attachment part missing", "field", key, "attachment_count", count)
			continue
		}
		att, err := readFilePart(headers[0], "")
		if err != nil {
			p.logger.Warn("failed to read attachment part", "field", key, "error", err)
			continue
		}
		attachments = append(attachments, att)
	}
	return attachments
}

// inlineAttachments reads the attachments / attachmentN / attachmentN_content shape.
// Entries may be file parts or base64 form fields; numbering is 1-based with a
// 0-based fallback.
func (p *Parser) inlineAttachments(fields Fields, files map[string][]*multipart.FileHeader) []*Attachment {
	count := min(ParseCount(fields.Get("attachments")), MaxAttachments)
	if count == 0 {
		return []*Attachment{}
	}

	has := func(i int) bool {
		key := "attachment" + strconv.Itoa(i)
		return len(files[key]) > 0 || fields.Get(key) != "" || fields.Get(key+"_content") != ""
	}
	start := 1
	if !has(1) && has(0) {
		start = 0
	}

	attachments := make([]*Attachment, 0, count)
	for i := start; i < start+count; i++ {
		key := "attachment" + strconv.Itoa(i)
		declared := fields.Get(key + "_content_type")

		if headers := files[key]; len(headers) > 0 {
			att, err := readFilePart(headers[0], declared)
			if err != nil {
				p.logger.Warn("failed to read attachment part", "field", key, "error", err)
				continue
			}
			attachments = append(attachments, att)
			continue
		}

		encoded := fields.Get(key + "_content")
		if encoded == "" {
			p.logger.Warn("attachment content missing", "field", key)
			continue
		}
		data, err := decodeBase64(encoded)
		if err != nil {
			p.logger.Warn("attachment content is not valid base64", "field", key)
			continue
		}
		filename := strings.TrimSpace(fields.Get(key))
		if filename == "" {
			filename = key
		}
		attachments = append(attachments, &Attachment{
			Filename:    filename,
			ContentType: contentTypeFor(declared, filename, data),
			Size:        int64(len(data)),
			Data:        data,
		})
	}
	return attachments
}

// mergeRawMIME fills fields the flat form did not supply from a raw MIME message
func (p *Parser) mergeRawMIME(email *IncomingEmail, fields Fields) {
	raw := FirstOf(fields, rawMIMERules)
	if raw == "" {
		return
	}

	env, err := enmime.ReadEnvelope(strings.NewReader(raw))
	if err != nil {
		p.logger.Warn("failed to parse raw MIME field", "error", err)
		return
	}
	for _, perr := range env.Errors {
		p.logger.Debug("raw MIME parse warning", "error", perr.Error())
	}

	if email.To == "" {
		email.To = NormalizeAddress(env.GetHeader("To"))
	}
	if email.From == "" {
		email.From = NormalizeAddress(env.GetHeader("From"))
	}
	if email.Subject == "" {
		email.Subject = decodeHeader(env.GetHeader("Subject"))
	}
	if email.Text == "" {
		email.Text = env.Text
	}
	if email.HTML == "" {
		email.HTML = env.HTML
	}
	if email.MessageID == "" {
		email.MessageID = strings.Trim(env.GetHeader("Message-Id"), "<> ")
	}
	if email.Timestamp == nil {
		email.Timestamp = ParseTimestamp(env.GetHeader("Date"))
	}

	if len(email.Attachments) > 0 {
		return
	}
	parts := append(append([]*enmime.Part{}, env.Attachments...), env.Inlines...)
	for i, part := range parts {
		filename := part.FileName
		if filename == "" {
			filename = "attachment" + strconv.Itoa(i+1)
		}
		email.Attachments = append(email.Attachments, &Attachment{
			Filename:    filename,
			ContentType: contentTypeFor(part.ContentType, filename, part.Content),
			Size:        int64(len(part.Content)),
			Data:        part.Content,
		})
	}
}

// finish sanitizes HTML and derives text for HTML-only messages
func (p *Parser) finish(email *IncomingEmail) {
	email.Subject = sanitizeHeader(email.Subject)
	email.Text = strings.TrimSpace(email.Text)
	if email.HTML != "" {
		if email.Text == "" {
			email.Text = p.html.ToText(email.HTML)
		}
		email.HTML = p.html.Sanitize(email.HTML)
	}
	if email.Attachments == nil {
		email.Attachments = []*Attachment{}
	}
}

func (p *Parser) parseJSON(body []byte) (*IncomingEmail, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil || payload == nil {
		return nil, malformed("json", "request body is not a JSON object")
	}

	fields := flattenJSON(payload)
	email := fromFields(fields)

	for _, key := range []string{"attachments", "Attachments"} {
		entries, ok := payload[key].([]any)
		if !ok {
			continue
		}
		for i, entry := range entries {
			obj, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			if att := p.jsonAttachment(flattenJSON(obj), i); att != nil {
				email.Attachments = append(email.Attachments, att)
			}
		}
		break
	}
	p.mergeRawMIME(email, fields)
	return email, nil
}

var (
	jsonFilenameRules    = []Rule{Field("filename"), Field("Filename"), Field("name"), Field("Name")}
	jsonContentTypeRules = []Rule{Field("contentType"), Field("content_type"), Field("ContentType"), Field("type")}
	jsonContentRules     = []Rule{Field("content"), Field("Content"), Field("data")}
	jsonSizeRules        = []Rule{Field("size"), Field("Size"), Field("ContentLength")}
	jsonURLRules         = []Rule{Field("url"), Field("URL")}
)

// jsonAttachment maps one JSON attachment object. Entries with a URL but no
// content are kept as already-stored media.
func (p *Parser) jsonAttachment(fields Fields, index int) *Attachment {
	filename := FirstOf(fields, jsonFilenameRules)
	if filename == "" {
		filename = "attachment" + strconv.Itoa(index+1)
	}

	att := &Attachment{
		Filename: filename,
		URL:      FirstOf(fields, jsonURLRules),
		Size:     int64(ParseCount(FirstOf(fields, jsonSizeRules))),
	}

	if encoded := FirstOf(fields, jsonContentRules); encoded != "" {
		data, err := decodeBase64(encoded)
		if err != nil {
			p.logger.Warn("attachment content is not valid base64", "filename", filename)
			return nil
		}
		att.Data = data
		att.Size = int64(len(data))
	}
	att.ContentType = contentTypeFor(FirstOf(fields, jsonContentTypeRules), filename, att.Data)
	return att
}

// flattenJSON reduces a JSON object to Fields. Scalars become strings, arrays keep
// every scalar entry, and address objects ({"email": ...}) contribute their address.
func flattenJSON(obj map[string]any) Fields {
	fields := make(Fields, len(obj))
	for key, value := range obj {
		switch v := value.(type) {
		case []any:
			for _, item := range v {
				if s, ok := jsonScalar(item); ok {
					fields[key] = append(fields[key], s)
				}
			}
		default:
			if s, ok := jsonScalar(v); ok {
				fields[key] = []string{s}
			}
		}
	}
	return fields
}

func jsonScalar(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case bool:
		return strconv.FormatBool(v), true
	case map[string]any:
		for _, key := range []string{"email", "Email", "address"} {
			if s, ok := v[key].(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

func readFilePart(fh *multipart.FileHeader, declared string) (*Attachment, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open part %s: %w", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read part %s: %w", fh.Filename, err)
	}

	if declared == "" {
		declared = fh.Header.Get("Content-Type")
	}
	return &Attachment{
		Filename:    fh.Filename,
		ContentType: contentTypeFor(declared, fh.Filename, data),
		Size:        int64(len(data)),
		Data:        data,
	}, nil
}

// contentTypeFor prefers the declared type, then the extension, then sniffing
func contentTypeFor(declared, filename string, data []byte) string {
	if mediaType, _, err := mime.ParseMediaType(declared); err == nil && mediaType != ContentTypeOctet {
		return mediaType
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); byExt != "" {
		if mediaType, _, err := mime.ParseMediaType(byExt); err == nil {
			return mediaType
		}
	}
	if len(data) > 0 {
		sniffed, _, _ := mime.ParseMediaType(http.DetectContentType(data))
		return sniffed
	}
	return ContentTypeOctet
}

func decodeBase64(encoded string) ([]byte, error) {
	encoded = strings.Join(strings.Fields(encoded), "")
	if data, err := base64.StdEncoding.DecodeString(encoded); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
}

func decodeHeader(value string) string {
	decoded, err := new(mime.WordDecoder).DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

func missingFieldMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		field := strings.ToLower(verrs[0].Field())
		if verrs[0].Tag() == "required" {
			return fmt.Sprintf("missing required field: %s", field)
		}
		return fmt.Sprintf("invalid field: %s", field)
	}
	return "missing required fields"
}

func unsupported(contentType string) *ParseError {
	return &ParseError{
		Kind:    KindUnsupportedContentType,
		Stage:   "content_type",
		Message: fmt.Sprintf("unsupported content type: %q", contentType),
	}
}

func malformed(stage, message string) *ParseError {
	return &ParseError{Kind: KindMalformedPayload, Stage: stage, Message: message}
}
